// Package store manages SQLite persistence for the scenemesh relay.
//
// The relay keeps its authoritative graph in memory; the store mirrors it so
// a relay restart resumes the session instead of starting empty. Three
// tables carry the state: nodes (the current buffer and owner of every
// node, payloads zstd-compressed), journal (an append-only log of every
// accepted frame, used to seed the relay clock and by `sm log`) and users
// (everyone who ever joined, with their last metadata).
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/daviddao/scenemesh/pkg/clock"
	"github.com/daviddao/scenemesh/pkg/model"

	_ "modernc.org/sqlite"
)

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Entry is one journal row: a frame the relay accepted.
type Entry struct {
	ID        int64       `json:"id"`
	Kind      string      `json:"kind"`
	UUID      string      `json:"uuid,omitempty"`
	TypeID    string      `json:"type_id,omitempty"`
	Owner     string      `json:"owner,omitempty"`
	Sender    string      `json:"sender,omitempty"`
	Stamp     clock.Stamp `json:"stamp"`
	CreatedAt time.Time   `json:"created_at"`
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	s := &Store{db: db, enc: enc, dec: dec}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.dec.Close()
	return s.db.Close()
}

// retryOnContention wraps retryOp from retry.go with the default config.
// All store write operations should use this to handle transient SQLite
// errors (BUSY, LOCKED, IOERR_SHORT_READ) under concurrent access.
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		uuid         TEXT PRIMARY KEY,
		type_id      TEXT NOT NULL,
		owner        TEXT NOT NULL,
		owner_ts     INTEGER NOT NULL DEFAULT 0,
		owner_origin TEXT NOT NULL DEFAULT '',
		dependencies TEXT NOT NULL DEFAULT '[]',
		payload      BLOB,
		updated_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_owner ON nodes(owner);

	CREATE TABLE IF NOT EXISTS journal (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT NOT NULL,
		uuid       TEXT,
		type_id    TEXT,
		owner      TEXT,
		sender     TEXT,
		lamport_ts INTEGER NOT NULL,
		origin     TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_journal_lamport ON journal(lamport_ts);
	CREATE INDEX IF NOT EXISTS idx_journal_uuid ON journal(uuid);

	CREATE TABLE IF NOT EXISTS users (
		username  TEXT PRIMARY KEY,
		metadata  TEXT NOT NULL DEFAULT '{}',
		joined_at TEXT NOT NULL,
		last_seen TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Nodes
// ---------------------------------------------------------------------------

// UpsertNode stores the authoritative state of n, replacing any previous
// row. State, live instance and error are local to a participant and not
// persisted.
func (s *Store) UpsertNode(n *model.Node) error {
	payload, err := s.compress(n.Buffer)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", n.UUID, err)
	}
	deps, err := json.Marshal(nonNil(n.Dependencies))
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", n.UUID, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO nodes (uuid, type_id, owner, owner_ts, owner_origin, dependencies, payload, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(uuid) DO UPDATE SET
			   type_id = excluded.type_id,
			   owner = excluded.owner,
			   owner_ts = excluded.owner_ts,
			   owner_origin = excluded.owner_origin,
			   dependencies = excluded.dependencies,
			   payload = excluded.payload,
			   updated_at = excluded.updated_at`,
			n.UUID, n.TypeID, n.Owner, n.OwnerStamp.TS, n.OwnerStamp.Origin, string(deps), payload, now,
		)
		return err
	})
}

// SetOwner updates the owner of a stored node. Unknown uuids are ignored.
func (s *Store) SetOwner(uuid, owner string, stamp clock.Stamp) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`UPDATE nodes SET owner = ?, owner_ts = ?, owner_origin = ?, updated_at = ? WHERE uuid = ?`,
			owner, stamp.TS, stamp.Origin, now, uuid,
		)
		return err
	})
}

// DeleteNode removes a node. Deleting an unknown uuid is not an error.
func (s *Store) DeleteNode(uuid string) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(`DELETE FROM nodes WHERE uuid = ?`, uuid)
		return err
	})
}

// GetNode retrieves a node by uuid.
func (s *Store) GetNode(uuid string) (*model.Node, error) {
	row := s.db.QueryRow(
		`SELECT uuid, type_id, owner, owner_ts, owner_origin, dependencies, payload
		 FROM nodes WHERE uuid = ?`, uuid,
	)
	return s.scanNode(row)
}

// ListNodes returns every stored node ordered by uuid.
func (s *Store) ListNodes() ([]model.Node, error) {
	rows, err := s.db.Query(
		`SELECT uuid, type_id, owner, owner_ts, owner_origin, dependencies, payload
		 FROM nodes ORDER BY uuid`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		n, err := s.scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

// CountNodes returns the number of stored nodes.
func (s *Store) CountNodes() int64 {
	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&count); err != nil {
		return 0
	}
	return count
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanNode(row scanner) (*model.Node, error) {
	var n model.Node
	var deps string
	var payload []byte
	if err := row.Scan(&n.UUID, &n.TypeID, &n.Owner, &n.OwnerStamp.TS, &n.OwnerStamp.Origin, &deps, &payload); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deps), &n.Dependencies); err != nil {
		return nil, fmt.Errorf("parse dependencies for node %s: %w", n.UUID, err)
	}
	if len(n.Dependencies) == 0 {
		n.Dependencies = nil
	}
	buf, err := s.decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload for node %s: %w", n.UUID, err)
	}
	n.Buffer = buf
	return &n, nil
}

// ---------------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------------

// AppendJournal appends an entry to the journal. Returns the row ID.
func (s *Store) AppendJournal(e *Entry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var lastID int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(
			`INSERT INTO journal (kind, uuid, type_id, owner, sender, lamport_ts, origin, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Kind, e.UUID, e.TypeID, e.Owner, e.Sender, e.Stamp.TS, e.Stamp.Origin,
			e.CreatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
		lastID, err = res.LastInsertId()
		return err
	})
	if err == nil {
		e.ID = lastID
	}
	return lastID, err
}

// ListJournal returns entries with row ID > sinceID, ordered by ID.
func (s *Store) ListJournal(sinceID int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, kind, COALESCE(uuid,''), COALESCE(type_id,''), COALESCE(owner,''),
		        COALESCE(sender,''), lamport_ts, COALESCE(origin,''), created_at
		 FROM journal WHERE id > ?
		 ORDER BY id ASC LIMIT ?`,
		sinceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListJournalForNode returns the history of one node, oldest first.
func (s *Store) ListJournalForNode(uuid string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, kind, COALESCE(uuid,''), COALESCE(type_id,''), COALESCE(owner,''),
		        COALESCE(sender,''), lamport_ts, COALESCE(origin,''), created_at
		 FROM journal WHERE uuid = ?
		 ORDER BY lamport_ts ASC, id ASC LIMIT ?`,
		uuid, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MaxJournalID returns the highest journal row ID, or 0 if the journal is
// empty.
func (s *Store) MaxJournalID() int64 {
	var id int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM journal`).Scan(&id); err != nil {
		return 0
	}
	return id
}

// MaxStamp returns the highest Lamport timestamp in the journal, or 0.
func (s *Store) MaxStamp() int64 {
	var ts int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(lamport_ts), 0) FROM journal`).Scan(&ts); err != nil {
		return 0
	}
	return ts
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdStr string
		if err := rows.Scan(&e.ID, &e.Kind, &e.UUID, &e.TypeID, &e.Owner, &e.Sender,
			&e.Stamp.TS, &e.Stamp.Origin, &createdStr); err != nil {
			return nil, err
		}
		var parseErr error
		e.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse created_at time for entry %d: %w", e.ID, parseErr)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// TouchUser creates or updates a user. The join time of an existing user is
// kept; metadata and last-seen are replaced.
func (s *Store) TouchUser(u model.User) error {
	meta, err := json.Marshal(u.Metadata)
	if err != nil {
		return fmt.Errorf("touch user %s: %w", u.Username, err)
	}
	if u.Metadata == nil {
		meta = []byte("{}")
	}
	joined := u.JoinedAt
	if joined.IsZero() {
		joined = time.Now()
	}
	seen := u.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO users (username, metadata, joined_at, last_seen)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(username) DO UPDATE SET
			   metadata = excluded.metadata,
			   last_seen = excluded.last_seen`,
			u.Username, string(meta),
			joined.UTC().Format(time.RFC3339Nano), seen.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

// ListUsers returns every user ever seen, ordered by username.
func (s *Store) ListUsers() ([]model.User, error) {
	rows, err := s.db.Query(
		`SELECT username, metadata, joined_at, last_seen FROM users ORDER BY username`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var meta, joinedStr, seenStr string
		if err := rows.Scan(&u.Username, &meta, &joinedStr, &seenStr); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &u.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata for user %s: %w", u.Username, err)
		}
		if len(u.Metadata) == 0 {
			u.Metadata = nil
		}
		var parseErr error
		u.JoinedAt, parseErr = time.Parse(time.RFC3339Nano, joinedStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse joined_at time for user %s: %w", u.Username, parseErr)
		}
		u.LastSeen, parseErr = time.Parse(time.RFC3339Nano, seenStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse last_seen time for user %s: %w", u.Username, parseErr)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// compress encodes a buffer as zstd-compressed JSON. Empty buffers are
// stored as NULL.
func (s *Store) compress(b model.Buffer) ([]byte, error) {
	if b.IsEmpty() {
		return nil, nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return s.enc.EncodeAll(raw, nil), nil
}

func (s *Store) decompress(data []byte) (model.Buffer, error) {
	var b model.Buffer
	if len(data) == 0 {
		return b, nil
	}
	raw, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return b, err
	}
	err = json.Unmarshal(raw, &b)
	return b, err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
