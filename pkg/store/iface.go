// iface.go defines the StoreInterface for dependency injection and testing.
//
// The concrete *Store type satisfies this interface. Code that depends on
// the store (the relay, the `sm log`, `sm nodes` and `sm status --db`
// commands) accepts StoreInterface instead of *Store, enabling mock
// injection in tests.
package store

import (
	"github.com/daviddao/scenemesh/pkg/clock"
	"github.com/daviddao/scenemesh/pkg/model"
)

// StoreInterface defines the full set of store operations.
// The concrete *Store type implements this interface.
type StoreInterface interface {
	// Close closes the database connection.
	Close() error

	// --- Nodes ---

	// UpsertNode stores the authoritative state of a node.
	UpsertNode(n *model.Node) error

	// SetOwner updates the owner of a stored node.
	SetOwner(uuid, owner string, stamp clock.Stamp) error

	// DeleteNode removes a node.
	DeleteNode(uuid string) error

	// GetNode retrieves a node by uuid.
	GetNode(uuid string) (*model.Node, error)

	// ListNodes returns every stored node ordered by uuid.
	ListNodes() ([]model.Node, error)

	// CountNodes returns the number of stored nodes.
	CountNodes() int64

	// --- Journal ---

	// AppendJournal appends an entry. Returns the row ID.
	AppendJournal(e *Entry) (int64, error)

	// ListJournal returns entries with row ID > sinceID.
	ListJournal(sinceID int64, limit int) ([]Entry, error)

	// ListJournalForNode returns the history of one node.
	ListJournalForNode(uuid string, limit int) ([]Entry, error)

	// MaxJournalID returns the highest entry ID, or 0 if empty.
	MaxJournalID() int64

	// MaxStamp returns the highest journaled Lamport timestamp, or 0.
	MaxStamp() int64

	// --- Users ---

	// TouchUser creates or updates a user.
	TouchUser(u model.User) error

	// ListUsers returns every user ever seen.
	ListUsers() ([]model.User, error)
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
