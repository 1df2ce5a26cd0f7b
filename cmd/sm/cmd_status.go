package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/scenemesh/pkg/model"
	"github.com/daviddao/scenemesh/pkg/relay"
	"github.com/daviddao/scenemesh/pkg/store"
)

func (a *app) statusCmd() *cobra.Command {
	var addr, db string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a relay's users and node owners",
		Long: `Ask a running relay for its users and node owners. With --db the relay
database is read instead, which works while the relay is down.`,
		Example: `  sm status --addr 127.0.0.1:7450
  sm status --addr ws://relay.local:7450/ws --json
  sm status --db relay.db`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("db") {
				a.cfg.DB = db
				return a.storedStatus(cmd.OutOrStdout(), jsonOut)
			}
			if !cmd.Flags().Changed("addr") && a.cfg.URL != "" {
				addr = a.cfg.URL
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.ConnectTimeout)
			defer cancel()
			st, err := fetchStatus(ctx, addr)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7450", "relay address, http:// or ws:// URL")
	cmd.Flags().StringVar(&db, "db", "", "read a relay SQLite file instead of a running relay")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

// dbStatus summarizes a relay database.
type dbStatus struct {
	Users   []model.User   `json:"users"`
	Nodes   int64          `json:"nodes"`
	Owners  map[string]int `json:"owners"`
	Clock   int64          `json:"clock"`
	Journal int64          `json:"journal"`
}

func readDBStatus(st store.StoreInterface) (dbStatus, error) {
	users, err := st.ListUsers()
	if err != nil {
		return dbStatus{}, fmt.Errorf("status: users: %w", err)
	}
	nodes, err := st.ListNodes()
	if err != nil {
		return dbStatus{}, fmt.Errorf("status: nodes: %w", err)
	}
	owners := make(map[string]int)
	for _, n := range nodes {
		owners[n.Owner]++
	}
	return dbStatus{
		Users:   users,
		Nodes:   st.CountNodes(),
		Owners:  owners,
		Clock:   st.MaxStamp(),
		Journal: st.MaxJournalID(),
	}, nil
}

func (a *app) storedStatus(w io.Writer, jsonOut bool) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	ss, err := readDBStatus(st)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(w, ss)
	}
	fmt.Fprintf(w, "Database %s: clock %d, %d node(s), journal at #%d\n", a.cfg.DB, ss.Clock, ss.Nodes, ss.Journal)
	printRoster(w, ss.Users, ss.Owners)
	return nil
}

// statusURL turns a listen address or a relay URL into the /status URL.
func statusURL(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("relay address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "http"
	case "https", "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("relay address %q: unsupported scheme %s", addr, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay address %q: missing host", addr)
	}
	if strings.HasPrefix(u.Host, ":") {
		u.Host = "127.0.0.1" + u.Host
	}
	u.Path = "/status"
	u.RawQuery = ""
	return u.String(), nil
}

func fetchStatus(ctx context.Context, addr string) (relay.Status, error) {
	var st relay.Status
	target, err := statusURL(addr)
	if err != nil {
		return st, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("status: %s returned %s", target, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("status: decode: %w", err)
	}
	return st, nil
}

func printStatus(w io.Writer, st relay.Status) {
	fmt.Fprintf(w, "Relay up %s, clock %d, %d node(s)\n",
		time.Since(st.Started).Truncate(time.Second), st.Clock, st.Nodes)
	printRoster(w, st.Users, st.Owners)
}

func printRoster(w io.Writer, users []model.User, owners map[string]int) {
	fmt.Fprintf(w, "\nUsers (%d):\n", len(users))
	if len(users) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, u := range users {
		presence := userPresence(u)
		fmt.Fprintf(w, "  %s %-16s %-7s joined %s ago", presenceIndicator(presence), u.Username, presence,
			time.Since(u.JoinedAt).Truncate(time.Second))
		if u.Latency > 0 {
			fmt.Fprintf(w, ", latency %s", u.Latency.Round(time.Millisecond))
		}
		fmt.Fprintln(w)
	}

	if len(owners) > 0 {
		fmt.Fprintf(w, "\nOwners:\n")
		names := make([]string, 0, len(owners))
		for name := range owners {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %-16s %d\n", name, owners[name])
		}
	}
}

// userPresence derives a presence label from when the relay last heard
// from u.
func userPresence(u model.User) string {
	since := time.Since(u.LastSeen)
	switch {
	case since < 30*time.Second:
		return "active"
	case since < 5*time.Minute:
		return "idle"
	default:
		return "away"
	}
}

// presenceIndicator returns a short text indicator for display.
func presenceIndicator(presence string) string {
	switch presence {
	case "active":
		return "[+]"
	case "idle":
		return "[~]"
	default:
		return "[-]"
	}
}
