package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/daviddao/scenemesh/pkg/store"
	"github.com/daviddao/scenemesh/pkg/transport"
)

func (a *app) logCmd() *cobra.Command {
	var db, uuid, kind string
	var since int64
	var limit int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the relay journal",
		Long: `Print the frames a relay accepted, in the order it accepted them. With
--uuid the history of one node is shown in Lamport order.`,
		Example: `  sm log --db relay.db --limit 20
  sm log --db relay.db --uuid 5f0c... --kind owner`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("db") {
				a.cfg.DB = db
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			var entries []store.Entry
			if uuid != "" {
				entries, err = st.ListJournalForNode(uuid, limit)
			} else {
				entries, err = st.ListJournal(since, limit)
			}
			if err != nil {
				return fmt.Errorf("log: %w", err)
			}
			if kind != "" {
				filtered := entries[:0]
				for _, e := range entries {
					if e.Kind == kind {
						filtered = append(filtered, e)
					}
				}
				entries = filtered
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, map[string]interface{}{"entries": entries, "count": len(entries)})
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "no entries")
				return nil
			}
			for _, e := range entries {
				printEntry(out, e)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "relay SQLite file")
	cmd.Flags().Int64Var(&since, "since", 0, "entries with journal id > this")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	cmd.Flags().StringVar(&uuid, "uuid", "", "history of one node")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by frame kind (node, delta, owner, tombstone)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

func printEntry(w io.Writer, e store.Entry) {
	switch transport.Kind(e.Kind) {
	case transport.KindNode:
		fmt.Fprintf(w, "[ts=%d] %s pushed %s %s (owner %s)\n", e.Stamp.TS, e.Sender, e.TypeID, e.UUID, e.Owner)
	case transport.KindDelta:
		fmt.Fprintf(w, "[ts=%d] %s patched %s %s\n", e.Stamp.TS, e.Sender, e.TypeID, e.UUID)
	case transport.KindOwner:
		fmt.Fprintf(w, "[ts=%d] %s gave %s to %s\n", e.Stamp.TS, e.Sender, e.UUID, e.Owner)
	case transport.KindTombstone:
		fmt.Fprintf(w, "[ts=%d] %s removed %s\n", e.Stamp.TS, e.Sender, e.UUID)
	default:
		fmt.Fprintf(w, "[ts=%d] %s %s %s\n", e.Stamp.TS, e.Sender, e.Kind, e.UUID)
	}
}
