package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/daviddao/scenemesh/pkg/model"
	"github.com/daviddao/scenemesh/pkg/store"
)

func (a *app) nodesCmd() *cobra.Command {
	var db, owner, typeID, uuid string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the nodes a relay persisted",
		Example: `  sm nodes --db relay.db --owner alice
  sm nodes --db relay.db --type Mesh --json
  sm nodes --db relay.db --uuid 5f0c...`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("db") {
				a.cfg.DB = db
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if uuid != "" {
				return showNode(cmd.OutOrStdout(), st, uuid, jsonOut)
			}
			all, err := st.ListNodes()
			if err != nil {
				return fmt.Errorf("nodes: %w", err)
			}
			nodes := all[:0]
			for _, n := range all {
				if (owner == "" || n.Owner == owner) && (typeID == "" || n.TypeID == typeID) {
					nodes = append(nodes, n)
				}
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, map[string]interface{}{"nodes": nodes, "count": len(nodes)})
			}
			if len(nodes) == 0 {
				fmt.Fprintln(out, "no nodes")
				return nil
			}
			for _, n := range nodes {
				printNode(out, n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "relay SQLite file")
	cmd.Flags().StringVar(&owner, "owner", "", "only nodes owned by this user (COMMON for shared)")
	cmd.Flags().StringVar(&typeID, "type", "", "only nodes of this type")
	cmd.Flags().StringVar(&uuid, "uuid", "", "show one node with its dependencies and fields")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

func showNode(w io.Writer, st store.StoreInterface, uuid string, jsonOut bool) error {
	n, err := st.GetNode(uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("node %s not found", uuid)
	}
	if err != nil {
		return fmt.Errorf("nodes: %w", err)
	}
	if jsonOut {
		return printJSON(w, n)
	}
	printNode(w, *n)
	fmt.Fprintf(w, "  stamp    %d@%s\n", n.OwnerStamp.TS, n.OwnerStamp.Origin)
	for _, dep := range n.Dependencies {
		fmt.Fprintf(w, "  depends  %s\n", dep)
	}
	names := make([]string, 0, len(n.Buffer.Fields))
	for name := range n.Buffer.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  field    %s\n", name)
	}
	return nil
}

func printNode(w io.Writer, n model.Node) {
	size := fmt.Sprintf("%d field(s)", len(n.Buffer.Fields))
	if len(n.Buffer.Blob) > 0 {
		size = fmt.Sprintf("%d byte(s)", len(n.Buffer.Blob))
	}
	fmt.Fprintf(w, "%s  %-10s owner=%-12s deps=%d  %s\n", n.UUID, n.TypeID, n.Owner, len(n.Dependencies), size)
}
