package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/daviddao/scenemesh/pkg/session"
)

func (a *app) joinCmd() *cobra.Command {
	var url, rights string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a hosted session over WebSocket",
		Long: `Dial the relay, replicate its graph into a local in-memory host and keep
it in sync until interrupted. On exit every node the user owns goes back
to Common.`,
		Example: `  sm join -u bob --url ws://127.0.0.1:7450/ws`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("url") {
				a.cfg.URL = url
			}
			if flags.Changed("rights") {
				a.cfg.Rights = rights
			}
			return a.runJoin(cmd)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "relay WebSocket URL (ws:// or wss://)")
	cmd.Flags().StringVar(&rights, "rights", "", "COMMON or STRICT")
	return cmd
}

func (a *app) runJoin(cmd *cobra.Command) error {
	reg, _, err := a.registry()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := session.Connect(ctx, a.cfg, reg, session.WithLogger(a.log))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Joined %s as %s: %d node(s), %d user(s) online\n",
		a.cfg.URL, s.User(), s.Repository().Len(), len(s.OnlineUsers()))
	return a.serve(ctx, cmd, s)
}
