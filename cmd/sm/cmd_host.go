package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/scenemesh/pkg/impl/memhost"
	"github.com/daviddao/scenemesh/pkg/metrics"
	"github.com/daviddao/scenemesh/pkg/model"
	"github.com/daviddao/scenemesh/pkg/repository"
	"github.com/daviddao/scenemesh/pkg/session"
)

const disconnectTimeout = 5 * time.Second

func (a *app) hostCmd() *cobra.Command {
	var listen, db, rights, demo string
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run a relay and share a scene",
		Long: `Start a relay, join it as the local user and share the demo scene as
Common nodes. With --listen the relay accepts WebSocket participants on
/ws and serves /status, /healthz and /metrics. With --db the graph and
journal persist across restarts; a resumed graph is not re-seeded.`,
		Example: `  sm host -u alice --listen :7450 --db relay.db
  sm host -u alice --listen 127.0.0.1:7450 --rights STRICT --demo ""`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("listen") {
				a.cfg.Listen = listen
			}
			if flags.Changed("db") {
				a.cfg.DB = db
			}
			if flags.Changed("rights") {
				a.cfg.Rights = rights
			}
			return a.runHost(cmd, demo)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to serve WebSocket participants on")
	cmd.Flags().StringVar(&db, "db", "", "SQLite file for the relay's graph and journal")
	cmd.Flags().StringVar(&rights, "rights", "", "COMMON or STRICT")
	cmd.Flags().StringVar(&demo, "demo", "scene-1", `name of the demo scene to share ("" for none)`)
	return cmd
}

func (a *app) runHost(cmd *cobra.Command, demo string) error {
	reg, h, err := a.registry()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := session.Host(ctx, a.cfg, reg, nil,
		session.WithLogger(a.log),
		session.WithMetrics(metrics.New()),
	)
	if err != nil {
		return err
	}
	if demo != "" && s.Repository().Len() == 0 {
		if _, err := s.Add(ctx, memhost.DemoScene(h, demo), repository.WithOwner(model.Common)); err != nil {
			s.Disconnect(context.Background())
			return fmt.Errorf("share %s: %w", demo, err)
		}
	}

	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "Hosting %d node(s) as %s (rights %s)\n", s.Repository().Len(), s.User(), s.Policy())
	if addr := s.Addr(); addr != "" {
		fmt.Fprintf(errOut, "  join with: sm join --url ws://%s/ws\n", addr)
	}
	return a.serve(ctx, cmd, s)
}

// serve runs s until ctx ends or the relay connection fails, printing
// per-node failures to stderr, then disconnects.
func (a *app) serve(ctx context.Context, cmd *cobra.Command, s *session.Session) error {
	errOut := cmd.ErrOrStderr()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var runErr error
loop:
	for {
		select {
		case err := <-s.Errors():
			fmt.Fprintf(errOut, "sm: %v\n", err)
		case runErr = <-done:
			break loop
		}
	}

	dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := s.Disconnect(dctx); err != nil && runErr == nil {
		runErr = err
	}
	fmt.Fprintln(errOut, "Disconnected.")
	return runErr
}
