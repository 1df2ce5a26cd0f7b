package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/daviddao/scenemesh/pkg/config"
	"github.com/daviddao/scenemesh/pkg/impl"
	"github.com/daviddao/scenemesh/pkg/impl/memhost"
	"github.com/daviddao/scenemesh/pkg/logging"
	"github.com/daviddao/scenemesh/pkg/store"
)

// app carries the state shared by every subcommand: the resolved config
// and the diagnostics logger.
type app struct {
	cfgPath   string
	user      string
	logLevel  string
	logFormat string

	cfg config.Config
	log *slog.Logger
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "sm",
		Short: "scenemesh - real-time collaborative scene editing",
		Long: `sm replicates a scene graph between participants through a relay.

One participant hosts the relay (sm host); the others join it over
WebSocket (sm join). Every node has one owner at a time. Only the owner
may change it; everyone else receives the change.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", envOr("SCENEMESH_CONFIG", ""), "config file (default ./"+config.DefaultFile+" when present)")
	pf.StringVarP(&a.user, "user", "u", "", "username (overrides SCENEMESH_USERNAME)")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&a.logFormat, "log-format", "", "text or json")

	root.AddCommand(
		a.hostCmd(),
		a.joinCmd(),
		a.statusCmd(),
		a.logCmd(),
		a.nodesCmd(),
		versionCmd(),
	)
	return root
}

// setup resolves the config (defaults, file, environment, then explicit
// flags) and builds the logger. Diagnostics go to the command's stderr.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("user") {
		cfg.Username = a.user
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = a.logFormat
	}
	logger, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logger
	return nil
}

// registry registers the in-memory host's kinds. Per-type overrides from
// the config are applied when the session starts.
func (a *app) registry() (*impl.Registry, *memhost.Host, error) {
	h := memhost.NewHost()
	reg := impl.NewRegistry()
	if err := memhost.Register(reg, h); err != nil {
		return nil, nil, err
	}
	return reg, h, nil
}

// openStore opens an existing relay database for inspection.
func (a *app) openStore() (store.StoreInterface, error) {
	if a.cfg.DB == "" {
		return nil, errors.New("no database: pass --db or set SCENEMESH_DB")
	}
	if _, err := os.Stat(a.cfg.DB); err != nil {
		return nil, fmt.Errorf("database %s: %w", a.cfg.DB, err)
	}
	return store.New(a.cfg.DB)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
