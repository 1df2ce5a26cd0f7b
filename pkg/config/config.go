// Package config loads scenemesh session settings.
//
// Values resolve in three layers, later ones winning: built-in defaults, an
// optional YAML file, then SCENEMESH_* environment variables. The CLI applies
// its flags on top of the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daviddao/scenemesh/pkg/impl"
	"github.com/daviddao/scenemesh/pkg/ownership"
)

// DefaultFile is looked up in the working directory when no file is named.
const DefaultFile = "scenemesh.yaml"

// Config holds the settings of one participant, and of the relay when the
// participant hosts.
type Config struct {
	// Username identifies the participant. Required.
	Username string `yaml:"username"`
	// Listen is the relay's HTTP address when hosting (e.g. ":7450"). Empty
	// hosts in process only.
	Listen string `yaml:"listen"`
	// URL is the relay's WebSocket endpoint when joining.
	URL string `yaml:"url"`
	// Rights is the deselection policy, STRICT or COMMON.
	Rights string `yaml:"rights"`

	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	SanitizeInterval time.Duration `yaml:"sanitize_interval"`

	// DB is the relay's SQLite file. Empty keeps relay state in memory.
	DB string `yaml:"db"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// DeltaPush ships deltas instead of full buffers once a base is known.
	DeltaPush bool `yaml:"delta_push"`

	// Types overrides per-kind scheduling, keyed by type id.
	Types map[string]TypeConfig `yaml:"types"`
}

// TypeConfig overrides one kind's scheduling. Zero values keep the kind's
// own policy.
type TypeConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	ApplyInterval   time.Duration `yaml:"apply_interval"`
	AutoPush        *bool         `yaml:"auto_push"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Rights:           string(ownership.PolicyCommon),
		ConnectTimeout:   5 * time.Second,
		PollTimeout:      100 * time.Millisecond,
		SanitizeInterval: 2 * time.Second,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load reads path over the defaults and applies the environment. An empty
// path tries DefaultFile and skips it when absent; a named file must exist.
func Load(path string) (Config, error) {
	cfg := Default()
	name := path
	if name == "" {
		name = DefaultFile
	}
	data, err := os.ReadFile(name)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", name, err)
		}
	case path == "" && errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Username = getEnv("SCENEMESH_USERNAME", c.Username)
	c.Listen = getEnv("SCENEMESH_LISTEN", c.Listen)
	c.URL = getEnv("SCENEMESH_URL", c.URL)
	c.Rights = getEnv("SCENEMESH_RIGHTS", c.Rights)
	c.DB = getEnv("SCENEMESH_DB", c.DB)
	c.LogLevel = getEnv("SCENEMESH_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("SCENEMESH_LOG_FORMAT", c.LogFormat)

	var err error
	if c.ConnectTimeout, err = getEnvDuration("SCENEMESH_CONNECT_TIMEOUT", c.ConnectTimeout); err != nil {
		return err
	}
	if c.PollTimeout, err = getEnvDuration("SCENEMESH_POLL_TIMEOUT", c.PollTimeout); err != nil {
		return err
	}
	if c.SanitizeInterval, err = getEnvDuration("SCENEMESH_SANITIZE_INTERVAL", c.SanitizeInterval); err != nil {
		return err
	}
	if c.DeltaPush, err = getEnvBool("SCENEMESH_DELTA_PUSH", c.DeltaPush); err != nil {
		return err
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := ownership.ParsePolicy(c.Rights); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"connect_timeout":   c.ConnectTimeout,
		"poll_timeout":      c.PollTimeout,
		"sanitize_interval": c.SanitizeInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	for id, t := range c.Types {
		if t.RefreshInterval < 0 || t.ApplyInterval < 0 {
			errs = append(errs, fmt.Errorf("types.%s: intervals must not be negative", id))
		}
	}
	if c.URL != "" && !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		errs = append(errs, fmt.Errorf("url %q: want ws:// or wss://", c.URL))
	}
	return errors.Join(errs...)
}

// Policy returns the parsed rights policy.
func (c Config) Policy() ownership.Policy {
	p, err := ownership.ParsePolicy(c.Rights)
	if err != nil {
		return ownership.PolicyCommon
	}
	return p
}

// ApplyTypes pushes the per-kind overrides into reg, in type id order.
func (c Config) ApplyTypes(reg *impl.Registry) error {
	ids := make([]string, 0, len(c.Types))
	for id := range c.Types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := c.Types[id]
		o := impl.Override{RefreshInterval: t.RefreshInterval, ApplyInterval: t.ApplyInterval, AutoPush: t.AutoPush}
		if err := reg.Override(id, o); err != nil {
			return fmt.Errorf("config types: %w", err)
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
