package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/rzbill/xs/internal/lifecycle"
	pebblestore "github.com/rzbill/xs/internal/storage/pebble"
	logpkg "github.com/rzbill/xs/pkg/log"
)

// Kinds names the worker kinds a policy may be configured for.
var Kinds = []string{"handler", "generator", "action", "actor"}

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// DataDir holds the pebble database and the CAS. Empty means
	// DefaultDataDir().
	DataDir string        `yaml:"dataDir" json:"dataDir"`
	Store   StoreConfig   `yaml:"store" json:"store"`
	Workers WorkersConfig `yaml:"workers" json:"workers"`
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	Log     logpkg.Config `yaml:"log" json:"log"`
}

// StoreConfig tunes durability, retention, and the follow engine.
type StoreConfig struct {
	Fsync              string `yaml:"fsync" json:"fsync"`
	FsyncIntervalMs    int    `yaml:"fsyncIntervalMs" json:"fsyncIntervalMs"`
	SweepIntervalMs    int    `yaml:"sweepIntervalMs" json:"sweepIntervalMs"`
	MaxPending         int    `yaml:"maxPending" json:"maxPending"`
	FrameCacheSize     int    `yaml:"frameCacheSize" json:"frameCacheSize"`
	EphemeralCacheSize int    `yaml:"ephemeralCacheSize" json:"ephemeralCacheSize"`
	MaxEphemeralBytes  int    `yaml:"maxEphemeralBytes" json:"maxEphemeralBytes"`
}

// WorkersConfig sizes the evaluator pool and tunes reconcilers.
type WorkersConfig struct {
	PoolSize           int `yaml:"poolSize" json:"poolSize"`
	ShutdownTimeoutMs  int `yaml:"shutdownTimeoutMs" json:"shutdownTimeoutMs"`
	LuaMaxInstructions int `yaml:"luaMaxInstructions" json:"luaMaxInstructions"`
	// Policies overrides the duplicate policy per kind, e.g.
	// {"handler": "restart"}.
	Policies map[string]string `yaml:"policies" json:"policies"`
	// Disabled lists kinds that get no reconciler.
	Disabled []string `yaml:"disabled" json:"disabled"`
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Fsync:              "interval",
			FsyncIntervalMs:    5,
			SweepIntervalMs:    1000,
			MaxPending:         65536,
			FrameCacheSize:     4096,
			EphemeralCacheSize: 256,
			MaxEphemeralBytes:  8 << 20,
		},
		Workers: WorkersConfig{
			ShutdownTimeoutMs:  5000,
			LuaMaxInstructions: 50_000_000,
		},
		HTTP: HTTPConfig{Addr: "127.0.0.1:7755"},
		Log:  logpkg.Config{Level: "info", Format: "text", Outputs: []string{"console"}},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs *multierror.Error
	if _, err := pebblestore.ParseFsyncMode(c.Store.Fsync); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.Store.MaxPending < 0 {
		errs = multierror.Append(errs, fmt.Errorf("store.maxPending must not be negative"))
	}
	if c.Workers.PoolSize < 0 {
		errs = multierror.Append(errs, fmt.Errorf("workers.poolSize must not be negative"))
	}
	for kind, p := range c.Workers.Policies {
		if !knownKind(kind) {
			errs = multierror.Append(errs, fmt.Errorf("workers.policies: unknown kind %q", kind))
		}
		if _, ok := lifecycle.ParsePolicy(p); !ok {
			errs = multierror.Append(errs, fmt.Errorf("workers.policies.%s: unknown policy %q", kind, p))
		}
	}
	for _, kind := range c.Workers.Disabled {
		if !knownKind(kind) {
			errs = multierror.Append(errs, fmt.Errorf("workers.disabled: unknown kind %q", kind))
		}
	}
	if _, err := logpkg.ParseLevel(c.Log.Level); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func knownKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ResolvedDataDir returns DataDir with ~ expanded, or the OS default when
// unset.
func (c Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		return expandHome(c.DataDir)
	}
	return DefaultDataDir()
}

// FsyncMode parses Store.Fsync. Call Validate first.
func (c Config) FsyncMode() pebblestore.FsyncMode {
	m, _ := pebblestore.ParseFsyncMode(c.Store.Fsync)
	return m
}

// Policy returns the configured policy for kind, or PolicyDefault.
func (c Config) Policy(kind string) lifecycle.DuplicatePolicy {
	p, _ := lifecycle.ParsePolicy(c.Workers.Policies[kind])
	return p
}

// KindEnabled reports whether kind is not disabled.
func (c Config) KindEnabled(kind string) bool {
	for _, k := range c.Workers.Disabled {
		if k == kind {
			return false
		}
	}
	return true
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (s StoreConfig) FsyncInterval() time.Duration { return ms(s.FsyncIntervalMs) }

// SweepInterval is negative when sweeping is disabled.
func (s StoreConfig) SweepInterval() time.Duration { return ms(s.SweepIntervalMs) }

func (w WorkersConfig) ShutdownTimeout() time.Duration { return ms(w.ShutdownTimeoutMs) }
