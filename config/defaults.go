package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all host configuration values.
type Config struct {
	PihostDir      string `toml:"pihost_dir"`
	SessionsDir    string `toml:"sessions_dir"`
	ExtensionsDir  string `toml:"extensions_dir"`   // user-installed extensions (~/.pihost/extensions)
	ReportsDir     string `toml:"reports_dir"`       // conformance harness output

	// EngineCount is the number of worker-pool engine instances (spec §5:
	// "N engines run in parallel, partitioning extensions").
	EngineCount int `toml:"engine_count"`

	// EventQueueSize bounds the per-extension event queue (spec §5 default 1024).
	EventQueueSize int `toml:"event_queue_size"`

	// EventDeadlineSeconds is the default per-event-kind deadline (spec §4.4
	// default 5s); per-kind overrides live in EventDeadlines.
	EventDeadlineSeconds int            `toml:"event_deadline_seconds"`
	EventDeadlines       map[string]int `toml:"event_deadlines"`

	// RegistrationCallTimeoutMillis / HandlerCallTimeoutSeconds are the
	// script runtime adapter's wall-clock ceilings (spec §4.1: 200ms for
	// registrations, 30s for handler bodies).
	RegistrationCallTimeoutMillis int `toml:"registration_call_timeout_millis"`
	HandlerCallTimeoutSeconds     int `toml:"handler_call_timeout_seconds"`

	// IsolateHeapLimitMB is the configured per-isolate V8 heap ceiling (spec
	// §4.1 "Memory bound"); nothing passes it to the runtime, which does not
	// enforce a heap ceiling.
	IsolateHeapLimitMB int `toml:"isolate_heap_limit_mb"`

	// StrikeLimit is how many Slow marks before an extension is Degraded
	// (spec §5 default 3).
	StrikeLimit int `toml:"strike_limit"`

	// RequirePermissionSignature enforces ed25519-signed permission blocks
	// on every loaded manifest.
	RequirePermissionSignature bool `toml:"require_permission_signature"`

	// Project-local paths — not TOML-configurable. Anchored to the current
	// working directory rather than PihostDir.
	AuditFile      string        `toml:"-"`
	PolicyFile     string        `toml:"-"`
	MaxToolTimeout time.Duration `toml:"-"`
}

// DefaultConfig returns a Config with all defaults populated.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	pihostDir := filepath.Join(home, ".pihost")

	return Config{
		PihostDir:     pihostDir,
		SessionsDir:   filepath.Join(pihostDir, "sessions"),
		ExtensionsDir: filepath.Join(pihostDir, "extensions"),
		ReportsDir:    filepath.Join(pihostDir, "reports"),

		EngineCount:    4,
		EventQueueSize: 1024,

		EventDeadlineSeconds: 5,
		EventDeadlines: map[string]int{
			"turn_end": 1, // conformance scenario 6 sets its own, shorter deadline on its harness bus
		},

		RegistrationCallTimeoutMillis: 200,
		HandlerCallTimeoutSeconds:     30,
		IsolateHeapLimitMB:            256,
		StrikeLimit:                   3,
		RequirePermissionSignature:    false,

		AuditFile:      filepath.Join(".pihost", "audit-{session-id}.jsonl"),
		PolicyFile:     filepath.Join(".pihost", "policy.json"),
		MaxToolTimeout: 5 * time.Minute,
	}
}

// ConfigFilePath returns the path to the config file inside PihostDir.
func (c Config) ConfigFilePath() string {
	return filepath.Join(c.PihostDir, "config.toml")
}

// Load loads configuration from the default location (~/.pihost/config.toml),
// falling back to defaults if the file does not exist.
// Warnings are returned for unrecognized TOML keys (likely typos).
func Load() (Config, []string, error) {
	defaults := DefaultConfig()
	return LoadFrom(defaults.ConfigFilePath(), defaults)
}

// LoadFrom loads configuration from the given path, overlaying TOML values
// onto the provided defaults. If the file does not exist, defaults are returned
// without error (first-run case). If the file exists but is malformed, an error
// is returned. Warnings are returned for unrecognized TOML keys.
func LoadFrom(path string, defaults Config) (Config, []string, error) {
	cfg := defaults

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil, nil
		}
		return Config{}, nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	// If pihost_dir was overridden but sub-dirs were not, re-derive them.
	if meta.IsDefined("pihost_dir") {
		if !meta.IsDefined("sessions_dir") {
			cfg.SessionsDir = filepath.Join(cfg.PihostDir, "sessions")
		}
		if !meta.IsDefined("extensions_dir") {
			cfg.ExtensionsDir = filepath.Join(cfg.PihostDir, "extensions")
		}
		if !meta.IsDefined("reports_dir") {
			cfg.ReportsDir = filepath.Join(cfg.PihostDir, "reports")
		}
	}

	// Restore non-TOML fields from defaults.
	cfg.AuditFile = defaults.AuditFile
	cfg.PolicyFile = defaults.PolicyFile
	cfg.MaxToolTimeout = defaults.MaxToolTimeout

	// Warn about unrecognized keys — likely typos.
	var warnings []string
	for _, key := range meta.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown config key: %s", key))
	}

	return cfg, warnings, nil
}

// EventDeadline returns the configured deadline for kind, or the default.
func (c Config) EventDeadline(kind string) time.Duration {
	if secs, ok := c.EventDeadlines[kind]; ok {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(c.EventDeadlineSeconds) * time.Second
}

// EnsureDirs creates PihostDir, SessionsDir, ExtensionsDir, and ReportsDir if they do not exist.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.PihostDir, c.SessionsDir, c.ExtensionsDir, c.ReportsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}
