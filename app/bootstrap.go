// Package app wires configuration, the capability/manifest/runtime/
// registry/eventbus/lifecycle stack, and the conformance harness into a
// runnable CLI application. The agent loop, terminal UI and LLM provider
// client are out of scope (hostapi defines the interfaces an embedder
// implements instead); this package drives extension discovery/loading
// and the conformance harness, the two operations that don't need an
// embedder to exercise end to end.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"pihost/config"
	"pihost/engine/eventbus"
	"pihost/engine/lifecycle"
	"pihost/engine/maintenance"
	"pihost/engine/manifest"
	"pihost/engine/policy"
	"pihost/engine/registry"
	"pihost/engine/runtime"
	"pihost/engine/vfs"
)

// Application holds every long-lived dependency Bootstrap wires up. A
// real embedder would additionally own the agent loop and UI program;
// here DiscoverAndLoad drives discovery/load directly.
type Application struct {
	Config    config.Config
	SessionID string

	Adapter   *runtime.Adapter
	Registry  *registry.Registry
	Bus       *eventbus.Bus
	Manager   *lifecycle.Manager
	Evaluator *policy.Evaluator
	Audit     *policy.AuditLogger
	Snapshot  *vfs.Snapshotter
	FlagSink  *cliFlagSink
}

// Bootstrap creates and wires all application dependencies. Each phase is
// separate for testability, mirroring the embedder-side staging this
// package's teacher used for its own bootstrap.
func Bootstrap(ctx context.Context) (*Application, error) {
	cfg, warnings, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "pihost: warning: %s\n", w)
	}

	runCleanup(cfg)

	sessionID := uuid.New().String()

	auditLogger, err := policy.NewAuditLogger(sessionID, cfg.PihostDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pihost: warning: audit logger init failed: %v\n", err)
		auditLogger = nil
	}

	evaluator, err := policy.NewEvaluator(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("policy evaluator init failed: %w", err)
	}

	snapshotter, err := vfs.NewSnapshotter(cfg.PihostDir, sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pihost: warning: snapshotter init failed: %v\n", err)
		snapshotter = nil
	}

	adapter := runtime.NewAdapter()
	reg := registry.New()
	bus := eventbus.New(deadlinesFromConfig(cfg), cfg.StrikeLimit)

	storageRoot := filepath.Join(cfg.PihostDir, "storage")
	verify := manifest.VerifyConfig{RequirePermissionSignature: cfg.RequirePermissionSignature}
	uiEmit := func(extensionName, message string) {
		fmt.Fprintf(os.Stderr, "pihost: [%s] %s\n", extensionName, message)
	}
	mgr := lifecycle.NewManager(adapter, reg, bus, storageRoot, verify, uiEmit)
	if auditLogger != nil {
		mgr.SetAudit(auditLogger)
	}
	mgr.SetNotifier(stderrNotifier{})
	flagSink := newCLIFlagSink()
	mgr.SetFlagSink(flagSink)

	return &Application{
		Config:    cfg,
		SessionID: sessionID,
		Adapter:   adapter,
		Registry:  reg,
		Bus:       bus,
		Manager:   mgr,
		Evaluator: evaluator,
		Audit:     auditLogger,
		Snapshot:  snapshotter,
		FlagSink:  flagSink,
	}, nil
}

// Close releases every isolate and the audit log handle. Safe to call on
// a partially-constructed Application.
func (a *Application) Close() {
	if a.Adapter != nil {
		a.Adapter.DropAll()
	}
	if a.Audit != nil {
		a.Audit.Close()
	}
}

// DiscoverAndLoad walks the configured builtin and user extension
// directories, loads every discovered extension, and returns the final
// descriptor snapshot. A Required extension's failure aborts the run;
// an optional extension's failure is recorded on its own descriptor and
// the walk continues.
func (a *Application) DiscoverAndLoad(ctx context.Context, builtinDir string) ([]*lifecycle.Descriptor, error) {
	descs, err := a.Manager.Discover(builtinDir, a.Config.ExtensionsDir)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	for _, d := range descs {
		if d.State != lifecycle.Discovered {
			continue // failed discovery (bad manifest, traversal, ...); nothing to load
		}
		if err := a.Manager.Load(ctx, d); err != nil {
			return descs, fmt.Errorf("load %q: %w", d.Name, err)
		}
	}
	return descs, nil
}

func loadConfig() (config.Config, []string, error) {
	cfg, warnings, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return config.Config{}, nil, err
	}
	return cfg, warnings, nil
}

func runCleanup(cfg config.Config) {
	opts := maintenance.CleanupOptions{
		PihostDir:   cfg.PihostDir,
		SessionsDir: cfg.SessionsDir,
		MaxAge:      30 * 24 * time.Hour,
		DryRun:      false,
	}
	result, err := maintenance.CleanupSessionData(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pihost: warning: session cleanup failed: %v\n", err)
		return
	}
	for _, e := range result.Errors {
		fmt.Fprintf(os.Stderr, "pihost: warning: cleanup: %s\n", e)
	}
	total := result.DeletedAuditFiles + result.DeletedSnapshotDirs + result.DeletedSessionFiles
	if total > 0 {
		fmt.Fprintf(os.Stderr, "pihost: cleaned up old session data: %d item(s)\n", total)
	}
}

// deadlinesFromConfig translates config.Config's string-keyed per-kind
// deadline overrides (TOML has no first-class duration or Kind type) into
// the eventbus.Kind-keyed map Bus.New expects.
func deadlinesFromConfig(cfg config.Config) map[eventbus.Kind]time.Duration {
	out := make(map[eventbus.Kind]time.Duration, len(cfg.EventDeadlines))
	for kind, seconds := range cfg.EventDeadlines {
		if seconds > 0 {
			out[eventbus.Kind(kind)] = time.Duration(seconds) * time.Second
		}
	}
	return out
}
