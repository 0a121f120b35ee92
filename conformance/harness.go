// Package conformance drives fixture extensions through the real
// lifecycle manager, registry, event bus and capability model, and
// asserts the named scenarios and universal/round-trip/boundary
// invariants a correct host must satisfy. It renders its findings as a
// Markdown report and, optionally, a live terminal progress view.
package conformance

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pihost/engine/eventbus"
	"pihost/engine/lifecycle"
	"pihost/engine/manifest"
	"pihost/engine/registry"
	"pihost/engine/runtime"
)

// Status is the outcome of one conformance case.
type Status string

const (
	Pass Status = "pass"
	Fail Status = "fail"
)

// CaseResult is the recorded outcome of a single named scenario or
// invariant check.
type CaseResult struct {
	Name     string
	Status   Status
	Detail   string
	Duration time.Duration
}

// Report is the full output of one conformance run.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []CaseResult
}

// Passed reports whether every case in the report passed.
func (r *Report) Passed() bool {
	for _, c := range r.Results {
		if c.Status != Pass {
			return false
		}
	}
	return true
}

// FailureCount returns how many cases did not pass.
func (r *Report) FailureCount() int {
	n := 0
	for _, c := range r.Results {
		if c.Status != Pass {
			n++
		}
	}
	return n
}

// Harness wires a fresh runtime.Adapter, registry.Registry, eventbus.Bus
// and lifecycle.Manager together, rooted at a scratch directory used for
// fixture extension sources and isolate storage. Each case gets its own
// Harness so a failure or leaked isolate in one case can never leak
// state into another.
type Harness struct {
	dir     string
	adapter *runtime.Adapter
	reg     *registry.Registry
	bus     *eventbus.Bus
	mgr     *lifecycle.Manager
}

// newHarness creates a Harness under a fresh subdirectory of scratchRoot.
// deadlines/strikeLimit mirror config.Config's event-bus tuning so cases
// can exercise deadline/Slow-marking behavior with short test timeouts.
func newHarness(scratchRoot string, deadlines map[eventbus.Kind]time.Duration, strikeLimit int) (*Harness, error) {
	dir, err := os.MkdirTemp(scratchRoot, "case-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	adapter := runtime.NewAdapter()
	reg := registry.New()
	bus := eventbus.New(deadlines, strikeLimit)
	storageRoot := filepath.Join(dir, "storage")
	mgr := lifecycle.NewManager(adapter, reg, bus, storageRoot, manifest.VerifyConfig{}, nil)
	return &Harness{dir: dir, adapter: adapter, reg: reg, bus: bus, mgr: mgr}, nil
}

// close releases every isolate the harness created.
func (h *Harness) close() {
	h.adapter.DropAll()
}

// extensionsDir is the shared parent directory Discover globs for fixture
// extensions written by this harness (<scratch>/extensions/<name>/).
func (h *Harness) extensionsDir() string {
	return filepath.Join(h.dir, "extensions")
}

// writeExtension writes a fixture extension's plugin.json + entry source
// under the harness's shared extensions directory. capabilitiesJSON is a
// JSON array literal, e.g. `["fs.read:/proj/**"]`.
func (h *Harness) writeExtension(name, capabilitiesJSON, entrySource string) error {
	extDir := filepath.Join(h.extensionsDir(), name)
	if err := os.MkdirAll(extDir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", extDir, err)
	}
	pluginJSON := fmt.Sprintf(`{"name":%q,"version":"1.0.0","entry":"index.js","capabilities":%s}`, name, capabilitiesJSON)
	if err := os.WriteFile(filepath.Join(extDir, lifecycle.ManifestFileName), []byte(pluginJSON), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(extDir, "index.js"), []byte(entrySource), 0o644); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

// discoverAll discovers every extension written so far under this
// harness's shared extensions directory.
func (h *Harness) discoverAll() ([]*lifecycle.Descriptor, error) {
	return h.mgr.Discover(h.extensionsDir(), "")
}
