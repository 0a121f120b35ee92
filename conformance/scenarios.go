package conformance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"pihost/engine/eventbus"
	"pihost/engine/lifecycle"
	"pihost/engine/registry"
)

// caseFunc runs one named conformance case against a fresh Harness rooted
// at scratchRoot, returning its result. Cases never share a Harness: a
// leaked isolate or a stuck handler in one case must never bleed into
// another's assertions.
type caseFunc func(ctx context.Context, scratchRoot string) CaseResult

// Run executes every registered case against scratchRoot and returns the
// assembled Report. scratchRoot must be a writable directory the caller
// owns and can remove afterward (each case gets its own subdirectory).
// Cases run concurrently via errgroup since each gets an independent
// Harness rooted at its own scratch subdirectory (see newHarness); the
// results slice is pre-sized so the report's case order matches
// allCases regardless of completion order.
func Run(ctx context.Context, scratchRoot string, runID string) *Report {
	report := &Report{RunID: runID, StartedAt: time.Now(), Results: make([]CaseResult, len(allCases))}

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range allCases {
		i, c := i, c
		g.Go(func() error {
			report.Results[i] = runCase(gctx, scratchRoot, c.name, c.fn)
			return nil
		})
	}
	_ = g.Wait() // caseFunc never returns an error; failures are recorded as CaseResult.Status

	report.FinishedAt = time.Now()
	return report
}

var allCases = []struct {
	name string
	fn   caseFunc
}{
	{"scenario-1-tool-registration", scenarioToolRegistration},
	{"scenario-2-blocking-hook", scenarioBlockingHook},
	{"scenario-3-contributing-hook", scenarioContributingHook},
	{"scenario-4-capability-denial", scenarioCapabilityDenial},
	{"scenario-5-duplicate-registration-rollback", scenarioDuplicateRollback},
	{"scenario-6-deadline-slow-mark", scenarioDeadlineSlowMark},
	{"invariant-empty-emit-is-noop", invariantEmptyEmitIsNoop},
	{"invariant-unload-is-idempotent-with-discover", invariantUnloadThenReload},
	{"invariant-registry-count-matches-registrations", invariantRegistryCount},
}

func runCase(ctx context.Context, scratchRoot, name string, fn caseFunc) CaseResult {
	start := time.Now()
	result := fn(ctx, scratchRoot)
	result.Name = name
	result.Duration = time.Since(start)
	return result
}

func fail(detail string) CaseResult            { return CaseResult{Status: Fail, Detail: detail} }
func pass(detail string) CaseResult            { return CaseResult{Status: Pass, Detail: detail} }
func failf(format string, a ...any) CaseResult { return fail(fmt.Sprintf(format, a...)) }

// scenario-1: a simple extension registers a tool and it is callable
// through the real registry + isolate, end to end (spec §8 scenario 1).
func scenarioToolRegistration(ctx context.Context, scratchRoot string) CaseResult {
	h, err := newHarness(scratchRoot, nil, 0)
	if err != nil {
		return failf("new harness: %v", err)
	}
	defer h.close()

	if err := h.writeExtension("clock", `["time"]`, `
		module.exports = function(pi) {
			pi.registerTool({
				name: "get_current_time",
				parameters: {type: "object", properties: {}},
				execute: function(toolCallId, input, signal, onUpdate, ctx) { return {content: [{type: "text", text: "2026-01-01T00:00:00Z"}]}; }
			});
		};
	`); err != nil {
		return failf("write extension: %v", err)
	}

	descs, err := h.discoverAll()
	if err != nil || len(descs) != 1 {
		return failf("discover: descs=%d err=%v", len(descs), err)
	}
	if err := h.mgr.Load(ctx, descs[0]); err != nil {
		return failf("load: %v", err)
	}
	if descs[0].State != "active" {
		return failf("state = %v, want active (err=%v)", descs[0].State, descs[0].Err)
	}

	reg, ok := h.reg.Lookup(registry.Tool, "get_current_time")
	if !ok {
		return fail("tool get_current_time was not registered")
	}
	iso, ok := h.adapter.Lookup("clock")
	if !ok {
		return fail("isolate for clock not found after load")
	}
	out, err := iso.CallTool(ctx, reg.DispatchTarget, "call-1", "{}")
	if err != nil {
		return failf("CallTool: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return failf("tool result not valid JSON: %v", err)
	}
	if _, ok := parsed["content"]; !ok {
		return failf("tool result missing content: %v", parsed)
	}
	return pass("tool registered and callable through the real isolate")
}

// scenario-2: a blocking handler on a blockable kind (tool_call) short-
// circuits Emit and the embedder sees Blocked=true (spec §8 scenario 2).
func scenarioBlockingHook(ctx context.Context, scratchRoot string) CaseResult {
	h, err := newHarness(scratchRoot, nil, 0)
	if err != nil {
		return failf("new harness: %v", err)
	}
	defer h.close()

	if err := h.writeExtension("gatekeeper", `["fs.read"]`, `
		module.exports = function(pi) {
			pi.on("tool_call", function(evt) {
				if (evt && evt.tool === "dangerous_tool") {
					return {block: true, reason: "blocked by policy"};
				}
				return {};
			});
		};
	`); err != nil {
		return failf("write extension: %v", err)
	}

	descs, err := h.discoverAll()
	if err != nil || len(descs) != 1 {
		return failf("discover: descs=%d err=%v", len(descs), err)
	}
	if err := h.mgr.Load(ctx, descs[0]); err != nil {
		return failf("load: %v", err)
	}

	result, err := h.bus.Emit(ctx, eventbus.ToolCall, json.RawMessage(`{"tool":"dangerous_tool"}`))
	if err != nil {
		return failf("emit: %v", err)
	}
	if !result.Blocked {
		return fail("expected blocking handler to short-circuit the tool_call event")
	}
	if result.Reason != "blocked by policy" {
		return failf("unexpected block reason: %q", result.Reason)
	}
	return pass("blocking handler short-circuited tool_call as expected")
}

// scenario-3: two extensions contributing to before_agent_start have
// their systemPrompt contributions merged in registration order (spec §8
// scenario 3, eventbus reducers).
func scenarioContributingHook(ctx context.Context, scratchRoot string) CaseResult {
	h, err := newHarness(scratchRoot, nil, 0)
	if err != nil {
		return failf("new harness: %v", err)
	}
	defer h.close()

	if err := h.writeExtension("first", `["time"]`, `
		module.exports = function(pi) {
			pi.on("before_agent_start", function(evt) { return {systemPrompt: "rule one"}; });
		};
	`); err != nil {
		return failf("write first extension: %v", err)
	}
	if err := h.writeExtension("second", `["time"]`, `
		module.exports = function(pi) {
			pi.on("before_agent_start", function(evt) { return {systemPrompt: "rule two"}; });
		};
	`); err != nil {
		return failf("write second extension: %v", err)
	}

	descs, err := h.discoverAll()
	if err != nil || len(descs) != 2 {
		return failf("discover: descs=%d err=%v", len(descs), err)
	}
	for _, d := range descs {
		if err := h.mgr.Load(ctx, d); err != nil {
			return failf("load %s: %v", d.Name, err)
		}
	}

	result, err := h.bus.Emit(ctx, eventbus.BeforeAgentStart, json.RawMessage(`{}`))
	if err != nil {
		return failf("emit: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(result.Payload, &payload); err != nil {
		return failf("result payload not valid JSON: %v", err)
	}
	sp, _ := payload["systemPrompt"].(string)
	if !strings.Contains(sp, "rule one") || !strings.Contains(sp, "rule two") {
		return failf("expected both contributions merged, got %q", sp)
	}
	return pass("contributing handlers merged in registration order")
}

// scenario-4: an extension without fs.write tries to write a file and is
// denied. wrapJSError turns every V8 exception except process.exit()'s
// sentinel into hosterr.ScriptError (JS throws are plain strings; no
// structured Kind crosses the isolate boundary), so this asserts on the error message substring surfaced by
// api_helpers.checkCapability plus independently verifying, via os.Stat,
// that the file was never created (spec §8 scenario 4).
func scenarioCapabilityDenial(ctx context.Context, scratchRoot string) CaseResult {
	h, err := newHarness(scratchRoot, nil, 0)
	if err != nil {
		return failf("new harness: %v", err)
	}
	defer h.close()

	targetDir := filepath.Join(h.dir, "victim")
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return failf("mkdir target dir: %v", err)
	}
	targetFile := filepath.Join(targetDir, "should-not-exist.txt")

	if err := h.writeExtension("writer", `["time"]`, fmt.Sprintf(`
		module.exports = function(pi) {
			fs.write(%q, "should never land");
		};
	`, targetFile)); err != nil {
		return failf("write extension: %v", err)
	}

	descs, err := h.discoverAll()
	if err != nil || len(descs) != 1 {
		return failf("discover: descs=%d err=%v", len(descs), err)
	}
	loadErr := h.mgr.Load(ctx, descs[0])
	if descs[0].State != "failed" {
		return failf("state = %v, want failed (loadErr=%v)", descs[0].State, loadErr)
	}
	if descs[0].Err == nil || !strings.Contains(descs[0].Err.Error(), "capability denied") {
		return failf("expected capability denied error, got: %v", descs[0].Err)
	}
	if _, err := os.Stat(targetFile); !os.IsNotExist(err) {
		return failf("expected target file to never be created, stat err=%v", err)
	}
	return pass("write denied without fs.write capability, target file never created")
}

// scenario-5: two extensions registering the same tool name; the second
// registration fails and rolls back cleanly without taking the first
// down (spec §8 scenario 5, registry uniqueness).
func scenarioDuplicateRollback(ctx context.Context, scratchRoot string) CaseResult {
	h, err := newHarness(scratchRoot, nil, 0)
	if err != nil {
		return failf("new harness: %v", err)
	}
	defer h.close()

	toolJS := `
		module.exports = function(pi) {
			pi.registerTool({
				name: "shared_tool",
				parameters: {type: "object", properties: {}},
				execute: function(toolCallId, input, signal, onUpdate, ctx) { return {content: []}; }
			});
		};
	`
	if err := h.writeExtension("owner", `["time"]`, toolJS); err != nil {
		return failf("write owner: %v", err)
	}
	if err := h.writeExtension("impostor", `["time"]`, toolJS); err != nil {
		return failf("write impostor: %v", err)
	}

	descs, err := h.discoverAll()
	if err != nil || len(descs) != 2 {
		return failf("discover: descs=%d err=%v", len(descs), err)
	}
	var owner, impostor *lifecycle.Descriptor
	for _, d := range descs {
		switch d.Name {
		case "owner":
			owner = d
		case "impostor":
			impostor = d
		}
	}
	if owner == nil || impostor == nil {
		return fail("expected owner and impostor descriptors")
	}

	if err := h.mgr.Load(ctx, owner); err != nil {
		return failf("load owner: %v", err)
	}
	if owner.State != "active" {
		return failf("owner state = %v, want active", owner.State)
	}

	loadErr := h.mgr.Load(ctx, impostor)
	if impostor.State != "failed" {
		return failf("impostor state = %v, want failed (loadErr=%v)", impostor.State, loadErr)
	}

	reg, ok := h.reg.Lookup(registry.Tool, "shared_tool")
	if !ok {
		return fail("expected shared_tool to remain registered to owner")
	}
	if reg.OwningExtension != "owner" {
		return failf("shared_tool owner = %q, want owner", reg.OwningExtension)
	}
	if h.reg.Count() != 1 {
		return failf("registry count = %d, want 1 (impostor's failed attempt must not leak a registration)", h.reg.Count())
	}
	return pass("duplicate tool registration rejected and rolled back without affecting the original owner")
}

// scenario-6: a handler that runs past its kind's deadline is marked Slow
// and Emit still returns once the grace period elapses (spec §8 scenario
// 6). No setTimeout/timer-wheel shim exists in this runtime (confirmed:
// no timer machinery anywhere under engine/runtime), so the slow handler
// is simulated with a bounded JS busy-loop against a short configured
// deadline rather than the spec's illustrative setTimeout example.
func scenarioDeadlineSlowMark(ctx context.Context, scratchRoot string) CaseResult {
	deadlines := map[eventbus.Kind]time.Duration{eventbus.TurnEnd: 30 * time.Millisecond}
	h, err := newHarness(scratchRoot, deadlines, 0)
	if err != nil {
		return failf("new harness: %v", err)
	}
	defer h.close()

	if err := h.writeExtension("slowpoke", `["time"]`, `
		module.exports = function(pi) {
			pi.on("turn_end", function(evt) {
				var stop = Date.now() + 300;
				while (Date.now() < stop) {}
				return {};
			});
		};
	`); err != nil {
		return failf("write extension: %v", err)
	}

	descs, err := h.discoverAll()
	if err != nil || len(descs) != 1 {
		return failf("discover: descs=%d err=%v", len(descs), err)
	}
	if err := h.mgr.Load(ctx, descs[0]); err != nil {
		return failf("load: %v", err)
	}

	start := time.Now()
	result, err := h.bus.Emit(ctx, eventbus.TurnEnd, json.RawMessage(`{}`))
	elapsed := time.Since(start)
	if err != nil {
		return failf("emit: %v", err)
	}
	if len(result.Slow) != 1 || result.Slow[0] != "slowpoke" {
		return failf("expected slowpoke to be marked Slow, got %v", result.Slow)
	}
	if elapsed > 2*time.Second {
		return failf("emit took unexpectedly long: %v", elapsed)
	}
	return pass("handler exceeding its deadline was marked Slow and Emit returned within the grace period")
}

// invariant: Emit against a kind with zero subscribers is a no-op that
// returns the payload untouched, without allocating handler goroutines.
func invariantEmptyEmitIsNoop(ctx context.Context, scratchRoot string) CaseResult {
	h, err := newHarness(scratchRoot, nil, 0)
	if err != nil {
		return failf("new harness: %v", err)
	}
	defer h.close()

	payload := json.RawMessage(`{"x":1}`)
	result, err := h.bus.Emit(ctx, eventbus.SessionStart, payload)
	if err != nil {
		return failf("emit: %v", err)
	}
	if result.Blocked || len(result.Slow) != 0 {
		return failf("expected no-op result for unsubscribed kind, got %+v", result)
	}
	return pass("emit with no subscribers is a no-op")
}

// invariant: after Unload, a re-Discover + Load of the same source
// directory succeeds cleanly (no stale registry/bus state survives).
func invariantUnloadThenReload(ctx context.Context, scratchRoot string) CaseResult {
	h, err := newHarness(scratchRoot, nil, 0)
	if err != nil {
		return failf("new harness: %v", err)
	}
	defer h.close()

	if err := h.writeExtension("ephemeral", `["time"]`, `
		module.exports = function(pi) {
			pi.registerCommand("ephemeral_cmd", {description: "x", handler: function(){}});
		};
	`); err != nil {
		return failf("write extension: %v", err)
	}

	descs, err := h.discoverAll()
	if err != nil || len(descs) != 1 {
		return failf("discover: descs=%d err=%v", len(descs), err)
	}
	if err := h.mgr.Load(ctx, descs[0]); err != nil {
		return failf("load: %v", err)
	}
	h.mgr.Unload("ephemeral")
	if _, ok := h.reg.Lookup(registry.Command, "ephemeral_cmd"); ok {
		return fail("expected Unload to roll back the command registration")
	}

	descs2, err := h.discoverAll()
	if err != nil || len(descs2) != 1 {
		return failf("re-discover: descs=%d err=%v", len(descs2), err)
	}
	if err := h.mgr.Load(ctx, descs2[0]); err != nil {
		return failf("re-load: %v", err)
	}
	if _, ok := h.reg.Lookup(registry.Command, "ephemeral_cmd"); !ok {
		return fail("expected re-load to re-register the command")
	}
	return pass("unload followed by re-discover and re-load leaves no stale state")
}

// invariant: Registry.Count reflects exactly the set of live, non-rolled-
// back registrations across multiple extensions and kinds.
func invariantRegistryCount(ctx context.Context, scratchRoot string) CaseResult {
	h, err := newHarness(scratchRoot, nil, 0)
	if err != nil {
		return failf("new harness: %v", err)
	}
	defer h.close()

	if err := h.writeExtension("multi", `["time"]`, `
		module.exports = function(pi) {
			pi.registerCommand("one", {description: "x", handler: function(){}});
			pi.registerCommand("two", {description: "x", handler: function(){}});
		};
	`); err != nil {
		return failf("write extension: %v", err)
	}

	descs, err := h.discoverAll()
	if err != nil || len(descs) != 1 {
		return failf("discover: descs=%d err=%v", len(descs), err)
	}
	if err := h.mgr.Load(ctx, descs[0]); err != nil {
		return failf("load: %v", err)
	}
	if h.reg.Count() != 2 {
		return failf("registry count = %d, want 2", h.reg.Count())
	}
	h.mgr.Unload("multi")
	if h.reg.Count() != 0 {
		return failf("registry count after unload = %d, want 0", h.reg.Count())
	}
	return pass("registry count tracks live registrations through load and unload")
}
