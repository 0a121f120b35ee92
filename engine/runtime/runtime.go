// Package runtime implements the script runtime adapter: the façade over
// the embedded V8 engine that gives each extension exactly one isolate,
// injects its capability-scoped globals, and exposes the
// create_isolate/inject_global/eval_module/call/interrupt/drop operations
// the lifecycle manager drives an extension through.
package runtime

// Lock ordering: a.mu → h.mu (never hold a.mu while acquiring h.mu in the
// opposite direction). Drop() and Call() both release a.mu before or
// immediately after acquiring h.mu to maintain consistent ordering.

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	v8 "rogchap.com/v8go"

	"pihost/engine/capability"
	"pihost/hosterr"
)

// jsIdentifierRe matches valid JavaScript identifiers (ASCII subset).
// Rejects names that could cause script injection when interpolated.
var jsIdentifierRe = regexp.MustCompile(`^[a-zA-Z_$][a-zA-Z0-9_$]*$`)

// dispatchIDRe matches the uuid keys storeDispatch generates; CallDispatch
// refuses anything else before it ever reaches script interpolation.
var dispatchIDRe = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

const (
	// MaxCallTimeout is the absolute ceiling for any handler invocation
	// (spec §4.1/§5: handler bodies are capped regardless of manifest).
	MaxCallTimeout = 5 * time.Minute

	// DefaultCallTimeout is used when the caller does not specify one.
	DefaultCallTimeout = 30 * time.Second

	// isolateGracePeriod is how long to wait for a terminated V8 isolate
	// goroutine to exit before deciding whether to leak it.
	isolateGracePeriod = 5 * time.Second

	// DefaultHeapLimitMB is the HeapLimitMB recorded when the spec leaves
	// it 0 (spec §4.1 "Memory bound"); CreateIsolate does not enforce it.
	DefaultHeapLimitMB = 256
)

// IsolateSpec contains everything needed to create one extension's isolate.
type IsolateSpec struct {
	ExtensionName string
	Grant         capability.Grant
	HeapLimitMB   int // 0 means DefaultHeapLimitMB
}

// Isolate is one extension's sandboxed V8 isolate. It satisfies the spec's
// create_isolate/inject_global/eval_module/call/interrupt/drop operation
// set as methods: NewIsolate is create_isolate, InjectGlobal is
// inject_global, EvalModule is eval_module, Call is call, Interrupt is
// interrupt, Drop is drop.
type Isolate struct {
	mu     sync.Mutex
	spec   IsolateSpec
	iso    *v8.Isolate
	ctx    *v8.Context
	global *v8.ObjectTemplate
	loaded bool // eval_module has run successfully
	leaked bool // a prior call timed out and the goroutine may still be running
	dropped bool
}

// Adapter manages the set of live isolates, one per active extension.
type Adapter struct {
	mu        sync.Mutex
	isolates  map[string]*Isolate // keyed by extension name
	registry  *APIRegistry
}

// NewAdapter returns an adapter with the default shared API registry
// (console.log and other bindings every isolate gets regardless of
// capability grant).
func NewAdapter() *Adapter {
	return &Adapter{
		isolates: make(map[string]*Isolate),
		registry: NewAPIRegistry(),
	}
}

// CreateIsolate allocates a fresh V8 isolate for spec.ExtensionName. It is
// an error to call this twice for the same extension without an
// intervening Drop.
func (a *Adapter) CreateIsolate(spec IsolateSpec) (*Isolate, error) {
	if spec.ExtensionName == "" {
		return nil, hosterr.New(hosterr.ScriptError, "isolate spec requires an extension name")
	}
	if spec.HeapLimitMB <= 0 {
		spec.HeapLimitMB = DefaultHeapLimitMB
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.isolates[spec.ExtensionName]; exists {
		return nil, hosterr.New(hosterr.ScriptError, "isolate for %q already exists", spec.ExtensionName).WithExtension(spec.ExtensionName)
	}

	// v8go does not expose a per-isolate heap ceiling; HeapLimitMB is
	// only recorded on the spec. Nothing in the host measures an isolate's
	// heap usage against it, so an isolate's heap is not bounded.
	iso := v8.NewIsolate()
	global := v8.NewObjectTemplate(iso)

	if err := a.registry.inject(iso, global); err != nil {
		iso.Dispose()
		return nil, hosterr.Wrap(hosterr.ScriptError, err, "inject shared globals for %q", spec.ExtensionName).WithExtension(spec.ExtensionName)
	}

	h := &Isolate{spec: spec, iso: iso, global: global}
	a.isolates[spec.ExtensionName] = h
	return h, nil
}

// Lookup returns the isolate for an already-created extension.
func (a *Adapter) Lookup(extensionName string) (*Isolate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.isolates[extensionName]
	return h, ok
}

// DropAll disposes every live isolate. Safe to call multiple times.
func (a *Adapter) DropAll() {
	a.mu.Lock()
	handles := make([]*Isolate, 0, len(a.isolates))
	for _, h := range a.isolates {
		handles = append(handles, h)
	}
	a.mu.Unlock()

	for _, h := range handles {
		h.Drop()
	}
}

// InjectGlobal attaches a capability-scoped shim surface (fs, http, crypto,
// etc.) to the isolate's global template. Must be called before EvalModule.
func (h *Isolate) InjectGlobal(shim *ShimContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loaded {
		return hosterr.New(hosterr.ScriptError, "inject_global called after eval_module for %q", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}
	if err := injectShims(h.iso, h.global, shim); err != nil {
		return hosterr.Wrap(hosterr.ScriptError, err, "inject shims for %q", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}
	return nil
}

// EvalModule compiles and runs source at global scope, establishing the
// V8 context. It may only be called once per isolate. Top-level function
// declarations in source remain directly callable by name via Call —
// this is the low-level operation api_*_test.go and direct embedders use
// when they don't need CommonJS/default-export semantics.
func (h *Isolate) EvalModule(source, origin string) error {
	return h.evalOnce(origin, func(v8ctx *v8.Context) (*v8.Value, error) {
		return v8ctx.RunScript(source, origin)
	})
}

// EvalEntryModule compiles and runs an extension entry file the way the
// lifecycle manager does: source runs inside a CommonJS module shim
// (module.exports/exports are Node-compatible conventions; there is no
// ESM loader) and its resolved default export is captured on globalThis
// for a subsequent InvokeDefaultExport. The pi.register*/pi.on dispatch
// table is initialized first so the entry source can call them
// immediately at module-eval time.
func (h *Isolate) EvalEntryModule(source, origin string) error {
	return h.evalOnce(origin, func(v8ctx *v8.Context) (*v8.Value, error) {
		if _, err := v8ctx.RunScript(dispatchTableScript, "dispatch_table_init"); err != nil {
			return nil, err
		}
		return v8ctx.RunScript(wrapCommonJS(source), origin)
	})
}

// evalOnce creates the isolate's single V8 context and runs run against
// it, guarding the loaded/dropped/reentrant invariants shared by
// EvalModule and EvalEntryModule.
func (h *Isolate) evalOnce(origin string, run func(*v8.Context) (*v8.Value, error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dropped {
		return hosterr.New(hosterr.ScriptError, "eval_module on dropped isolate %q", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}
	if h.loaded {
		return hosterr.New(hosterr.ReentrantEval, "eval_module called twice for %q", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}

	v8ctx := v8.NewContext(h.iso, h.global)
	if _, err := v8ctx.RunScript(shimPreludeScript, "shim_prelude"); err != nil {
		v8ctx.Close()
		return wrapJSError(err, "shim_prelude").WithExtension(h.spec.ExtensionName)
	}
	if _, err := run(v8ctx); err != nil {
		v8ctx.Close()
		return wrapJSError(err, origin).WithExtension(h.spec.ExtensionName)
	}

	h.ctx = v8ctx
	h.loaded = true
	return nil
}

// wrapCommonJS wraps an entry file's source in a CommonJS module shim
// (module.exports/exports are Node-compatible conventions; no require
// function is defined and there is no ESM loader) and stashes its resolved default export —
// module.exports.default when present, else module.exports itself — on
// globalThis for InvokeDefaultExport to dispatch on.
func wrapCommonJS(source string) string {
	return "var __pihost_module = {exports:{}};\n" +
		"(function(module, exports){\n" + source + "\n})(__pihost_module, __pihost_module.exports);\n" +
		"globalThis.__pihost_default_export = (__pihost_module.exports && __pihost_module.exports.default !== undefined) ? __pihost_module.exports.default : __pihost_module.exports;"
}

// CallDispatch invokes a handler previously stashed by pi.register*/pi.on
// under dispatchID (see storeDispatch), with the same timeout and
// single-flight semantics as Call. dispatchID is host-generated (a
// uuid), never attacker-supplied, but is still validated defensively
// before being embedded in the generated script.
func (h *Isolate) CallDispatch(ctx context.Context, dispatchID string, argsJSON string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dropped {
		return "", hosterr.New(hosterr.ScriptError, "call on dropped isolate %q", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}
	if !h.loaded {
		return "", hosterr.New(hosterr.ScriptError, "call before eval_module for %q", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}
	if h.leaked {
		return "", hosterr.New(hosterr.Cancelled, "isolate %q leaked (previous call timed out and did not terminate)", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}
	if !dispatchIDRe.MatchString(dispatchID) {
		return "", hosterr.New(hosterr.ScriptError, "invalid dispatch id for %q", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}

	timeout := callTimeout(ctx)
	script := fmt.Sprintf(`JSON.stringify(__pihost_dispatch[%s](JSON.parse(%s)))`, escapeJSString(dispatchID), escapeJSString(argsJSON))

	resultCh := make(chan callResult, 1)
	go func() {
		val, err := h.ctx.RunScript(script, h.spec.ExtensionName)
		if err != nil {
			resultCh <- callResult{err: err}
			return
		}
		resultCh <- callResult{val: val.String()}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return "", wrapJSError(r.err, h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
		}
		return r.val, nil

	case <-time.After(timeout):
		return "", h.terminateAfterTimeout(resultCh, fmt.Errorf("dispatch %s timed out after %s", dispatchID, timeout))

	case <-ctx.Done():
		return "", h.terminateAfterTimeout(resultCh, fmt.Errorf("dispatch %s cancelled: %w", dispatchID, ctx.Err()))
	}
}

// CallTool invokes a registerTool execute handler with the full signature
// spec §4.3 documents: execute(toolCallId, input, signal, onUpdate, ctx).
// signal is a plain {aborted:false} object — Interrupt/ctx cancellation
// stops the isolate the same way CallDispatch does, but does not yet flip
// this flag, since nothing currently polls it from inside a synchronous
// call. onUpdate is a no-op function: there is no progress-streaming
// channel back to the caller yet. ctx carries only {extension}. Handlers
// are expected to return their AgentToolResult directly rather than a
// Promise — the runtime has no Promise/microtask pump, so a thenable
// return value would stringify to "{}" rather than its resolved value.
func (h *Isolate) CallTool(ctx context.Context, dispatchID, toolCallID, inputJSON string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dropped {
		return "", hosterr.New(hosterr.ScriptError, "call on dropped isolate %q", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}
	if !h.loaded {
		return "", hosterr.New(hosterr.ScriptError, "call before eval_module for %q", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}
	if h.leaked {
		return "", hosterr.New(hosterr.Cancelled, "isolate %q leaked (previous call timed out and did not terminate)", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}
	if !dispatchIDRe.MatchString(dispatchID) {
		return "", hosterr.New(hosterr.ScriptError, "invalid dispatch id for %q", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}

	timeout := callTimeout(ctx)
	script := fmt.Sprintf(
		`JSON.stringify(__pihost_dispatch[%s](%s, JSON.parse(%s), {aborted:false}, function(){}, {extension:%s}))`,
		escapeJSString(dispatchID), escapeJSString(toolCallID), escapeJSString(inputJSON), escapeJSString(h.spec.ExtensionName),
	)

	resultCh := make(chan callResult, 1)
	go func() {
		val, err := h.ctx.RunScript(script, h.spec.ExtensionName)
		if err != nil {
			resultCh <- callResult{err: err}
			return
		}
		resultCh <- callResult{val: val.String()}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return "", wrapJSError(r.err, h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
		}
		return r.val, nil

	case <-time.After(timeout):
		return "", h.terminateAfterTimeout(resultCh, fmt.Errorf("tool call %s timed out after %s", toolCallID, timeout))

	case <-ctx.Done():
		return "", h.terminateAfterTimeout(resultCh, fmt.Errorf("tool call %s cancelled: %w", toolCallID, ctx.Err()))
	}
}

// Call invokes a named top-level function in the isolate with JSON-
// marshalled args and returns its JSON-stringified result. It enforces
// timeout semantics identical across all call sites: a per-call ceiling
// derived from the caller's context deadline (capped to MaxCallTimeout,
// defaulting to DefaultCallTimeout when the context carries none).
func (h *Isolate) Call(ctx context.Context, fnName string, argsJSON string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dropped {
		return "", hosterr.New(hosterr.ScriptError, "call on dropped isolate %q", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}
	if !h.loaded {
		return "", hosterr.New(hosterr.ScriptError, "call before eval_module for %q", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}
	if h.leaked {
		return "", hosterr.New(hosterr.Cancelled, "isolate %q leaked (previous call timed out and did not terminate)", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}
	if !jsIdentifierRe.MatchString(fnName) {
		return "", hosterr.New(hosterr.ScriptError, "function name %q is not a valid JS identifier", fnName).WithExtension(h.spec.ExtensionName)
	}

	timeout := callTimeout(ctx)
	script := fmt.Sprintf(`JSON.stringify(%s(JSON.parse(%s)))`, fnName, escapeJSString(argsJSON))

	resultCh := make(chan callResult, 1)

	go func() {
		val, err := h.ctx.RunScript(script, h.spec.ExtensionName)
		if err != nil {
			resultCh <- callResult{err: err}
			return
		}
		resultCh <- callResult{val: val.String()}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return "", wrapJSError(r.err, h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
		}
		return r.val, nil

	case <-time.After(timeout):
		return "", h.terminateAfterTimeout(resultCh, fmt.Errorf("call %s timed out after %s", fnName, timeout))

	case <-ctx.Done():
		return "", h.terminateAfterTimeout(resultCh, fmt.Errorf("call %s cancelled: %w", fnName, ctx.Err()))
	}
}

// callResult is the outcome of one in-flight Call goroutine.
type callResult struct {
	val string
	err error
}

// terminateAfterTimeout stops the isolate and waits a grace period for the
// in-flight goroutine to observe the interrupt. Caller must hold h.mu.
func (h *Isolate) terminateAfterTimeout(resultCh <-chan callResult, cause error) error {
	h.iso.TerminateExecution()
	select {
	case <-resultCh:
		// Goroutine exited within grace period; isolate remains usable.
	case <-time.After(isolateGracePeriod):
		log.Printf("pihost: isolate %s did not terminate within grace period, marking leaked", h.spec.ExtensionName)
		h.leaked = true
	}
	return hosterr.Wrap(hosterr.Cancelled, cause, "%s", cause.Error()).WithExtension(h.spec.ExtensionName)
}

// defaultExportDispatchScript implements the module-evaluation phase 4
// function-vs-object default export dispatch: if the entry's default
// export is a function it is called with the pi object; if it is a
// plain object it is treated as a declarative up-front manifest and
// expanded into the equivalent pi.register* calls.
const defaultExportDispatchScript = `(function(){
  var def = globalThis.__pihost_default_export;
  if (typeof def === 'function') { def(pi); return; }
  if (def && typeof def === 'object') {
    if (def.commands) for (var k in def.commands) pi.registerCommand(k, def.commands[k]);
    if (def.tools) for (var k in def.tools) { var t = def.tools[k]; t.name = t.name || k; pi.registerTool(t); }
    if (def.providers) for (var k in def.providers) pi.registerProvider(k, def.providers[k]);
    if (def.flags) for (var k in def.flags) pi.registerFlag(k, def.flags[k]);
    if (def.messageRenderers) for (var k in def.messageRenderers) pi.registerMessageRenderer(k, def.messageRenderers[k]);
    if (def.shortcuts) for (var k in def.shortcuts) pi.registerShortcut(k, def.shortcuts[k]);
  }
})();`

// InvokeDefaultExport runs the module-evaluation phase 4 dispatch. It
// must be called after EvalEntryModule and before the extension is considered
// Active; any registration performed here flows through the same
// pi.register* path (and the same ShimContext.Register callback) as
// later runtime calls.
func (h *Isolate) InvokeDefaultExport(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dropped {
		return hosterr.New(hosterr.ScriptError, "invoke default export on dropped isolate %q", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}
	if !h.loaded {
		return hosterr.New(hosterr.ScriptError, "invoke default export before eval_module for %q", h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
	}

	timeout := callTimeout(ctx)
	resultCh := make(chan callResult, 1)
	go func() {
		_, err := h.ctx.RunScript(defaultExportDispatchScript, h.spec.ExtensionName)
		resultCh <- callResult{err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return wrapJSError(r.err, h.spec.ExtensionName).WithExtension(h.spec.ExtensionName)
		}
		return nil
	case <-time.After(timeout):
		return h.terminateAfterTimeout(resultCh, fmt.Errorf("default export init timed out after %s", timeout))
	case <-ctx.Done():
		return h.terminateAfterTimeout(resultCh, fmt.Errorf("default export init cancelled: %w", ctx.Err()))
	}
}

// Interrupt requests termination of any in-flight Call without disposing
// the isolate (spec: "interrupt" operation). A subsequent Call either
// observes the termination or runs normally if none was in flight.
func (h *Isolate) Interrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.iso != nil {
		h.iso.TerminateExecution()
	}
}

// Drop releases all V8 resources for the isolate. Safe to call multiple
// times; subsequent Call/EvalModule calls return errors.
func (h *Isolate) Drop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dropped {
		return
	}
	if h.ctx != nil {
		h.ctx.Close()
		h.ctx = nil
	}
	if h.iso != nil {
		h.iso.Dispose()
		h.iso = nil
	}
	h.dropped = true
}

// ExtensionName returns the owning extension's name.
func (h *Isolate) ExtensionName() string { return h.spec.ExtensionName }

// callTimeout derives the effective ceiling for one Call, using the
// context's deadline if set, else DefaultCallTimeout, always clamped to
// MaxCallTimeout.
func callTimeout(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		remaining := time.Until(dl)
		if remaining <= 0 {
			return 0
		}
		if remaining > MaxCallTimeout {
			return MaxCallTimeout
		}
		return remaining
	}
	return DefaultCallTimeout
}

// escapeJSString wraps s in single quotes with proper escaping for
// embedding in a JavaScript expression.
func escapeJSString(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'':
			b.WriteString(`\'`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\u2028':
			b.WriteString(`\u2028`)
		case '\u2029':
			b.WriteString(`\u2029`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// processExitSentinel prefixes the message process.exit() throws, so
// wrapJSError can tell a deliberate process.exit() apart from a script
// bug and surface it as hosterr.ExtensionRequestedExit instead of
// hosterr.ScriptError.
const processExitSentinel = "__pihost_process_exit__:"

// wrapJSError converts a v8go error into a *hosterr.Error. If the error is
// a *v8.JSError, the message, location, and stack trace are included.
func wrapJSError(err error, origin string) *hosterr.Error {
	if jsErr, ok := err.(*v8.JSError); ok {
		if idx := strings.Index(jsErr.Message, processExitSentinel); idx >= 0 {
			code := strings.TrimSpace(jsErr.Message[idx+len(processExitSentinel):])
			return hosterr.New(hosterr.ExtensionRequestedExit, "process.exit(%s) called in %s", code, origin)
		}
		msg := jsErr.Message
		if jsErr.Location != "" {
			msg = jsErr.Location + ": " + msg
		}
		if jsErr.StackTrace != "" {
			msg += "\n" + jsErr.StackTrace
		}
		return hosterr.New(hosterr.ScriptError, "js error in %s: %s", origin, msg)
	}
	return hosterr.Wrap(hosterr.ScriptError, err, "js error in %s", origin)
}
