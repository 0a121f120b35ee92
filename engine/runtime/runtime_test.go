package runtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"pihost/engine/capability"
	"pihost/hosterr"
)

// newLoadedIsolate creates an isolate for extension name, grants it grant,
// injects the capability-scoped shims, and evaluates source.
func newLoadedIsolate(t *testing.T, name string, grant capability.Grant, source string) (*Adapter, *Isolate) {
	t.Helper()
	a := NewAdapter()
	h, err := a.CreateIsolate(IsolateSpec{ExtensionName: name, Grant: grant})
	if err != nil {
		t.Fatalf("CreateIsolate: %v", err)
	}
	t.Cleanup(a.DropAll)

	shim := &ShimContext{ExtensionName: name, Grant: grant, AllowLoopback: true}
	if err := h.InjectGlobal(shim); err != nil {
		t.Fatalf("InjectGlobal: %v", err)
	}
	if err := h.EvalModule(source, name); err != nil {
		t.Fatalf("EvalModule: %v", err)
	}
	return a, h
}

func TestCreateIsolateDuplicateExtensionRejected(t *testing.T) {
	a := NewAdapter()
	defer a.DropAll()

	spec := IsolateSpec{ExtensionName: "dup-ext"}
	if _, err := a.CreateIsolate(spec); err != nil {
		t.Fatalf("first CreateIsolate: %v", err)
	}
	if _, err := a.CreateIsolate(spec); err == nil {
		t.Fatal("expected error creating a second isolate for the same extension")
	}
}

func TestEvalModuleThenCall(t *testing.T) {
	_, h := newLoadedIsolate(t, "math-ext", capability.MinimumSet(), `
		function addOne(n) { return n + 1; }
	`)

	out, err := h.Call(context.Background(), "addOne", "41")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "42" {
		t.Errorf("Call result = %q, want 42", out)
	}
}

func TestCallBeforeEvalModuleFails(t *testing.T) {
	a := NewAdapter()
	defer a.DropAll()
	h, err := a.CreateIsolate(IsolateSpec{ExtensionName: "not-loaded"})
	if err != nil {
		t.Fatalf("CreateIsolate: %v", err)
	}
	if _, err := h.Call(context.Background(), "foo", "null"); err == nil {
		t.Fatal("expected error calling before eval_module")
	}
}

func TestEvalModuleTwiceIsReentrant(t *testing.T) {
	_, h := newLoadedIsolate(t, "reentrant-ext", capability.MinimumSet(), `function f(){return 1}`)
	err := h.EvalModule(`function f(){return 2}`, "reentrant-ext")
	if err == nil {
		t.Fatal("expected error calling eval_module a second time")
	}
	if !hosterr.Is(err, hosterr.ReentrantEval) {
		t.Errorf("expected ReentrantEval kind, got %v", err)
	}
}

func TestCallScriptErrorWraps(t *testing.T) {
	_, h := newLoadedIsolate(t, "throwing-ext", capability.MinimumSet(), `
		function boom() { throw new Error("kaboom"); }
	`)
	_, err := h.Call(context.Background(), "boom", "null")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("error = %v, want to mention kaboom", err)
	}
}

func TestCallTimeoutTerminatesIsolate(t *testing.T) {
	_, h := newLoadedIsolate(t, "slow-ext", capability.MinimumSet(), `
		function spin() { while (true) {} }
	`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.Call(ctx, "spin", "null")
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestCallWithInvalidFunctionNameRejected(t *testing.T) {
	_, h := newLoadedIsolate(t, "safe-ext", capability.MinimumSet(), `function f(){return 1}`)
	if _, err := h.Call(context.Background(), "not a function; evil()", "null"); err == nil {
		t.Fatal("expected rejection of non-identifier function name")
	}
}

func TestDropIsIdempotentAndBlocksFurtherCalls(t *testing.T) {
	_, h := newLoadedIsolate(t, "drop-ext", capability.MinimumSet(), `function f(){return 1}`)
	h.Drop()
	h.Drop() // must not panic

	if _, err := h.Call(context.Background(), "f", "null"); err == nil {
		t.Fatal("expected error calling a dropped isolate")
	}
}

func TestInterruptStopsRunningCall(t *testing.T) {
	a, h := newLoadedIsolate(t, "interrupt-ext", capability.MinimumSet(), `
		function spin() { while (true) {} }
	`)
	defer a.DropAll()

	done := make(chan struct{})
	go func() {
		h.Call(context.Background(), "spin", "null")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	h.Interrupt()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Call did not return after Interrupt")
	}
}

func TestCallTimeoutCapsAtMaxCallTimeout(t *testing.T) {
	got := callTimeout(context.Background())
	if got != DefaultCallTimeout {
		t.Errorf("callTimeout(no deadline) = %v, want %v", got, DefaultCallTimeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if got := callTimeout(ctx); got != MaxCallTimeout {
		t.Errorf("callTimeout(10m deadline) = %v, want capped at %v", got, MaxCallTimeout)
	}
}

func TestEscapeJSStringPreventsInjection(t *testing.T) {
	malicious := `'); globalThis.pwned = true; ('`
	escaped := escapeJSString(malicious)
	if !strings.HasPrefix(escaped, "'") || !strings.HasSuffix(escaped, "'") {
		t.Fatalf("escapeJSString(%q) = %q, want single-quoted", malicious, escaped)
	}
	if strings.Contains(escaped, "');") {
		t.Errorf("escapeJSString did not neutralize the closing quote: %q", escaped)
	}
}
