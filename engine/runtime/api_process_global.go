package runtime

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	v8 "rogchap.com/v8go"

	"pihost/engine/capability"
)

// injectProcessGlobalAPI registers the Node-shaped `process` global (spec
// §4.2): platform/arch/env are static at inject time (the Grant an
// isolate runs under never changes mid-life, so there is nothing to
// re-check per access) while exit/on/nextTick/hrtime/stdout/stderr cover
// the handful of calls extension code reaches for incidentally (logging
// through stdout.write, exiting on a fatal condition) rather than as a
// primary capability surface. Distinct from child_process, which carries
// the actual process.spawn capability.
func injectProcessGlobalAPI(iso *v8.Isolate, global *v8.ObjectTemplate, shim *ShimContext) error {
	proc := v8.NewObjectTemplate(iso)

	set := func(name string, cb v8.FunctionCallback) error {
		return proc.Set(name, v8.NewFunctionTemplate(iso, cb), v8.ReadOnly)
	}

	if err := set("hrtime", func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()
		if err := checkCapability(shim, capability.Time, ""); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		now := time.Now().UnixNano()
		val, err := toJSObject(v8iso, v8ctx, map[string]any{
			"0": now / 1e9,
			"1": now % 1e9,
		})
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("process.hrtime: %s", err))
		}
		return val
	}); err != nil {
		return fmt.Errorf("set process.hrtime: %w", err)
	}

	if err := set("nextTick", func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()
		args := info.Args()
		if len(args) == 0 || !args[0].IsFunction() {
			return throwJSError(v8iso, v8ctx, "process.nextTick: callback function is required")
		}
		// No microtask pump exists; invoke inline instead of deferring,
		// which preserves ordering relative to the synchronous code that
		// follows but not relative to any genuinely async work.
		fn, err := args[0].AsFunction()
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("process.nextTick: %s", err))
		}
		if _, err := fn.Call(v8ctx.Global()); err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("process.nextTick: %s", err))
		}
		return v8.Undefined(v8iso)
	}); err != nil {
		return fmt.Errorf("set process.nextTick: %w", err)
	}

	if err := set("exit", func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()
		code := 0
		args := info.Args()
		if len(args) > 0 && args[0].IsNumber() {
			code = int(args[0].Int32())
		}
		return throwJSError(v8iso, v8ctx, fmt.Sprintf("%s%d", processExitSentinel, code))
	}); err != nil {
		return fmt.Errorf("set process.exit: %w", err)
	}

	if err := set("on", func(info *v8.FunctionCallbackInfo) *v8.Value {
		// process.on (exit/uncaughtException handlers) has no host-side
		// analogue: the isolate is dropped by the lifecycle manager, not
		// by an in-process exit event. Accept and ignore registrations so
		// extension code written defensively against this doesn't throw.
		return v8.Undefined(info.Context().Isolate())
	}); err != nil {
		return fmt.Errorf("set process.on: %w", err)
	}

	stdout := v8.NewObjectTemplate(iso)
	if err := stdout.Set("write", v8.NewFunctionTemplate(iso, processStreamWrite(shim)), v8.ReadOnly); err != nil {
		return fmt.Errorf("set process.stdout.write: %w", err)
	}
	if err := proc.Set("stdout", stdout, v8.ReadOnly); err != nil {
		return fmt.Errorf("set process.stdout: %w", err)
	}

	stderr := v8.NewObjectTemplate(iso)
	if err := stderr.Set("write", v8.NewFunctionTemplate(iso, processStreamWrite(shim)), v8.ReadOnly); err != nil {
		return fmt.Errorf("set process.stderr.write: %w", err)
	}
	if err := proc.Set("stderr", stderr, v8.ReadOnly); err != nil {
		return fmt.Errorf("set process.stderr: %w", err)
	}

	// env is built once, here, from the grant this isolate was created
	// with — there is no later point at which the grant could change, so
	// unlike fs/http (whose targets vary per call) env.read is checked at
	// inject time rather than on every property access.
	env := v8.NewObjectTemplate(iso)
	if shim.Grant.Check(capability.EnvRead, "") == nil {
		for _, kv := range os.Environ() {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 {
				continue
			}
			if err := env.Set(parts[0], parts[1], v8.ReadOnly); err != nil {
				return fmt.Errorf("set process.env.%s: %w", parts[0], err)
			}
		}
	}
	if err := proc.Set("env", env, v8.ReadOnly); err != nil {
		return fmt.Errorf("set process.env: %w", err)
	}

	if err := proc.Set("platform", runtime.GOOS, v8.ReadOnly); err != nil {
		return fmt.Errorf("set process.platform: %w", err)
	}
	if err := proc.Set("arch", runtime.GOARCH, v8.ReadOnly); err != nil {
		return fmt.Errorf("set process.arch: %w", err)
	}
	if err := proc.Set("version", "pihost", v8.ReadOnly); err != nil {
		return fmt.Errorf("set process.version: %w", err)
	}

	if err := global.Set("process", proc, v8.ReadOnly); err != nil {
		return fmt.Errorf("set process namespace: %w", err)
	}
	return nil
}

func processStreamWrite(shim *ShimContext) v8.FunctionCallback {
	return func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()
		text, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "process stream write: "+err.Error())
		}
		if shim.Emit != nil {
			shim.Emit(shim.ExtensionName, text)
		}
		out, err := v8.NewValue(v8iso, true)
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("process stream write: %s", err))
		}
		return out
	}
}
