package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	v8 "rogchap.com/v8go"

	"pihost/engine/capability"
)

const defaultSpawnTimeout = 30 * time.Second

// injectChildProcessAPI registers child_process.spawn(command, args) and
// child_process.execFileSync(command, args) — both a thin
// execFileSync equivalent gated by process.spawn, no shell involved.
// Named child_process (not process) to match Node's module layout, since
// spec §4.2 also assigns a real, differently-shaped `process` global
// (env/platform/exit/...; see injectProcessGlobalAPI).
func injectChildProcessAPI(iso *v8.Isolate, global *v8.ObjectTemplate, shim *ShimContext) error {
	childProcess := v8.NewObjectTemplate(iso)

	spawnFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		command, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "child_process.spawn: "+err.Error())
		}

		var argv []string
		args := info.Args()
		if len(args) > 1 && args[1].IsArray() {
			strs, err := jsValueToStringSlice(v8ctx, args[1])
			if err != nil {
				return throwJSError(v8iso, v8ctx, "child_process.spawn: "+err.Error())
			}
			argv = strs
		}

		if err := checkCapability(shim, capability.ProcessSpawn, command); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}

		result, err := runCommand(command, argv)
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("child_process.spawn: %s", err))
		}

		val, err := toJSObject(v8iso, v8ctx, result)
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("child_process.spawn: create value: %s", err))
		}
		return val
	})
	if err := childProcess.Set("spawn", spawnFn, v8.ReadOnly); err != nil {
		return fmt.Errorf("set child_process.spawn: %w", err)
	}
	// execFileSync shares spawn's exact semantics (no shell, argv passed
	// straight to exec.Command); it is the name most Node extension code
	// reaches for when it wants a blocking call.
	if err := childProcess.Set("execFileSync", spawnFn, v8.ReadOnly); err != nil {
		return fmt.Errorf("set child_process.execFileSync: %w", err)
	}

	if err := global.Set("child_process", childProcess, v8.ReadOnly); err != nil {
		return fmt.Errorf("set child_process namespace: %w", err)
	}
	return nil
}

// runCommand runs command with argv under a fixed ceiling and captures
// stdout/stderr/exit code. No shell is involved — argv is passed directly
// to exec.Command, so shell metacharacters in arguments are inert.
func runCommand(command string, argv []string) (map[string]any, error) {
	ctxTimeout, cancel := context.WithTimeout(context.Background(), defaultSpawnTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctxTimeout, command, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return nil, runErr
	}

	return map[string]any{
		"stdout":   stdout.String(),
		"stderr":   stderr.String(),
		"exitCode": exitCode,
	}, nil
}

// jsValueToStringSlice decodes a JS array of strings via JSON roundtrip.
func jsValueToStringSlice(ctx *v8.Context, val *v8.Value) ([]string, error) {
	jsonStr, err := v8.JSONStringify(ctx, val)
	if err != nil {
		return nil, fmt.Errorf("stringify array: %w", err)
	}
	var result []string
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("parse array JSON: %w", err)
	}
	return result, nil
}
