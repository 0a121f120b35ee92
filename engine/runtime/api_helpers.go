package runtime

import (
	"encoding/json"
	"fmt"

	v8 "rogchap.com/v8go"

	"pihost/engine/capability"
)

// checkCapability is the single gate every shim calls before touching the
// outside world. target is a path, host, or command depending on tok; pass
// "" for capabilities that are presence-only (env.read, crypto, time).
func checkCapability(shim *ShimContext, tok capability.Token, target string) error {
	if err := shim.Grant.Check(tok, target); err != nil {
		return fmt.Errorf("capability denied: %w", err)
	}
	return nil
}

// throwJSError schedules a JS exception on the isolate and returns the
// exception value. When returned from a FunctionCallback, V8 propagates
// the pending exception to the caller.
func throwJSError(iso *v8.Isolate, _ *v8.Context, msg string) *v8.Value {
	val, _ := v8.NewValue(iso, msg)
	return iso.ThrowException(val)
}

// argString extracts a string argument at the given index.
func argString(info *v8.FunctionCallbackInfo, idx int) (string, error) {
	args := info.Args()
	if idx >= len(args) {
		return "", fmt.Errorf("argument %d is required", idx)
	}
	if !args[idx].IsString() {
		return "", fmt.Errorf("argument %d must be a string", idx)
	}
	return args[idx].String(), nil
}

// toJSObject converts a Go map[string]any to a V8 Object value via JSON roundtrip.
func toJSObject(iso *v8.Isolate, ctx *v8.Context, data map[string]any) (*v8.Value, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal to JSON: %w", err)
	}
	script := fmt.Sprintf("JSON.parse(%s)", escapeJSString(string(jsonBytes)))
	val, err := ctx.RunScript(script, "to_js_object")
	if err != nil {
		return nil, fmt.Errorf("parse JSON in V8: %w", err)
	}
	return val, nil
}

// toJSValue converts a Go value to a V8 Value.
func toJSValue(iso *v8.Isolate, ctx *v8.Context, val any) (*v8.Value, error) {
	if val == nil {
		return v8.Null(iso), nil
	}

	switch v := val.(type) {
	case string:
		return v8.NewValue(iso, v)
	case float64:
		return v8.NewValue(iso, v)
	case int:
		return v8.NewValue(iso, int32(v))
	case int64:
		return v8.NewValue(iso, float64(v))
	case bool:
		return v8.NewValue(iso, v)
	case map[string]any:
		return toJSObject(iso, ctx, v)
	default:
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal value: %w", err)
		}
		script := fmt.Sprintf("JSON.parse(%s)", escapeJSString(string(jsonBytes)))
		return ctx.RunScript(script, "to_js_value")
	}
}

// jsValueToStringMap extracts a JS object as a Go map[string]string via
// v8.JSONStringify. Returns nil if val is undefined or null.
func jsValueToStringMap(ctx *v8.Context, val *v8.Value) (map[string]string, error) {
	if val.IsUndefined() || val.IsNull() {
		return nil, nil
	}
	if !val.IsObject() {
		return nil, fmt.Errorf("expected object, got %s", val.String())
	}

	jsonStr, err := v8.JSONStringify(ctx, val)
	if err != nil {
		return nil, fmt.Errorf("stringify object: %w", err)
	}

	var result map[string]string
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("parse object JSON: %w", err)
	}
	return result, nil
}
