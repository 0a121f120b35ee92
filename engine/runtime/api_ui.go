package runtime

import (
	"fmt"

	v8 "rogchap.com/v8go"
)

// injectUiAPI registers a minimal host.emit(message) escape hatch used by
// extension code before the full pi surface (registerCommand, sendMessage,
// appendEntry, ...) is wired in by the registration registry. No
// capability check — every extension may always report its own progress.
func injectUiAPI(iso *v8.Isolate, global *v8.ObjectTemplate, shim *ShimContext) error {
	host := v8.NewObjectTemplate(iso)

	emitFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		message, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "host.emit: "+err.Error())
		}

		if shim.Emit != nil {
			shim.Emit(shim.ExtensionName, message)
		}

		return v8.Undefined(v8iso)
	})
	if err := host.Set("emit", emitFn, v8.ReadOnly); err != nil {
		return fmt.Errorf("set host.emit: %w", err)
	}

	if err := global.Set("host", host, v8.ReadOnly); err != nil {
		return fmt.Errorf("set host namespace: %w", err)
	}
	return nil
}
