package runtime

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	v8 "rogchap.com/v8go"

	"pihost/engine/capability"
)

// injectCryptoAPI registers crypto.randomUUID, crypto.randomBytes, and
// crypto.sha256, gated by the crypto capability (presence-only check: no
// scoping sub-resource exists for crypto).
func injectCryptoAPI(iso *v8.Isolate, global *v8.ObjectTemplate, shim *ShimContext) error {
	cr := v8.NewObjectTemplate(iso)

	randomUUIDFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		if err := checkCapability(shim, capability.Crypto, ""); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}

		val, _ := v8.NewValue(v8iso, uuid.NewString())
		return val
	})
	if err := cr.Set("randomUUID", randomUUIDFn, v8.ReadOnly); err != nil {
		return fmt.Errorf("set crypto.randomUUID: %w", err)
	}

	randomBytesFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		if err := checkCapability(shim, capability.Crypto, ""); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}

		args := info.Args()
		n := 16
		if len(args) > 0 && args[0].IsNumber() {
			n = int(args[0].Integer())
		}
		if n <= 0 || n > 1<<20 {
			return throwJSError(v8iso, v8ctx, "crypto.randomBytes: size out of range")
		}

		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("crypto.randomBytes: %s", err))
		}
		val, _ := v8.NewValue(v8iso, hex.EncodeToString(buf))
		return val
	})
	if err := cr.Set("randomBytes", randomBytesFn, v8.ReadOnly); err != nil {
		return fmt.Errorf("set crypto.randomBytes: %w", err)
	}

	sha256Fn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		if err := checkCapability(shim, capability.Crypto, ""); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}

		data, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "crypto.sha256: "+err.Error())
		}
		sum := sha256.Sum256([]byte(data))
		val, _ := v8.NewValue(v8iso, hex.EncodeToString(sum[:]))
		return val
	})
	if err := cr.Set("sha256", sha256Fn, v8.ReadOnly); err != nil {
		return fmt.Errorf("set crypto.sha256: %w", err)
	}

	if err := global.Set("crypto", cr, v8.ReadOnly); err != nil {
		return fmt.Errorf("set crypto namespace: %w", err)
	}
	return nil
}
