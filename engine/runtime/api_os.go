package runtime

import (
	"fmt"
	"os"
	"os/user"
	"runtime"

	v8 "rogchap.com/v8go"

	"pihost/engine/capability"
)

// injectOsAPI registers the Node `os` module's most commonly used subset
// (spec §4.2): homedir/tmpdir/hostname/userInfo, each gated by
// capability.EnvRead since they all disclose information about the host
// machine an extension has no business learning without that grant.
// platform/arch are not gated — they duplicate process.platform/arch,
// which are unconditionally visible, so withholding them here behind
// env.read would just be inconsistent, not more secure.
func injectOsAPI(iso *v8.Isolate, global *v8.ObjectTemplate, shim *ShimContext) error {
	osNs := v8.NewObjectTemplate(iso)

	set := func(name string, cb v8.FunctionCallback) error {
		return osNs.Set(name, v8.NewFunctionTemplate(iso, cb), v8.ReadOnly)
	}

	if err := set("homedir", func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()
		if err := checkCapability(shim, capability.EnvRead, ""); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("os.homedir: %s", err))
		}
		val, _ := v8.NewValue(v8iso, home)
		return val
	}); err != nil {
		return fmt.Errorf("set os.homedir: %w", err)
	}

	if err := set("tmpdir", func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()
		if err := checkCapability(shim, capability.EnvRead, ""); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		val, _ := v8.NewValue(v8iso, os.TempDir())
		return val
	}); err != nil {
		return fmt.Errorf("set os.tmpdir: %w", err)
	}

	if err := set("hostname", func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()
		if err := checkCapability(shim, capability.EnvRead, ""); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		name, err := os.Hostname()
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("os.hostname: %s", err))
		}
		val, _ := v8.NewValue(v8iso, name)
		return val
	}); err != nil {
		return fmt.Errorf("set os.hostname: %w", err)
	}

	if err := set("userInfo", func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()
		if err := checkCapability(shim, capability.EnvRead, ""); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		u, err := user.Current()
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("os.userInfo: %s", err))
		}
		val, err := toJSObject(v8iso, v8ctx, map[string]any{
			"username": u.Username,
			"homedir":  u.HomeDir,
			"uid":      u.Uid,
			"gid":      u.Gid,
		})
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("os.userInfo: %s", err))
		}
		return val
	}); err != nil {
		return fmt.Errorf("set os.userInfo: %w", err)
	}

	if err := osNs.Set("platform", runtime.GOOS, v8.ReadOnly); err != nil {
		return fmt.Errorf("set os.platform: %w", err)
	}
	if err := osNs.Set("arch", runtime.GOARCH, v8.ReadOnly); err != nil {
		return fmt.Errorf("set os.arch: %w", err)
	}
	if err := osNs.Set("EOL", "\n", v8.ReadOnly); err != nil {
		return fmt.Errorf("set os.EOL: %w", err)
	}

	if err := global.Set("os", osNs, v8.ReadOnly); err != nil {
		return fmt.Errorf("set os namespace: %w", err)
	}
	return nil
}
