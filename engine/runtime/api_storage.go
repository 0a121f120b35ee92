package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	v8 "rogchap.com/v8go"

	"pihost/engine/capability"
)

// injectStorageAPI registers storage.read(key)/storage.write(key,
// value)/storage.list()/storage.delete(key), gated by
// capability.StorageRead/StorageWrite, backed by one file per key under
// shim.StorageDir. Distinct from fs.*: fs targets arbitrary paths the
// manifest explicitly allow-lists, storage is the extension's own
// private namespaced scratch space and never leaves StorageDir.
func injectStorageAPI(iso *v8.Isolate, global *v8.ObjectTemplate, shim *ShimContext) error {
	storage := v8.NewObjectTemplate(iso)

	readFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		key, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "storage.read: "+err.Error())
		}
		path, err := storageKeyPath(shim.StorageDir, key)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "storage.read: "+err.Error())
		}
		if err := checkCapability(shim, capability.StorageRead, path); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return v8.Null(v8iso)
			}
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("storage.read: %s", err))
		}
		val, err := v8.NewValue(v8iso, string(data))
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("storage.read: create value: %s", err))
		}
		return val
	})
	if err := storage.Set("read", readFn, v8.ReadOnly); err != nil {
		return fmt.Errorf("set storage.read: %w", err)
	}

	writeFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		key, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "storage.write: "+err.Error())
		}
		value, err := argString(info, 1)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "storage.write: "+err.Error())
		}
		path, err := storageKeyPath(shim.StorageDir, key)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "storage.write: "+err.Error())
		}
		if err := checkCapability(shim, capability.StorageWrite, path); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}

		if err := os.MkdirAll(shim.StorageDir, 0o755); err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("storage.write: mkdir: %s", err))
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|syscall.O_NOFOLLOW, 0o644)
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("storage.write: %s", err))
		}
		_, writeErr := f.WriteString(value)
		closeErr := f.Close()
		if writeErr != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("storage.write: %s", writeErr))
		}
		if closeErr != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("storage.write: close: %s", closeErr))
		}
		return v8.Undefined(v8iso)
	})
	if err := storage.Set("write", writeFn, v8.ReadOnly); err != nil {
		return fmt.Errorf("set storage.write: %w", err)
	}

	deleteFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		key, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "storage.delete: "+err.Error())
		}
		path, err := storageKeyPath(shim.StorageDir, key)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "storage.delete: "+err.Error())
		}
		if err := checkCapability(shim, capability.StorageWrite, path); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("storage.delete: %s", err))
		}
		return v8.Undefined(v8iso)
	})
	if err := storage.Set("delete", deleteFn, v8.ReadOnly); err != nil {
		return fmt.Errorf("set storage.delete: %w", err)
	}

	listFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		if err := checkCapability(shim, capability.StorageRead, shim.StorageDir); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		entries, err := os.ReadDir(shim.StorageDir)
		if err != nil {
			if os.IsNotExist(err) {
				return mustJSArray(v8iso, v8ctx, nil)
			}
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("storage.list: %s", err))
		}
		keys := make([]any, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() {
				keys = append(keys, e.Name())
			}
		}
		return mustJSArray(v8iso, v8ctx, keys)
	})
	if err := storage.Set("list", listFn, v8.ReadOnly); err != nil {
		return fmt.Errorf("set storage.list: %w", err)
	}

	if err := global.Set("storage", storage, v8.ReadOnly); err != nil {
		return fmt.Errorf("set storage namespace: %w", err)
	}
	return nil
}

// storageKeyPath maps an extension-chosen key to a file under dir,
// rejecting anything that could escape it (path separators, "..",
// leading dots that would resolve outside via a symlinked parent).
// Unlike fs.* paths, storage keys are never meant to reference anything
// outside the extension's own namespace, so canonicalizePath's
// symlink-following is deliberately not used here.
func storageKeyPath(dir, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	if strings.ContainsAny(key, "/\\") || key == "." || key == ".." {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(dir, key), nil
}

func mustJSArray(iso *v8.Isolate, ctx *v8.Context, items []any) *v8.Value {
	val, err := toJSValue(iso, ctx, items)
	if err != nil {
		return throwJSError(iso, ctx, fmt.Sprintf("storage.list: create value: %s", err))
	}
	return val
}
