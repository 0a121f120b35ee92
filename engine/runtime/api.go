package runtime

import (
	"fmt"

	v8 "rogchap.com/v8go"

	"pihost/engine/capability"
)

// EventEmitFunc lets a shim push a host-visible message without the
// runtime package importing the event bus (avoids an import cycle: the
// event bus itself drives isolates through this package).
type EventEmitFunc func(extensionName, message string)

// ShimContext carries the per-isolate state every capability-scoped shim
// needs: which extension owns the isolate, what it's allowed to touch,
// and where to send UI/log output. One ShimContext is built per isolate —
// no field is shared mutable state across isolates.
type ShimContext struct {
	ExtensionName string
	Grant         capability.Grant
	StorageDir    string // <pihost_dir>/storage/<extension>/
	Emit          EventEmitFunc
	AllowLoopback bool // skip loopback/private IP check in the net shim (tests only)

	// Register, Subscribe, Unsubscribe and GetFlag back the pi extension
	// API object (pi.registerTool, pi.on, pi.getFlag). They are filled in
	// by the lifecycle manager, which owns the registry/event bus this
	// isolate's JS calls reach into. Left nil, pi.register* and pi.on
	// throw, pi.getFlag returns undefined, and unsubscribing is a no-op.
	Register    PiRegisterFunc
	Subscribe   PiSubscribeFunc
	Unsubscribe PiUnsubscribeFunc
	GetFlag     PiGetFlagFunc

	// AppendEntry, SendMessage, SetSessionName and GetSessionName back
	// pi.appendEntry/sendMessage/sendUserMessage/setSessionName/
	// getSessionName (spec §4.3), routed by the lifecycle manager to the
	// session log and the embedder's hostapi.UINotifier. Left nil, the
	// corresponding pi calls throw, except pi.getSessionName, which
	// returns undefined.
	AppendEntry    PiAppendEntryFunc
	SendMessage    PiSendMessageFunc
	SetSessionName PiSetSessionNameFunc
	GetSessionName PiGetSessionNameFunc

	// EventsEmit/EventsOn back pi.events.emit/pi.events.on, the free-form
	// inter-extension bus distinct from pi.on's closed Kind set.
	EventsEmit PiEventsEmitFunc
	EventsOn   PiEventsOnFunc
}

// APIBinding describes a single Go function exposed to JavaScript.
// Namespace groups related bindings (e.g., "console" for console.log).
type APIBinding struct {
	Namespace string
	Name      string
	Callback  v8.FunctionCallback
}

// APIRegistry collects the bindings every isolate gets regardless of
// capability grant (console.log and similar). Capability-gated shims are
// injected separately via injectShims, once per isolate, scoped to that
// extension's Grant.
type APIRegistry struct {
	bindings []APIBinding
}

// NewAPIRegistry creates a registry pre-loaded with default bindings.
func NewAPIRegistry() *APIRegistry {
	r := &APIRegistry{}
	r.registerDefaults()
	return r
}

func (r *APIRegistry) registerDefaults() {
	r.Register(APIBinding{
		Namespace: "console",
		Name:      "log",
		Callback: func(info *v8.FunctionCallbackInfo) *v8.Value {
			// Swallow console.log; extensions surface output through pi.appendEntry.
			return v8.Undefined(info.Context().Isolate())
		},
	})
}

// Register adds a binding to the registry. Must be called before any
// isolate is created — the registry is not safe for concurrent mutation
// after isolates start using it.
func (r *APIRegistry) Register(b APIBinding) {
	r.bindings = append(r.bindings, b)
}

// inject creates namespace ObjectTemplates on the global template and
// attaches FunctionTemplates for each binding. Bindings sharing a
// namespace share a single ObjectTemplate.
func (r *APIRegistry) inject(iso *v8.Isolate, global *v8.ObjectTemplate) error {
	namespaces := make(map[string]*v8.ObjectTemplate)

	for _, b := range r.bindings {
		ns, ok := namespaces[b.Namespace]
		if !ok {
			ns = v8.NewObjectTemplate(iso)
			namespaces[b.Namespace] = ns
		}

		fn := v8.NewFunctionTemplate(iso, b.Callback)
		if err := ns.Set(b.Name, fn, v8.ReadOnly); err != nil {
			return fmt.Errorf("set %s.%s: %w", b.Namespace, b.Name, err)
		}
	}

	for name, ns := range namespaces {
		if err := global.Set(name, ns, v8.ReadOnly); err != nil {
			return fmt.Errorf("set namespace %s: %w", name, err)
		}
	}

	return nil
}

// injectShims attaches every capability-gated Node-compatible shim (fs,
// net/http fetch, crypto, child_process, os, storage, process) to the
// isolate's global template. Each native shim checks shim.Grant before
// touching the outside world. The pure-JS shims that need no capability
// (events, path, url, querystring, Buffer) are not attached here:
// shimPreludeScript defines them when the module is evaluated.
func injectShims(iso *v8.Isolate, global *v8.ObjectTemplate, shim *ShimContext) error {
	if err := injectFsAPI(iso, global, shim); err != nil {
		return fmt.Errorf("inject fs shim: %w", err)
	}
	if err := injectHttpAPI(iso, global, shim); err != nil {
		return fmt.Errorf("inject http shim: %w", err)
	}
	if err := injectCryptoAPI(iso, global, shim); err != nil {
		return fmt.Errorf("inject crypto shim: %w", err)
	}
	if err := injectChildProcessAPI(iso, global, shim); err != nil {
		return fmt.Errorf("inject child_process shim: %w", err)
	}
	if err := injectProcessGlobalAPI(iso, global, shim); err != nil {
		return fmt.Errorf("inject process shim: %w", err)
	}
	if err := injectOsAPI(iso, global, shim); err != nil {
		return fmt.Errorf("inject os shim: %w", err)
	}
	if err := injectStorageAPI(iso, global, shim); err != nil {
		return fmt.Errorf("inject storage shim: %w", err)
	}
	if err := injectUiAPI(iso, global, shim); err != nil {
		return fmt.Errorf("inject ui shim: %w", err)
	}
	if err := injectPiAPI(iso, global, shim); err != nil {
		return fmt.Errorf("inject pi shim: %w", err)
	}
	return nil
}
