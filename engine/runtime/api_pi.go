package runtime

import (
	"fmt"

	"github.com/google/uuid"
	v8 "rogchap.com/v8go"

	"pihost/engine/capability"
)

// dispatchTableScript initializes the per-context table that anchors JS
// function values handed to pi.register*/pi.on calls. v8go cannot retain
// a *v8.Value past the FunctionCallback that produced it except by
// keeping it reachable from a live JS object, so every registered
// handler lives here, keyed by a generated id, until the isolate drops.
const dispatchTableScript = `globalThis.__pihost_dispatch = {};`

// PiRegisterFunc is invoked when JS calls one of the pi.register*
// functions. kind is a registry.Kind string, shapeJSON is the
// JSON-stringified declarative portion of the call (JSON.stringify drops
// function-valued fields on its own, so execute/handler never appear in
// it), and dispatchID names the live entry in __pihost_dispatch holding
// the handler function, or "" for registrations with no handler
// (registerProvider, registerFlag).
type PiRegisterFunc func(kind, name string, shapeJSON []byte, dispatchID string) error

// PiSubscribeFunc backs pi.on(eventKind, handler).
type PiSubscribeFunc func(eventKind, dispatchID string) (unsubscribeID string, err error)

// PiUnsubscribeFunc backs the unsubscribe function pi.on returns.
type PiUnsubscribeFunc func(subscriptionID string)

// PiGetFlagFunc backs pi.getFlag(name).
type PiGetFlagFunc func(name string) (string, bool)

// PiAppendEntryFunc backs pi.appendEntry(type, data): a session log entry
// distinct from the host's own permission-decision audit records, but
// written through the same monotonic-sequence log.
type PiAppendEntryFunc func(entryType string, dataJSON []byte) error

// PiSendMessageFunc backs pi.sendMessage(msg, opts?) and its
// pi.sendUserMessage(text) convenience form. msgJSON is the
// JSON-stringified {type,text,data} object; the shim wraps a bare string
// msg as {type:"text", text:msg} before calling. deliverAs is "followUp"
// or "inline"; the shim passes "followUp" when opts give none.
type PiSendMessageFunc func(msgJSON []byte, deliverAs string) error

// PiSetSessionNameFunc backs pi.setSessionName(title).
type PiSetSessionNameFunc func(title string) error

// PiGetSessionNameFunc backs pi.getSessionName().
type PiGetSessionNameFunc func() (string, error)

// PiEventsEmitFunc backs pi.events.emit(name, payload): the free-form
// inter-extension bus, gated by capability.EventsPublish at the call
// site in injectPiAPI rather than inside the func itself, matching how
// every other shim checks the grant before reaching the callback.
type PiEventsEmitFunc func(name string, payloadJSON []byte)

// PiEventsOnFunc backs pi.events.on(name, handler). Unlike pi.on, a
// custom-bus subscription has no per-call unsubscribe: eventbus.CustomBus
// only supports bulk removal on unload (RemoveOwnedBy), so
// pi.events.on returns nothing rather than an unsubscribe closure.
type PiEventsOnFunc func(name, dispatchID string)

// injectPiAPI attaches the `pi` extension API object (spec §4.3) to the
// isolate's global template. Every call that needs to run extension code
// later (registerTool's execute, on's handler, ...) stashes the JS
// function in __pihost_dispatch and hands the host a string id; the
// lifecycle manager stores that id as the registration's DispatchTarget
// and invokes it later via Isolate.CallDispatch.
func injectPiAPI(iso *v8.Isolate, global *v8.ObjectTemplate, shim *ShimContext) error {
	pi := v8.NewObjectTemplate(iso)

	bind := func(name string, cb v8.FunctionCallback) error {
		return pi.Set(name, v8.NewFunctionTemplate(iso, cb), v8.ReadOnly)
	}

	if err := bind("registerCommand", registerWithLeadingName(shim, "command", "handler")); err != nil {
		return fmt.Errorf("set pi.registerCommand: %w", err)
	}
	if err := bind("registerTool", registerFromDefinition(shim, "tool", "execute")); err != nil {
		return fmt.Errorf("set pi.registerTool: %w", err)
	}
	if err := bind("registerProvider", registerWithLeadingName(shim, "provider", "")); err != nil {
		return fmt.Errorf("set pi.registerProvider: %w", err)
	}
	if err := bind("registerMessageRenderer", registerWithLeadingName(shim, "message_renderer", "__fn__")); err != nil {
		return fmt.Errorf("set pi.registerMessageRenderer: %w", err)
	}
	if err := bind("registerShortcut", registerWithLeadingName(shim, "shortcut", "handler")); err != nil {
		return fmt.Errorf("set pi.registerShortcut: %w", err)
	}
	if err := bind("registerFlag", registerWithLeadingName(shim, "flag", "")); err != nil {
		return fmt.Errorf("set pi.registerFlag: %w", err)
	}
	if err := bind("getFlag", piGetFlag(shim)); err != nil {
		return fmt.Errorf("set pi.getFlag: %w", err)
	}
	if err := bind("on", piOn(shim)); err != nil {
		return fmt.Errorf("set pi.on: %w", err)
	}
	if err := bind("exec", piExec(shim)); err != nil {
		return fmt.Errorf("set pi.exec: %w", err)
	}
	if err := bind("appendEntry", piAppendEntry(shim)); err != nil {
		return fmt.Errorf("set pi.appendEntry: %w", err)
	}
	if err := bind("sendMessage", piSendMessage(shim)); err != nil {
		return fmt.Errorf("set pi.sendMessage: %w", err)
	}
	if err := bind("sendUserMessage", piSendUserMessage(shim)); err != nil {
		return fmt.Errorf("set pi.sendUserMessage: %w", err)
	}
	if err := bind("setSessionName", piSetSessionName(shim)); err != nil {
		return fmt.Errorf("set pi.setSessionName: %w", err)
	}
	if err := bind("getSessionName", piGetSessionName(shim)); err != nil {
		return fmt.Errorf("set pi.getSessionName: %w", err)
	}

	events := v8.NewObjectTemplate(iso)
	if err := events.Set("emit", v8.NewFunctionTemplate(iso, piEventsEmit(shim)), v8.ReadOnly); err != nil {
		return fmt.Errorf("set pi.events.emit: %w", err)
	}
	if err := events.Set("on", v8.NewFunctionTemplate(iso, piEventsOn(shim)), v8.ReadOnly); err != nil {
		return fmt.Errorf("set pi.events.on: %w", err)
	}
	if err := pi.Set("events", events, v8.ReadOnly); err != nil {
		return fmt.Errorf("set pi.events: %w", err)
	}

	if err := global.Set("pi", pi, v8.ReadOnly); err != nil {
		return fmt.Errorf("set pi namespace: %w", err)
	}
	return nil
}

// piExec binds pi.exec(cmd, argv, opts) -> {code, stdout, stderr}, a
// convenience wrapper over child_process.spawn gated by the identical
// process.spawn capability (spec §4.3: "convenience over
// child_process.spawn, gated identically").
func piExec(shim *ShimContext) v8.FunctionCallback {
	return func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		command, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "pi.exec: "+err.Error())
		}
		var argv []string
		args := info.Args()
		if len(args) > 1 && args[1].IsArray() {
			strs, err := jsValueToStringSlice(v8ctx, args[1])
			if err != nil {
				return throwJSError(v8iso, v8ctx, "pi.exec: "+err.Error())
			}
			argv = strs
		}

		if err := checkCapability(shim, capability.ProcessSpawn, command); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}

		result, err := runCommand(command, argv)
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.exec: %s", err))
		}
		val, err := toJSObject(v8iso, v8ctx, map[string]any{
			"code":   result["exitCode"],
			"stdout": result["stdout"],
			"stderr": result["stderr"],
		})
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.exec: create value: %s", err))
		}
		return val
	}
}

// piAppendEntry binds pi.appendEntry(type, data).
func piAppendEntry(shim *ShimContext) v8.FunctionCallback {
	return func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		entryType, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "pi.appendEntry: "+err.Error())
		}
		args := info.Args()
		dataJSON := "null"
		if len(args) > 1 {
			raw, err := v8.JSONStringify(v8ctx, args[1])
			if err != nil {
				return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.appendEntry: %s", err))
			}
			dataJSON = raw
		}
		if shim.AppendEntry == nil {
			return throwJSError(v8iso, v8ctx, "pi.appendEntry: host does not accept session entries in this context")
		}
		if err := shim.AppendEntry(entryType, []byte(dataJSON)); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		return v8.Undefined(v8iso)
	}
}

// piSendMessage binds pi.sendMessage(msg, opts?). msg may be a string
// (text shorthand) or a {type,text,data} object; opts may carry
// deliverAs ("followUp" | "inline").
func piSendMessage(shim *ShimContext) v8.FunctionCallback {
	return func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()
		args := info.Args()

		if len(args) == 0 {
			return throwJSError(v8iso, v8ctx, "pi.sendMessage: msg is required")
		}
		var msgJSON string
		if args[0].IsString() {
			raw, err := v8.JSONStringify(v8ctx, args[0])
			if err != nil {
				return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.sendMessage: %s", err))
			}
			msgJSON = fmt.Sprintf(`{"type":"text","text":%s}`, raw)
		} else {
			raw, err := v8.JSONStringify(v8ctx, args[0])
			if err != nil {
				return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.sendMessage: %s", err))
			}
			msgJSON = raw
		}

		deliverAs := "followUp"
		if len(args) > 1 && args[1].IsObject() {
			if optsMap, err := jsValueToStringMap(v8ctx, args[1]); err == nil && optsMap["deliverAs"] != "" {
				deliverAs = optsMap["deliverAs"]
			}
		}

		if shim.SendMessage == nil {
			return throwJSError(v8iso, v8ctx, "pi.sendMessage: host does not accept messages in this context")
		}
		if err := shim.SendMessage([]byte(msgJSON), deliverAs); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		return v8.Undefined(v8iso)
	}
}

// piSendUserMessage binds pi.sendUserMessage(text), the convenience form
// of sendMessage({type:"text", text}, {deliverAs:"followUp"}).
func piSendUserMessage(shim *ShimContext) v8.FunctionCallback {
	return func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		if _, err := argString(info, 0); err != nil {
			return throwJSError(v8iso, v8ctx, "pi.sendUserMessage: "+err.Error())
		}
		if shim.SendMessage == nil {
			return throwJSError(v8iso, v8ctx, "pi.sendUserMessage: host does not accept messages in this context")
		}
		msgJSON, err := v8.JSONStringify(v8ctx, info.Args()[0])
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.sendUserMessage: %s", err))
		}
		if err := shim.SendMessage([]byte(fmt.Sprintf(`{"type":"text","text":%s}`, msgJSON)), "followUp"); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		return v8.Undefined(v8iso)
	}
}

// piSetSessionName binds pi.setSessionName(title).
func piSetSessionName(shim *ShimContext) v8.FunctionCallback {
	return func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()
		title, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "pi.setSessionName: "+err.Error())
		}
		if shim.SetSessionName == nil {
			return throwJSError(v8iso, v8ctx, "pi.setSessionName: host does not accept session renames in this context")
		}
		if err := shim.SetSessionName(title); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		return v8.Undefined(v8iso)
	}
}

// piGetSessionName binds pi.getSessionName().
func piGetSessionName(shim *ShimContext) v8.FunctionCallback {
	return func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()
		if shim.GetSessionName == nil {
			return v8.Undefined(v8iso)
		}
		name, err := shim.GetSessionName()
		if err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		val, err := v8.NewValue(v8iso, name)
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.getSessionName: %s", err))
		}
		return val
	}
}

// piEventsEmit binds pi.events.emit(name, payload), gated by
// capability.EventsPublish.
func piEventsEmit(shim *ShimContext) v8.FunctionCallback {
	return func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		name, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "pi.events.emit: "+err.Error())
		}
		if err := checkCapability(shim, capability.EventsPublish, ""); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		args := info.Args()
		payloadJSON := "null"
		if len(args) > 1 {
			raw, err := v8.JSONStringify(v8ctx, args[1])
			if err != nil {
				return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.events.emit: %s", err))
			}
			payloadJSON = raw
		}
		if shim.EventsEmit != nil {
			shim.EventsEmit(name, []byte(payloadJSON))
		}
		return v8.Undefined(v8iso)
	}
}

// piEventsOn binds pi.events.on(name, handler). No capability check: any
// extension may listen, the same way pi.on's embedder-driven bus stays
// unprivileged — only emitting is gated.
func piEventsOn(shim *ShimContext) v8.FunctionCallback {
	return func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		name, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "pi.events.on: "+err.Error())
		}
		args := info.Args()
		if len(args) < 2 || !args[1].IsFunction() {
			return throwJSError(v8iso, v8ctx, "pi.events.on: handler function is required")
		}
		dispatchID, err := storeDispatch(v8ctx, args[1])
		if err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		if shim.EventsOn != nil {
			shim.EventsOn(name, dispatchID)
		}
		return v8.Undefined(v8iso)
	}
}

// registerFromDefinition handles the registerTool(def) shape: the slug
// lives at def.name, every other declarative field is captured verbatim
// by JSON.stringify, and handlerField (if non-empty) names the function
// property stashed for later dispatch.
func registerFromDefinition(shim *ShimContext, kind, handlerField string) v8.FunctionCallback {
	return func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()
		args := info.Args()

		if len(args) == 0 || !args[0].IsObject() {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.register: %s definition object required", kind))
		}
		defObj := args[0].Object()

		nameVal, err := defObj.Get("name")
		if err != nil || !nameVal.IsString() || nameVal.String() == "" {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.register: %s.name is required", kind))
		}
		name := nameVal.String()

		shapeJSON, err := v8.JSONStringify(v8ctx, args[0])
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.register%s: %s", kind, err))
		}

		var dispatchID string
		if handlerField != "" {
			fnVal, err := defObj.Get(handlerField)
			if err != nil || !fnVal.IsFunction() {
				return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.register: %s.%s must be a function", kind, handlerField))
			}
			dispatchID, err = storeDispatch(v8ctx, fnVal)
			if err != nil {
				return throwJSError(v8iso, v8ctx, err.Error())
			}
		}

		if err := callRegister(shim, kind, name, []byte(shapeJSON), dispatchID); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		return v8.Undefined(v8iso)
	}
}

// registerWithLeadingName handles the (name, {...}) call shapes:
// registerCommand(name, {description, handler, shortcut?}),
// registerProvider(id, metadata), registerShortcut(key, {description,
// handler}), registerFlag(name, {description, type}). handlerField
// names the property on the second argument holding the handler
// function; "" means the definition is pure data (registerProvider,
// registerFlag); "__fn__" means the second argument IS the handler
// (registerMessageRenderer(customType, fn)).
func registerWithLeadingName(shim *ShimContext, kind, handlerField string) v8.FunctionCallback {
	return func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()
		args := info.Args()

		name, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.register: %s name/id is required", kind))
		}
		if len(args) < 2 {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.register: %s definition is required", kind))
		}

		var shapeJSON string
		var dispatchID string

		switch handlerField {
		case "__fn__":
			if !args[1].IsFunction() {
				return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.register: %s handler must be a function", kind))
			}
			dispatchID, err = storeDispatch(v8ctx, args[1])
			if err != nil {
				return throwJSError(v8iso, v8ctx, err.Error())
			}
			shapeJSON = "{}"
		default:
			if !args[1].IsObject() {
				return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.register: %s definition object required", kind))
			}
			raw, err := v8.JSONStringify(v8ctx, args[1])
			if err != nil {
				return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.register%s: %s", kind, err))
			}
			shapeJSON = raw

			if handlerField != "" {
				fnVal, err := args[1].Object().Get(handlerField)
				if err != nil || !fnVal.IsFunction() {
					return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.register: %s.%s must be a function", kind, handlerField))
				}
				dispatchID, err = storeDispatch(v8ctx, fnVal)
				if err != nil {
					return throwJSError(v8iso, v8ctx, err.Error())
				}
			}
		}

		if err := callRegister(shim, kind, name, []byte(shapeJSON), dispatchID); err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		return v8.Undefined(v8iso)
	}
}

func piGetFlag(shim *ShimContext) v8.FunctionCallback {
	return func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()
		name, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "pi.getFlag: name is required")
		}
		if shim.GetFlag == nil {
			return v8.Undefined(v8iso)
		}
		val, ok := shim.GetFlag(name)
		if !ok {
			return v8.Undefined(v8iso)
		}
		out, err := v8.NewValue(v8iso, val)
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.getFlag: %s", err))
		}
		return out
	}
}

// piOn binds pi.on(eventKind, handler): stashes handler and forwards to
// shim.Subscribe, returning an unsubscribe closure that calls back into
// shim.Unsubscribe with the subscription id.
func piOn(shim *ShimContext) v8.FunctionCallback {
	return func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		kind, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "pi.on: eventKind is required")
		}
		args := info.Args()
		if len(args) < 2 || !args[1].IsFunction() {
			return throwJSError(v8iso, v8ctx, "pi.on: handler function is required")
		}
		if shim.Subscribe == nil {
			return throwJSError(v8iso, v8ctx, "pi.on: host does not accept subscriptions in this context")
		}

		dispatchID, err := storeDispatch(v8ctx, args[1])
		if err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}
		subID, err := shim.Subscribe(kind, dispatchID)
		if err != nil {
			return throwJSError(v8iso, v8ctx, err.Error())
		}

		unsubscribe := v8.NewFunctionTemplate(v8iso, func(_ *v8.FunctionCallbackInfo) *v8.Value {
			if shim.Unsubscribe != nil {
				shim.Unsubscribe(subID)
			}
			return v8.Undefined(v8iso)
		})
		fnVal, err := unsubscribe.GetFunction(v8ctx)
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("pi.on: %s", err))
		}
		return fnVal
	}
}

func callRegister(shim *ShimContext, kind, name string, shapeJSON []byte, dispatchID string) error {
	if shim.Register == nil {
		return fmt.Errorf("pi.register: host does not accept registrations in this context")
	}
	return shim.Register(kind, name, shapeJSON, dispatchID)
}

// storeDispatch anchors fn in globalThis.__pihost_dispatch under a fresh
// uuid key and returns that key.
func storeDispatch(ctx *v8.Context, fn *v8.Value) (string, error) {
	tableVal, err := ctx.Global().Get("__pihost_dispatch")
	if err != nil {
		return "", fmt.Errorf("dispatch table missing: %w", err)
	}
	if !tableVal.IsObject() {
		return "", fmt.Errorf("dispatch table is not initialized")
	}
	id := uuid.NewString()
	if err := tableVal.Object().Set(id, fn); err != nil {
		return "", fmt.Errorf("anchor dispatch handler: %w", err)
	}
	return id, nil
}
