// Package lifecycle drives extensions through discovery, isolate
// creation, module evaluation and activation, and tears them down again
// without taking peers down with them. It is the one package that wires
// capability, manifest, runtime, registry and eventbus together.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pihost/engine/capability"
	"pihost/engine/eventbus"
	"pihost/engine/manifest"
	"pihost/engine/policy"
	"pihost/engine/registry"
	"pihost/engine/runtime"
	"pihost/hosterr"
	"pihost/hostapi"
)

// State is a point in an extension's lifecycle (spec §3/§4.6).
type State string

const (
	Discovered State = "discovered"
	Loading    State = "loading"
	Active     State = "active"
	Failed     State = "failed"
	Unloaded   State = "unloaded"
)

// ManifestFileName is the on-disk manifest Discover looks for in each
// extension directory. package.json's "pi" key is not supported; every
// extension in this host ships a standalone plugin.json.
const ManifestFileName = "plugin.json"

// Descriptor tracks one extension through its lifecycle.
type Descriptor struct {
	Name       string
	Version    string
	SourceDir  string // directory containing plugin.json
	EntryFile  string // resolved, path-traversal-checked absolute path
	Required   bool
	State      State
	Err        error
	Manifest   manifest.Manifest
	Grant      capability.Grant
}

// Manager orchestrates the 6 lifecycle phases for a set of extensions,
// sharing one runtime.Adapter, registry.Registry and eventbus.Bus across
// all of them.
type Manager struct {
	mu          sync.Mutex
	adapter     *runtime.Adapter
	reg         *registry.Registry
	bus         *eventbus.Bus
	custom      *eventbus.CustomBus
	storageRoot string
	verify      manifest.VerifyConfig
	descriptors map[string]*Descriptor
	uiEmit      runtime.EventEmitFunc

	audit       *policy.AuditLogger
	notifier    hostapi.UINotifier
	flagSink    hostapi.CLIFlagSink
	sessionName string
}

// NewManager returns a Manager with no extensions loaded yet.
func NewManager(adapter *runtime.Adapter, reg *registry.Registry, bus *eventbus.Bus, storageRoot string, verify manifest.VerifyConfig, uiEmit runtime.EventEmitFunc) *Manager {
	return &Manager{
		adapter:     adapter,
		reg:         reg,
		bus:         bus,
		custom:      eventbus.NewCustomBus(),
		storageRoot: storageRoot,
		verify:      verify,
		descriptors: make(map[string]*Descriptor),
		uiEmit:      uiEmit,
	}
}

// SetAudit wires the session entry log pi.appendEntry/setSessionName
// write through. Left nil, appendEntry is a no-op and setSessionName
// only updates the in-memory session name.
func (m *Manager) SetAudit(a *policy.AuditLogger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = a
}

// SetNotifier wires the embedder's UI delivery surface for
// pi.sendMessage/sendUserMessage. Left nil, those calls fail.
func (m *Manager) SetNotifier(n hostapi.UINotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// SetFlagSink wires pi.registerFlag/getFlag to the embedder's own CLI flag
// parsing. Left nil, registerFlag only records the declaration in the
// registry and getFlag always reports unset.
func (m *Manager) SetFlagSink(f hostapi.CLIFlagSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flagSink = f
}

// Descriptors returns a snapshot of every tracked extension, sorted by
// name for deterministic reporting.
func (m *Manager) Descriptors() []*Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Descriptor, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Discover walks builtinDir then userDir, one level deep, for directories
// containing plugin.json (grounded on engine/loader's discoverAgents:
// builtin entries are registered first and userDir entries of the same
// name override them). It does not create isolates; it only populates
// Descriptors in the Discovered state, failing individual entries into
// Failed without aborting the walk.
func (m *Manager) Discover(builtinDir, userDir string) ([]*Descriptor, error) {
	found := make(map[string]string) // name -> manifest dir, user overrides builtin
	if err := discoverInto(found, builtinDir); err != nil {
		return nil, err
	}
	if err := discoverInto(found, userDir); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)

	descriptors := make([]*Descriptor, 0, len(names))
	for _, name := range names {
		desc := m.discoverOne(name, found[name])
		m.descriptors[desc.Name] = desc
		descriptors = append(descriptors, desc)
	}
	return descriptors, nil
}

// discoverInto globs dir/*/plugin.json and records extension name ->
// containing directory. A missing dir is not an error (builtinDir/userDir
// are both optional).
func discoverInto(found map[string]string, dir string) error {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*", ManifestFileName))
	if err != nil {
		return fmt.Errorf("glob %s: %w", dir, err)
	}
	for _, manifestPath := range matches {
		extDir := filepath.Dir(manifestPath)
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			continue // surfaced again, as a Failed descriptor, in discoverOne
		}
		var probe struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &probe); err != nil || probe.Name == "" {
			continue
		}
		found[probe.Name] = extDir
	}
	return nil
}

// discoverOne runs phase 1 (Discovery) for a single extension: parse the
// manifest, resolve entry_file, verify it exists and does not escape
// extDir via a symlink or ../ traversal.
func (m *Manager) discoverOne(name, extDir string) *Descriptor {
	manifestPath := filepath.Join(extDir, ManifestFileName)
	desc := &Descriptor{Name: name, SourceDir: extDir, State: Discovered}

	parsed, err := manifest.ParseManifestFile(manifestPath, m.verify)
	if err != nil {
		return failDescriptor(desc, hosterr.Wrap(hosterr.ManifestInvalid, err, "parse manifest for %q", name))
	}
	desc.Manifest = parsed
	desc.Version = parsed.Version
	desc.Required = parsed.Required

	entryPath := filepath.Join(extDir, parsed.Entry)
	cleanDir := filepath.Clean(extDir) + string(filepath.Separator)
	if !strings.HasPrefix(filepath.Clean(entryPath), cleanDir) {
		return failDescriptor(desc, hosterr.New(hosterr.EntryNotFound, "entry %q for %q escapes its extension directory", parsed.Entry, name))
	}
	if _, err := os.Stat(entryPath); err != nil {
		return failDescriptor(desc, hosterr.Wrap(hosterr.EntryNotFound, err, "entry file for %q", name))
	}
	realDir, dirErr := filepath.EvalSymlinks(extDir)
	realEntry, entryErr := filepath.EvalSymlinks(entryPath)
	if dirErr != nil || entryErr != nil || !strings.HasPrefix(realEntry, realDir+string(filepath.Separator)) {
		return failDescriptor(desc, hosterr.New(hosterr.EntryNotFound, "entry %q for %q resolves outside its extension directory", parsed.Entry, name))
	}
	desc.EntryFile = entryPath

	grant, err := grantFromPermissions(parsed.ParsedPermissions)
	if err != nil {
		return failDescriptor(desc, hosterr.Wrap(hosterr.ManifestInvalid, err, "permissions for %q", name))
	}
	desc.Grant = grant

	return desc
}

func failDescriptor(desc *Descriptor, err error) *Descriptor {
	desc.State = Failed
	desc.Err = err
	return desc
}

// grantFromPermissions builds a capability.Grant from a manifest's parsed
// Allow-mode permission rules. Deny/request_once/request_always rules
// are not represented in the isolate-level Grant: those are interactive
// policy decisions the embedder's policy evaluator makes per call, not a
// static ceiling the isolate is created with.
func grantFromPermissions(rules []manifest.PermissionRule) (capability.Grant, error) {
	scopes := make(map[capability.Token]capability.Scope)
	for _, rule := range rules {
		if rule.Mode != manifest.PermissionAllow {
			continue
		}
		tok, err := capability.Parse(rule.Key.Resource + "." + rule.Key.Action)
		if err != nil {
			continue // not every resource:action pair maps to a capability token (e.g. ui:*)
		}
		scope := scopes[tok]
		target := "**"
		if rule.Key.HasTarget {
			target = rule.Key.Target
		}
		switch tok {
		case capability.NetFetch:
			scope.HostGlobs = append(scope.HostGlobs, target)
		case capability.ProcessSpawn:
			scope.Commands = append(scope.Commands, target)
		default:
			scope.PathGlobs = append(scope.PathGlobs, target)
		}
		scopes[tok] = scope
	}

	builder := capability.NewBuilder()
	for tok, scope := range scopes {
		builder = builder.Allow(tok, scope)
	}
	return builder.Freeze(), nil
}

// Load runs phases 2-6 for a single previously-Discovered descriptor:
// isolate creation, module evaluation (including default-export
// dispatch), and activation. A failure at any phase rolls back any
// partial registrations the extension made during its own init and
// drops its isolate, leaving peers untouched. If desc.Required, the
// error is also returned to the caller as fatal.
func (m *Manager) Load(ctx context.Context, desc *Descriptor) error {
	m.mu.Lock()
	desc.State = Loading
	m.mu.Unlock()

	source, err := os.ReadFile(desc.EntryFile)
	if err != nil {
		return m.fail(desc, hosterr.Wrap(hosterr.EntryNotFound, err, "read entry for %q", desc.Name))
	}

	iso, err := m.adapter.CreateIsolate(runtime.IsolateSpec{ExtensionName: desc.Name, Grant: desc.Grant})
	if err != nil {
		return m.fail(desc, err)
	}

	shim := &runtime.ShimContext{
		ExtensionName:  desc.Name,
		Grant:          desc.Grant,
		StorageDir:     filepath.Join(m.storageRoot, desc.Name),
		Emit:           m.uiEmit,
		Register:       m.registerCallback(desc.Name),
		Subscribe:      m.subscribeCallback(desc.Name),
		Unsubscribe:    m.unsubscribeCallback(),
		GetFlag:        m.getFlagCallback(),
		AppendEntry:    m.appendEntryCallback(desc.Name),
		SendMessage:    m.sendMessageCallback(desc.Name),
		SetSessionName: m.setSessionNameCallback(desc.Name),
		GetSessionName: m.getSessionNameCallback(),
		EventsEmit:     m.eventsEmitCallback(),
		EventsOn:       m.eventsOnCallback(desc.Name),
	}
	if err := iso.InjectGlobal(shim); err != nil {
		iso.Drop()
		return m.fail(desc, err)
	}

	if err := iso.EvalEntryModule(string(source), desc.Name); err != nil {
		iso.Drop()
		return m.fail(desc, err)
	}

	if err := iso.InvokeDefaultExport(ctx); err != nil {
		m.rollback(desc.Name)
		iso.Drop()
		return m.fail(desc, err)
	}

	m.mu.Lock()
	desc.State = Active
	desc.Err = nil
	m.mu.Unlock()
	return nil
}

// fail transitions desc to Failed, rolls back its partial registrations
// and event subscriptions, and records err on the descriptor. For a
// required extension it returns err wrapped as ManifestInvalid; for an
// optional one it returns nil.
func (m *Manager) fail(desc *Descriptor, err error) error {
	m.rollback(desc.Name)
	m.mu.Lock()
	desc.State = Failed
	desc.Err = err
	m.mu.Unlock()
	if desc.Required {
		return hosterr.Wrap(hosterr.ManifestInvalid, err, "required extension %q failed to load", desc.Name)
	}
	return nil
}

func (m *Manager) rollback(name string) {
	m.reg.RemoveOwnedBy(name)
	m.bus.RemoveOwnedBy(name)
	m.custom.RemoveOwnedBy(name)
}

// Unload drops an Active extension's isolate and rolls back its
// registrations and subscriptions, moving it to Unloaded.
func (m *Manager) Unload(name string) {
	if iso, ok := m.adapter.Lookup(name); ok {
		iso.Interrupt()
		iso.Drop()
	}
	m.rollback(name)
	m.mu.Lock()
	if desc, ok := m.descriptors[name]; ok {
		desc.State = Unloaded
	}
	m.mu.Unlock()
}

// registerCallback is the ShimContext.Register the extension's isolate
// calls into from pi.register*. It validates the definition shape and
// adds it to the shared registry, scoped to name as owner.
func (m *Manager) registerCallback(name string) runtime.PiRegisterFunc {
	return func(kind, regName string, shapeJSON []byte, dispatchID string) error {
		if err := m.reg.Add(&registry.Registration{
			Kind:            registry.Kind(kind),
			Name:            regName,
			OwningExtension: name,
			SchemaOrShape:   shapeJSON,
			DispatchTarget:  dispatchID,
		}); err != nil {
			return err
		}
		if registry.Kind(kind) == registry.Flag {
			m.mu.Lock()
			sink := m.flagSink
			m.mu.Unlock()
			if sink != nil {
				var decl struct {
					Description string `json:"description"`
					Type        string `json:"type"`
				}
				_ = json.Unmarshal(shapeJSON, &decl)
				if err := sink.AddFlag(regName, decl.Description, decl.Type); err != nil {
					return hosterr.Wrap(hosterr.ManifestInvalid, err, "registerFlag %q for %q", regName, name)
				}
			}
		}
		return nil
	}
}

// getFlagCallback is the ShimContext.GetFlag every isolate shares; reads
// the embedder's current flag sink under lock since SetFlagSink may be
// called after isolates already exist.
func (m *Manager) getFlagCallback() runtime.PiGetFlagFunc {
	return func(name string) (string, bool) {
		m.mu.Lock()
		sink := m.flagSink
		m.mu.Unlock()
		if sink == nil {
			return "", false
		}
		return sink.FlagValue(name)
	}
}

// appendEntryCallback is the ShimContext.AppendEntry backing
// pi.appendEntry: writes a custom session-log entry through the same
// monotonic-sequence AuditLogger the host's own permission decisions log
// to, tagged with the owning extension. A no-op if no AuditLogger has
// been wired via SetAudit.
func (m *Manager) appendEntryCallback(name string) runtime.PiAppendEntryFunc {
	return func(entryType string, dataJSON []byte) error {
		m.mu.Lock()
		audit := m.audit
		m.mu.Unlock()
		if audit == nil {
			return nil
		}
		var data map[string]any
		if len(dataJSON) > 0 && string(dataJSON) != "null" {
			if err := json.Unmarshal(dataJSON, &data); err != nil {
				return hosterr.Wrap(hosterr.ScriptError, err, "appendEntry: decode data for %q", name)
			}
		}
		return audit.AppendEntry(name, entryType, data)
	}
}

// sendMessageCallback is the ShimContext.SendMessage backing
// pi.sendMessage/sendUserMessage, forwarding to the embedder's
// hostapi.UINotifier.
func (m *Manager) sendMessageCallback(name string) runtime.PiSendMessageFunc {
	return func(msgJSON []byte, deliverAs string) error {
		m.mu.Lock()
		notifier := m.notifier
		m.mu.Unlock()
		if notifier == nil {
			return hosterr.New(hosterr.ScriptError, "sendMessage: no UI notifier configured").WithExtension(name)
		}
		var msg hostapi.Message
		if err := json.Unmarshal(msgJSON, &msg); err != nil {
			return hosterr.Wrap(hosterr.ScriptError, err, "sendMessage: decode message for %q", name)
		}
		return notifier.Notify(context.Background(), name, msg, deliverAs)
	}
}

// setSessionNameCallback is the ShimContext.SetSessionName backing
// pi.setSessionName. The session name is shared host-wide (there is one
// session, not one per extension), so the last caller wins; the change
// is also appended to the session log when an AuditLogger is wired.
func (m *Manager) setSessionNameCallback(name string) runtime.PiSetSessionNameFunc {
	return func(title string) error {
		m.mu.Lock()
		m.sessionName = title
		audit := m.audit
		m.mu.Unlock()
		if audit != nil {
			return audit.AppendEntry(name, "session_name", map[string]any{"title": title})
		}
		return nil
	}
}

// getSessionNameCallback is the ShimContext.GetSessionName backing
// pi.getSessionName.
func (m *Manager) getSessionNameCallback() runtime.PiGetSessionNameFunc {
	return func() (string, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.sessionName, nil
	}
}

// eventsEmitCallback is the ShimContext.EventsEmit backing
// pi.events.emit, forwarding to the shared CustomBus.
func (m *Manager) eventsEmitCallback() runtime.PiEventsEmitFunc {
	return func(name string, payloadJSON []byte) {
		m.custom.Emit(context.Background(), name, payloadJSON)
	}
}

// eventsOnCallback is the ShimContext.EventsOn backing pi.events.on,
// registering extension's handler on the shared CustomBus.
func (m *Manager) eventsOnCallback(extension string) runtime.PiEventsOnFunc {
	return func(eventName, dispatchID string) {
		iso, ok := m.adapter.Lookup(extension)
		if !ok {
			return
		}
		m.custom.On(eventName, extension, func(ctx context.Context, payload []byte) {
			if _, err := iso.CallDispatch(ctx, dispatchID, string(payload)); err != nil {
				log.Printf("pihost: events.on handler for %q/%s failed: %v", extension, eventName, err)
			}
		})
	}
}

// subscribeCallback is the ShimContext.Subscribe the extension's isolate
// calls into from pi.on. A bare pi.on(kind, handler) has no separate
// declaration of blocking/contributing behavior (spec §4.4): the Role is
// derived from the event kind itself — blockable kinds (tool_call, input)
// get RoleBlocking so a `{block:true}` return short-circuits the chain,
// kinds with a reducer (before_agent_start, tool_result) get
// RoleContributing, everything else is RoleObservational.
func (m *Manager) subscribeCallback(name string) runtime.PiSubscribeFunc {
	return func(eventKind, dispatchID string) (string, error) {
		iso, ok := m.adapter.Lookup(name)
		if !ok {
			return "", hosterr.New(hosterr.ScriptError, "subscribe before isolate exists for %q", name)
		}
		kind := eventbus.Kind(eventKind)
		role := eventbus.RoleObservational
		switch {
		case eventbus.IsBlockable(kind):
			role = eventbus.RoleBlocking
		case eventbus.HasReducer(kind):
			role = eventbus.RoleContributing
		}
		m.bus.Register(&eventbus.Subscription{
			Extension: name,
			Kind:      kind,
			Role:      role,
			Handler:   handlerFor(iso, dispatchID),
		})
		return dispatchID, nil
	}
}

func (m *Manager) unsubscribeCallback() runtime.PiUnsubscribeFunc {
	return func(subscriptionID string) {
		// Subscriptions are keyed by dispatch id but Bus has no per-id
		// removal; a real unsubscribe narrows RemoveOwnedBy to one
		// Subscription. Left as a known gap: see DESIGN.md.
	}
}

// handlerFor adapts an Isolate + dispatch id into an eventbus.HandlerFunc.
func handlerFor(iso *runtime.Isolate, dispatchID string) eventbus.HandlerFunc {
	return func(ctx context.Context, signal *eventbus.Signal, payload json.RawMessage) (json.RawMessage, error) {
		out, err := iso.CallDispatch(ctx, dispatchID, string(payload))
		if err != nil {
			return nil, err
		}
		return json.RawMessage(out), nil
	}
}
