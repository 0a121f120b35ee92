// Package registry maintains the typed catalogs of everything an extension
// publishes: commands, tools, providers, flags, message renderers,
// shortcuts, and event handlers. Every catalog enforces a single invariant —
// no two active registrations share (kind, name) — and every removal is
// scoped to one owning extension so a failing or unloaded extension can be
// rolled back atomically.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"pihost/hosterr"
)

// Kind identifies one of the seven registrable catalogs.
type Kind string

const (
	Command         Kind = "command"
	Tool            Kind = "tool"
	Provider        Kind = "provider"
	Flag            Kind = "flag"
	MessageRenderer Kind = "message_renderer"
	Shortcut        Kind = "shortcut"
	EventHandler    Kind = "event_handler"
)

var allKinds = []Kind{Command, Tool, Provider, Flag, MessageRenderer, Shortcut, EventHandler}

// Registration is one published entry. SchemaOrShape is the raw JSON shape
// declared at registration time (a tool's `parameters`, a flag's `type`,
// a provider's model list, ...); DispatchTarget is the opaque name of the
// extension-side function the runtime adapter calls to invoke it.
type Registration struct {
	Kind            Kind
	Name            string
	OwningExtension string
	SchemaOrShape   json.RawMessage
	DispatchTarget  string
}

// catalog holds one kind's registrations, preserving registration order
// (UI display order, shortcut precedence, handler dispatch order all rely
// on it).
type catalog struct {
	byName map[string]*Registration
	order  []string
}

// Registry is the host-owned, mutex-protected set of all catalogs.
type Registry struct {
	mu        sync.Mutex
	catalogs  map[Kind]*catalog
	compiler  *jsonschema.Compiler
	schemaSeq int
}

// New returns an empty registry with one catalog per registration kind.
func New() *Registry {
	r := &Registry{
		catalogs: make(map[Kind]*catalog, len(allKinds)),
		compiler: jsonschema.NewCompiler(),
	}
	for _, k := range allKinds {
		r.catalogs[k] = &catalog{byName: make(map[string]*Registration)}
	}
	return r
}

// Add validates and inserts reg into its catalog. Tool registrations carry
// a JSON-schema `parameters` shape (spec §4.3 "TypeBox-compatible") which is
// compiled and rejected with SchemaInvalid if malformed. Duplicate (kind,
// name) pairs are rejected with DuplicateRegistration; the catalog is left
// unchanged on any error.
func (r *Registry) Add(reg *Registration) error {
	if reg.Name == "" {
		return hosterr.New(hosterr.SchemaInvalid, "registration name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.catalogs[reg.Kind]
	if !ok {
		return hosterr.New(hosterr.SchemaInvalid, "unknown registration kind %q", reg.Kind)
	}
	if _, exists := c.byName[reg.Name]; exists {
		return hosterr.New(hosterr.DuplicateRegistration, "%s %q already registered", reg.Kind, reg.Name).WithExtension(reg.OwningExtension)
	}

	if reg.Kind == Tool && len(reg.SchemaOrShape) > 0 {
		if err := r.validateToolSchemaLocked(reg.Name, reg.SchemaOrShape); err != nil {
			return err
		}
	}

	cp := *reg
	c.byName[reg.Name] = &cp
	c.order = append(c.order, reg.Name)
	return nil
}

// validateToolSchemaLocked compiles a tool's `parameters` shape via
// jsonschema/v6 to catch malformed schemas at registration time rather than
// at every subsequent tool call. Caller must hold r.mu.
func (r *Registry) validateToolSchemaLocked(toolName string, shape json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(shape, &doc); err != nil {
		return hosterr.Wrap(hosterr.SchemaInvalid, err, "tool %q: parameters is not valid JSON", toolName)
	}
	r.schemaSeq++
	resourceID := fmt.Sprintf("tool-%d.json", r.schemaSeq)
	if err := r.compiler.AddResource(resourceID, doc); err != nil {
		return hosterr.Wrap(hosterr.SchemaInvalid, err, "tool %q: invalid parameters schema", toolName)
	}
	if _, err := r.compiler.Compile(resourceID); err != nil {
		return hosterr.Wrap(hosterr.SchemaInvalid, err, "tool %q: invalid parameters schema", toolName)
	}
	return nil
}

// ValidateToolInput validates a tool call's input against the tool's
// registered parameters schema, ahead of ever invoking the extension's
// execute function (spec §4.2: "validation failure becomes a tool error,
// not a handler call").
func (r *Registry) ValidateToolInput(toolName string, input json.RawMessage) error {
	r.mu.Lock()
	reg, ok := r.catalogs[Tool].byName[toolName]
	r.mu.Unlock()
	if !ok {
		return hosterr.New(hosterr.SchemaInvalid, "unknown tool %q", toolName)
	}
	if len(reg.SchemaOrShape) == 0 {
		return nil
	}

	var schemaDoc, inputDoc any
	if err := json.Unmarshal(reg.SchemaOrShape, &schemaDoc); err != nil {
		return hosterr.Wrap(hosterr.SchemaInvalid, err, "tool %q: parameters is not valid JSON", toolName)
	}
	if err := json.Unmarshal(input, &inputDoc); err != nil {
		return hosterr.Wrap(hosterr.SchemaInvalid, err, "tool %q: input is not valid JSON", toolName)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("input-validate.json", schemaDoc); err != nil {
		return hosterr.Wrap(hosterr.SchemaInvalid, err, "tool %q: invalid parameters schema", toolName)
	}
	schema, err := c.Compile("input-validate.json")
	if err != nil {
		return hosterr.Wrap(hosterr.SchemaInvalid, err, "tool %q: invalid parameters schema", toolName)
	}
	if err := schema.Validate(inputDoc); err != nil {
		return hosterr.Wrap(hosterr.SchemaInvalid, err, "tool %q: input does not match parameters", toolName)
	}
	return nil
}

// RemoveOwnedBy deletes every registration owned by extensionName, across
// all catalogs, atomically with respect to Lookup/Iter. Used on load
// failure (rollback) and on unload.
func (r *Registry) RemoveOwnedBy(extensionName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, c := range r.catalogs {
		kept := c.order[:0:0]
		for _, name := range c.order {
			reg := c.byName[name]
			if reg.OwningExtension == extensionName {
				delete(c.byName, name)
				removed++
				continue
			}
			kept = append(kept, name)
		}
		c.order = kept
	}
	return removed
}

// Lookup returns the registration for (kind, name) and whether it exists.
func (r *Registry) Lookup(kind Kind, name string) (*Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.catalogs[kind]
	if !ok {
		return nil, false
	}
	reg, ok := c.byName[name]
	return reg, ok
}

// Iter returns a snapshot of kind's registrations in registration order.
func (r *Registry) Iter(kind Kind) []*Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.catalogs[kind]
	if !ok {
		return nil
	}
	out := make([]*Registration, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.byName[name])
	}
	return out
}

// Count returns the total number of active registrations across all
// catalogs, used by the conformance harness's universal invariant checks.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.catalogs {
		n += len(c.order)
	}
	return n
}
