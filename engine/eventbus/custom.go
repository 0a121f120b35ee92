package eventbus

import (
	"context"
	"sync"
)

// customHandler is one events.on subscription: the extension that
// registered it (so RemoveOwnedBy can find it again) plus the callback
// that invokes its isolate.
type customHandler struct {
	extension string
	fn        func(ctx context.Context, payload []byte)
}

// CustomBus implements the inter-extension `pi.events.emit`/`pi.events.on`
// bus (spec §4.3): a free-form, embedder-independent publish/subscribe
// multiplexer keyed by an arbitrary extension-chosen name, distinct from
// Bus's closed Kind set and carrying none of Bus's deadline/Degraded
// machinery — it is a direct extension-to-extension channel, not an
// embedder-originated lifecycle event.
type CustomBus struct {
	mu   sync.Mutex
	subs map[string][]customHandler
}

// NewCustomBus returns an empty custom event bus.
func NewCustomBus() *CustomBus {
	return &CustomBus{subs: make(map[string][]customHandler)}
}

// On registers fn to run whenever name is emitted. Subscriptions for the
// same name run in registration order.
func (c *CustomBus) On(name, extension string, fn func(ctx context.Context, payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[name] = append(c.subs[name], customHandler{extension: extension, fn: fn})
}

// Emit runs every handler subscribed to name in order, passing payload
// (already deep-copied by the caller via a JSON round trip through V8) to
// each. Emit does not collect return values: events.emit/events.on carry
// no blocking or contributing semantics, unlike Bus.Emit.
func (c *CustomBus) Emit(ctx context.Context, name string, payload []byte) {
	c.mu.Lock()
	handlers := append([]customHandler(nil), c.subs[name]...)
	c.mu.Unlock()

	for _, h := range handlers {
		h.fn(ctx, payload)
	}
}

// RemoveOwnedBy drops every subscription owned by extension, across all
// names. Called on unload/rollback alongside Bus.RemoveOwnedBy.
func (c *CustomBus) RemoveOwnedBy(extension string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, handlers := range c.subs {
		kept := handlers[:0]
		for _, h := range handlers {
			if h.extension != extension {
				kept = append(kept, h)
			}
		}
		c.subs[name] = kept
	}
}
