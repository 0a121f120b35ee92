// Package eventbus fans out embedder-produced lifecycle and activity events
// to extension-side handlers: stable priority-then-registration-order
// dispatch, blocking/contributing/observational handler kinds, per-kind
// deadlines with a grace period, AbortSignal-shaped cancellation, and
// strike tracking toward an extension's Degraded state.
package eventbus

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Kind is one of the closed set of event kinds the embedder may emit.
// Additions require a new kind; kinds are never overloaded with differing
// payload shapes.
type Kind string

const (
	SessionStart      Kind = "session_start"
	SessionSwitch     Kind = "session_switch"
	SessionShutdown   Kind = "session_shutdown"
	BeforeAgentStart  Kind = "before_agent_start"
	AgentStart        Kind = "agent_start"
	AgentEnd          Kind = "agent_end"
	TurnStart         Kind = "turn_start"
	TurnEnd           Kind = "turn_end"
	ToolCall          Kind = "tool_call"
	ToolResult        Kind = "tool_result"
	Input             Kind = "input"
	ModelSelect       Kind = "model_select"
	ResourcesDiscover Kind = "resources_discover"
)

// blockable is the set of kinds a Blocking handler may short-circuit.
var blockable = map[Kind]bool{ToolCall: true, Input: true}

// IsBlockable reports whether kind permits a handler to short-circuit the
// chain by returning {block: true, reason}. Used by the lifecycle manager
// to decide which Role a bare pi.on(kind, handler) subscription gets: the
// spec attaches blocking/contributing behavior to the event kind, not to a
// separate declaration on the handler.
func IsBlockable(kind Kind) bool {
	return blockable[kind]
}

// HasReducer reports whether kind has a registered contribution reducer
// (spec §4.4 point 5).
func HasReducer(kind Kind) bool {
	_, ok := reducers[kind]
	return ok
}

// DefaultDeadline is used for any kind without a configured override.
const DefaultDeadline = 5 * time.Second

// GracePeriod is how long a handler gets to observe cancellation and return
// after its event's deadline expires before being marked Slow.
const GracePeriod = 250 * time.Millisecond

// Role classifies what a handler is permitted to do with its return value.
type Role string

const (
	RoleBlocking      Role = "blocking"      // may return {block:true, reason}
	RoleContributing  Role = "contributing"  // return merged via a kind reducer
	RoleObservational Role = "observational" // return value ignored
)

// HandlerFunc is an extension-side event handler, bridged by the lifecycle
// manager to an isolate's Call. It receives a cancellation Signal and the
// event payload, and returns a contribution (ignored unless Role is
// Contributing or Blocking).
type HandlerFunc func(ctx context.Context, signal *Signal, payload json.RawMessage) (json.RawMessage, error)

// Subscription ties an extension's handler to an event kind with a
// dispatch priority and role.
type Subscription struct {
	Extension string
	Kind      Kind
	Priority  int
	Role      Role
	Handler   HandlerFunc

	order int // registration sequence, for stable tie-breaking
}

// Result is what Emit returns to the embedder: whether the event was
// blocked, the reduced contribution payload, and which extensions (if any)
// overran their deadline.
type Result struct {
	Blocked bool
	Reason  string
	Payload json.RawMessage
	Slow    []string
}

// Bus is the host-owned, mutex-protected event dispatcher. Concurrent Emit
// calls from the embedder are serialized (spec §4.4 point 6 / §5).
type Bus struct {
	mu          sync.Mutex
	emitMu      sync.Mutex // serializes Emit across goroutines
	subs        map[Kind][]*Subscription
	seq         int
	deadlines   map[Kind]time.Duration
	strikes     map[string]int
	degraded    map[string]bool
	strikeLimit int
}

// New returns an empty bus. deadlines overrides DefaultDeadline per kind
// (config.Config.EventDeadlines); strikeLimit is the number of Slow marks
// before an extension is moved to Degraded (spec §5, default 3).
func New(deadlines map[Kind]time.Duration, strikeLimit int) *Bus {
	if strikeLimit <= 0 {
		strikeLimit = 3
	}
	return &Bus{
		subs:        make(map[Kind][]*Subscription),
		deadlines:   deadlines,
		strikes:     make(map[string]int),
		degraded:    make(map[string]bool),
		strikeLimit: strikeLimit,
	}
}

// Register adds sub to the bus. Handlers of a Degraded extension are
// skipped at dispatch time rather than rejected here, so re-activating an
// extension doesn't require re-registering its handlers.
func (b *Bus) Register(sub *Subscription) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	sub.order = b.seq
	b.subs[sub.Kind] = append(b.subs[sub.Kind], sub)
	return sub
}

// RemoveOwnedBy unregisters every handler belonging to extensionName,
// across all kinds.
func (b *Bus) RemoveOwnedBy(extensionName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, subs := range b.subs {
		kept := subs[:0:0]
		for _, s := range subs {
			if s.Extension != extensionName {
				kept = append(kept, s)
			}
		}
		b.subs[k] = kept
	}
}

// IsDegraded reports whether extensionName has accumulated enough strikes
// to have its event subscriptions disabled (its tools remain callable;
// that's enforced by the registry/runtime layer, not the bus).
func (b *Bus) IsDegraded(extensionName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded[extensionName]
}

// orderedSubscribers returns kind's handlers sorted by priority descending,
// then registration order ascending, excluding Degraded extensions.
func (b *Bus) orderedSubscribers(kind Kind) []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.subs[kind]
	out := make([]*Subscription, 0, len(src))
	for _, s := range src {
		if !b.degraded[s.Extension] {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].order < out[j].order
	})
	return out
}

// deadlineFor resolves the configured deadline for kind, falling back to
// DefaultDeadline.
func (b *Bus) deadlineFor(kind Kind) time.Duration {
	if d, ok := b.deadlines[kind]; ok && d > 0 {
		return d
	}
	return DefaultDeadline
}

// markSlow records a strike against extensionName; once its strikes within
// the bus's lifetime reach strikeLimit, the extension is moved to Degraded.
func (b *Bus) markSlow(extensionName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.strikes[extensionName]++
	if b.strikes[extensionName] >= b.strikeLimit {
		b.degraded[extensionName] = true
	}
}

// Emit dispatches payload to kind's subscribers in stable order (spec §4.4).
// Blocking handlers may short-circuit the chain on a blockable kind;
// contributing handlers feed a kind-specific reducer; observational
// handlers' return values are discarded. On deadline expiry, still-running
// handlers are signalled to abort and given GracePeriod before being marked
// Slow; the bus proceeds once every handler has returned or been marked
// Slow.
func (b *Bus) Emit(ctx context.Context, kind Kind, payload json.RawMessage) (*Result, error) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	subs := b.orderedSubscribers(kind)
	result := &Result{Payload: payload}
	if len(subs) == 0 {
		return result, nil // no-op, O(1), spec round-trip invariant
	}

	acc, err := decodePayload(payload)
	if err != nil {
		acc = map[string]any{}
	}

	deadline := b.deadlineFor(kind)
	eventCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	signal := newSignal(eventCtx)

	for _, sub := range subs {
		contribution, blocked, reason, slow := b.runHandler(eventCtx, signal, sub, payload)
		if slow {
			result.Slow = append(result.Slow, sub.Extension)
			b.markSlow(sub.Extension)
			continue
		}
		switch sub.Role {
		case RoleBlocking:
			if blocked && blockable[kind] {
				result.Blocked = true
				result.Reason = reason
				result.Payload = encodePayload(acc)
				return result, nil
			}
		case RoleContributing:
			if reducer, ok := reducers[kind]; ok && contribution != nil {
				reducer(acc, contribution)
			}
		}
	}

	result.Payload = encodePayload(acc)
	return result, nil
}

// runHandler calls sub's handler with a bounded grace period past eventCtx's
// deadline. It returns the decoded contribution (nil if none/observational),
// whether a blocking handler requested a block, its reason, and whether the
// handler was marked Slow (didn't return within the grace period).
func (b *Bus) runHandler(eventCtx context.Context, signal *Signal, sub *Subscription, payload json.RawMessage) (contribution map[string]any, blocked bool, reason string, slow bool) {
	type outcome struct {
		raw json.RawMessage
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		raw, err := sub.Handler(eventCtx, signal, payload)
		resultCh <- outcome{raw, err}
	}()

	select {
	case out := <-resultCh:
		return parseOutcome(out.raw, out.err)
	case <-eventCtx.Done():
	}

	signal.abort()
	select {
	case out := <-resultCh:
		contribution, blocked, reason, _ = parseOutcome(out.raw, out.err)
		return contribution, blocked, reason, false
	case <-time.After(GracePeriod):
		return nil, false, "", true
	}
}

func parseOutcome(raw json.RawMessage, err error) (contribution map[string]any, blocked bool, reason string, slow bool) {
	if err != nil || len(raw) == 0 {
		return nil, false, "", false
	}
	m, decodeErr := decodePayload(raw)
	if decodeErr != nil {
		return nil, false, "", false
	}
	if b, ok := m["block"].(bool); ok && b {
		r, _ := m["reason"].(string)
		return m, true, r, false
	}
	return m, false, "", false
}

func decodePayload(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodePayload(m map[string]any) json.RawMessage {
	raw, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

// reducers maps each Contributing-eligible kind to how its handlers'
// contributions are merged left-to-right into the accumulated payload
// (spec §4.4 point 5, §6 examples).
var reducers = map[Kind]func(acc, contribution map[string]any){
	BeforeAgentStart: func(acc, contribution map[string]any) {
		sp, ok := contribution["systemPrompt"].(string)
		if !ok || sp == "" {
			return
		}
		if existing, ok := acc["systemPrompt"].(string); ok && existing != "" {
			acc["systemPrompt"] = existing + "\n" + sp
		} else {
			acc["systemPrompt"] = sp
		}
	},
	ToolResult: func(acc, contribution map[string]any) {
		if c, ok := contribution["content"]; ok {
			acc["content"] = c
		}
		if d, ok := contribution["details"]; ok {
			acc["details"] = d
		}
	},
}
