// Package hostapi defines the external collaborator interfaces (spec §6):
// the embedder-owned surfaces the extension host calls into but does not
// implement itself. Like the teacher's core/provider package, this is
// interfaces and plain data only — no implementation — so the agent loop,
// terminal UI, and LLM provider clients stay out of scope while the host
// can still be built and tested against them.
package hostapi

import "context"

// AgentEventSource is the embedder's side of the event bus: it emits the
// lifecycle and activity events the host fans out to extensions (spec
// §4.4's closed kind set). The host never originates these events itself.
type AgentEventSource interface {
	// Subscribe registers fn to be called whenever the embedder produces
	// an event of the given kind. The returned unsubscribe func is
	// idempotent.
	Subscribe(kind string, fn func(ctx context.Context, payload []byte)) (unsubscribe func())
}

// ModelProviderMetadata is the shape `pi.registerProvider` stores (spec
// §4.3): no HTTP calls happen here, only the description of a provider an
// embedder-owned LLM client may later resolve by ID.
type ModelProviderMetadata struct {
	ID        string
	BaseURL   string
	APIKeyEnv string // env-var name the embedder reads at call time; the extension never sees the value
	API       string // "openai-completions" | "anthropic-messages" | ...
	Models    []ModelMetadata
}

// ModelMetadata describes one model a provider exposes, with capability
// metadata an embedder can use for model selection UI.
type ModelMetadata struct {
	ID               string
	ContextWindow    int
	SupportsTools    bool
	SupportsVision   bool
	SupportsStreaming bool
}

// UINotifier is the embedder-owned delivery surface for `sendMessage` /
// `sendUserMessage` / `ui.emit`-equivalent extension calls. The host
// validates and routes; the embedder renders.
type UINotifier interface {
	// Notify delivers msg to the embedder's UI. deliverAs is "followUp"
	// (enqueued, triggers exactly one additional turn) or "inline"
	// (appended without triggering a turn) per spec §4.3.
	Notify(ctx context.Context, extension string, msg Message, deliverAs string) error
}

// Message is the structurally-typed record `sendMessage` hands the
// embedder; renderable-node encoding of custom message types is the
// embedder's responsibility (spec §4.3 registerMessageRenderer).
type Message struct {
	Type string
	Text string
	Data map[string]any
}

// CLIFlagSink is where `pi.registerFlag` entries land: the embedder adds
// a long flag `--<name>` of the declared type to its own CLI surface and
// is responsible for parsing it (spec §6).
type CLIFlagSink interface {
	AddFlag(name, description, flagType string) error
	// FlagValue returns the cached value for name as observed by the
	// embedder's CLI parser, backing `pi.getFlag`.
	FlagValue(name string) (string, bool)
}
