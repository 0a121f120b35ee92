// Package capability defines the closed enumeration of permissions an
// extension isolate may be granted, plus the per-capability scope that
// narrows it. Every shim consults a Grant before touching the outside
// world.
package capability

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Token identifies one capability in the closed set. Resource and Action
// mirror the manifest permission key grammar ("fs:read", "net:fetch", ...)
// so capability.Token and manifest.PermissionKey stay interchangeable.
type Token string

const (
	FSRead        Token = "fs.read"
	FSWrite       Token = "fs.write"
	ProcessSpawn  Token = "process.spawn"
	NetFetch      Token = "net.fetch"
	EnvRead       Token = "env.read"
	Crypto        Token = "crypto"
	Time          Token = "time"
	StorageRead   Token = "storage.read"
	StorageWrite  Token = "storage.write"
	EventsPublish Token = "events.publish" // gates pi.events.emit, not pi.on (the embedder-driven bus stays unprivileged)
)

// closedSet is the full enumeration; Parse rejects anything else.
var closedSet = map[Token]struct{}{
	FSRead: {}, FSWrite: {}, ProcessSpawn: {}, NetFetch: {}, EnvRead: {},
	Crypto: {}, Time: {}, StorageRead: {}, StorageWrite: {}, EventsPublish: {},
}

// Parse validates a dotted capability token against the closed set.
func Parse(raw string) (Token, error) {
	t := Token(raw)
	if _, ok := closedSet[t]; !ok {
		return "", fmt.Errorf("unknown capability %q", raw)
	}
	return t, nil
}

// Scope narrows a capability: path-prefix globs for fs.*, host allow-list
// globs for net.fetch, command/argv allow-list for process.spawn. A zero
// Scope denies every non-empty target of a scoped token (fs.*, storage.*,
// net.fetch, process.spawn); for the presence-only tokens (env.read,
// crypto, time, events.publish) being in the Grant is the whole check,
// whatever the Scope. A token absent from a Grant is always denied.
type Scope struct {
	PathGlobs []string // fs.read, fs.write, storage.read, storage.write
	HostGlobs []string // net.fetch
	Commands  []string // process.spawn: allowed argv[0] values ("*" allows any)
	Timeout   string   // process.spawn / net.fetch: ceiling as a Go duration string
}

// AllowsPath reports whether target matches one of the scope's path globs.
// Callers must canonicalize target (resolve symlinks, make absolute) first.
func (s Scope) AllowsPath(target string) bool {
	target = filepath.Clean(target)
	for _, g := range s.PathGlobs {
		if g == "**" || g == "*" {
			return true
		}
		matched, err := doublestar.Match(filepath.Clean(g), target)
		if err == nil && matched {
			return true
		}
	}
	return false
}

// AllowsHost reports whether host matches one of the scope's host globs.
func (s Scope) AllowsHost(host string) bool {
	host = strings.ToLower(host)
	for _, g := range s.HostGlobs {
		if g == "*" {
			return true
		}
		matched, err := doublestar.Match(strings.ToLower(g), host)
		if err == nil && matched {
			return true
		}
	}
	return false
}

// AllowsCommand reports whether argv0 is on the scope's command allow-list.
func (s Scope) AllowsCommand(argv0 string) bool {
	for _, c := range s.Commands {
		if c == "*" || c == argv0 {
			return true
		}
	}
	return false
}

// Grant is the immutable capability snapshot attached to an isolate at
// creation time (spec: "Immutable after isolate creation"). Use a Builder
// to assemble one, then Freeze it.
type Grant struct {
	scopes map[Token]Scope
}

// Builder accumulates capability grants before an isolate is created.
type Builder struct {
	scopes map[Token]Scope
}

// NewBuilder returns an empty capability builder.
func NewBuilder() *Builder {
	return &Builder{scopes: make(map[Token]Scope)}
}

// Allow grants tok with the given scope, replacing any prior scope for tok.
func (b *Builder) Allow(tok Token, scope Scope) *Builder {
	b.scopes[tok] = scope
	return b
}

// Freeze produces an immutable Grant. The builder remains usable afterward
// but further mutation has no effect on grants already frozen.
func (b *Builder) Freeze() Grant {
	cp := make(map[Token]Scope, len(b.scopes))
	for k, v := range b.scopes {
		cp[k] = v
	}
	return Grant{scopes: cp}
}

// Has reports whether tok is present in the grant at all.
func (g Grant) Has(tok Token) bool {
	_, ok := g.scopes[tok]
	return ok
}

// Scope returns the scope for tok and whether it was granted.
func (g Grant) Scope(tok Token) (Scope, bool) {
	s, ok := g.scopes[tok]
	return s, ok
}

// Check is the single entry point every shim calls before doing I/O. It
// returns nil if tok is granted and target (a path, host, or command,
// depending on tok) falls within the granted scope; otherwise it returns
// a descriptive error suitable for CapabilityDenied.
func (g Grant) Check(tok Token, target string) error {
	scope, ok := g.scopes[tok]
	if !ok {
		return fmt.Errorf("capability %s not granted", tok)
	}
	switch tok {
	case FSRead, FSWrite, StorageRead, StorageWrite:
		if target == "" || scope.AllowsPath(target) {
			return nil
		}
		return fmt.Errorf("capability %s does not cover path %q", tok, target)
	case NetFetch:
		if target == "" || scope.AllowsHost(target) {
			return nil
		}
		return fmt.Errorf("capability %s does not cover host %q", tok, target)
	case ProcessSpawn:
		if target == "" || scope.AllowsCommand(target) {
			return nil
		}
		return fmt.Errorf("capability %s does not cover command %q", tok, target)
	default:
		return nil // env.read, crypto, time: presence alone is the check
	}
}

// Tokens returns the granted tokens in deterministic order, for logging
// and the preflight analyzer's drift comparisons.
func (g Grant) Tokens() []Token {
	out := make([]Token, 0, len(g.scopes))
	for t := range g.scopes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MinimumSet is the time-only grant. The lifecycle manager does not apply
// it: an extension's Grant is built from its manifest alone, and a
// manifest that declares neither permissions nor capabilities is rejected
// by the manifest parser.
func MinimumSet() Grant {
	return NewBuilder().Allow(Time, Scope{}).Freeze()
}
