// Package hosterr defines the closed taxonomy of errors the host surfaces
// to extensions and to the embedder. Every error the host returns across a
// package boundary wraps one of these kinds so callers can `errors.As`
// instead of matching strings.
package hosterr

import "fmt"

// Kind is a machine-readable error code from the host's closed taxonomy.
type Kind string

const (
	ManifestInvalid        Kind = "ManifestInvalid"
	EntryNotFound           Kind = "EntryNotFound"
	ScriptError             Kind = "ScriptError"
	DuplicateRegistration   Kind = "DuplicateRegistration"
	SchemaInvalid           Kind = "SchemaInvalid"
	CapabilityDenied        Kind = "CapabilityDenied"
	UnresolvedModule        Kind = "UnresolvedModule"
	Cancelled               Kind = "Cancelled"
	OutOfMemory             Kind = "OutOfMemory"
	ReentrantEval           Kind = "ReentrantEval"
	PreflightDrift          Kind = "PreflightDrift"
	ExtensionRequestedExit  Kind = "ExtensionRequestedExit"
)

// Error is the concrete type every host error wraps. Extension and embedder
// code recover the Kind with errors.As into a *hosterr.Error variable, or
// test for one with hosterr.Is.
type Error struct {
	Kind      Kind
	Extension string // owning extension name, empty if not extension-scoped
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Extension != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Extension, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a host error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a host error of the given kind around a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithExtension returns a copy of e scoped to the named owning extension.
func (e *Error) WithExtension(name string) *Error {
	cp := *e
	cp.Extension = name
	return &cp
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var he *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			he = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return he != nil && he.Kind == kind
}
