package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// EntryKind distinguishes the host's own permission-decision records from
// entries an extension appends itself via pi.appendEntry.
type EntryKind string

const (
	EntryPermission EntryKind = "permission"
	EntryCustom     EntryKind = "custom"
)

// AuditEntry is a single session log record (JSON-lines format). It
// doubles as the permission-audit record the evaluator produces and the
// session entry log spec §3 describes: an append-only sequence owned by
// the embedder that extensions may add to (Seq/EntryKind/Extension/Type/
// Data) but never rewrite.
type AuditEntry struct {
	Seq       uint64    `json:"seq"`
	Timestamp string    `json:"timestamp"` // RFC3339
	SessionID string    `json:"session_id"`
	Kind      EntryKind `json:"kind"`

	// Permission-decision fields (Kind == EntryPermission).
	Agent      string         `json:"agent,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Permission string         `json:"permission,omitempty"`
	Decision   string         `json:"decision,omitempty"` // "allowed", "denied", "user_approved", "user_denied"
	Source     string         `json:"source,omitempty"`   // "manifest", "policy_override", "persisted_grant", "default_deny"
	Arguments  map[string]any `json:"arguments,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Error      string         `json:"error,omitempty"`

	// Custom-entry fields (Kind == EntryCustom, from pi.appendEntry).
	Extension string         `json:"extension,omitempty"`
	Type      string         `json:"type,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// AuditLogger appends session log entries to a session-specific JSON-lines
// file. Seq is a monotonic counter guarded by the same mutex as the write,
// giving every entry a total order within the session regardless of
// wall-clock resolution (spec §3: "total within a session and monotonic
// in time").
type AuditLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	sessionID string
	seq       uint64
}

// NewAuditLogger creates a session log for the given session.
// Path should be like ".pihost/audit-<session-id>.jsonl".
func NewAuditLogger(sessionID, pihostDir string) (*AuditLogger, error) {
	if err := os.MkdirAll(pihostDir, 0o700); err != nil {
		return nil, fmt.Errorf("create pihost directory: %w", err)
	}

	path := filepath.Join(pihostDir, fmt.Sprintf("audit-%s.jsonl", sessionID))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &AuditLogger{
		file:      file,
		path:      path,
		sessionID: sessionID,
	}, nil
}

// Log writes a permission-decision entry to the log file.
func (a *AuditLogger) Log(entry AuditEntry) error {
	entry.Kind = EntryPermission
	entry.Arguments = redactSensitiveData(entry.Arguments)
	return a.write(entry)
}

// AppendEntry records an extension-originated entry (pi.appendEntry(type,
// data)). Extensions cannot set Seq or Timestamp themselves — write
// assigns both under the log's own lock, so an extension can never
// reorder or backdate history.
func (a *AuditLogger) AppendEntry(extension, entryType string, data map[string]any) error {
	return a.write(AuditEntry{
		Kind:      EntryCustom,
		Extension: extension,
		Type:      entryType,
		Data:      redactSensitiveData(data),
	})
}

// write assigns session id, sequence number and timestamp, then appends
// the marshalled entry under the log's lock.
func (a *AuditLogger) write(entry AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return fmt.Errorf("audit logger closed")
	}

	a.seq++
	entry.Seq = a.seq
	entry.SessionID = a.sessionID
	entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if _, err := a.file.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Close flushes and closes the audit log file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}

	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	a.file = nil
	return nil
}

// sensitivePatterns is the list of substrings that indicate a sensitive key.
var sensitivePatterns = []string{"token", "key", "password", "secret", "credential", "auth"}

// redactSensitiveData removes or masks sensitive values from arguments (recursively).
func redactSensitiveData(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}

	redacted := make(map[string]any)
	for k, v := range args {
		redacted[k] = redactSensitiveRecursive(k, v)
	}
	return redacted
}

// redactSensitiveRecursive recursively walks through values and redacts sensitive data.
// It handles maps, slices, and checks keys for sensitive patterns at all nesting levels.
// Sensitive keys are only redacted if their values are primitives; nested structures are recursed.
func redactSensitiveRecursive(key string, value any) any {
	if m, ok := value.(map[string]any); ok {
		redacted := make(map[string]any)
		for k, v := range m {
			redacted[k] = redactSensitiveRecursive(k, v)
		}
		return redacted
	}

	if s, ok := value.([]any); ok {
		redacted := make([]any, len(s))
		for i, v := range s {
			redacted[i] = redactSensitiveRecursive("", v)
		}
		return redacted
	}

	lowerKey := strings.ToLower(key)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lowerKey, pattern) {
			return "[REDACTED]"
		}
	}

	if str, ok := value.(string); ok {
		lowerVal := strings.ToLower(str)
		for _, pattern := range sensitivePatterns {
			if strings.Contains(lowerVal, pattern) {
				return "[REDACTED]"
			}
		}
	}

	return value
}

// ReadAuditLog reads every entry from a session's log, in the total
// order AppendEntry/Log assigned them.
func ReadAuditLog(sessionID, pihostDir string) ([]AuditEntry, error) {
	path := filepath.Join(pihostDir, fmt.Sprintf("audit-%s.jsonl", sessionID))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []AuditEntry{}, nil // Empty log for new sessions
		}
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	var entries []AuditEntry
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("parse audit entry line %d: %w", i+1, err)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
