// Package maintenance prunes stale session data: audit logs, VFS snapshots,
// and session state files past a configurable age, scoped to the project's
// .pihost directory and the user's global sessions directory.
package maintenance

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CleanupOptions configures session data cleanup behavior.
type CleanupOptions struct {
	PihostDir   string        // project-local .pihost directory (default ".pihost")
	SessionsDir string        // user-global sessions directory (default "~/.pihost/sessions")
	MaxAge      time.Duration // data older than this is deleted (default 30 days)
	DryRun      bool          // scan and report without deleting
}

// CleanupResult tallies what a cleanup pass removed (or would remove, under
// DryRun) plus any non-fatal per-file errors encountered along the way.
type CleanupResult struct {
	DeletedAuditFiles   int
	DeletedSnapshotDirs int
	DeletedSessionFiles int
	Errors              []string
}

// DefaultCleanupOptions returns cleanup options with sensible defaults.
func DefaultCleanupOptions() CleanupOptions {
	return CleanupOptions{
		PihostDir:   ".pihost",
		SessionsDir: filepath.Join(os.Getenv("HOME"), ".pihost", "sessions"),
		MaxAge:      30 * 24 * time.Hour,
		DryRun:      false,
	}
}

// CleanupSessionData deletes, by file ModTime, audit logs
// (.pihost/audit-*.jsonl[.old]), VFS snapshot directories
// (.pihost/snapshots/<session-id>/) and session state files
// (~/.pihost/sessions/*.json) older than opts.MaxAge. A missing directory
// for any of the three is skipped, not an error; individual file failures
// are collected in result.Errors rather than aborting the pass.
func CleanupSessionData(opts CleanupOptions) (CleanupResult, error) {
	if opts.PihostDir == "" {
		opts.PihostDir = ".pihost"
	}
	if opts.SessionsDir == "" {
		opts.SessionsDir = filepath.Join(os.Getenv("HOME"), ".pihost", "sessions")
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = 30 * 24 * time.Hour
	}

	result := CleanupResult{}
	cutoff := time.Now().Add(-opts.MaxAge)

	if err := cleanupAuditLogs(opts.PihostDir, cutoff, opts.DryRun, &result); err != nil {
		return result, fmt.Errorf("cleanup audit logs: %w", err)
	}

	snapshotsDir := filepath.Join(opts.PihostDir, "snapshots")
	if err := cleanupSnapshots(snapshotsDir, cutoff, opts.DryRun, &result); err != nil {
		if !os.IsNotExist(err) {
			return result, fmt.Errorf("cleanup snapshots: %w", err)
		}
	}

	if err := cleanupSessionFiles(opts.SessionsDir, cutoff, opts.DryRun, &result); err != nil {
		if !os.IsNotExist(err) {
			return result, fmt.Errorf("cleanup session files: %w", err)
		}
	}

	return result, nil
}

func cleanupAuditLogs(pihostDir string, cutoff time.Time, dryRun bool, result *CleanupResult) error {
	if _, err := os.Stat(pihostDir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat pihost directory: %w", err)
	}

	matches, err := filepath.Glob(filepath.Join(pihostDir, "audit-*.jsonl*"))
	if err != nil {
		return fmt.Errorf("glob audit files: %w", err)
	}

	for _, path := range matches {
		base := filepath.Base(path)
		if !strings.HasPrefix(base, "audit-") {
			continue
		}
		if !strings.HasSuffix(base, ".jsonl") && !strings.HasSuffix(base, ".jsonl.old") {
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // raced with a concurrent session; nothing to clean
			}
			result.Errors = append(result.Errors, fmt.Sprintf("stat %s: %v", path, err))
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if dryRun {
			result.DeletedAuditFiles++
			continue
		}
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("remove %s: %v", path, err))
			continue
		}
		result.DeletedAuditFiles++
	}

	return nil
}

func cleanupSnapshots(snapshotsDir string, cutoff time.Time, dryRun bool, result *CleanupResult) error {
	if _, err := os.Stat(snapshotsDir); err != nil {
		return err
	}

	entries, err := os.ReadDir(snapshotsDir)
	if err != nil {
		return fmt.Errorf("read snapshots directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(snapshotsDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("stat %s: %v", path, err))
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if dryRun {
			result.DeletedSnapshotDirs++
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("remove %s: %v", path, err))
			continue
		}
		result.DeletedSnapshotDirs++
	}

	return nil
}

func cleanupSessionFiles(sessionsDir string, cutoff time.Time, dryRun bool, result *CleanupResult) error {
	if _, err := os.Stat(sessionsDir); err != nil {
		return err
	}

	matches, err := filepath.Glob(filepath.Join(sessionsDir, "*.json"))
	if err != nil {
		return fmt.Errorf("glob session files: %w", err)
	}

	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("stat %s: %v", path, err))
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if dryRun {
			result.DeletedSessionFiles++
			continue
		}
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("remove %s: %v", path, err))
			continue
		}
		result.DeletedSessionFiles++
	}

	return nil
}
