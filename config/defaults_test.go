package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.EngineCount != 4 {
		t.Errorf("EngineCount = %d, want 4", cfg.EngineCount)
	}
	if cfg.MaxToolTimeout != 5*time.Minute {
		t.Errorf("MaxToolTimeout = %v, want %v", cfg.MaxToolTimeout, 5*time.Minute)
	}
	if cfg.EventDeadline("tool_call") != 5*time.Second {
		t.Errorf("EventDeadline(tool_call) = %v, want 5s default", cfg.EventDeadline("tool_call"))
	}
	if cfg.EventDeadline("turn_end") != 1*time.Second {
		t.Errorf("EventDeadline(turn_end) = %v, want 1s override", cfg.EventDeadline("turn_end"))
	}

	// Sub-dirs should be children of PihostDir.
	if filepath.Dir(cfg.SessionsDir) != cfg.PihostDir {
		t.Errorf("SessionsDir %q is not a child of PihostDir %q", cfg.SessionsDir, cfg.PihostDir)
	}
	if filepath.Dir(cfg.ExtensionsDir) != cfg.PihostDir {
		t.Errorf("ExtensionsDir %q is not a child of PihostDir %q", cfg.ExtensionsDir, cfg.PihostDir)
	}
}

func TestLoadNoFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "nonexistent.toml")
	defaults := testDefaults(tmp)

	cfg, warnings, err := LoadFrom(path, defaults)
	if err != nil {
		t.Fatalf("LoadFrom returned error for missing file: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}
	if cfg.PihostDir != defaults.PihostDir {
		t.Errorf("LoadFrom with missing file returned non-default config")
	}
}

func TestLoadValidFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.toml")

	content := `engine_count = 8
strike_limit = 5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	defaults := testDefaults(tmp)
	cfg, warnings, err := LoadFrom(path, defaults)
	if err != nil {
		t.Fatalf("LoadFrom returned error: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings for valid keys, got %v", warnings)
	}

	if cfg.EngineCount != 8 {
		t.Errorf("EngineCount = %d, want 8", cfg.EngineCount)
	}
	if cfg.StrikeLimit != 5 {
		t.Errorf("StrikeLimit = %d, want 5", cfg.StrikeLimit)
	}
	// Non-overridden fields keep defaults.
	if cfg.SessionsDir != defaults.SessionsDir {
		t.Errorf("SessionsDir = %q, want default %q", cfg.SessionsDir, defaults.SessionsDir)
	}
	// Non-TOML fields preserved.
	if cfg.MaxToolTimeout != defaults.MaxToolTimeout {
		t.Errorf("MaxToolTimeout = %v, want %v", cfg.MaxToolTimeout, defaults.MaxToolTimeout)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.toml")

	if err := os.WriteFile(path, []byte("this is not [valid toml ="), 0644); err != nil {
		t.Fatal(err)
	}

	defaults := testDefaults(tmp)
	_, _, err := LoadFrom(path, defaults)
	if err == nil {
		t.Fatal("LoadFrom should return error for malformed TOML")
	}
}

func TestLoadUnknownKeys(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.toml")

	content := `engine_count = 2
engin_count = "typo"
strik_limit = "also-typo"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	defaults := testDefaults(tmp)
	cfg, warnings, err := LoadFrom(path, defaults)
	if err != nil {
		t.Fatalf("LoadFrom returned error: %v", err)
	}

	// Valid key should be applied.
	if cfg.EngineCount != 2 {
		t.Errorf("EngineCount = %d, want 2", cfg.EngineCount)
	}

	// Should have warnings for the two unknown keys.
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %d: %v", len(warnings), warnings)
	}
	found := map[string]bool{"engin_count": false, "strik_limit": false}
	for _, w := range warnings {
		for key := range found {
			if contains(w, key) {
				found[key] = true
			}
		}
	}
	for key, ok := range found {
		if !ok {
			t.Errorf("expected warning about %q, not found in %v", key, warnings)
		}
	}
}

func TestLoadPihostDirOverride(t *testing.T) {
	tmp := t.TempDir()
	customDir := filepath.Join(tmp, "custom-pihost")
	path := filepath.Join(tmp, "config.toml")

	content := `pihost_dir = "` + customDir + `"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	defaults := testDefaults(tmp)
	cfg, _, err := LoadFrom(path, defaults)
	if err != nil {
		t.Fatalf("LoadFrom returned error: %v", err)
	}

	if cfg.PihostDir != customDir {
		t.Errorf("PihostDir = %q, want %q", cfg.PihostDir, customDir)
	}
	// Sub-dirs should auto-adjust to new PihostDir.
	wantSessions := filepath.Join(customDir, "sessions")
	if cfg.SessionsDir != wantSessions {
		t.Errorf("SessionsDir = %q, want %q", cfg.SessionsDir, wantSessions)
	}
	wantExtensions := filepath.Join(customDir, "extensions")
	if cfg.ExtensionsDir != wantExtensions {
		t.Errorf("ExtensionsDir = %q, want %q", cfg.ExtensionsDir, wantExtensions)
	}
}

func TestLoadExplicitSubDirs(t *testing.T) {
	tmp := t.TempDir()
	customDir := filepath.Join(tmp, "custom-pihost")
	customSessions := filepath.Join(tmp, "my-sessions")
	path := filepath.Join(tmp, "config.toml")

	content := `pihost_dir = "` + customDir + `"
sessions_dir = "` + customSessions + `"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	defaults := testDefaults(tmp)
	cfg, _, err := LoadFrom(path, defaults)
	if err != nil {
		t.Fatalf("LoadFrom returned error: %v", err)
	}

	// sessions_dir was explicitly set — should NOT be auto-adjusted.
	if cfg.SessionsDir != customSessions {
		t.Errorf("SessionsDir = %q, want %q", cfg.SessionsDir, customSessions)
	}
	// extensions_dir was NOT set — should auto-adjust to new PihostDir.
	wantExtensions := filepath.Join(customDir, "extensions")
	if cfg.ExtensionsDir != wantExtensions {
		t.Errorf("ExtensionsDir = %q, want %q", cfg.ExtensionsDir, wantExtensions)
	}
}

func TestEnsureDirs(t *testing.T) {
	tmp := t.TempDir()
	cfg := testDefaults(tmp)

	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs failed: %v", err)
	}

	for _, dir := range []string{cfg.PihostDir, cfg.SessionsDir, cfg.ExtensionsDir, cfg.ReportsDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("directory %q not created: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%q is not a directory", dir)
		}
	}

	// Second call is idempotent.
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs (idempotent) failed: %v", err)
	}
}

func TestConfigFilePath(t *testing.T) {
	tmp := t.TempDir()
	cfg := testDefaults(tmp)

	want := filepath.Join(cfg.PihostDir, "config.toml")
	if got := cfg.ConfigFilePath(); got != want {
		t.Errorf("ConfigFilePath() = %q, want %q", got, want)
	}
}

// testDefaults returns a Config rooted in a temp directory instead of $HOME.
func testDefaults(tmpDir string) Config {
	pihostDir := filepath.Join(tmpDir, ".pihost")
	d := DefaultConfig()
	d.PihostDir = pihostDir
	d.SessionsDir = filepath.Join(pihostDir, "sessions")
	d.ExtensionsDir = filepath.Join(pihostDir, "extensions")
	d.ReportsDir = filepath.Join(pihostDir, "reports")
	d.AuditFile = filepath.Join(".pihost", "audit.jsonl")
	d.PolicyFile = filepath.Join(".pihost", "policy.json")
	return d
}

// contains checks if s contains substr (simple helper to avoid strings import).
func contains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
