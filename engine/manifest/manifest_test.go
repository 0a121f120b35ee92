package manifest

import (
	"crypto/ed25519"
	"encoding/json"
	"strings"
	"testing"
)

func validManifestJSON() string {
	return `{
		"name": "weather-tools",
		"version": "1.0.0",
		"entry": "index.js",
		"functions": [
			{
				"name": "get_weather",
				"description": "fetch current weather",
				"params": {
					"city": {"type": "string", "required": true}
				},
				"returns": {"type": "object"}
			}
		],
		"permissions": {
			"net:fetch:api.weather.example.com": "allow"
		}
	}`
}

func TestParseManifestValid(t *testing.T) {
	m, err := ParseManifest([]byte(validManifestJSON()), VerifyConfig{})
	if err != nil {
		t.Fatalf("ParseManifest returned error: %v", err)
	}
	if m.Name != "weather-tools" {
		t.Errorf("Name = %q, want weather-tools", m.Name)
	}
	if len(m.ParsedPermissions) != 1 {
		t.Fatalf("expected 1 parsed permission, got %d", len(m.ParsedPermissions))
	}
	rule := m.ParsedPermissions[0]
	if rule.Key.Resource != "net" || rule.Key.Action != "fetch" {
		t.Errorf("unexpected parsed key: %+v", rule.Key)
	}
	if rule.Mode != PermissionAllow {
		t.Errorf("Mode = %q, want allow", rule.Mode)
	}
}

func TestParseManifestWithoutFunctionsIsValid(t *testing.T) {
	// Mirrors the shape lifecycle.Discover actually writes and reads:
	// name/version/entry/capabilities, no functions block. Tools are
	// registered at runtime via pi.registerTool, not declared statically.
	data := `{
		"name": "clock", "version": "1.0.0", "entry": "index.js",
		"capabilities": ["time"]
	}`
	m, err := ParseManifest([]byte(data), VerifyConfig{})
	if err != nil {
		t.Fatalf("ParseManifest returned error: %v", err)
	}
	if len(m.Functions) != 0 {
		t.Errorf("Functions = %+v, want none", m.Functions)
	}
	if len(m.ParsedPermissions) != 1 {
		t.Fatalf("expected 1 parsed permission, got %d", len(m.ParsedPermissions))
	}
}

func TestParseManifestMissingRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"missing name", `{"version":"1.0.0","entry":"i.js","functions":[{"name":"f","returns":{"type":"string"}}],"capabilities":["time"]}`},
		{"missing version", `{"name":"x","entry":"i.js","functions":[{"name":"f","returns":{"type":"string"}}],"capabilities":["time"]}`},
		{"missing entry", `{"name":"x","version":"1.0.0","functions":[{"name":"f","returns":{"type":"string"}}],"capabilities":["time"]}`},
		{"missing permissions and capabilities", `{"name":"x","version":"1.0.0","entry":"i.js","functions":[{"name":"f","returns":{"type":"string"}}]}`},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(c.json), VerifyConfig{})
			if err == nil {
				t.Fatalf("expected error for %s", c.name)
			}
		})
	}
}

func TestParseManifestUnknownFieldRejected(t *testing.T) {
	data := `{
		"name": "x", "version": "1.0.0", "entry": "i.js",
		"functions": [{"name":"f","returns":{"type":"string"}}],
		"capabilities": ["time"],
		"unexpected_field": true
	}`
	_, err := ParseManifest([]byte(data), VerifyConfig{})
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseManifestDuplicateFunctionName(t *testing.T) {
	data := `{
		"name": "x", "version": "1.0.0", "entry": "i.js",
		"functions": [
			{"name":"f","returns":{"type":"string"}},
			{"name":"f","returns":{"type":"string"}}
		],
		"capabilities": ["time"]
	}`
	_, err := ParseManifest([]byte(data), VerifyConfig{})
	if err == nil {
		t.Fatal("expected duplicate function name error")
	}
}

func TestParseManifestInvalidTimeout(t *testing.T) {
	data := `{
		"name": "x", "version": "1.0.0", "entry": "i.js",
		"functions": [{"name":"f","returns":{"type":"string"}}],
		"capabilities": ["time"],
		"timeout": "not-a-duration"
	}`
	_, err := ParseManifest([]byte(data), VerifyConfig{})
	if err == nil {
		t.Fatal("expected invalid timeout error")
	}
}

func TestParseManifestCapabilitiesExpand(t *testing.T) {
	data := `{
		"name": "reader", "version": "1.0.0", "entry": "i.js",
		"functions": [{"name":"read","returns":{"type":"string"}}],
		"capabilities": ["fs.read:/project/**", "env.read"]
	}`
	m, err := ParseManifest([]byte(data), VerifyConfig{})
	if err != nil {
		t.Fatalf("ParseManifest returned error: %v", err)
	}

	var sawFSRead, sawEnvRead bool
	for _, rule := range m.ParsedPermissions {
		switch {
		case rule.Key.Resource == "fs" && rule.Key.Action == "read":
			sawFSRead = true
			if !rule.Key.HasTarget || rule.Key.Target != "/project/**" {
				t.Errorf("fs:read rule target = %+v, want /project/**", rule.Key)
			}
			if rule.Mode != PermissionAllow {
				t.Errorf("fs:read mode = %q, want allow", rule.Mode)
			}
		case rule.Key.Resource == "env" && rule.Key.Action == "read":
			sawEnvRead = true
			if rule.Key.HasTarget {
				t.Errorf("env:read rule should have no target, got %+v", rule.Key)
			}
		}
	}
	if !sawFSRead {
		t.Error("expected fs:read permission expanded from capabilities")
	}
	if !sawEnvRead {
		t.Error("expected env:read permission expanded from capabilities")
	}
}

func TestParseManifestExplicitPermissionWinsOverCapability(t *testing.T) {
	data := `{
		"name": "reader", "version": "1.0.0", "entry": "i.js",
		"functions": [{"name":"read","returns":{"type":"string"}}],
		"capabilities": ["fs.read"],
		"permissions": {"fs:read": "deny"}
	}`
	m, err := ParseManifest([]byte(data), VerifyConfig{})
	if err != nil {
		t.Fatalf("ParseManifest returned error: %v", err)
	}
	if len(m.ParsedPermissions) != 1 {
		t.Fatalf("expected exactly 1 merged rule, got %d", len(m.ParsedPermissions))
	}
	if m.ParsedPermissions[0].Mode != PermissionDeny {
		t.Errorf("explicit permission should win, got mode %q", m.ParsedPermissions[0].Mode)
	}
}

func TestParsePermissionKey(t *testing.T) {
	cases := []struct {
		key      string
		wantErr  bool
		resource string
		action   string
		target   string
		hasGlob  bool
	}{
		{"fs:read", false, "fs", "read", "", false},
		{"fs:read:./src/**", false, "fs", "read", "./src/**", true},
		{"net:fetch:api.example.com", false, "net", "fetch", "api.example.com", false},
		{"", true, "", "", "", false},
		{"fs", true, "", "", "", false},
		{"FS:READ", true, "", "", "", false},
	}

	for _, c := range cases {
		t.Run(c.key, func(t *testing.T) {
			pk, err := ParsePermissionKey(c.key)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error for key %q", c.key)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for key %q: %v", c.key, err)
			}
			if pk.Resource != c.resource || pk.Action != c.action || pk.Target != c.target {
				t.Errorf("parsed %+v, want resource=%q action=%q target=%q", pk, c.resource, c.action, c.target)
			}
			if pk.HasGlob != c.hasGlob {
				t.Errorf("HasGlob = %v, want %v", pk.HasGlob, c.hasGlob)
			}
		})
	}
}

func TestCanonicalPermissionsPayloadDeterministic(t *testing.T) {
	perms := map[string]PermissionMode{
		"net:fetch:example.com": PermissionAllow,
		"fs:read:./src/**":      PermissionAllow,
	}
	a, err := CanonicalPermissionsPayload(perms)
	if err != nil {
		t.Fatalf("CanonicalPermissionsPayload: %v", err)
	}
	b, err := CanonicalPermissionsPayload(perms)
	if err != nil {
		t.Fatalf("CanonicalPermissionsPayload: %v", err)
	}
	if string(a) != string(b) {
		t.Error("payload is not deterministic across calls")
	}

	var decoded map[string]string
	if err := json.Unmarshal(a, &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
}

func TestSignAndVerifyPermissions(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	perms := map[string]PermissionMode{
		"net:fetch:api.weather.example.com": PermissionAllow,
	}
	sig, err := SignPermissions(perms, priv)
	if err != nil {
		t.Fatalf("SignPermissions: %v", err)
	}

	data := `{
		"name": "weather-tools", "version": "1.0.0", "entry": "index.js",
		"functions": [{"name":"get_weather","returns":{"type":"object"}}],
		"permissions": {"net:fetch:api.weather.example.com": "allow"},
		"permissions_signature": "` + sig + `"
	}`

	cfg := VerifyConfig{TrustedPublicKeys: []ed25519.PublicKey{pub}}
	if _, err := ParseManifest([]byte(data), cfg); err != nil {
		t.Fatalf("expected valid signature to verify, got: %v", err)
	}

	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	untrustedCfg := VerifyConfig{TrustedPublicKeys: []ed25519.PublicKey{otherPub}}
	if _, err := ParseManifest([]byte(data), untrustedCfg); err == nil {
		t.Fatal("expected signature verification to fail against untrusted key")
	}
}

func TestRequirePermissionSignatureEnforced(t *testing.T) {
	data := `{
		"name": "x", "version": "1.0.0", "entry": "i.js",
		"functions": [{"name":"f","returns":{"type":"string"}}],
		"capabilities": ["time"]
	}`
	cfg := VerifyConfig{RequirePermissionSignature: true}
	_, err := ParseManifest([]byte(data), cfg)
	if err == nil {
		t.Fatal("expected error when signature is required but absent")
	}
	if !strings.Contains(err.Error(), "signature") {
		t.Errorf("error should mention signature, got: %v", err)
	}
}

func TestValidateTargetGlobRejectsMalformed(t *testing.T) {
	_, err := ParsePermissionKey("fs:read:[")
	if err == nil {
		t.Fatal("expected error for malformed glob target")
	}
}
