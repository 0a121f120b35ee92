package runtime

import (
	"context"
	"strings"
	"testing"

	"pihost/engine/capability"
)

const processAgentSource = `
	function run(args) { return child_process.spawn(args.command, args.argv); }
`

func TestProcessSpawnAllowed(t *testing.T) {
	grant := capability.NewBuilder().
		Allow(capability.ProcessSpawn, capability.Scope{Commands: []string{"echo"}}).
		Freeze()
	_, h := newLoadedIsolate(t, "proc-ext", grant, processAgentSource)

	result, err := h.Call(context.Background(), "run", `{"command":"echo","argv":["hi"]}`)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.Contains(result, "hi") {
		t.Errorf("result = %s, want stdout containing hi", result)
	}
	if !strings.Contains(result, `"exitCode":0`) {
		t.Errorf("result = %s, want exitCode 0", result)
	}
}

func TestProcessSpawnCapabilityDenied(t *testing.T) {
	grant := capability.NewBuilder().
		Allow(capability.ProcessSpawn, capability.Scope{Commands: []string{"ls"}}).
		Freeze()
	_, h := newLoadedIsolate(t, "proc-ext", grant, processAgentSource)

	_, err := h.Call(context.Background(), "run", `{"command":"rm","argv":["-rf","/"]}`)
	if err == nil {
		t.Fatal("expected capability denied for an unlisted command")
	}
}
