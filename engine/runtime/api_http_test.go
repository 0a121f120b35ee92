package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pihost/engine/capability"
)

const httpAgentSource = `
	function doGet(args) { return http.get(args.url); }
	function doFetch(args) { return fetch(args.url); }
`

func httpGrant(hostGlob string) capability.Grant {
	return capability.NewBuilder().
		Allow(capability.NetFetch, capability.Scope{HostGlobs: []string{hostGlob}}).
		Freeze()
}

func newLoadedHTTPIsolate(t *testing.T, grant capability.Grant) *Isolate {
	t.Helper()
	a := NewAdapter()
	h, err := a.CreateIsolate(IsolateSpec{ExtensionName: "http-ext", Grant: grant})
	if err != nil {
		t.Fatalf("CreateIsolate: %v", err)
	}
	t.Cleanup(a.DropAll)

	shim := &ShimContext{ExtensionName: "http-ext", Grant: grant, AllowLoopback: true}
	if err := h.InjectGlobal(shim); err != nil {
		t.Fatalf("InjectGlobal: %v", err)
	}
	if err := h.EvalModule(httpAgentSource, "http-ext"); err != nil {
		t.Fatalf("EvalModule: %v", err)
	}
	return h
}

func TestHttpGetAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	h := newLoadedHTTPIsolate(t, httpGrant("127.0.0.1"))
	result, err := h.Call(context.Background(), "doGet", `{"url":"`+srv.URL+`"}`)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.Contains(result, "pong") {
		t.Errorf("result = %s, want body pong", result)
	}
	if !strings.Contains(result, `"status":200`) {
		t.Errorf("result = %s, want status 200", result)
	}
}

func TestHttpGetCapabilityDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer srv.Close()

	h := newLoadedHTTPIsolate(t, httpGrant("example.com"))
	_, err := h.Call(context.Background(), "doGet", `{"url":"`+srv.URL+`"}`)
	if err == nil {
		t.Fatal("expected capability denied error for unlisted host")
	}
}

func TestFetchFacade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(201)
		w.Write([]byte("created"))
	}))
	defer srv.Close()

	h := newLoadedHTTPIsolate(t, httpGrant("127.0.0.1"))
	result, err := h.Call(context.Background(), "doFetch", `{"url":"`+srv.URL+`"}`)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.Contains(result, `"status":201`) {
		t.Errorf("result = %s, want status 201", result)
	}
}

func TestValidateURLRejectsNonHTTPScheme(t *testing.T) {
	if err := validateURL("file:///etc/passwd", true); err == nil {
		t.Fatal("expected rejection of file:// scheme")
	}
}

func TestValidateURLBlocksLoopbackByDefault(t *testing.T) {
	if err := validateURL("http://127.0.0.1:8080/", false); err == nil {
		t.Fatal("expected loopback to be blocked when AllowLoopback is false")
	}
}
