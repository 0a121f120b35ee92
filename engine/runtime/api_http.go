package runtime

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	v8 "rogchap.com/v8go"

	"pihost/engine/capability"
)

const httpRequestTimeout = 30 * time.Second
const maxResponseBytes = 10 << 20 // 10 MB

// injectHttpAPI registers http.get, http.post, and a fetch() facade over
// the same request path, gated by the net.fetch capability.
func injectHttpAPI(iso *v8.Isolate, global *v8.ObjectTemplate, shim *ShimContext) error {
	httpNs := v8.NewObjectTemplate(iso)

	getFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		rawURL, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "http.get: "+err.Error())
		}

		headers := extractHeaders(info, v8ctx)
		result, err := doHTTPRequest("GET", rawURL, "", headers, shim)
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("http.get: %s", err))
		}

		val, err := toJSObject(v8iso, v8ctx, result)
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("http.get: create value: %s", err))
		}
		return val
	})
	if err := httpNs.Set("get", getFn, v8.ReadOnly); err != nil {
		return fmt.Errorf("set http.get: %w", err)
	}

	postFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		rawURL, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "http.post: "+err.Error())
		}
		body, err := argString(info, 1)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "http.post: "+err.Error())
		}

		headers := extractHeaders(info, v8ctx)
		result, err := doHTTPRequest("POST", rawURL, body, headers, shim)
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("http.post: %s", err))
		}

		val, err := toJSObject(v8iso, v8ctx, result)
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("http.post: create value: %s", err))
		}
		return val
	})
	if err := httpNs.Set("post", postFn, v8.ReadOnly); err != nil {
		return fmt.Errorf("set http.post: %w", err)
	}

	if err := global.Set("http", httpNs, v8.ReadOnly); err != nil {
		return fmt.Errorf("set http namespace: %w", err)
	}

	// fetch(url, {method, body, headers}) → {status, body, headers}
	fetchFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v8ctx := info.Context()
		v8iso := v8ctx.Isolate()

		rawURL, err := argString(info, 0)
		if err != nil {
			return throwJSError(v8iso, v8ctx, "fetch: "+err.Error())
		}

		method := "GET"
		var opts struct {
			Method  string            `json:"method"`
			Body    string            `json:"body"`
			Headers map[string]string `json:"headers"`
		}
		args := info.Args()
		if len(args) > 1 && args[1].IsObject() {
			if raw, err := v8.JSONStringify(v8ctx, args[1]); err == nil {
				_ = json.Unmarshal([]byte(raw), &opts)
			}
		}
		if opts.Method != "" {
			method = strings.ToUpper(opts.Method)
		}
		body, headers := opts.Body, opts.Headers

		result, err := doHTTPRequest(method, rawURL, body, headers, shim)
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("fetch: %s", err))
		}

		val, err := toJSObject(v8iso, v8ctx, result)
		if err != nil {
			return throwJSError(v8iso, v8ctx, fmt.Sprintf("fetch: create value: %s", err))
		}
		return val
	})
	if err := global.Set("fetch", fetchFn, v8.ReadOnly); err != nil {
		return fmt.Errorf("set fetch: %w", err)
	}

	return nil
}

// extractHeaders finds the last object-typed argument and decodes it as a
// flat string map of request headers.
func extractHeaders(info *v8.FunctionCallbackInfo, v8ctx *v8.Context) map[string]string {
	args := info.Args()
	for i := len(args) - 1; i >= 1; i-- {
		v := args[i]
		if v.IsUndefined() || v.IsNull() || v.IsString() {
			continue
		}
		if v.IsObject() {
			headers, err := jsValueToStringMap(v8ctx, v)
			if err == nil {
				return headers
			}
		}
	}
	return nil
}

// validateURL rejects non-http(s) schemes and, unless allowLoopback is set,
// private/loopback/link-local destinations (SSRF hardening).
func validateURL(rawURL string, allowLoopback bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported URL scheme %q (only http and https allowed)", u.Scheme)
	}
	if !allowLoopback {
		host := u.Hostname()
		if ip := net.ParseIP(host); ip != nil {
			if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
				return fmt.Errorf("requests to private/loopback/link-local address %s blocked", ip)
			}
		}
	}
	return nil
}

// doHTTPRequest performs an HTTP request after checking the net.fetch
// capability on both the initial target and every redirect hop.
func doHTTPRequest(method, rawURL, body string, headers map[string]string, shim *ShimContext) (map[string]any, error) {
	if err := validateURL(rawURL, shim.AllowLoopback); err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if err := checkCapability(shim, capability.NetFetch, u.Hostname()); err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, rawURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: httpRequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			target := req.URL
			if err := validateURL(target.String(), shim.AllowLoopback); err != nil {
				return fmt.Errorf("redirect to %s blocked: %w", target, err)
			}
			if err := checkCapability(shim, capability.NetFetch, target.Hostname()); err != nil {
				return fmt.Errorf("redirect to %s blocked: %w", target, err)
			}
			return nil
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	respHeaders := make(map[string]any)
	for k, v := range resp.Header {
		if len(v) == 1 {
			respHeaders[strings.ToLower(k)] = v[0]
		} else {
			respHeaders[strings.ToLower(k)] = strings.Join(v, ", ")
		}
	}

	return map[string]any{
		"status":  resp.StatusCode,
		"body":    string(respBody),
		"headers": respHeaders,
	}, nil
}
