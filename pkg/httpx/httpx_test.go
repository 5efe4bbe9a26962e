package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestWriteJSONAndError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusCreated, map[string]any{"ok": true, "count": 2})
	if rr.Code != http.StatusCreated || rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected response %d %q", rr.Code, rr.Header().Get("Content-Type"))
	}
	if body := decodeBody(t, rr); body["ok"] != true || body["count"] != float64(2) {
		t.Fatalf("unexpected body %v", body)
	}

	rr = httptest.NewRecorder()
	Error(rr, http.StatusTooManyRequests, "rate limit exceeded")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); len(body) != 1 || body["error"] != "rate limit exceeded" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeadersMiddleware(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	for _, kv := range securityHeaders {
		if got := rr.Header().Get(kv[0]); got != kv[1] {
			t.Fatalf("%s = %q, want %q", kv[0], got, kv[1])
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     string
		method      string
		origin      string
		preflight   string
		wantStatus  int
		wantOrigin  string
		wantMethods bool
	}{
		{"no origin passes through", "https://console.example.com", http.MethodGet, "", "", http.StatusOK, "", false},
		{"listed origin", "https://console.example.com", http.MethodGet, "https://console.example.com", "", http.StatusOK, "https://console.example.com", false},
		{"unlisted origin simple request", "https://console.example.com", http.MethodGet, "https://evil.example.com", "", http.StatusOK, "", false},
		{"unlisted origin preflight", "https://console.example.com", http.MethodOptions, "https://evil.example.com", "POST", http.StatusForbidden, "", false},
		{"listed origin preflight", " https://console.example.com , ", http.MethodOptions, "https://console.example.com", "PUT", http.StatusNoContent, "https://console.example.com", true},
		{"wildcard", "*", http.MethodOptions, "https://any.example.com", "DELETE", http.StatusNoContent, "https://any.example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/v1/admin/lists/blacklist", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight != "" {
				req.Header.Set("Access-Control-Request-Method", tt.preflight)
			}
			rr := httptest.NewRecorder()
			CORSMiddleware(tt.allowed)(okHandler()).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("allow-origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rr.Header().Get("Access-Control-Allow-Methods") != ""; got != tt.wantMethods {
				t.Fatalf("allow-methods present = %v, want %v", got, tt.wantMethods)
			}
			if tt.wantOrigin != "" && !strings.Contains(rr.Header().Get("Access-Control-Expose-Headers"), "X-RateLimit-Remaining") {
				t.Fatalf("rate limit headers not exposed: %q", rr.Header().Get("Access-Control-Expose-Headers"))
			}
		})
	}
}

func TestCORSPreflightEchoesRequestedHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "X-Custom")
	rr := httptest.NewRecorder()
	CORSMiddleware("https://console.example.com")(okHandler()).ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Headers"); got != "X-Custom" {
		t.Fatalf("allow-headers = %q", got)
	}

	req.Header.Del("Access-Control-Request-Headers")
	rr = httptest.NewRecorder()
	CORSMiddleware("https://console.example.com")(okHandler()).ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-RateLimit-Bypass") {
		t.Fatalf("default allow-headers = %q", got)
	}
}

func TestClientIPResolver(t *testing.T) {
	r, err := NewClientIPResolver("10.0.0.0/8, 192.168.1.10")
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"untrusted peer ignores header", "203.0.113.9:4000", "1.2.3.4", "203.0.113.9"},
		{"trusted peer uses right-most untrusted hop", "10.1.2.3:4000", "1.2.3.4, 198.51.100.7, 10.0.0.5", "198.51.100.7"},
		{"bare trusted address", "192.168.1.10:80", "198.51.100.8", "198.51.100.8"},
		{"all hops trusted falls back to peer", "10.1.2.3:4000", "10.0.0.9", "10.1.2.3"},
		{"garbage hops skipped", "10.1.2.3:4000", "nope, 198.51.100.9", "198.51.100.9"},
		{"mapped ipv4 unwrapped", "[::ffff:203.0.113.4]:80", "", "203.0.113.4"},
		{"unparseable remote returned as is", "pipe", "", "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := r.ClientIP(req); got != tt.want {
				t.Fatalf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}

	for _, bad := range []string{"not-an-ip", "10.0.0.0/99"} {
		if _, err := NewClientIPResolver(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestClientIPResolverPeerReportsRelay(t *testing.T) {
	r, err := NewClientIPResolver("10.0.0.0/8")
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	tests := []struct {
		remote      string
		wantIP      string
		wantRelayed bool
	}{
		{"10.1.2.3:4000", "198.51.100.7", true},
		{"203.0.113.9:4000", "203.0.113.9", false},
		{"pipe", "pipe", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		req.Header.Set("X-Forwarded-For", "198.51.100.7")
		ip, relayed := r.Peer(req)
		if ip != tt.wantIP || relayed != tt.wantRelayed {
			t.Fatalf("Peer(%s) = %q, %v; want %q, %v", tt.remote, ip, relayed, tt.wantIP, tt.wantRelayed)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		ClientID string `json:"client_id"`
	}
	tests := []struct {
		name    string
		payload string
		limit   int64
		wantErr string
	}{
		{"valid", `{"client_id":"user:1"}`, 0, ""},
		{"unknown field", `{"other":1}`, 0, "unknown field"},
		{"trailing object", `{"client_id":"a"} {"client_id":"b"}`, 0, "trailing data"},
		{"over limit", `{"client_id":"` + strings.Repeat("x", 64) + `"}`, 16, "invalid json body"},
		{"not json", `client_id=1`, 0, "invalid json body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v body
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.payload))
			err := DecodeJSON(req, tt.limit, &v)
			if tt.wantErr == "" {
				if err != nil || v.ClientID != "user:1" {
					t.Fatalf("decode: %+v err=%v", v, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestErrorBodyIsValidJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	Error(rr, http.StatusForbidden, `quote " inside`)
	if got := decodeBody(t, rr)["error"]; got != `quote " inside` {
		t.Fatalf("error = %v", got)
	}
}
