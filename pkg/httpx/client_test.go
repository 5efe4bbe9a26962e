package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// step is one scripted transport reply.
type step struct {
	status  int
	body    string
	header  http.Header
	err     error
	badBody bool
}

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, errors.New("connection reset mid-body") }
func (brokenBody) Close() error             { return nil }

// scripted replays steps in order and repeats the last one.
type scripted struct {
	steps    []step
	attempts int
	seen     []*http.Request
}

func (s *scripted) RoundTrip(req *http.Request) (*http.Response, error) {
	st := s.steps[min(s.attempts, len(s.steps)-1)]
	s.attempts++
	s.seen = append(s.seen, req)
	if st.err != nil {
		return nil, st.err
	}
	resp := &http.Response{StatusCode: st.status, Header: st.header, Body: io.NopCloser(strings.NewReader(st.body))}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	if st.badBody {
		resp.Body = brokenBody{}
	}
	return resp, nil
}

func TestRequestJSONRetryPolicy(t *testing.T) {
	ok := step{status: http.StatusOK, body: `{"allowed":true}`}
	cases := []struct {
		name         string
		steps        []step
		retries      int
		wantStatus   int
		wantAttempts int
		wantErr      string
	}{
		{name: "5xx then ok", steps: []step{{status: http.StatusServiceUnavailable, body: `{"error":"STORE_UNAVAILABLE"}`}, ok}, retries: 1, wantStatus: 200, wantAttempts: 2},
		{name: "429 honours zero retry-after", steps: []step{{status: http.StatusTooManyRequests, header: http.Header{"Retry-After": {"0"}}}, ok}, retries: 2, wantStatus: 200, wantAttempts: 2},
		{name: "4xx is final", steps: []step{{status: http.StatusForbidden, body: `{"error":"ACCESS_DENIED"}`}}, retries: 3, wantStatus: 403, wantAttempts: 1},
		{name: "transport error then ok", steps: []step{{err: errors.New("dial tcp: refused")}, ok}, retries: 1, wantStatus: 200, wantAttempts: 2},
		{name: "body read error then ok", steps: []step{{status: 200, badBody: true}, ok}, retries: 1, wantStatus: 200, wantAttempts: 2},
		{name: "5xx exhausts retries", steps: []step{{status: http.StatusBadGateway}}, retries: 2, wantStatus: 502, wantAttempts: 3},
		{name: "negative retries means one try", steps: []step{{err: errors.New("dial tcp: refused")}}, retries: -3, wantErr: "refused", wantAttempts: 1},
		{name: "body read error exhausts", steps: []step{{status: 200, badBody: true}}, retries: 0, wantErr: "mid-body", wantAttempts: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt := &scripted{steps: tc.steps}
			status, _, err := RequestJSON(context.Background(), &http.Client{Transport: rt}, http.MethodGet, "http://gateway.test/v1/admin/breakers", nil, nil, tc.retries, 0)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected %q error, got %v", tc.wantErr, err)
				}
			} else if err != nil || status != tc.wantStatus {
				t.Fatalf("status=%d err=%v, want %d", status, err, tc.wantStatus)
			}
			if rt.attempts != tc.wantAttempts {
				t.Fatalf("attempts = %d, want %d", rt.attempts, tc.wantAttempts)
			}
		})
	}
}

func TestRequestJSONHeaders(t *testing.T) {
	rt := &scripted{steps: []step{{status: http.StatusCreated, body: `{}`}}}
	_, _, err := RequestJSON(context.Background(), &http.Client{Transport: rt}, http.MethodPost, "http://gateway.test/v1/admin/bypass",
		[]byte(`{"client_id":"user:7"}`), map[string]string{"X-Admin-Token": "t0k"}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	h := rt.seen[0].Header
	if h.Get("Content-Type") != "application/json" || h.Get("Accept") != "application/json" || h.Get("X-Admin-Token") != "t0k" {
		t.Fatalf("unexpected headers %v", h)
	}

	rt = &scripted{steps: []step{{status: http.StatusOK}}}
	if _, _, err := RequestJSON(context.Background(), &http.Client{Transport: rt}, http.MethodGet, "http://gateway.test/healthz", nil, nil, 0, 0); err != nil {
		t.Fatal(err)
	}
	if rt.seen[0].Header.Get("Content-Type") != "" {
		t.Fatal("bodyless request should not claim a JSON body")
	}
}

func TestRequestJSONDefaultClientAndBadMethod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	if status, _, err := RequestJSON(context.Background(), nil, http.MethodDelete, srv.URL, nil, nil, 0, 0); err != nil || status != http.StatusNoContent {
		t.Fatalf("status=%d err=%v", status, err)
	}
	if _, _, err := RequestJSON(context.Background(), nil, "NOT A METHOD", srv.URL, nil, nil, 0, 0); err == nil {
		t.Fatal("expected request build error")
	}
}

func TestRequestJSONStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &scripted{steps: []step{{status: http.StatusServiceUnavailable}}}
	client := &http.Client{Transport: roundTripper(func(req *http.Request) (*http.Response, error) {
		cancel()
		return rt.RoundTrip(req)
	})}
	status, _, err := RequestJSON(ctx, client, http.MethodGet, "http://gateway.test/readyz", nil, nil, 3, time.Second)
	if err != nil || status != http.StatusServiceUnavailable || rt.attempts != 1 {
		t.Fatalf("expected the last response after one attempt: status=%d attempts=%d err=%v", status, rt.attempts, err)
	}
}

type roundTripper func(*http.Request) (*http.Response, error)

func (f roundTripper) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestRetryAfterParsing(t *testing.T) {
	cases := map[string]time.Duration{
		"2":                             2 * time.Second,
		"600":                           maxRetryAfter,
		"-1":                            0,
		"":                              0,
		"Wed, 21 Oct 2026 07:28:00 GMT": 0,
	}
	for raw, want := range cases {
		if got := retryAfter(http.Header{"Retry-After": {raw}}); got != want {
			t.Errorf("Retry-After %q: got %s, want %s", raw, got, want)
		}
	}
}

func TestClientDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer admin-token" && r.Header.Get("X-Admin-Token") != "static" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		switch r.URL.Path {
		case "/v1/admin/bypass":
			body, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(body), `"client_id":"user:42"`) {
				t.Errorf("unexpected body: %s", body)
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"token":"tok-1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found","reason":"no such route"}`))
		}
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL + "/", Token: "admin-token", HTTP: srv.Client()}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.Do(context.Background(), http.MethodPost, "/v1/admin/bypass", map[string]string{"client_id": "user:42"}, &out); err != nil {
		t.Fatalf("do: %v", err)
	}
	if out.Token != "tok-1" {
		t.Fatalf("unexpected token %q", out.Token)
	}

	err := c.Do(context.Background(), http.MethodGet, "v1/admin/missing", nil, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound || se.Message != "no such route" {
		t.Fatalf("expected status error, got %v", err)
	}

	c.Token = ""
	c.AdminToken = "static"
	if err := c.Do(context.Background(), http.MethodPost, "/v1/admin/bypass", map[string]string{"client_id": "user:42"}, nil); err != nil {
		t.Fatalf("admin token: %v", err)
	}

	c.AdminToken = ""
	if err := c.Do(context.Background(), http.MethodGet, "/v1/admin/bypass", nil, nil); !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}
