package engine

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"admission/pkg/auth"
	"admission/pkg/httpx"
	"admission/pkg/slo"
)

type decisionKey struct{}

func WithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(Decision)
	return d, ok
}

// RequestFromHTTP extracts the engine input from r. The principal is taken
// from the context populated by auth.Middleware.
func RequestFromHTTP(r *http.Request, ip string) Request {
	req := Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Header:    r.Header,
		RemoteIP:  ip,
		BodyBytes: r.ContentLength,
	}
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		req.Principal = &p
	}
	return req
}

// PeerFunc returns the client address of r and whether r arrived through a
// trusted proxy.
type PeerFunc func(r *http.Request) (ip string, relayed bool)

// Middleware admits every request before next runs and feeds the response
// status back into the breakers, the abuse detector and the SLO tracker.
func (e *Engine) Middleware(peer PeerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			ip, relayed := peer(r)
			req := RequestFromHTTP(r, ip)
			req.TrustedRelay = relayed
			d := e.Admit(r.Context(), req)
			WriteHeaders(w.Header(), d)
			if !d.Allowed {
				WriteDenial(w, d)
				e.RecordOutcome(r.Context(), d, d.Kind.Status(), time.Since(began))
				return
			}
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(WithDecision(r.Context(), d)))
			e.RecordOutcome(r.Context(), d, rw.status, time.Since(began))
		})
	}
}

func WriteHeaders(h http.Header, d Decision) {
	h.Set("X-Decision-ID", d.ID)
	if d.Limit > 0 {
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
	}
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if d.HasCost {
		h.Set("X-RateLimit-Cost-Remaining", strconv.FormatInt(d.CostRemaining, 10))
	}
	if d.ReadOnly {
		h.Set("X-Access-Mode", "read-only")
	}
	if !d.Allowed && d.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(int(d.RetryAfter/time.Second)))
	}
}

func WriteDenial(w http.ResponseWriter, d Decision) {
	body := map[string]any{
		"error":       d.Kind,
		"reason":      d.Message(),
		"decision_id": d.ID,
	}
	if d.RetryAfter > 0 {
		body["retry_after_seconds"] = int(d.RetryAfter / time.Second)
	}
	httpx.WriteJSON(w, d.Kind.Status(), body)
}

// RecordOutcome closes the loop after the response is known. Breakers only
// see requests that reached the backend.
func (e *Engine) RecordOutcome(ctx context.Context, d Decision, status int, latency time.Duration) {
	if d.Allowed {
		e.breakers.Record(d.Endpoint, d.Category, status < http.StatusInternalServerError)
	}
	if d.ClientID != "" {
		e.detector.RecordOutcome(d.ClientID, d.Path, status, status == http.StatusUnauthorized)
	}
	sctx, cancel := e.bounded(ctx)
	alerts := e.slos.Record(sctx, slo.Event{
		Category: d.Category,
		Endpoint: d.Endpoint,
		Success:  status < http.StatusInternalServerError,
		Latency:  latency,
	})
	cancel()
	for _, a := range alerts {
		e.log.Warn("error budget exhausted",
			zap.String("slo", a.SLO),
			zap.Float64("remaining_budget", a.Remaining),
			zap.Int64("events", a.Events))
	}
	if len(alerts) > 0 {
		e.rec.Alerts(ctx, alerts)
	}
	e.rec.Outcome(ctx, d, status, latency)
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
