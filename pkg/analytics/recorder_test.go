package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"admission/pkg/abuse"
	"admission/pkg/audit"
	"admission/pkg/category"
	"admission/pkg/circuit"
	"admission/pkg/engine"
	"admission/pkg/eventbus"
	"admission/pkg/slo"
	"admission/pkg/stream"
	"admission/pkg/trust"
)

var at = time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)

type memAudit struct {
	mu   sync.Mutex
	recs []audit.Record
	err  error
}

func (m *memAudit) Append(_ context.Context, rec audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memAudit) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

type memBus struct {
	mu   sync.Mutex
	keys []string
	envs []eventbus.Envelope
}

func (b *memBus) Publish(_ context.Context, key string, env eventbus.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, key)
	b.envs = append(b.envs, env)
	return nil
}

func (b *memBus) Close() error { return nil }

func (b *memBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.envs))
	for _, e := range b.envs {
		out = append(out, e.Type)
	}
	return out
}

func start(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func denied() engine.Decision {
	return engine.Decision{
		ID:        "d-1",
		Kind:      engine.RateLimitExceeded,
		Reason:    "rate limit exceeded",
		Stage:     engine.StageWindow,
		Category:  category.Public,
		Operation: category.OpRead,
		Method:    "GET",
		Path:      "/api/public/status",
		Endpoint:  "GET /api/public/status",
		ClientID:  "ip:198.51.100.7",
		Limit:     10,
		Trust:     &trust.Assessment{Level: trust.Medium, Score: 0.6, RiskFactors: []string{trust.RiskUnknownDevice}},
		At:        at,
		Latency:   300 * time.Microsecond,
	}
}

func TestDecisionFanOut(t *testing.T) {
	sink := &memAudit{}
	hub := stream.NewHub()
	sub := hub.Subscribe(8)
	r := New(Config{Audit: sink, Hub: hub, Logger: zaptest.NewLogger(t)})
	start(t, r)

	r.Decision(context.Background(), denied())
	allowed := denied()
	allowed.ID, allowed.Allowed, allowed.Kind = "d-2", true, engine.KindNone
	r.Decision(context.Background(), allowed)

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	rec := sink.recs[0]
	require.Equal(t, "d-1", rec.DecisionID)
	require.Equal(t, audit.OutcomeDenied, rec.Outcome)
	require.Equal(t, "MEDIUM", rec.TrustLevel)
	var det map[string]any
	require.NoError(t, json.Unmarshal(rec.Details, &det))
	require.Equal(t, "GET /api/public/status", det["endpoint"])
	require.EqualValues(t, 300, det["latency_us"])

	var types []string
	for len(sub.C) > 0 {
		types = append(types, (<-sub.C).Type)
	}
	require.Equal(t, []string{stream.TypeDecision, stream.TypeDenial, stream.TypeDecision}, types)

	snap := r.Metrics().Snapshot()
	require.EqualValues(t, 2, snap.Categories[string(category.Public)].Decisions)
	require.EqualValues(t, 1, snap.Reasons[string(engine.RateLimitExceeded)])
}

func TestAuditedSelection(t *testing.T) {
	base := engine.Decision{Allowed: true, Category: category.Public}
	require.False(t, Audited(base))

	phi := base
	phi.Category = category.PHIOperation
	require.True(t, Audited(phi))

	override := base
	override.RateOverride = true
	require.True(t, Audited(override))
	require.Equal(t, audit.OutcomeOverride, Outcome(override))

	bypass := base
	bypass.Bypassed = true
	require.True(t, Audited(bypass))
	require.Equal(t, audit.OutcomeBypassed, Outcome(bypass))

	flagged := base
	flagged.AuditRequirements = []string{"after_hours_access"}
	require.True(t, Audited(flagged))
	require.Equal(t, audit.OutcomeAllowed, Outcome(flagged))
}

func TestEventsReachBus(t *testing.T) {
	bus := &memBus{}
	r := New(Config{Bus: bus, Source: "gw-1"})
	start(t, r)

	ctx := context.Background()
	r.Degraded(ctx, engine.DegradedEvent{Stage: engine.StageWindow, ClientID: "user:1", At: at})
	r.Patterns(ctx, "ip:10.0.0.1", []abuse.Pattern{{Type: "ddos", Severity: abuse.SeverityCritical, DetectedAt: at}})
	r.Alerts(ctx, []slo.Alert{{SLO: "admission-availability", Remaining: -0.1, At: at}})
	r.BreakerChanged("GET /api/patients/:id", category.PHIOperation, circuit.Closed, circuit.Open)

	require.Eventually(t, func() bool { return len(bus.types()) == 4 }, 2*time.Second, 10*time.Millisecond)
	require.ElementsMatch(t, []string{eventbus.TypeDegraded, eventbus.TypePattern, eventbus.TypeAlert, eventbus.TypeBreaker}, bus.types())
	for _, env := range bus.envs {
		require.Equal(t, "gw-1", env.Source)
	}

	snap := r.Metrics().Snapshot()
	require.EqualValues(t, 1, snap.Degraded["window|open"])
	require.EqualValues(t, 1, snap.Patterns["ddos"])
	require.Equal(t, "OPEN", snap.Breakers["GET /api/patients/:id"])
	require.InDelta(t, -0.1, snap.BudgetRemaining["admission-availability"], 1e-9)
}

func TestQueueOverflowDrops(t *testing.T) {
	sink := &memAudit{}
	r := New(Config{Audit: sink, QueueSize: 2})
	for i := 0; i < 5; i++ {
		r.Decision(context.Background(), denied())
	}
	require.EqualValues(t, 3, r.Dropped())
	require.EqualValues(t, 3, r.Metrics().Snapshot().Gauges["analytics_dropped"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))
	require.Equal(t, 2, sink.count())
}

func TestSinkFailuresCounted(t *testing.T) {
	sink := &memAudit{err: errors.New("db down")}
	r := New(Config{Audit: sink})
	r.Decision(context.Background(), denied())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))
	require.EqualValues(t, 1, r.Failed())
}

func TestBudgetRefresh(t *testing.T) {
	hub := stream.NewHub()
	sub := hub.Subscribe(1)
	defer hub.Unsubscribe(sub)
	r := New(Config{
		Hub:          hub,
		Budgets:      func() []slo.Budget { return []slo.Budget{{SLO: "phi-latency", Remaining: 0.75}} },
		BudgetPeriod: 10 * time.Millisecond,
	})
	start(t, r)
	require.Eventually(t, func() bool {
		snap := r.Metrics().Snapshot()
		return snap.BudgetRemaining["phi-latency"] == 0.75 && snap.Gauges["stream_subscribers"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuditRecordCarriesPatternsAndOverrides(t *testing.T) {
	d := denied()
	d.Allowed, d.Kind = true, engine.KindNone
	d.RateOverride = true
	d.OverriddenBy = engine.StageWindow
	d.OverrideReason = "crisis emergency override"
	d.Patterns = []abuse.Pattern{{Type: "credential_stuffing"}}
	d.AuditRequirements = []string{"enhanced_audit"}

	rec := AuditRecord(d)
	require.True(t, rec.RateOverride)
	require.Equal(t, audit.OutcomeOverride, rec.Outcome)
	require.Equal(t, "ip:198.51.100.7", rec.ClientID)
	require.Equal(t, []string{"enhanced_audit"}, rec.AuditRequirements)
	var det auditDetails
	require.NoError(t, json.Unmarshal(rec.Details, &det))
	require.Equal(t, []string{"credential_stuffing"}, det.Patterns)
	require.Equal(t, engine.StageWindow, det.OverriddenBy)
}
