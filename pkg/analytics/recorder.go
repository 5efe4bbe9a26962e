// Package analytics fans engine observations out to metrics, the audit log,
// the event bus and live stream subscribers.
package analytics

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"admission/pkg/abuse"
	"admission/pkg/audit"
	"admission/pkg/category"
	"admission/pkg/circuit"
	"admission/pkg/engine"
	"admission/pkg/eventbus"
	"admission/pkg/metrics"
	"admission/pkg/slo"
	"admission/pkg/stream"
)

// AuditSink is satisfied by *audit.Writer.
type AuditSink interface {
	Append(ctx context.Context, rec audit.Record) error
}

type Config struct {
	Metrics *metrics.Registry
	Audit   AuditSink
	Bus     eventbus.Publisher
	Hub     *stream.Hub
	Logger  *zap.Logger
	// Source tags bus events with the emitting replica.
	Source string
	// Budgets, when set, is polled by Run to refresh error budget gauges.
	Budgets      func() []slo.Budget
	BudgetPeriod time.Duration
	Workers      int
	QueueSize    int
	SinkTimeout  time.Duration
}

type job struct {
	name string
	fn   func(context.Context) error
}

// Recorder implements engine.Recorder. Metrics and the stream hub are updated
// inline; audit rows and bus events go through a bounded queue drained by Run.
type Recorder struct {
	cfg     Config
	log     *zap.Logger
	queue   chan job
	dropped atomic.Int64
	failed  atomic.Int64
}

var _ engine.Recorder = (*Recorder)(nil)

func New(cfg Config) *Recorder {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 2 * time.Second
	}
	if cfg.BudgetPeriod <= 0 {
		cfg.BudgetPeriod = 15 * time.Second
	}
	return &Recorder{cfg: cfg, log: cfg.Logger, queue: make(chan job, cfg.QueueSize)}
}

func (r *Recorder) Metrics() *metrics.Registry { return r.cfg.Metrics }

// Dropped counts sink writes discarded because the queue was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Failed counts sink writes that returned an error.
func (r *Recorder) Failed() int64 { return r.failed.Load() }

// Run drains the sink queue until ctx ends, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case j := <-r.queue:
					r.exec(j)
				}
			}
		})
	}
	if r.cfg.Budgets != nil {
		g.Go(func() error {
			t := time.NewTicker(r.cfg.BudgetPeriod)
			defer t.Stop()
			for {
				r.refreshBudgets()
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
				}
			}
		})
	}
	err := g.Wait()
	r.drain()
	return err
}

func (r *Recorder) drain() {
	for {
		select {
		case j := <-r.queue:
			r.exec(j)
		default:
			return
		}
	}
}

func (r *Recorder) exec(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SinkTimeout)
	defer cancel()
	if err := j.fn(ctx); err != nil {
		r.failed.Add(1)
		r.log.Warn("analytics sink failed", zap.String("sink", j.name), zap.Error(err))
	}
}

func (r *Recorder) enqueue(name string, fn func(context.Context) error) {
	select {
	case r.queue <- job{name: name, fn: fn}:
	default:
		n := r.dropped.Add(1)
		r.cfg.Metrics.SetGauge("analytics_dropped", float64(n))
		if n == 1 || n%100 == 0 {
			r.log.Warn("analytics queue full", zap.String("sink", name), zap.Int64("dropped", n))
		}
	}
}

func (r *Recorder) publish(key, eventType string, at time.Time, data any) {
	if r.cfg.Bus == nil {
		return
	}
	env, err := eventbus.NewEnvelope(eventType, r.cfg.Source, at, data)
	if err != nil {
		r.log.Warn("event encode failed", zap.String("type", eventType), zap.Error(err))
		return
	}
	r.enqueue("bus:"+eventType, func(ctx context.Context) error {
		return r.cfg.Bus.Publish(ctx, key, env)
	})
}

func (r *Recorder) stream(eventType string, at time.Time, data any) {
	if r.cfg.Hub == nil {
		return
	}
	r.cfg.Hub.Publish(stream.NewEvent(eventType, at, data))
}

func (r *Recorder) Decision(_ context.Context, d engine.Decision) {
	outcome := Outcome(d)
	r.cfg.Metrics.ObserveDecision(string(d.Category), outcome, string(d.Kind), d.Latency)
	r.stream(stream.TypeDecision, d.At, d)
	if !d.Allowed {
		r.stream(stream.TypeDenial, d.At, d)
	}
	if r.cfg.Audit != nil && Audited(d) {
		rec := AuditRecord(d)
		r.enqueue("audit", func(ctx context.Context) error {
			return r.cfg.Audit.Append(ctx, rec)
		})
	}
}

func (r *Recorder) Degraded(_ context.Context, ev engine.DegradedEvent) {
	r.cfg.Metrics.IncDegraded(string(ev.Stage), ev.FailClosed)
	r.stream(stream.TypeDegraded, ev.At, ev)
	r.publish(ev.ClientID, eventbus.TypeDegraded, ev.At, ev)
}

func (r *Recorder) Patterns(_ context.Context, clientID string, patterns []abuse.Pattern) {
	for _, p := range patterns {
		r.cfg.Metrics.IncPattern(p.Type, string(p.Severity))
		r.stream(stream.TypePattern, p.DetectedAt, p)
		r.publish(clientID, eventbus.TypePattern, p.DetectedAt, p)
	}
}

func (r *Recorder) Outcome(_ context.Context, d engine.Decision, status int, latency time.Duration) {
	r.cfg.Metrics.ObserveUpstream(string(d.Category), status, latency)
}

func (r *Recorder) Alerts(_ context.Context, alerts []slo.Alert) {
	for _, a := range alerts {
		r.cfg.Metrics.IncAlert(a.SLO)
		r.cfg.Metrics.SetBudget(a.SLO, a.Remaining)
		r.stream(stream.TypeAlert, a.At, a)
		r.publish(a.SLO, eventbus.TypeAlert, a.At, a)
	}
}

func (r *Recorder) Stage(stage engine.Stage, elapsed time.Duration) {
	r.cfg.Metrics.ObserveStage(string(stage), elapsed)
}

type breakerChange struct {
	Endpoint string            `json:"endpoint"`
	Category category.Category `json:"category"`
	From     circuit.State     `json:"from"`
	To       circuit.State     `json:"to"`
}

func (r *Recorder) BreakerChanged(endpoint string, c category.Category, from, to circuit.State) {
	r.cfg.Metrics.SetBreaker(endpoint, string(to))
	ev := breakerChange{Endpoint: endpoint, Category: c, From: from, To: to}
	now := time.Now()
	r.stream(stream.TypeBreaker, now, ev)
	r.publish(endpoint, eventbus.TypeBreaker, now, ev)
}

func (r *Recorder) refreshBudgets() {
	for _, b := range r.cfg.Budgets() {
		r.cfg.Metrics.SetBudget(b.SLO, b.Remaining)
	}
	if r.cfg.Hub != nil {
		r.cfg.Metrics.SetGauge("stream_subscribers", float64(r.cfg.Hub.Subscribers()))
	}
}

// Outcome names what happened to a decision for metrics and audit.
func Outcome(d engine.Decision) string {
	switch {
	case !d.Allowed:
		return audit.OutcomeDenied
	case d.RateOverride:
		return audit.OutcomeOverride
	case d.Bypassed:
		return audit.OutcomeBypassed
	}
	return audit.OutcomeAllowed
}

// Audited reports whether a decision is written to the audit log: every
// denial, override and bypass, all PHI access, and anything carrying audit
// requirements.
func Audited(d engine.Decision) bool {
	return !d.Allowed || d.RateOverride || d.Bypassed ||
		d.Category == category.PHIOperation || len(d.AuditRequirements) > 0
}

type auditDetails struct {
	Operation      category.Operation `json:"operation"`
	Endpoint       string             `json:"endpoint"`
	Role           string             `json:"clinical_role,omitempty"`
	Country        string             `json:"country,omitempty"`
	TrustScore     float64            `json:"trust_score,omitempty"`
	RiskFactors    []string           `json:"risk_factors,omitempty"`
	Multiplier     float64            `json:"limit_multiplier,omitempty"`
	Limit          int                `json:"limit,omitempty"`
	BurstLimit     int                `json:"burst_limit,omitempty"`
	Remaining      int                `json:"remaining"`
	UsedBurst      bool               `json:"used_burst,omitempty"`
	ReadOnly       bool               `json:"read_only,omitempty"`
	OverriddenBy   engine.Stage       `json:"overridden_stage,omitempty"`
	OverrideReason string             `json:"override_reason,omitempty"`
	Patterns       []string           `json:"patterns,omitempty"`
	Degraded       []engine.Stage     `json:"degraded,omitempty"`
	LatencyMicros  int64              `json:"latency_us"`
}

func AuditRecord(d engine.Decision) audit.Record {
	det := auditDetails{
		Operation:      d.Operation,
		Endpoint:       d.Endpoint,
		Role:           d.Role,
		Country:        d.Country,
		Multiplier:     d.Multiplier,
		Limit:          d.Limit,
		BurstLimit:     d.BurstLimit,
		Remaining:      d.Remaining,
		UsedBurst:      d.UsedBurst,
		ReadOnly:       d.ReadOnly,
		OverriddenBy:   d.OverriddenBy,
		OverrideReason: d.OverrideReason,
		Degraded:       d.Degraded,
		LatencyMicros:  d.Latency.Microseconds(),
	}
	rec := audit.Record{
		DecisionID:        d.ID,
		ClientID:          d.ClientID,
		Tenant:            d.TenantID,
		Category:          string(d.Category),
		Method:            d.Method,
		Path:              d.Path,
		Outcome:           Outcome(d),
		Kind:              string(d.Kind),
		Reason:            d.Reason,
		Stage:             string(d.Stage),
		RateOverride:      d.RateOverride,
		AuditRequirements: d.AuditRequirements,
		CreatedAt:         d.At,
	}
	if d.Trust != nil {
		rec.TrustLevel = string(d.Trust.Level)
		det.TrustScore = d.Trust.Score
		det.RiskFactors = d.Trust.RiskFactors
	}
	for _, p := range d.Patterns {
		det.Patterns = append(det.Patterns, p.Type)
	}
	rec.Details, _ = json.Marshal(det)
	return rec
}
