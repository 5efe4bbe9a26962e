// Package engine runs the admission pipeline: classification, access lists and
// bypass tokens, zero-trust assessment, PHI compliance, circuit breaking,
// geographic rules, abuse detection and the rate stages (token bucket, cost,
// quota, window). Each stage either lets the request continue or writes a deny
// into the Decision and stops the pass.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"admission/pkg/abuse"
	"admission/pkg/access"
	"admission/pkg/auth"
	"admission/pkg/category"
	"admission/pkg/circuit"
	"admission/pkg/clock"
	"admission/pkg/compliance"
	"admission/pkg/geo"
	"admission/pkg/quota"
	"admission/pkg/ratelimit"
	"admission/pkg/slo"
	"admission/pkg/store"
	"admission/pkg/telemetry"
	"admission/pkg/trust"
)

const (
	BypassHeader        = "X-RateLimit-Bypass"
	DefaultStoreTimeout = 50 * time.Millisecond
)

type Algorithm string

const (
	FixedWindow   Algorithm = "fixed"
	SlidingWindow Algorithm = "sliding"
)

type Options struct {
	Store    store.Store
	Clock    clock.Clock
	Logger   *zap.Logger
	Recorder Recorder

	Rules  []category.Rule
	Limits category.Table
	Costs  []quota.OperationCost
	Quotas map[category.Category]map[quota.Period]int64

	Trust      trust.Config
	Compliance compliance.Config
	Breaker    circuit.Options
	Resolver   geo.Resolver
	GeoRules   []geo.Rule
	Abuse      abuse.Thresholds
	SLOs       []slo.SLO

	Algorithm     Algorithm
	DisableBucket bool
	// StoreTimeout bounds every store round trip of a stage.
	StoreTimeout time.Duration
	// HashSalt salts client ids before they reach logs.
	HashSalt string
}

type Engine struct {
	store   store.Store
	clock   clock.Clock
	log     *zap.Logger
	rec     Recorder
	tracer  trace.Tracer
	timeout time.Duration
	salt    string

	classifier *category.Classifier
	limits     category.Table
	gate       *access.Gate
	assessor   *trust.Assessor
	trustCache *trust.Cache
	devices    *trust.Devices
	locations  *trust.Locations
	compliance *compliance.Gate
	breakers   *circuit.Registry
	resolver   geo.Resolver
	geoRules   geo.Rules
	detector   *abuse.Detector
	bucket     *ratelimit.TokenBucket
	window     ratelimit.Limiter
	quotas     *quota.Manager
	slos       *slo.Tracker
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	c := clock.OrReal(opts.Clock)
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	rec := opts.Recorder
	if rec == nil {
		rec = NopRecorder{}
	}
	timeout := opts.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	classifier, err := category.NewClassifier(opts.Rules)
	if err != nil {
		return nil, fmt.Errorf("engine: classifier: %w", err)
	}
	limits := category.DefaultTable().Merge(opts.Limits)
	tracker, err := slo.NewTracker(opts.SLOs, opts.Store, c)
	if err != nil {
		return nil, fmt.Errorf("engine: slo: %w", err)
	}
	assessor := trust.NewAssessor(opts.Trust, c)

	e := &Engine{
		store:      opts.Store,
		clock:      c,
		log:        log,
		rec:        rec,
		tracer:     telemetry.Tracer(),
		timeout:    timeout,
		salt:       opts.HashSalt,
		classifier: classifier,
		limits:     limits,
		gate:       access.NewGate(opts.Store, c),
		assessor:   assessor,
		trustCache: trust.NewCache(opts.Store, c),
		devices:    trust.NewDevices(opts.Store, c),
		locations:  trust.NewLocations(opts.Store, 0),
		compliance: compliance.NewGate(opts.Compliance, assessor.CountryApproved),
		breakers:   circuit.NewRegistry(opts.Breaker, c),
		resolver:   opts.Resolver,
		geoRules:   geo.NewRules(opts.GeoRules),
		detector:   abuse.NewDetector(opts.Abuse, c),
		quotas:     quota.NewManager(opts.Store, c, quota.Options{Limits: limits, Operations: opts.Costs, Quotas: opts.Quotas}),
		slos:       tracker,
	}
	if !opts.DisableBucket {
		e.bucket = ratelimit.NewTokenBucket(opts.Store, c)
	}
	switch opts.Algorithm {
	case "", FixedWindow:
		e.window = ratelimit.NewFixedWindow(opts.Store, c)
	case SlidingWindow:
		e.window = ratelimit.NewSlidingWindow(opts.Store, c)
	default:
		return nil, fmt.Errorf("engine: unknown window algorithm %q", opts.Algorithm)
	}
	e.breakers.OnChange = func(endpoint string, cat category.Category, from, to circuit.State) {
		e.log.Warn("circuit breaker transition",
			zap.String("endpoint", endpoint),
			zap.String("category", string(cat)),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		rec.BreakerChanged(endpoint, cat, from, to)
	}
	return e, nil
}

func (e *Engine) Gate() *access.Gate { return e.gate }

func (e *Engine) Breakers() *circuit.Registry { return e.breakers }

func (e *Engine) Quotas() *quota.Manager { return e.quotas }

func (e *Engine) Devices() *trust.Devices { return e.devices }

func (e *Engine) TrustCache() *trust.Cache { return e.trustCache }

func (e *Engine) SLOs() *slo.Tracker { return e.slos }

func (e *Engine) Detector() *abuse.Detector { return e.detector }

func (e *Engine) Classifier() *category.Classifier { return e.classifier }

func (e *Engine) Limits() category.Table { return e.limits }

// Request carries what the engine reads from an inbound HTTP request.
type Request struct {
	Method    string
	Path      string
	Header    http.Header
	RemoteIP  string
	BodyBytes int64
	Principal *auth.Principal
	// TrustedRelay is set when the request reached the gateway through a
	// trusted proxy.
	TrustedRelay bool
}

// pass is the per-request accumulator threaded through the stages.
type pass struct {
	req Request
	d   Decision
	id  access.ClientIdentity

	loc     geo.Location
	located bool
	rule    geo.Rule
	hasRule bool

	limit     int
	burst     int
	burstMult float64
	window    time.Duration
	crisis    bool
}

type stageFunc func(context.Context, *pass) bool

// Admit runs the pipeline for one request. Denials are values; Admit never
// returns an error. Store calls are detached from ctx cancellation so that
// counters already in flight still land.
func (e *Engine) Admit(ctx context.Context, req Request) Decision {
	start := e.clock.Now()
	began := time.Now()
	ctx, span := e.tracer.Start(ctx, "admission.admit")
	defer span.End()

	if req.Header == nil {
		req.Header = http.Header{}
	}
	p := &pass{req: req, d: Decision{
		ID:       uuid.NewString(),
		Allowed:  true,
		Method:   req.Method,
		Path:     req.Path,
		Endpoint: EndpointKey(req.Path),
		At:       start,
	}}

	e.run(ctx, p, []namedStage{
		{StageClassify, e.classify},
		{StageAccess, e.checkAccess},
		{StageBypass, e.checkBypass},
		{StageTrust, e.assessTrust},
		{StageCompliance, e.checkCompliance},
		{StageCircuit, e.checkCircuit},
		{StageGeo, e.checkGeo},
		{StageAbuse, e.checkAbuse},
	})
	if p.d.Allowed && !p.d.Bypassed {
		e.plan(p)
		rate := []namedStage{}
		if e.bucket != nil {
			rate = append(rate, namedStage{StageBucket, e.takeToken})
		}
		rate = append(rate,
			namedStage{StageCost, e.checkCost},
			namedStage{StageQuota, e.checkQuota},
			namedStage{StageWindow, e.checkWindow},
		)
		e.run(ctx, p, rate)
	}

	d := p.d
	d.Latency = time.Since(began)
	telemetry.AnnotateDecision(span, string(d.Category), d.Allowed, string(d.Kind), string(d.Stage))
	e.rec.Decision(ctx, d)
	switch {
	case !d.Allowed:
		e.log.Info("request denied",
			zap.String("decision_id", d.ID),
			zap.String("category", string(d.Category)),
			zap.String("client_hash", e.hashClient(d.ClientID)),
			zap.String("stage", string(d.Stage)),
			zap.String("kind", string(d.Kind)),
			zap.String("reason", d.Reason))
	case d.RateOverride:
		e.log.Warn("crisis rate override",
			zap.String("decision_id", d.ID),
			zap.String("client_hash", e.hashClient(d.ClientID)),
			zap.String("overridden_stage", string(d.OverriddenBy)))
	}
	return d
}

type namedStage struct {
	stage Stage
	fn    stageFunc
}

func (e *Engine) run(ctx context.Context, p *pass, stages []namedStage) {
	for _, s := range stages {
		sctx, span := telemetry.StartStage(ctx, e.tracer, string(s.stage))
		began := time.Now()
		degradedBefore := len(p.d.Degraded)
		cont := s.fn(sctx, p)
		e.rec.Stage(s.stage, time.Since(began))
		denied := !cont && !p.d.Allowed
		degraded := len(p.d.Degraded) > degradedBefore || (denied && p.d.Kind == StoreUnavailable)
		telemetry.EndStage(span, denied, p.d.Reason, degraded)
		if !cont {
			return
		}
	}
}

func (e *Engine) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return store.Bounded(ctx, e.timeout)
}

// storeFailure applies the fail policy: sensitive categories deny, the rest
// continue without this stage's restriction. It reports whether to continue.
func (e *Engine) storeFailure(ctx context.Context, p *pass, stage Stage, err error) bool {
	closed := p.d.Category.FailClosed()
	e.rec.Degraded(ctx, DegradedEvent{
		DecisionID: p.d.ID,
		Stage:      stage,
		Category:   p.d.Category,
		ClientID:   p.d.ClientID,
		FailClosed: closed,
		Error:      err.Error(),
		At:         e.clock.Now(),
	})
	e.log.Error("admission store unavailable",
		zap.String("stage", string(stage)),
		zap.String("category", string(p.d.Category)),
		zap.String("client_hash", e.hashClient(p.d.ClientID)),
		zap.Bool("fail_closed", closed),
		zap.Error(err))
	if closed {
		p.d.deny(stage, StoreUnavailable, "admission temporarily unavailable", time.Second)
		return false
	}
	p.d.Degraded = append(p.d.Degraded, stage)
	return true
}

// classify resolves the caller and the request category. An API key that is
// not registered is ignored, so the caller is keyed and limited by address.
func (e *Engine) classify(ctx context.Context, p *pass) bool {
	prov := access.Provenance{TrustedRelay: p.req.TrustedRelay}
	var keyErr error
	if key := strings.TrimSpace(p.req.Header.Get(access.APIKeyHeader)); key != "" {
		sctx, cancel := e.bounded(ctx)
		prov.APIKeyVerified, keyErr = e.gate.VerifyAPIKey(sctx, key)
		cancel()
	}
	p.id = access.ResolveIdentity(p.req.Header, p.req.RemoteIP, p.req.Principal, prov)
	p.d.ClientID = p.id.ClientID
	p.d.TenantID = p.id.TenantID
	p.d.Role = p.id.ClinicalRole
	p.d.Category = e.classifier.Classify(p.req.Method, p.req.Path, p.id.Authenticated())
	p.d.Operation = category.OperationOf(p.req.Method, p.req.Path, p.d.Category)
	if keyErr != nil {
		return e.storeFailure(ctx, p, StageClassify, keyErr)
	}
	return true
}

func (e *Engine) checkAccess(ctx context.Context, p *pass) bool {
	sctx, cancel := e.bounded(ctx)
	defer cancel()
	v, err := e.gate.Check(sctx, p.id)
	if err != nil {
		return e.storeFailure(ctx, p, StageAccess, err)
	}
	if !v.Allowed {
		p.d.deny(StageAccess, AccessDenied, v.Reason, 0)
		return false
	}
	return true
}

// checkBypass stops the pass with an allow when a valid token is presented.
// Invalid tokens and store errors fall through to the normal checks.
func (e *Engine) checkBypass(ctx context.Context, p *pass) bool {
	token := strings.TrimSpace(p.req.Header.Get(BypassHeader))
	if token == "" {
		return true
	}
	sctx, cancel := e.bounded(ctx)
	defer cancel()
	tok, err := e.gate.ValidateBypass(sctx, token, p.id.ClientID, p.d.Category)
	switch {
	case err == nil:
		p.d.Bypassed = true
		e.log.Info("bypass token accepted",
			zap.String("decision_id", p.d.ID),
			zap.String("client_hash", e.hashClient(p.d.ClientID)),
			zap.Bool("single_use", tok.SingleUse))
		return false
	case errors.Is(err, access.ErrBypassInvalid):
		e.log.Debug("bypass token rejected", zap.String("client_hash", e.hashClient(p.d.ClientID)))
	default:
		e.rec.Degraded(ctx, DegradedEvent{
			DecisionID: p.d.ID,
			Stage:      StageBypass,
			Category:   p.d.Category,
			ClientID:   p.d.ClientID,
			Error:      err.Error(),
			At:         e.clock.Now(),
		})
		e.log.Warn("bypass validation failed", zap.String("stage", string(StageBypass)), zap.Error(err))
	}
	return true
}

func (e *Engine) locate(ctx context.Context, p *pass) {
	if e.resolver == nil || p.id.IPAddress == "" {
		return
	}
	loc, ok, err := e.resolver.Resolve(ctx, p.id.IPAddress)
	if err != nil {
		e.log.Warn("geo lookup failed",
			zap.String("stage", string(StageGeo)),
			zap.String("category", string(p.d.Category)),
			zap.String("client_hash", e.hashClient(p.d.ClientID)),
			zap.Error(err))
	}
	if ok {
		p.loc, p.located = loc, true
		p.d.Country = loc.Country
	}
}

// assessTrust gives every store round trip its own bound, so one slow call
// cannot eat the budget of the next.
func (e *Engine) assessTrust(ctx context.Context, p *pass) bool {
	e.locate(ctx, p)

	sc := trust.SecurityContext{
		Identity: p.id,
		Device:   trust.Device{Fingerprint: p.id.DeviceFingerprint},
		Behavior: e.detector.Behavior(p.id.ClientID),
	}
	if p.located {
		loc := p.loc
		sc.Location = &loc
	}
	if p.id.Subject != "" {
		sctx, cancel := e.bounded(ctx)
		dev, err := e.devices.Lookup(sctx, p.id.Subject, p.id.DeviceFingerprint)
		cancel()
		switch {
		case err == nil:
			sc.Device = dev
		case store.IsUnavailable(err):
			if !e.storeFailure(ctx, p, StageTrust, err) {
				return false
			}
		default:
			e.log.Warn("device lookup failed", zap.String("stage", string(StageTrust)), zap.Error(err))
		}
		sctx, cancel = e.bounded(ctx)
		last, err := e.locations.Last(sctx, p.id.Subject)
		cancel()
		if err != nil {
			e.log.Warn("last location lookup failed", zap.String("stage", string(StageTrust)), zap.Error(err))
		}
		sc.LastLocation = last
	}

	device := p.id.DeviceFingerprint
	if device == "" {
		device = "unknown"
	}
	sctx, cancel := e.bounded(ctx)
	a, cached := e.trustCache.Get(sctx, p.id.ClientID, device, func() trust.Assessment {
		return e.assessor.Assess(sc)
	})
	cancel()
	if p.id.Subject != "" && p.located && p.loc.HasCoords {
		sctx, cancel := e.bounded(ctx)
		if err := e.locations.Remember(sctx, p.id.Subject, p.loc); err != nil {
			e.log.Debug("remember location failed", zap.Error(err))
		}
		cancel()
	}
	telemetry.AnnotateTrust(ctx, string(a.Level), cached)
	p.d.Trust = &a
	p.d.TrustCached = cached
	p.d.Multiplier = trust.LimitMultiplier(a.Level, p.d.Category, p.d.Operation, p.id.ClinicalRole)
	return true
}

func (e *Engine) checkCompliance(_ context.Context, p *pass) bool {
	if !e.compliance.Applies(p.d.Category) {
		return true
	}
	r := e.compliance.Check(compliance.Request{
		Category:     p.d.Category,
		Operation:    p.d.Operation,
		ClinicalRole: p.id.ClinicalRole,
		MFAVerified:  p.id.MFAVerified,
		Assessment:   *p.d.Trust,
		Country:      p.d.Country,
		At:           e.clock.Now(),
	})
	p.d.ReadOnly = r.ReadOnly
	p.d.AuditRequirements = r.AuditRequirements
	if !r.Allowed {
		p.d.deny(StageCompliance, AccessDenied, r.Reason+": "+r.Message(), 0)
		return false
	}
	return true
}

func (e *Engine) checkCircuit(_ context.Context, p *pass) bool {
	ok, wait := e.breakers.Check(p.d.Endpoint, p.d.Category)
	if !ok {
		p.d.deny(StageCircuit, AccessDenied, "service temporarily unavailable: circuit breaker open", ratelimit.RetryAfter(wait))
		return false
	}
	return true
}

func (e *Engine) checkGeo(_ context.Context, p *pass) bool {
	if !p.located || p.loc.Country == "" {
		return true
	}
	rule, ok := e.geoRules.For(p.loc.Country)
	if !ok {
		return true
	}
	if rule.Blacklisted {
		p.d.deny(StageGeo, AccessDenied, fmt.Sprintf("access denied: country %s is blacklisted", rule.Country), 0)
		return false
	}
	p.rule, p.hasRule = rule, true
	return true
}

func (e *Engine) checkAbuse(ctx context.Context, p *pass) bool {
	e.detector.Observe(p.id.ClientID, abuse.Event{
		At:        e.clock.Now(),
		Endpoint:  p.req.Path,
		UserAgent: p.id.UserAgent,
		Country:   p.d.Country,
	})
	patterns := e.detector.Detect(p.id.ClientID)
	if len(patterns) == 0 {
		return true
	}
	p.d.Patterns = patterns
	e.rec.Patterns(ctx, p.id.ClientID, patterns)
	for _, pat := range patterns {
		if pat.Blocking() {
			p.d.deny(StageAbuse, AnomalyDetected, fmt.Sprintf("abuse pattern %s (%s)", pat.Type, pat.Action), 0)
			return false
		}
	}
	return true
}

// plan derives the trust-scaled limits used by every rate stage.
func (e *Engine) plan(p *pass) {
	l := e.limits.Get(p.d.Category)
	m := p.d.Multiplier
	if m <= 0 {
		m = 1
	}
	limit := trust.EffectiveLimit(l.For(p.id.Authenticated()), m)
	burst := ratelimit.BurstLimit(limit, l.BurstMultiplier)
	if p.hasRule {
		limit, burst = p.rule.Restrict(limit, burst)
	}
	p.limit, p.burst, p.window = limit, burst, l.Window
	p.burstMult = float64(burst) / float64(limit)
	p.crisis = p.d.Operation == category.OpEmergency && trust.IsCrisisRole(p.id.ClinicalRole)
	p.d.Limit, p.d.BurstLimit = limit, burst
	p.d.Remaining = limit
}

// rateDeny denies the pass, unless a crisis override applies, in which case
// the first overridden stage is recorded and the pass continues.
func (e *Engine) rateDeny(p *pass, stage Stage, reason string, retryAfter time.Duration) bool {
	if p.crisis {
		if !p.d.RateOverride {
			p.d.RateOverride = true
			p.d.OverriddenBy = stage
			p.d.OverrideReason = reason
		}
		return true
	}
	p.d.deny(stage, RateLimitExceeded, reason, retryAfter)
	return false
}

func (e *Engine) takeToken(ctx context.Context, p *pass) bool {
	sctx, cancel := e.bounded(ctx)
	defer cancel()
	res, err := e.bucket.Take(sctx, ratelimit.BucketRequest{
		Category:        p.d.Category,
		ClientID:        p.id.ClientID,
		Capacity:        p.limit,
		BurstMultiplier: p.burstMult,
		RefillPerSec:    float64(p.burst) / p.window.Seconds(),
		Window:          p.window,
		Cost:            1,
	})
	if err != nil {
		return e.storeFailure(ctx, p, StageBucket, err)
	}
	if !res.Allowed {
		return e.rateDeny(p, StageBucket, "rate limit exceeded: token bucket empty", res.RetryAfter)
	}
	return true
}

func (e *Engine) checkCost(ctx context.Context, p *pass) bool {
	sctx, cancel := e.bounded(ctx)
	defer cancel()
	cost := e.quotas.Cost(p.d.Category, p.req.Method, p.req.Path)
	cd, err := e.quotas.CheckCost(sctx, p.id.ClientID, p.d.Category, cost)
	if err != nil {
		return e.storeFailure(ctx, p, StageCost, err)
	}
	if cost > 0 && cd.Limit > 0 {
		p.d.HasCost = true
		p.d.CostRemaining = cd.Remaining
	}
	if !cd.Allowed {
		return e.rateDeny(p, StageCost, fmt.Sprintf("cost limit exceeded: %d of %d used", cd.Used, cd.Limit), cd.RetryAfter)
	}
	return true
}

func (e *Engine) checkQuota(ctx context.Context, p *pass) bool {
	sctx, cancel := e.bounded(ctx)
	defer cancel()
	var caps map[quota.Period]int64
	if p.hasRule && p.rule.Quota > 0 {
		caps = map[quota.Period]int64{quota.Daily: p.rule.Quota}
	}
	qd, err := e.quotas.CheckQuotaCapped(sctx, p.id.ClientID, p.d.Category, caps)
	if err != nil {
		return e.storeFailure(ctx, p, StageQuota, err)
	}
	if !qd.Allowed {
		return e.rateDeny(p, StageQuota, fmt.Sprintf("%s quota exceeded: %d of %d used", qd.Period, qd.Used, qd.Limit), qd.RetryAfter)
	}
	return true
}

func (e *Engine) checkWindow(ctx context.Context, p *pass) bool {
	sctx, cancel := e.bounded(ctx)
	defer cancel()
	wd, err := e.window.Allow(sctx, ratelimit.Request{
		Category:        p.d.Category,
		ClientID:        p.id.ClientID,
		Limit:           p.limit,
		BurstMultiplier: p.burstMult,
		Window:          p.window,
	})
	if err != nil {
		return e.storeFailure(ctx, p, StageWindow, err)
	}
	p.d.Remaining = wd.Remaining
	p.d.ResetAt = wd.ResetAt
	p.d.UsedBurst = wd.UsedBurst
	if !wd.Allowed {
		return e.rateDeny(p, StageWindow, fmt.Sprintf("rate limit exceeded: %d requests per %s", p.limit, p.window), wd.RetryAfter)
	}
	return true
}

func (e *Engine) hashClient(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(e.salt + id))
	return hex.EncodeToString(sum[:6])
}

// EndpointKey collapses identifier segments so that breakers are kept per
// route rather than per resource.
func EndpointKey(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(path, "/")
	for i, seg := range parts {
		if isIdentifier(seg) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func isIdentifier(seg string) bool {
	if seg == "" {
		return false
	}
	if _, err := uuid.Parse(seg); err == nil {
		return true
	}
	digits := 0
	for _, r := range seg {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits == len(seg) || (len(seg) >= 16 && digits > 0)
}
