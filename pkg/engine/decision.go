package engine

import (
	"net/http"
	"time"

	"admission/pkg/abuse"
	"admission/pkg/category"
	"admission/pkg/trust"
)

// Kind classifies a denial. The zero value is an allow.
type Kind string

const (
	KindNone          Kind = ""
	AccessDenied      Kind = "ACCESS_DENIED"
	RateLimitExceeded Kind = "RATE_LIMIT_EXCEEDED"
	AnomalyDetected   Kind = "ANOMALY_DETECTED"
	StoreUnavailable  Kind = "STORE_UNAVAILABLE"
)

// Status is the HTTP status a denial of this kind maps to.
func (k Kind) Status() int {
	switch k {
	case AccessDenied, AnomalyDetected:
		return http.StatusForbidden
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	case StoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

type Stage string

const (
	StageClassify   Stage = "classify"
	StageAccess     Stage = "access"
	StageBypass     Stage = "bypass"
	StageTrust      Stage = "trust"
	StageCompliance Stage = "compliance"
	StageCircuit    Stage = "circuit"
	StageGeo        Stage = "geo"
	StageAbuse      Stage = "abuse"
	StageBucket     Stage = "token_bucket"
	StageCost       Stage = "cost"
	StageQuota      Stage = "quota"
	StageWindow     Stage = "window"
)

// anomalyMessage is all a client learns about an abuse denial.
const anomalyMessage = "request blocked"

// Decision is the outcome of one admission pass. Stages fill it in as they
// run; the first denying stage sets Kind, Reason and Stage.
type Decision struct {
	ID        string             `json:"decision_id"`
	Allowed   bool               `json:"allowed"`
	Kind      Kind               `json:"kind,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Stage     Stage              `json:"stage,omitempty"`
	Category  category.Category  `json:"category"`
	Operation category.Operation `json:"operation"`
	Method    string             `json:"method"`
	Path      string             `json:"path"`
	Endpoint  string             `json:"endpoint"`
	ClientID  string             `json:"client_id"`
	TenantID  string             `json:"tenant_id,omitempty"`
	Role      string             `json:"clinical_role,omitempty"`
	Country   string             `json:"country,omitempty"`

	Trust       *trust.Assessment `json:"trust,omitempty"`
	// TrustCached is set when the assessment came from the shared cache.
	TrustCached bool              `json:"trust_cached,omitempty"`
	Multiplier  float64           `json:"limit_multiplier,omitempty"`

	Limit         int       `json:"limit,omitempty"`
	BurstLimit    int       `json:"burst_limit,omitempty"`
	Remaining     int       `json:"remaining"`
	ResetAt       time.Time `json:"reset_at,omitzero"`
	UsedBurst     bool      `json:"used_burst,omitempty"`
	CostRemaining int64     `json:"cost_remaining"`
	HasCost       bool      `json:"-"`

	RetryAfter time.Duration `json:"retry_after,omitempty"`

	Bypassed bool `json:"bypassed,omitempty"`
	// RateOverride marks a crisis request admitted past a rate denial.
	RateOverride   bool   `json:"rate_override,omitempty"`
	OverriddenBy   Stage  `json:"overridden_stage,omitempty"`
	OverrideReason string `json:"override_reason,omitempty"`

	ReadOnly          bool            `json:"read_only,omitempty"`
	AuditRequirements []string        `json:"audit_requirements,omitempty"`
	Patterns          []abuse.Pattern `json:"patterns,omitempty"`
	// Degraded lists stages that failed open on a store error.
	Degraded []Stage `json:"degraded,omitempty"`

	At      time.Time     `json:"at"`
	Latency time.Duration `json:"latency"`
}

// Message is the reason shown to the client. Abuse denials stay generic.
func (d Decision) Message() string {
	if d.Kind == AnomalyDetected {
		return anomalyMessage
	}
	return d.Reason
}

func (d *Decision) deny(stage Stage, kind Kind, reason string, retryAfter time.Duration) {
	d.Allowed = false
	d.Stage = stage
	d.Kind = kind
	d.Reason = reason
	d.RetryAfter = retryAfter
}

// DegradedEvent is emitted whenever a store-backed stage fails.
type DegradedEvent struct {
	DecisionID string            `json:"decision_id"`
	Stage      Stage             `json:"stage"`
	Category   category.Category `json:"category"`
	ClientID   string            `json:"client_id"`
	FailClosed bool              `json:"fail_closed"`
	Error      string            `json:"error"`
	At         time.Time         `json:"at"`
}
