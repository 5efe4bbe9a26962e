// Package trust scores a request context into a zero-trust level that scales
// rate limits and feeds the compliance gate.
package trust

import (
	"math"
	"slices"
	"strings"
	"time"

	"admission/pkg/access"
	"admission/pkg/category"
	"admission/pkg/clock"
	"admission/pkg/geo"
)

type Level string

const (
	Untrusted Level = "UNTRUSTED"
	Low       Level = "LOW"
	Medium    Level = "MEDIUM"
	High      Level = "HIGH"
	Verified  Level = "VERIFIED"
)

// Rank orders levels from UNTRUSTED (0) to VERIFIED (4).
func (l Level) Rank() int {
	switch l {
	case Verified:
		return 4
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	}
	return 0
}

func LevelFor(score float64) Level {
	switch {
	case score >= 0.9:
		return Verified
	case score >= 0.7:
		return High
	case score >= 0.5:
		return Medium
	case score >= 0.3:
		return Low
	}
	return Untrusted
}

const (
	RiskUnknownDevice      = "unknown_device"
	RiskUnregisteredDevice = "unregistered_device"
	RiskCompromisedDevice  = "device_compromised"
	RiskStaleScan          = "stale_security_scan"
	RiskUnknownLocation    = "unknown_location"
	RiskUnapprovedLocation = "unapproved_location"
	RiskProxy              = "proxy_or_vpn"
	RiskLocationJump       = "impossible_travel"
	RiskWeakAuth           = "weak_authentication"
	RiskUnauthenticated    = "unauthenticated"
	RiskAnomalousBehavior  = "anomalous_behavior"
	RiskUnspecifiedRole    = "unspecified_role"
)

const (
	RecRequireMFA     = "require_mfa"
	RecRegisterDevice = "register_device"
	RecRescanDevice   = "rescan_device"
	RecVerifyLocation = "verify_location"
	RecReviewBehavior = "review_behavior"
	RecStepUp         = "step_up_authentication"
)

type Device struct {
	Fingerprint string    `json:"fingerprint"`
	Known       bool      `json:"known"`
	Compromised bool      `json:"compromised"`
	LastScanAt  time.Time `json:"last_scan_at"`
}

// SecurityContext is built per request and never persisted.
type SecurityContext struct {
	Identity     access.ClientIdentity
	Location     *geo.Location
	LastLocation *geo.Location
	Device       Device
	// Behavior is the behavioral trust signal in [0,1].
	Behavior float64
}

type Assessment struct {
	Level           Level     `json:"trust_level"`
	Score           float64   `json:"trust_score"`
	RiskFactors     []string  `json:"risk_factors"`
	Recommendations []string  `json:"recommendations"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func (a Assessment) HasRisk(f string) bool { return slices.Contains(a.RiskFactors, f) }

type Weights struct {
	Role     float64 `yaml:"role"`
	Device   float64 `yaml:"device"`
	Location float64 `yaml:"location"`
	Behavior float64 `yaml:"behavior"`
	Auth     float64 `yaml:"auth"`
}

type Config struct {
	Weights           Weights
	RoleBaseline      map[string]float64
	ApprovedCountries []string
	// JumpKm is the distance from the last known location treated as
	// impossible travel.
	JumpKm float64
	TTL    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Weights: Weights{Role: 0.3, Device: 0.2, Location: 0.2, Behavior: 0.2, Auth: 0.1},
		RoleBaseline: map[string]float64{
			"crisis_counselor": 0.9,
			"therapist":        0.85,
			"psychiatrist":     0.85,
			"physician":        0.85,
			"admin":            0.8,
			"nurse":            0.75,
			"support_staff":    0.6,
			"patient":          0.5,
			"family_member":    0.4,
		},
		JumpKm: 1000,
		TTL:    15 * time.Minute,
	}
}

type Assessor struct {
	cfg      Config
	approved map[string]struct{}
	clock    clock.Clock
}

func NewAssessor(cfg Config, c clock.Clock) *Assessor {
	def := DefaultConfig()
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if len(cfg.RoleBaseline) == 0 {
		cfg.RoleBaseline = def.RoleBaseline
	}
	if cfg.JumpKm <= 0 {
		cfg.JumpKm = def.JumpKm
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	approved := map[string]struct{}{}
	for _, c := range cfg.ApprovedCountries {
		approved[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}
	return &Assessor{cfg: cfg, approved: approved, clock: clock.OrReal(c)}
}

func (a *Assessor) TTL() time.Duration { return a.cfg.TTL }

// CountryApproved reports whether country is on the approved list. An empty
// list approves everything.
func (a *Assessor) CountryApproved(country string) bool {
	if len(a.approved) == 0 {
		return true
	}
	_, ok := a.approved[strings.ToUpper(country)]
	return ok
}

func (a *Assessor) Assess(sc SecurityContext) Assessment {
	var f factors
	w := a.cfg.Weights
	score := w.Role*a.roleTrust(sc.Identity.ClinicalRole, &f) +
		w.Device*a.deviceTrust(sc.Device, &f) +
		w.Location*a.locationTrust(sc.Location, sc.LastLocation, &f) +
		w.Behavior*a.behaviorTrust(sc.Behavior, &f) +
		w.Auth*a.authTrust(sc.Identity.AuthMethod, &f)
	score = clamp(math.Round(score*1000) / 1000)
	level := LevelFor(score)
	if level.Rank() <= Low.Rank() && sc.Identity.Authenticated() {
		f.recommend(RecStepUp)
	}
	return Assessment{
		Level:           level,
		Score:           score,
		RiskFactors:     f.risks,
		Recommendations: f.recs,
		ExpiresAt:       a.clock.Now().Add(a.cfg.TTL),
	}
}

func (a *Assessor) roleTrust(role string, f *factors) float64 {
	if v, ok := a.cfg.RoleBaseline[strings.ToLower(role)]; ok {
		return v
	}
	f.risk(RiskUnspecifiedRole)
	return 0.2
}

func (a *Assessor) deviceTrust(d Device, f *factors) float64 {
	if d.Fingerprint == "" {
		f.risk(RiskUnknownDevice)
		f.recommend(RecRegisterDevice)
		return 0.3
	}
	score := 0.8
	if !d.Known {
		score = 0.3
		f.risk(RiskUnregisteredDevice)
		f.recommend(RecRegisterDevice)
	}
	if d.Compromised {
		score -= 0.5
		f.risk(RiskCompromisedDevice)
		f.recommend(RecRescanDevice)
	}
	if d.Known && !d.LastScanAt.IsZero() {
		age := a.clock.Now().Sub(d.LastScanAt)
		switch {
		case age > 30*24*time.Hour:
			score -= 0.2
			f.risk(RiskStaleScan)
			f.recommend(RecRescanDevice)
		case age > 7*24*time.Hour:
			score -= 0.1
			f.risk(RiskStaleScan)
		}
	}
	return clamp(score)
}

func (a *Assessor) locationTrust(loc, last *geo.Location, f *factors) float64 {
	if loc == nil || loc.Country == "" {
		f.risk(RiskUnknownLocation)
		return 0.5
	}
	score := 0.8
	if !a.CountryApproved(loc.Country) {
		score = 0.2
		f.risk(RiskUnapprovedLocation)
		f.recommend(RecVerifyLocation)
	}
	if loc.IsProxy {
		score -= 0.3
		f.risk(RiskProxy)
	}
	if loc.IsHealthcareFacility {
		score += 0.2
	}
	if last != nil {
		if d, ok := geo.DistanceKm(*last, *loc); ok && d > a.cfg.JumpKm {
			score -= 0.4
			f.risk(RiskLocationJump)
			f.recommend(RecVerifyLocation)
		}
	}
	return clamp(score)
}

func (a *Assessor) behaviorTrust(v float64, f *factors) float64 {
	v = clamp(v)
	if v < 0.5 {
		f.risk(RiskAnomalousBehavior)
		f.recommend(RecReviewBehavior)
	}
	return v
}

func (a *Assessor) authTrust(m access.AuthMethod, f *factors) float64 {
	switch m {
	case access.AuthMFA:
		return 0.9
	case access.AuthSSO, access.AuthCertificate:
		return 0.7
	case access.AuthAPIKey:
		return 0.6
	case access.AuthPassword:
		f.risk(RiskWeakAuth)
		f.recommend(RecRequireMFA)
		return 0.3
	}
	f.risk(RiskUnauthenticated)
	return 0.1
}

// Multipliers scale a category's base limit per trust level.
var Multipliers = map[Level]float64{
	Verified:  2.0,
	High:      1.5,
	Medium:    1.0,
	Low:       0.5,
	Untrusted: 0.1,
}

// CrisisRoles get the emergency floor multiplier.
var CrisisRoles = []string{"crisis_counselor"}

const crisisFloor = 3.0

func IsCrisisRole(role string) bool {
	return slices.Contains(CrisisRoles, strings.ToLower(role))
}

// LimitMultiplier combines the trust level with endpoint sensitivity. PHI
// endpoints shrink low-trust limits further; emergency operations by crisis
// roles never drop below the crisis floor.
func LimitMultiplier(level Level, c category.Category, op category.Operation, role string) float64 {
	m, ok := Multipliers[level]
	if !ok {
		m = Multipliers[Untrusted]
	}
	if c == category.PHIOperation && level.Rank() <= Low.Rank() {
		m *= 0.3
	}
	if op == category.OpEmergency && IsCrisisRole(role) {
		m = math.Max(m, crisisFloor)
	}
	return m
}

// EffectiveLimit is max(1, floor(limit*multiplier)).
func EffectiveLimit(limit int, multiplier float64) int {
	return max(category.Scale(limit, multiplier), 1)
}

type factors struct {
	risks []string
	recs  []string
}

func (f *factors) risk(r string) {
	if !slices.Contains(f.risks, r) {
		f.risks = append(f.risks, r)
	}
}

func (f *factors) recommend(r string) {
	if !slices.Contains(f.recs, r) {
		f.recs = append(f.recs, r)
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
