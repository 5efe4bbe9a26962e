// Package compliance gates PHI endpoints on MFA, role access level and trust,
// and attaches audit requirements to unusual access.
package compliance

import (
	"strings"
	"time"

	"admission/pkg/category"
	"admission/pkg/trust"
)

const (
	ReasonAllow             = "COMPLIANCE_ALLOW"
	ReasonMFARequired       = "COMPLIANCE_MFA_REQUIRED"
	ReasonInsufficientLevel = "COMPLIANCE_INSUFFICIENT_ACCESS_LEVEL"
	ReasonUntrusted         = "COMPLIANCE_UNTRUSTED"
	ReasonReadOnly          = "COMPLIANCE_READ_ONLY"
)

const (
	AuditEnhanced      = "enhanced_audit"
	AuditAfterHours    = "after_hours_access"
	AuditUnapprovedLoc = "unapproved_location_access"
)

type Request struct {
	Category     category.Category
	Operation    category.Operation
	ClinicalRole string
	MFAVerified  bool
	Assessment   trust.Assessment
	Country      string
	At           time.Time
}

type Result struct {
	Allowed           bool
	Reason            string
	ReadOnly          bool
	AuditRequirements []string
}

func (r Result) Message() string {
	switch r.Reason {
	case ReasonMFARequired:
		return "multi-factor authentication required for this operation"
	case ReasonInsufficientLevel:
		return "role lacks the access level required for this operation"
	case ReasonUntrusted:
		return "request context is untrusted"
	case ReasonReadOnly:
		return "low trust: access restricted to read-only"
	}
	return ""
}

type Config struct {
	RoleLevels     map[string]int
	RequiredLevels map[category.Operation]int
	// Business hours in Location, [StartHour, EndHour).
	StartHour int
	EndHour   int
	Location  *time.Location
}

func DefaultConfig() Config {
	return Config{
		RoleLevels: map[string]int{
			"psychiatrist":     4,
			"physician":        4,
			"therapist":        3,
			"crisis_counselor": 3,
			"nurse":            2,
			"admin":            2,
			"support_staff":    1,
			"patient":          1,
			"family_member":    0,
		},
		RequiredLevels: map[category.Operation]int{
			category.OpRead:      1,
			category.OpWrite:     2,
			category.OpEmergency: 2,
		},
		StartHour: 7,
		EndHour:   19,
		Location:  time.UTC,
	}
}

type Gate struct {
	cfg      Config
	approved func(country string) bool
}

// NewGate builds the gate. approved reports whether a country is on the
// approved list and may be nil.
func NewGate(cfg Config, approved func(string) bool) *Gate {
	def := DefaultConfig()
	if len(cfg.RoleLevels) == 0 {
		cfg.RoleLevels = def.RoleLevels
	}
	if len(cfg.RequiredLevels) == 0 {
		cfg.RequiredLevels = def.RequiredLevels
	}
	if cfg.StartHour == 0 && cfg.EndHour == 0 {
		cfg.StartHour, cfg.EndHour = def.StartHour, def.EndHour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if approved == nil {
		approved = func(string) bool { return true }
	}
	return &Gate{cfg: cfg, approved: approved}
}

func (g *Gate) Applies(c category.Category) bool {
	return c == category.PHIOperation
}

// Check evaluates the rules in order; the first deny wins. Audit requirements
// accumulate on allowed requests.
func (g *Gate) Check(req Request) Result {
	if !g.Applies(req.Category) {
		return Result{Allowed: true, Reason: ReasonAllow}
	}
	level := req.Assessment.Level
	if level == trust.Untrusted {
		return Result{Reason: ReasonUntrusted}
	}
	if !req.MFAVerified && (req.Operation == category.OpWrite || req.Operation == category.OpEmergency) {
		return Result{Reason: ReasonMFARequired}
	}
	if g.cfg.RoleLevels[strings.ToLower(req.ClinicalRole)] < g.cfg.RequiredLevels[req.Operation] {
		return Result{Reason: ReasonInsufficientLevel}
	}
	res := Result{Allowed: true, Reason: ReasonAllow}
	if level == trust.Low {
		if req.Operation != category.OpRead {
			return Result{Reason: ReasonReadOnly, ReadOnly: true, AuditRequirements: []string{AuditEnhanced}}
		}
		res.ReadOnly = true
		res.AuditRequirements = append(res.AuditRequirements, AuditEnhanced)
	}
	if g.afterHours(req.At) {
		res.AuditRequirements = append(res.AuditRequirements, AuditAfterHours)
	}
	if req.Country != "" && !g.approved(req.Country) {
		res.AuditRequirements = append(res.AuditRequirements, AuditUnapprovedLoc)
	}
	return res
}

func (g *Gate) afterHours(at time.Time) bool {
	if at.IsZero() {
		return false
	}
	local := at.In(g.cfg.Location)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return true
	}
	h := local.Hour()
	return h < g.cfg.StartHour || h >= g.cfg.EndHour
}
