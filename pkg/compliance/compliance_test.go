package compliance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"admission/pkg/category"
	"admission/pkg/trust"
)

var weekdayNoon = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func req(op category.Operation, role string, mfa bool, level trust.Level) Request {
	return Request{
		Category:     category.PHIOperation,
		Operation:    op,
		ClinicalRole: role,
		MFAVerified:  mfa,
		Assessment:   trust.Assessment{Level: level},
		At:           weekdayNoon,
	}
}

func TestPHIWriteWithoutMFAAlwaysDenied(t *testing.T) {
	g := NewGate(Config{}, nil)
	for _, level := range []trust.Level{trust.Low, trust.Medium, trust.High, trust.Verified} {
		res := g.Check(req(category.OpWrite, "psychiatrist", false, level))
		require.False(t, res.Allowed, level)
		require.Equal(t, ReasonMFARequired, res.Reason)
		require.NotEmpty(t, res.Message())
	}
	res := g.Check(req(category.OpEmergency, "crisis_counselor", false, trust.Verified))
	require.Equal(t, ReasonMFARequired, res.Reason)
}

func TestAccessLevelsAndTrust(t *testing.T) {
	g := NewGate(Config{}, nil)

	require.True(t, g.Check(req(category.OpRead, "patient", false, trust.Medium)).Allowed)
	require.Equal(t, ReasonInsufficientLevel, g.Check(req(category.OpWrite, "patient", true, trust.High)).Reason)
	require.Equal(t, ReasonInsufficientLevel, g.Check(req(category.OpRead, "family_member", false, trust.High)).Reason)
	require.Equal(t, ReasonInsufficientLevel, g.Check(req(category.OpRead, "", false, trust.High)).Reason)
	require.Equal(t, ReasonUntrusted, g.Check(req(category.OpRead, "physician", true, trust.Untrusted)).Reason)
	require.True(t, g.Check(req(category.OpWrite, "nurse", true, trust.High)).Allowed)
}

func TestLowTrustIsReadOnlyWithEnhancedAudit(t *testing.T) {
	g := NewGate(Config{}, nil)
	read := g.Check(req(category.OpRead, "therapist", true, trust.Low))
	require.True(t, read.Allowed)
	require.True(t, read.ReadOnly)
	require.Contains(t, read.AuditRequirements, AuditEnhanced)

	write := g.Check(req(category.OpWrite, "therapist", true, trust.Low))
	require.False(t, write.Allowed)
	require.Equal(t, ReasonReadOnly, write.Reason)
}

func TestAuditRequirements(t *testing.T) {
	g := NewGate(Config{}, func(c string) bool { return c == "US" })
	r := req(category.OpRead, "physician", true, trust.High)
	r.At = time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC)
	r.Country = "FR"
	res := g.Check(r)
	require.True(t, res.Allowed)
	require.ElementsMatch(t, []string{AuditAfterHours, AuditUnapprovedLoc}, res.AuditRequirements)

	r.At = time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	r.Country = "US"
	require.Equal(t, []string{AuditAfterHours}, g.Check(r).AuditRequirements, "weekends are after hours")

	r.At = weekdayNoon
	require.Empty(t, g.Check(r).AuditRequirements)
}

func TestNonPHICategoriesPass(t *testing.T) {
	g := NewGate(Config{}, nil)
	r := req(category.OpEmergency, "", false, trust.Untrusted)
	r.Category = category.CrisisIntervention
	require.True(t, g.Check(r).Allowed)
}
