package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegistryDecisionCounters(t *testing.T) {
	r := NewRegistry()
	r.ObserveDecision("PHI_OPERATION", "allowed", "", 2*time.Millisecond)
	r.ObserveDecision("PHI_OPERATION", "denied", "RATE_LIMIT_EXCEEDED", time.Millisecond)
	r.ObserveDecision("CRISIS_INTERVENTION", "override", "", time.Millisecond)
	r.ObserveUpstream("PHI_OPERATION", 200, 15*time.Millisecond)
	r.ObserveUpstream("PHI_OPERATION", 503, 35*time.Millisecond)
	r.SetGauge("stream_subscribers", 3)

	snap := r.Snapshot()
	require.Equal(t, CategoryStat{
		Decisions:     2,
		Denied:        1,
		UpstreamCount: 2,
		UpstreamError: 1,
		TotalMillis:   50,
		MaxMillis:     35,
		AverageMillis: 25,
		LastStatus:    503,
	}, snap.Categories["PHI_OPERATION"])
	require.EqualValues(t, 1, snap.Categories["CRISIS_INTERVENTION"].Overrides)
	require.Equal(t, map[string]int64{"allowed": 1, "denied": 1, "override": 1}, snap.Outcomes)
	require.Equal(t, map[string]int64{"RATE_LIMIT_EXCEEDED": 1}, snap.Reasons)
	require.Equal(t, 3.0, snap.Gauges["stream_subscribers"])

	require.Equal(t, 1.0, testutil.ToFloat64(r.Prom.Decisions.WithLabelValues("PHI_OPERATION", "denied", "RATE_LIMIT_EXCEEDED")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.Prom.Decisions.WithLabelValues("PHI_OPERATION", "allowed", "none")))
}

func TestRegistryLatencySeries(t *testing.T) {
	r := NewRegistry()
	r.ObserveDecision("PUBLIC", "allowed", "", 3*time.Millisecond)
	r.ObserveUpstream("PUBLIC", 200, 20*time.Millisecond)
	r.ObserveStage("window", time.Millisecond)
	r.ObserveStage("", time.Millisecond)

	var series []string
	for _, s := range r.Snapshot().Latency {
		series = append(series, s.Series)
		require.EqualValues(t, 1, s.Count, s.Series)
	}
	require.Equal(t, []string{"admission:PUBLIC", "stage:window", "upstream:PUBLIC"}, series)
}

func TestRegistryOperationalState(t *testing.T) {
	r := NewRegistry()
	const endpoint = "GET /api/patients/:id"
	r.SetBreaker(endpoint, "OPEN")
	r.SetBudget("admission-availability", 0.25)
	r.IncAlert("admission-availability")
	r.IncDegraded("window", false)
	r.IncDegraded("window", true)
	r.IncPattern("ddos", "CRITICAL")

	snap := r.Snapshot()
	require.Equal(t, "OPEN", snap.Breakers[endpoint])
	require.Equal(t, 0.25, snap.BudgetRemaining["admission-availability"])
	require.Equal(t, map[string]int64{"window|open": 1, "window|closed": 1}, snap.Degraded)
	require.EqualValues(t, 1, snap.Patterns["ddos"])

	require.Equal(t, 1.0, testutil.ToFloat64(r.Prom.BreakerOpen.WithLabelValues(endpoint)))
	r.SetBreaker(endpoint, "HALF_OPEN")
	require.Equal(t, 0.0, testutil.ToFloat64(r.Prom.BreakerOpen.WithLabelValues(endpoint)))
	require.Equal(t, "HALF_OPEN", r.Snapshot().Breakers[endpoint])

	r.SetBreaker(endpoint, "CLOSED")
	require.Equal(t, 0, testutil.CollectAndCount(r.Prom.BreakerOpen))
	require.NotContains(t, r.Snapshot().Breakers, endpoint)
}

func TestRegistryIgnoresBlankLabels(t *testing.T) {
	r := NewRegistry()
	r.ObserveDecision("", "allowed", "", time.Millisecond)
	r.ObserveDecision("PUBLIC", "", "", time.Millisecond)
	r.ObserveUpstream("", 200, time.Millisecond)
	r.IncPattern(" ", "LOW")
	r.SetGauge("", 5)
	r.SetBudget("", 1)

	snap := r.Snapshot()
	require.Empty(t, snap.Categories)
	require.Empty(t, snap.Outcomes)
	require.Empty(t, snap.Patterns)
	require.Empty(t, snap.Gauges)
	require.Empty(t, snap.BudgetRemaining)
}

func TestSortedKeys(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3}))
	require.Empty(t, SortedKeys(map[string]bool{}))
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.ObserveDecision("PUBLIC", "allowed", "", time.Millisecond)
	r.ObserveStage("window", 300*time.Microsecond)
	r.SetBudget("admission-availability", 0.5)

	rr := httptest.NewRecorder()
	r.PrometheusHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	require.Contains(t, body, `admission_decisions_total{category="PUBLIC",kind="none",outcome="allowed"} 1`)
	require.Contains(t, body, `admission_stage_duration_seconds_count{stage="window"} 1`)
	require.Contains(t, body, `admission_error_budget_remaining{slo="admission-availability"} 0.5`)
	require.Contains(t, body, "go_goroutines")
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry()
	r.ObserveUpstream("PUBLIC", 204, 5*time.Millisecond)

	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	_, err := time.Parse(time.RFC3339, snap.GeneratedAt)
	require.NoError(t, err)
	require.EqualValues(t, 1, snap.Categories["PUBLIC"].UpstreamCount)
	require.NotEmpty(t, snap.Latency)
}
