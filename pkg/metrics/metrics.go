// Package metrics keeps admission counters in two forms: Prometheus
// collectors for scraping and an in-process snapshot for the admin API.
package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu         sync.RWMutex
	categories map[string]*CategoryStat
	outcomes   map[string]int64
	reasons    map[string]int64
	degraded   map[string]int64
	patterns   map[string]int64
	breakers   map[string]string
	budgets    map[string]float64
	gauges     map[string]float64
	Latency    *LatencySet
	Prom       *Collectors
}

type CategoryStat struct {
	Decisions     int64   `json:"decisions"`
	Denied        int64   `json:"denied"`
	Overrides     int64   `json:"overrides"`
	UpstreamCount int64   `json:"upstream_count"`
	UpstreamError int64   `json:"upstream_errors"`
	TotalMillis   int64   `json:"total_millis"`
	MaxMillis     int64   `json:"max_millis"`
	AverageMillis float64 `json:"average_millis"`
	LastStatus    int     `json:"last_status"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Categories      map[string]CategoryStat `json:"categories"`
	Outcomes        map[string]int64        `json:"outcomes"`
	Reasons         map[string]int64        `json:"reasons"`
	Degraded        map[string]int64        `json:"degraded"`
	Patterns        map[string]int64        `json:"abuse_patterns"`
	Breakers        map[string]string       `json:"breakers"`
	BudgetRemaining map[string]float64      `json:"error_budget_remaining"`
	Gauges          map[string]float64      `json:"gauges"`
	Latency         []LatencySnapshot       `json:"latency,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		categories: map[string]*CategoryStat{},
		outcomes:   map[string]int64{},
		reasons:    map[string]int64{},
		degraded:   map[string]int64{},
		patterns:   map[string]int64{},
		breakers:   map[string]string{},
		budgets:    map[string]float64{},
		gauges:     map[string]float64{},
		Latency:    NewLatencySet(),
		Prom:       NewCollectors(),
	}
}

func (r *Registry) category(c string) *CategoryStat {
	stat, ok := r.categories[c]
	if !ok {
		stat = &CategoryStat{}
		r.categories[c] = stat
	}
	return stat
}

// ObserveDecision counts one admission decision. kind is empty for allows.
func (r *Registry) ObserveDecision(category, outcome, kind string, d time.Duration) {
	if category == "" || outcome == "" {
		return
	}
	r.mu.Lock()
	stat := r.category(category)
	stat.Decisions++
	switch outcome {
	case "denied":
		stat.Denied++
	case "override":
		stat.Overrides++
	}
	r.outcomes[outcome]++
	if kind != "" {
		r.reasons[kind]++
	}
	r.mu.Unlock()
	r.Latency.Observe("admission:"+category, d)
	if kind == "" {
		kind = "none"
	}
	r.Prom.Decisions.WithLabelValues(category, outcome, kind).Inc()
	r.Prom.DecisionLatency.WithLabelValues(category).Observe(d.Seconds())
}

// ObserveUpstream records the status and latency of an admitted request.
func (r *Registry) ObserveUpstream(category string, status int, d time.Duration) {
	if category == "" {
		return
	}
	millis := d.Milliseconds()
	r.mu.Lock()
	stat := r.category(category)
	stat.UpstreamCount++
	if status >= 500 {
		stat.UpstreamError++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatus = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.UpstreamCount)
	r.mu.Unlock()
	r.Latency.Observe("upstream:"+category, d)
	r.Prom.UpstreamLatency.WithLabelValues(category, statusClass(status)).Observe(d.Seconds())
}

func (r *Registry) ObserveStage(stage string, d time.Duration) {
	if stage == "" {
		return
	}
	r.Latency.Observe("stage:"+stage, d)
	r.Prom.StageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

func (r *Registry) IncDegraded(stage string, failClosed bool) {
	if stage == "" {
		return
	}
	mode := "open"
	if failClosed {
		mode = "closed"
	}
	r.mu.Lock()
	r.degraded[stage+"|"+mode]++
	r.mu.Unlock()
	r.Prom.Degraded.WithLabelValues(stage, mode).Inc()
}

func (r *Registry) IncPattern(patternType, severity string) {
	patternType = strings.TrimSpace(patternType)
	if patternType == "" {
		return
	}
	r.mu.Lock()
	r.patterns[patternType]++
	r.mu.Unlock()
	r.Prom.AbusePatterns.WithLabelValues(patternType, severity).Inc()
}

// SetBreaker records the current state of an endpoint breaker. A CLOSED
// breaker drops its series, so only tripped breakers are exported.
func (r *Registry) SetBreaker(endpoint, state string) {
	if endpoint == "" {
		return
	}
	r.mu.Lock()
	if state == "CLOSED" {
		delete(r.breakers, endpoint)
	} else {
		r.breakers[endpoint] = state
	}
	r.mu.Unlock()
	if state == "CLOSED" {
		r.Prom.BreakerOpen.DeleteLabelValues(endpoint)
		return
	}
	r.Prom.BreakerOpen.WithLabelValues(endpoint).Set(boolFloat(state == "OPEN"))
}

func (r *Registry) SetBudget(slo string, remaining float64) {
	if slo == "" {
		return
	}
	r.mu.Lock()
	r.budgets[slo] = remaining
	r.mu.Unlock()
	r.Prom.BudgetRemaining.WithLabelValues(slo).Set(remaining)
}

func (r *Registry) IncAlert(slo string) {
	if slo == "" {
		return
	}
	r.Prom.Alerts.WithLabelValues(slo).Inc()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Categories:      make(map[string]CategoryStat, len(r.categories)),
		Outcomes:        copyMap(r.outcomes),
		Reasons:         copyMap(r.reasons),
		Degraded:        copyMap(r.degraded),
		Patterns:        copyMap(r.patterns),
		Breakers:        copyMap(r.breakers),
		BudgetRemaining: copyMap(r.budgets),
		Gauges:          copyMap(r.gauges),
	}
	for k, v := range r.categories {
		out.Categories[k] = *v
	}
	out.Latency = r.Latency.Snapshots("")
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

// PrometheusHandler serves the collectors in the text exposition format.
func (r *Registry) PrometheusHandler() http.Handler {
	return r.Prom.Handler()
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	}
	return "2xx"
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
