// Package abuse keeps a bounded rolling event history per client and runs
// volumetric and behavioral heuristics over it. State is process-local and
// therefore approximate across replicas.
package abuse

import (
	"math"
	"strings"
	"sync"
	"time"

	"admission/pkg/clock"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

const (
	ActionImmediateBlock = "immediate_block"
	ActionBlock          = "block"
	ActionThrottle       = "throttle"
	ActionMonitor        = "monitor"
	ActionVerify         = "require_verification"
	ActionFlagForReview  = "flag_for_review"
)

const (
	PatternRapidFire          = "rapid_fire"
	PatternCredentialStuffing = "credential_stuffing"
	PatternScraping           = "scraping"
	PatternDDoS               = "ddos"
	PatternAPIAbuse           = "api_abuse"
	PatternGeoDispersion      = "geographic_dispersion"
	PatternSuspiciousAgent    = "suspicious_user_agent"
)

type Pattern struct {
	Type       string         `json:"pattern_type"`
	Severity   Severity       `json:"severity"`
	ClientID   string         `json:"client_id"`
	Evidence   map[string]any `json:"evidence"`
	Confidence float64        `json:"confidence_score"`
	Action     string         `json:"recommended_action"`
	DetectedAt time.Time      `json:"detected_at"`
}

// Blocking reports whether this pattern alone justifies denying the request.
func (p Pattern) Blocking() bool {
	return p.Severity == SeverityCritical || p.Action == ActionImmediateBlock
}

type Event struct {
	At        time.Time
	Endpoint  string
	UserAgent string
	Country   string
	// Status is the response status; 0 until the outcome is recorded.
	Status      int
	AuthFailure bool
}

type Thresholds struct {
	RapidFire         int           `yaml:"rapid_fire"`
	RapidFireHigh     int           `yaml:"rapid_fire_high"`
	DDoS              int           `yaml:"ddos"`
	RequestWindow     time.Duration `yaml:"request_window"`
	AuthFailures      int           `yaml:"auth_failures"`
	AuthWindow        time.Duration `yaml:"auth_window"`
	ScrapingEndpoints int           `yaml:"scraping_endpoints"`
	ScrapingMaxAgents int           `yaml:"scraping_max_agents"`
	ErrorRate         float64       `yaml:"error_rate"`
	ErrorMinRequests  int           `yaml:"error_min_requests"`
	Countries         int           `yaml:"countries"`
	DispersionWindow  time.Duration `yaml:"dispersion_window"`
	SuspiciousAgents  []string      `yaml:"suspicious_agents"`
	MaxEvents         int           `yaml:"max_events"`
	IdleEviction      time.Duration `yaml:"idle_eviction"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		RapidFire:         100,
		RapidFireHigh:     200,
		DDoS:              500,
		RequestWindow:     time.Minute,
		AuthFailures:      10,
		AuthWindow:        5 * time.Minute,
		ScrapingEndpoints: 50,
		ScrapingMaxAgents: 3,
		ErrorRate:         0.5,
		ErrorMinRequests:  20,
		Countries:         5,
		DispersionWindow:  time.Hour,
		SuspiciousAgents: []string{
			"bot", "crawler", "spider", "scraper", "curl", "wget",
			"python-requests", "httpclient", "scrapy", "headless",
		},
		MaxEvents:    1000,
		IdleEviction: time.Hour,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.RapidFire <= 0 {
		t.RapidFire = d.RapidFire
	}
	if t.RapidFireHigh <= t.RapidFire {
		t.RapidFireHigh = max(d.RapidFireHigh, t.RapidFire*2)
	}
	if t.DDoS <= 0 {
		t.DDoS = d.DDoS
	}
	if t.RequestWindow <= 0 {
		t.RequestWindow = d.RequestWindow
	}
	if t.AuthFailures <= 0 {
		t.AuthFailures = d.AuthFailures
	}
	if t.AuthWindow <= 0 {
		t.AuthWindow = d.AuthWindow
	}
	if t.ScrapingEndpoints <= 0 {
		t.ScrapingEndpoints = d.ScrapingEndpoints
	}
	if t.ScrapingMaxAgents <= 0 {
		t.ScrapingMaxAgents = d.ScrapingMaxAgents
	}
	if t.ErrorRate <= 0 {
		t.ErrorRate = d.ErrorRate
	}
	if t.ErrorMinRequests <= 0 {
		t.ErrorMinRequests = d.ErrorMinRequests
	}
	if t.Countries <= 0 {
		t.Countries = d.Countries
	}
	if t.DispersionWindow <= 0 {
		t.DispersionWindow = d.DispersionWindow
	}
	if len(t.SuspiciousAgents) == 0 {
		t.SuspiciousAgents = d.SuspiciousAgents
	}
	if t.MaxEvents <= 0 {
		t.MaxEvents = d.MaxEvents
	}
	if t.IdleEviction <= 0 {
		t.IdleEviction = d.IdleEviction
	}
	return t
}

type history struct {
	mu     sync.Mutex
	events []Event
	head   int
	size   int
}

func (h *history) push(e Event, limit int) {
	if h.events == nil {
		h.events = make([]Event, limit)
	}
	idx := (h.head + h.size) % limit
	if h.size == limit {
		h.head = (h.head + 1) % limit
	} else {
		h.size++
	}
	h.events[idx] = e
}

// each visits events newest first until fn returns false.
func (h *history) each(fn func(*Event) bool) {
	n := len(h.events)
	for i := h.size - 1; i >= 0; i-- {
		if !fn(&h.events[(h.head+i)%n]) {
			return
		}
	}
}

func (h *history) last() (Event, bool) {
	if h.size == 0 {
		return Event{}, false
	}
	return h.events[(h.head+h.size-1)%len(h.events)], true
}

type Detector struct {
	mu       sync.Mutex
	clients  map[string]*history
	lastSeen map[string]time.Time
	cfg      Thresholds
	clock    clock.Clock
	observed int
}

func NewDetector(cfg Thresholds, c clock.Clock) *Detector {
	return &Detector{
		clients:  map[string]*history{},
		lastSeen: map[string]time.Time{},
		cfg:      cfg.withDefaults(),
		clock:    clock.OrReal(c),
	}
}

func (d *Detector) history(client string, create bool) *history {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.clients[client]
	if !ok && create {
		h = &history{}
		d.clients[client] = h
	}
	if create {
		now := d.clock.Now()
		d.lastSeen[client] = now
		d.observed++
		if d.observed%1024 == 0 {
			d.evictLocked(now)
		}
	}
	return h
}

func (d *Detector) evictLocked(now time.Time) {
	for client, seen := range d.lastSeen {
		if now.Sub(seen) > d.cfg.IdleEviction {
			delete(d.lastSeen, client)
			delete(d.clients, client)
		}
	}
}

// Observe appends a request event for client.
func (d *Detector) Observe(client string, e Event) {
	if e.At.IsZero() {
		e.At = d.clock.Now()
	}
	h := d.history(client, true)
	h.mu.Lock()
	h.push(e, d.cfg.MaxEvents)
	h.mu.Unlock()
}

// RecordOutcome attaches a response status to the newest pending event for
// endpoint.
func (d *Detector) RecordOutcome(client, endpoint string, status int, authFailure bool) {
	h := d.history(client, false)
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.each(func(e *Event) bool {
		if e.Status == 0 && e.Endpoint == endpoint {
			e.Status = status
			e.AuthFailure = authFailure || status == 401
			return false
		}
		return true
	})
}

type stats struct {
	recent       int
	authFailures int
	endpoints    map[string]struct{}
	agents       map[string]struct{}
	countries    map[string]struct{}
	withStatus   int
	errors       int
	lastAgent    string
}

func (d *Detector) collect(h *history, now time.Time) stats {
	s := stats{endpoints: map[string]struct{}{}, agents: map[string]struct{}{}, countries: map[string]struct{}{}}
	horizon := max(d.cfg.RequestWindow, d.cfg.AuthWindow, d.cfg.DispersionWindow)
	if last, ok := h.last(); ok {
		s.lastAgent = last.UserAgent
	}
	h.each(func(e *Event) bool {
		age := now.Sub(e.At)
		if age > horizon {
			return false
		}
		if age <= d.cfg.RequestWindow {
			s.recent++
		}
		if age <= d.cfg.AuthWindow {
			if e.AuthFailure {
				s.authFailures++
			}
			if e.Status != 0 {
				s.withStatus++
				if e.Status >= 400 {
					s.errors++
				}
			}
		}
		if age <= d.cfg.DispersionWindow {
			s.endpoints[e.Endpoint] = struct{}{}
			if e.UserAgent != "" {
				s.agents[e.UserAgent] = struct{}{}
			}
			if e.Country != "" {
				s.countries[e.Country] = struct{}{}
			}
		}
		return true
	})
	return s
}

// Detect runs every detector over the client's history. Each detector yields
// at most one pattern.
func (d *Detector) Detect(client string) []Pattern {
	h := d.history(client, false)
	if h == nil {
		return nil
	}
	now := d.clock.Now()
	h.mu.Lock()
	s := d.collect(h, now)
	h.mu.Unlock()

	var out []Pattern
	add := func(kind string, sev Severity, action string, confidence float64, evidence map[string]any) {
		out = append(out, Pattern{
			Type:       kind,
			Severity:   sev,
			ClientID:   client,
			Evidence:   evidence,
			Confidence: math.Min(1, math.Round(confidence*1000)/1000),
			Action:     action,
			DetectedAt: now,
		})
	}
	c := d.cfg
	if s.recent > c.RapidFire {
		sev := SeverityMedium
		if s.recent > c.RapidFireHigh {
			sev = SeverityHigh
		}
		add(PatternRapidFire, sev, ActionThrottle, float64(s.recent)/float64(c.RapidFireHigh),
			map[string]any{"requests": s.recent, "window_seconds": c.RequestWindow.Seconds()})
	}
	if s.authFailures > c.AuthFailures {
		add(PatternCredentialStuffing, SeverityCritical, ActionBlock, float64(s.authFailures)/float64(2*c.AuthFailures),
			map[string]any{"auth_failures": s.authFailures, "window_seconds": c.AuthWindow.Seconds()})
	}
	if len(s.endpoints) > c.ScrapingEndpoints && len(s.agents) <= c.ScrapingMaxAgents {
		add(PatternScraping, SeverityMedium, ActionThrottle, float64(len(s.endpoints))/float64(2*c.ScrapingEndpoints),
			map[string]any{"distinct_endpoints": len(s.endpoints), "distinct_user_agents": len(s.agents)})
	}
	if s.recent > c.DDoS {
		add(PatternDDoS, SeverityCritical, ActionImmediateBlock, float64(s.recent)/float64(c.DDoS),
			map[string]any{"requests": s.recent, "window_seconds": c.RequestWindow.Seconds()})
	}
	if s.withStatus >= c.ErrorMinRequests {
		rate := float64(s.errors) / float64(s.withStatus)
		if rate > c.ErrorRate {
			add(PatternAPIAbuse, SeverityMedium, ActionThrottle, rate,
				map[string]any{"error_rate": rate, "requests": s.withStatus})
		}
	}
	if len(s.countries) > c.Countries {
		add(PatternGeoDispersion, SeverityMedium, ActionVerify, float64(len(s.countries))/float64(2*c.Countries),
			map[string]any{"distinct_countries": len(s.countries)})
	}
	if agent := d.suspiciousAgent(s.lastAgent); agent != "" {
		add(PatternSuspiciousAgent, SeverityLow, ActionFlagForReview, 0.6,
			map[string]any{"matched": agent})
	}
	return out
}

func (d *Detector) suspiciousAgent(ua string) string {
	lower := strings.ToLower(ua)
	for _, s := range d.cfg.SuspiciousAgents {
		if s != "" && strings.Contains(lower, s) {
			return s
		}
	}
	return ""
}

var severityPenalty = map[Severity]float64{
	SeverityLow:      0.05,
	SeverityMedium:   0.2,
	SeverityHigh:     0.35,
	SeverityCritical: 0.6,
}

// Behavior turns the client's current patterns into a trust signal in [0,1].
// Clients without history start at 0.7.
func (d *Detector) Behavior(client string) float64 {
	h := d.history(client, false)
	if h == nil {
		return 0.7
	}
	h.mu.Lock()
	n := h.size
	h.mu.Unlock()
	score := 0.7
	if n >= d.cfg.ErrorMinRequests {
		score = 0.9
	}
	for _, p := range d.Detect(client) {
		score -= severityPenalty[p.Severity]
	}
	return math.Max(0, math.Min(1, score))
}

func (d *Detector) Clients() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}
