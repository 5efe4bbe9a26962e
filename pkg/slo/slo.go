// Package slo evaluates SLI events against service-level objectives and
// tracks the remaining error budget of each. Breach alerts are advisory.
package slo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"admission/pkg/category"
	"admission/pkg/clock"
	"admission/pkg/store"
)

type SLIType string

const (
	Availability SLIType = "availability"
	Latency      SLIType = "latency"
)

type Target struct {
	Type SLIType `yaml:"sli_type" json:"sli_type"`
	// TargetValue is the fraction of good events promised, e.g. 0.999.
	TargetValue float64 `yaml:"target_value" json:"target_value"`
	// Threshold bounds a good latency event.
	Threshold time.Duration `yaml:"threshold" json:"threshold,omitempty"`
	Window    time.Duration `yaml:"window" json:"window"`
}

type SLO struct {
	Name       string              `yaml:"name" json:"name"`
	Targets    []Target            `yaml:"targets" json:"targets"`
	Categories []category.Category `yaml:"categories" json:"categories,omitempty"`
}

// Budget is the allowed bad-event fraction: 1 minus the strictest target.
func (s SLO) Budget() float64 {
	strictest := 0.0
	for _, t := range s.Targets {
		strictest = max(strictest, t.TargetValue)
	}
	if strictest <= 0 || strictest >= 1 {
		return 0.001
	}
	return 1 - strictest
}

func (s SLO) window() time.Duration {
	w := time.Duration(0)
	for _, t := range s.Targets {
		w = max(w, t.Window)
	}
	if w <= 0 {
		w = 30 * 24 * time.Hour
	}
	return w
}

func (s SLO) applies(c category.Category) bool {
	return len(s.Categories) == 0 || slices.Contains(s.Categories, c)
}

// Good reports whether e met every target of s.
func (s SLO) Good(e Event) bool {
	for _, t := range s.Targets {
		switch t.Type {
		case Availability:
			if !e.Success {
				return false
			}
		case Latency:
			if t.Threshold > 0 && e.Latency > t.Threshold {
				return false
			}
		}
	}
	return true
}

func (s SLO) Validate() error {
	if s.Name == "" {
		return errors.New("slo name is required")
	}
	if len(s.Targets) == 0 {
		return fmt.Errorf("slo %s: at least one target is required", s.Name)
	}
	for _, t := range s.Targets {
		if t.Type != Availability && t.Type != Latency {
			return fmt.Errorf("slo %s: unknown sli type %q", s.Name, t.Type)
		}
		if t.TargetValue <= 0 || t.TargetValue >= 1 {
			return fmt.Errorf("slo %s: target value must be in (0,1)", s.Name)
		}
		if t.Type == Latency && t.Threshold <= 0 {
			return fmt.Errorf("slo %s: latency target needs a threshold", s.Name)
		}
	}
	return nil
}

func DefaultSLOs() []SLO {
	return []SLO{
		{
			Name:    "admission-availability",
			Targets: []Target{{Type: Availability, TargetValue: 0.999, Window: 30 * 24 * time.Hour}},
		},
		{
			Name:       "phi-latency",
			Targets:    []Target{{Type: Latency, TargetValue: 0.99, Threshold: 500 * time.Millisecond, Window: 24 * time.Hour}},
			Categories: []category.Category{category.PHIOperation},
		},
		{
			Name:       "crisis-availability",
			Targets:    []Target{{Type: Availability, TargetValue: 0.9999, Window: 7 * 24 * time.Hour}},
			Categories: []category.Category{category.CrisisIntervention},
		},
	}
}

type Event struct {
	Category category.Category
	Endpoint string
	Success  bool
	Latency  time.Duration
}

type Budget struct {
	SLO             string    `json:"slo"`
	TotalBudget     float64   `json:"total_budget"`
	Consumed        int64     `json:"consumed"`
	EventsProcessed int64     `json:"events_processed"`
	Remaining       float64   `json:"remaining_budget"`
	ResetAt         time.Time `json:"reset_at"`
	Breached        bool      `json:"breached"`
}

func (b *Budget) recompute() {
	if b.EventsProcessed == 0 {
		b.Remaining = b.TotalBudget
		return
	}
	b.Remaining = b.TotalBudget - float64(b.Consumed)/float64(b.EventsProcessed)
}

type Alert struct {
	SLO       string    `json:"slo"`
	Remaining float64   `json:"remaining_budget"`
	Consumed  int64     `json:"consumed"`
	Events    int64     `json:"events_processed"`
	At        time.Time `json:"at"`
}

const (
	ConfigKey    = "observability:slo_configs"
	budgetPrefix = "observability:error_budget:"
)

func BudgetKey(name string) string { return budgetPrefix + name }

// Tracker is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	slos    []SLO
	budgets map[string]*Budget
	clock   clock.Clock
	store   store.Store
	// PersistEvery mirrors a budget to the store every n events.
	PersistEvery int64
}

func NewTracker(slos []SLO, s store.Store, c clock.Clock) (*Tracker, error) {
	if len(slos) == 0 {
		slos = DefaultSLOs()
	}
	t := &Tracker{budgets: map[string]*Budget{}, clock: clock.OrReal(c), store: s, PersistEvery: 50}
	now := t.clock.Now()
	for _, o := range slos {
		if err := o.Validate(); err != nil {
			return nil, err
		}
		t.slos = append(t.slos, o)
		b := &Budget{SLO: o.Name, TotalBudget: o.Budget(), ResetAt: now.Add(o.window())}
		b.recompute()
		t.budgets[o.Name] = b
	}
	return t, nil
}

// LoadConfigs reads SLO definitions stored as a JSON list. It returns nil, nil
// when none are stored.
func LoadConfigs(ctx context.Context, s store.Store) ([]SLO, error) {
	raw, err := s.Get(ctx, ConfigKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []SLO
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ConfigKey, err)
	}
	return out, nil
}

func SaveConfigs(ctx context.Context, s store.Store, slos []SLO) error {
	raw, err := json.Marshal(slos)
	if err != nil {
		return err
	}
	return s.Set(ctx, ConfigKey, string(raw), 0)
}

// Restore loads persisted budgets whose window has not ended yet.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	for name, b := range t.budgets {
		raw, err := t.store.Get(ctx, BudgetKey(name))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var saved Budget
		if json.Unmarshal([]byte(raw), &saved) != nil || !now.Before(saved.ResetAt) {
			continue
		}
		b.Consumed, b.EventsProcessed, b.ResetAt, b.Breached = saved.Consumed, saved.EventsProcessed, saved.ResetAt, saved.Breached
		b.recompute()
	}
	return nil
}

// Record applies e to every SLO covering its category and returns an alert
// for each budget that became exhausted with this event.
func (t *Tracker) Record(ctx context.Context, e Event) []Alert {
	now := t.clock.Now()
	var alerts []Alert
	var dirty []Budget
	t.mu.Lock()
	for _, o := range t.slos {
		if !o.applies(e.Category) {
			continue
		}
		b := t.budgets[o.Name]
		reset := false
		if !now.Before(b.ResetAt) {
			b.Consumed, b.EventsProcessed, b.Breached = 0, 0, false
			b.ResetAt = now.Add(o.window())
			reset = true
		}
		b.EventsProcessed++
		if !o.Good(e) {
			b.Consumed++
		}
		b.recompute()
		transition := false
		switch {
		case b.Remaining <= 0 && !b.Breached:
			b.Breached = true
			transition = true
			alerts = append(alerts, Alert{SLO: o.Name, Remaining: b.Remaining, Consumed: b.Consumed, Events: b.EventsProcessed, At: now})
		case b.Remaining > 0 && b.Breached:
			b.Breached = false
			transition = true
		}
		if reset || transition || (t.PersistEvery > 0 && b.EventsProcessed%t.PersistEvery == 0) {
			dirty = append(dirty, *b)
		}
	}
	t.mu.Unlock()
	t.persist(ctx, dirty)
	return alerts
}

func (t *Tracker) persist(ctx context.Context, budgets []Budget) {
	if t.store == nil {
		return
	}
	now := t.clock.Now()
	for _, b := range budgets {
		raw, err := json.Marshal(b)
		if err != nil {
			continue
		}
		_ = t.store.Set(ctx, BudgetKey(b.SLO), string(raw), b.ResetAt.Sub(now))
	}
}

// Flush mirrors every budget to the store.
func (t *Tracker) Flush(ctx context.Context) {
	t.persist(ctx, t.Budgets())
}

func (t *Tracker) Budgets() []Budget {
	t.mu.Lock()
	out := make([]Budget, 0, len(t.budgets))
	for _, b := range t.budgets {
		out = append(out, *b)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SLO < out[j].SLO })
	return out
}
