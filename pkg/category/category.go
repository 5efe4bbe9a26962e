// Package category holds the fixed risk classes that govern an endpoint's base
// limits, together with the classifier that maps a request onto one of them.
package category

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Category string

const (
	PHIOperation       Category = "PHI_OPERATION"
	CrisisIntervention Category = "CRISIS_INTERVENTION"
	Authenticated      Category = "AUTHENTICATED"
	ReadOnly           Category = "READ_ONLY"
	Public             Category = "PUBLIC"
	System             Category = "SYSTEM"
)

var All = []Category{PHIOperation, CrisisIntervention, Authenticated, ReadOnly, Public, System}

func Parse(raw string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(raw)))
	switch c {
	case PHIOperation, CrisisIntervention, Authenticated, ReadOnly, Public, System:
		return c, nil
	}
	return "", fmt.Errorf("unknown category %q", raw)
}

func (c Category) String() string { return string(c) }

// FailClosed reports whether admission must deny when the shared store cannot
// be reached.
func (c Category) FailClosed() bool {
	return c == PHIOperation || c == CrisisIntervention
}

// Sensitive categories go through the compliance gate.
func (c Category) Sensitive() bool {
	return c == PHIOperation || c == CrisisIntervention
}

type Limits struct {
	Authenticated   int           `yaml:"authenticated_limit" json:"authenticated_limit"`
	Unauthenticated int           `yaml:"unauthenticated_limit" json:"unauthenticated_limit"`
	Window          time.Duration `yaml:"window" json:"window"`
	BurstMultiplier float64       `yaml:"burst_multiplier" json:"burst_multiplier"`
	BaseCost        int           `yaml:"base_cost" json:"base_cost"`
	// CostLimit is the per-window cost ceiling; 0 derives it from the
	// authenticated limit, base cost and burst multiplier.
	CostLimit int `yaml:"cost_limit" json:"cost_limit"`
}

func (l Limits) For(authenticated bool) int {
	if authenticated {
		return l.Authenticated
	}
	return l.Unauthenticated
}

func (l Limits) EffectiveCostLimit() int {
	if l.CostLimit > 0 {
		return l.CostLimit
	}
	m := l.BurstMultiplier
	if m < 1 {
		m = 1
	}
	return Scale(l.Authenticated*l.BaseCost, m)
}

// Scale returns floor(n*m). The epsilon absorbs binary rounding such as
// 150*1.2 = 179.99999999999997.
func Scale(n int, m float64) int {
	return int(math.Floor(float64(n)*m + 1e-9))
}

type Table map[Category]Limits

func DefaultTable() Table {
	return Table{
		PHIOperation:       {Authenticated: 30, Unauthenticated: 5, Window: time.Minute, BurstMultiplier: 1.2, BaseCost: 5},
		CrisisIntervention: {Authenticated: 50, Unauthenticated: 10, Window: time.Minute, BurstMultiplier: 2.0, BaseCost: 3},
		Authenticated:      {Authenticated: 100, Unauthenticated: 20, Window: time.Minute, BurstMultiplier: 1.5, BaseCost: 2},
		ReadOnly:           {Authenticated: 200, Unauthenticated: 50, Window: time.Minute, BurstMultiplier: 1.5, BaseCost: 1},
		Public:             {Authenticated: 60, Unauthenticated: 30, Window: time.Minute, BurstMultiplier: 1.5, BaseCost: 1},
		System:             {Authenticated: 300, Unauthenticated: 300, Window: time.Minute, BurstMultiplier: 3.0, BaseCost: 0},
	}
}

// Get returns the limits for c, falling back to the built-in default and then
// to PUBLIC so a partially configured table never yields a zero limit.
func (t Table) Get(c Category) Limits {
	if l, ok := t[c]; ok && l.Window > 0 {
		return l
	}
	defaults := DefaultTable()
	if l, ok := defaults[c]; ok {
		return l
	}
	return defaults[Public]
}

// Merge overlays non-zero fields of override onto t.
func (t Table) Merge(override Table) Table {
	out := Table{}
	for c, l := range t {
		out[c] = l
	}
	for c, o := range override {
		base := out.Get(c)
		if o.Authenticated > 0 {
			base.Authenticated = o.Authenticated
		}
		if o.Unauthenticated > 0 {
			base.Unauthenticated = o.Unauthenticated
		}
		if o.Window > 0 {
			base.Window = o.Window
		}
		if o.BurstMultiplier > 0 {
			base.BurstMultiplier = o.BurstMultiplier
		}
		if o.BaseCost > 0 {
			base.BaseCost = o.BaseCost
		}
		if o.CostLimit > 0 {
			base.CostLimit = o.CostLimit
		}
		out[c] = base
	}
	return out
}

type Operation string

const (
	OpRead      Operation = "read"
	OpWrite     Operation = "write"
	OpEmergency Operation = "emergency"
)

// OperationOf derives the operation kind used by compliance and cost rules.
func OperationOf(method, path string, c Category) Operation {
	lower := strings.ToLower(path)
	if c == CrisisIntervention || strings.Contains(lower, "emergency") {
		return OpEmergency
	}
	if isSafeMethod(method) {
		return OpRead
	}
	return OpWrite
}

func isSafeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS":
		return true
	}
	return false
}
