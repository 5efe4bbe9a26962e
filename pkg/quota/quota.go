// Package quota accounts weighted request cost per window and enforces
// calendar quotas (daily, weekly, monthly) per client and category.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"admission/pkg/category"
	"admission/pkg/clock"
	"admission/pkg/ratelimit"
	"admission/pkg/store"
)

type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
)

var Periods = []Period{Daily, Weekly, Monthly}

func ParsePeriod(raw string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(raw))); p {
	case Daily, Weekly, Monthly:
		return p, nil
	}
	return "", fmt.Errorf("unknown quota period %q", raw)
}

// Bounds returns the calendar key suffix and the end of the period containing
// now. Weeks follow ISO-8601.
func (p Period) Bounds(now time.Time) (string, time.Time) {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case Weekly:
		year, week := now.ISOWeek()
		offset := (int(day.Weekday()) + 6) % 7
		monday := day.AddDate(0, 0, -offset)
		return fmt.Sprintf("weekly:%04d-W%02d", year, week), monday.AddDate(0, 0, 7)
	case Monthly:
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return "monthly:" + now.Format("2006-01"), first.AddDate(0, 1, 0)
	default:
		return "daily:" + now.Format("2006-01-02"), day.AddDate(0, 0, 1)
	}
}

// OperationCost overrides the category base cost for requests whose method
// matches and whose path starts with Prefix.
type OperationCost struct {
	Method string `yaml:"method" json:"method"`
	Prefix string `yaml:"prefix" json:"prefix"`
	Cost   int    `yaml:"cost" json:"cost"`
}

type CostDecision struct {
	Allowed    bool
	Cost       int
	Used       int64
	Limit      int
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

type QuotaDecision struct {
	Allowed bool
	// Period is the first period that refused, or empty.
	Period     Period
	Used       int64
	Limit      int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Manager struct {
	store      store.Store
	clock      clock.Clock
	limits     category.Table
	operations []OperationCost
	quotas     map[category.Category]map[Period]int64
}

type Options struct {
	Limits     category.Table
	Operations []OperationCost
	// Quotas are default calendar quotas; 0 or missing means unlimited.
	Quotas map[category.Category]map[Period]int64
}

func NewManager(s store.Store, c clock.Clock, opts Options) *Manager {
	ops := append([]OperationCost(nil), opts.Operations...)
	sort.SliceStable(ops, func(i, j int) bool { return len(ops[i].Prefix) > len(ops[j].Prefix) })
	limits := opts.Limits
	if limits == nil {
		limits = category.DefaultTable()
	}
	return &Manager{
		store:      s,
		clock:      clock.OrReal(c),
		limits:     limits,
		operations: ops,
		quotas:     opts.Quotas,
	}
}

// Cost returns the weighted cost of one request. The longest matching
// operation override wins over the category base cost.
func (m *Manager) Cost(c category.Category, method, path string) int {
	for _, op := range m.operations {
		if op.Method != "" && !strings.EqualFold(op.Method, method) {
			continue
		}
		if strings.HasPrefix(path, op.Prefix) {
			return op.Cost
		}
	}
	return m.limits.Get(c).BaseCost
}

func CostKey(client string, c category.Category, index int64) string {
	return "ratelimit:cost:" + client + ":" + string(c) + ":" + strconv.FormatInt(index, 10)
}

// CheckCost debits cost from the client's window ledger. A debit that would
// overflow the ceiling is refused and leaves the ledger untouched.
func (m *Manager) CheckCost(ctx context.Context, client string, c category.Category, cost int) (CostDecision, error) {
	l := m.limits.Get(c)
	limit := l.EffectiveCostLimit()
	now := m.clock.Now()
	index, resetAt := ratelimit.WindowIndex(now, l.Window)
	if cost <= 0 || limit <= 0 {
		return CostDecision{Allowed: true, Cost: cost, Limit: limit, ResetAt: resetAt}, nil
	}
	used, ok, err := m.store.DebitWithin(ctx, CostKey(client, c, index), int64(cost), int64(limit), l.Window)
	if err != nil {
		return CostDecision{}, fmt.Errorf("cost ledger: %w", err)
	}
	d := CostDecision{
		Allowed:   ok,
		Cost:      cost,
		Used:      used,
		Limit:     limit,
		Remaining: max(int64(limit)-used, 0),
		ResetAt:   resetAt,
	}
	if !ok {
		d.RetryAfter = ratelimit.RetryAfter(resetAt.Sub(now))
	}
	return d, nil
}

func QuotaKey(client string, c category.Category, periodKey string) string {
	return "ratelimit:quota:" + client + ":" + string(c) + ":" + periodKey
}

func QuotaLimitKey(client string, c category.Category, p Period) string {
	return "ratelimit:quota_limit:" + client + ":" + string(c) + ":" + string(p)
}

// SetQuotaLimit stores a per-client override. A negative limit removes it.
func (m *Manager) SetQuotaLimit(ctx context.Context, client string, c category.Category, p Period, limit int64) error {
	key := QuotaLimitKey(client, c, p)
	if limit < 0 {
		return m.store.Del(ctx, key)
	}
	return m.store.Set(ctx, key, strconv.FormatInt(limit, 10), 0)
}

// QuotaLimit resolves the effective limit for a period: client override first,
// then the configured default. Zero means unlimited.
func (m *Manager) QuotaLimit(ctx context.Context, client string, c category.Category, p Period) (int64, error) {
	raw, err := m.store.Get(ctx, QuotaLimitKey(client, c, p))
	switch {
	case err == nil:
		v, perr := strconv.ParseInt(raw, 10, 64)
		if perr == nil && v >= 0 {
			return v, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return 0, err
	}
	return m.quotas[c][p], nil
}

// CheckQuota counts the request against every configured period. When a later
// period refuses, debits already taken for earlier periods are returned.
func (m *Manager) CheckQuota(ctx context.Context, client string, c category.Category) (QuotaDecision, error) {
	return m.CheckQuotaCapped(ctx, client, c, nil)
}

// CheckQuotaCapped is CheckQuota with extra per-period ceilings, such as a
// country quota. The lower positive of the cap and the configured limit wins.
func (m *Manager) CheckQuotaCapped(ctx context.Context, client string, c category.Category, caps map[Period]int64) (QuotaDecision, error) {
	now := m.clock.Now()
	var taken []string
	for _, p := range Periods {
		limit, err := m.QuotaLimit(ctx, client, c, p)
		if err != nil {
			return QuotaDecision{}, fmt.Errorf("quota limit: %w", err)
		}
		if capped := caps[p]; capped > 0 && (limit <= 0 || capped < limit) {
			limit = capped
		}
		if limit <= 0 {
			continue
		}
		suffix, end := p.Bounds(now)
		key := QuotaKey(client, c, suffix)
		used, ok, err := m.store.DebitWithin(ctx, key, 1, limit, end.Sub(now))
		if err != nil {
			return QuotaDecision{}, fmt.Errorf("quota %s: %w", p, err)
		}
		if !ok {
			for _, k := range taken {
				_, _, _ = store.IncrBy(ctx, m.store, k, -1, 0)
			}
			return QuotaDecision{
				Allowed:    false,
				Period:     p,
				Used:       used,
				Limit:      limit,
				ResetAt:    end,
				RetryAfter: ratelimit.RetryAfter(end.Sub(now)),
			}, nil
		}
		taken = append(taken, key)
	}
	return QuotaDecision{Allowed: true}, nil
}

// Usage reports how much of a period's quota the client has consumed.
func (m *Manager) Usage(ctx context.Context, client string, c category.Category, p Period) (int64, error) {
	suffix, _ := p.Bounds(m.clock.Now())
	raw, err := m.store.Get(ctx, QuotaKey(client, c, suffix))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}
