// Package ratelimit holds the counting primitives of the admission pipeline:
// the canonical fixed window with a burst ceiling, a sliding-window-counter
// alternative and a token bucket. All state lives in a store.Store.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"admission/pkg/category"
	"admission/pkg/clock"
	"admission/pkg/store"
)

type Decision struct {
	Allowed    bool
	UsedBurst  bool
	Count      int
	BurstCount int
	Limit      int
	BurstLimit int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Request struct {
	Category        category.Category
	ClientID        string
	Limit           int
	BurstMultiplier float64
	Window          time.Duration
}

// Limiter makes the final window decision for one request.
type Limiter interface {
	Allow(ctx context.Context, req Request) (Decision, error)
}

// FixedWindow counts requests per (category, client, window index) and keeps a
// parallel burst counter in the same window. A request is refused only when
// both the base limit and the burst ceiling are exceeded.
type FixedWindow struct {
	Store store.Store
	Clock clock.Clock
}

func NewFixedWindow(s store.Store, c clock.Clock) *FixedWindow {
	return &FixedWindow{Store: s, Clock: clock.OrReal(c)}
}

func (l *FixedWindow) Allow(ctx context.Context, req Request) (Decision, error) {
	req = normalize(req)
	now := l.Clock.Now()
	index, resetAt := WindowIndex(now, req.Window)
	keys := []string{
		WindowKey(req.Category, req.ClientID, index),
		BurstKey(req.Category, req.ClientID, index),
	}
	vals, _, err := l.Store.IncrMany(ctx, keys, 1, req.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("window counter: %w", err)
	}
	return decide(int(vals[0]), int(vals[1]), req, now, resetAt), nil
}

func decide(count, burstCount int, req Request, now, resetAt time.Time) Decision {
	burstLimit := BurstLimit(req.Limit, req.BurstMultiplier)
	withinBase := count <= req.Limit
	withinBurst := burstCount <= burstLimit
	d := Decision{
		Allowed:    withinBase || withinBurst,
		UsedBurst:  !withinBase && withinBurst,
		Count:      count,
		BurstCount: burstCount,
		Limit:      req.Limit,
		BurstLimit: burstLimit,
		Remaining:  max(req.Limit-count, 0),
		ResetAt:    resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = RetryAfter(resetAt.Sub(now))
	}
	return d
}

// BurstLimit is floor(limit*multiplier) and never below limit.
func BurstLimit(limit int, multiplier float64) int {
	if multiplier < 1 {
		return limit
	}
	return max(category.Scale(limit, multiplier), limit)
}

// RetryAfter rounds d up to whole seconds, minimum one.
func RetryAfter(d time.Duration) time.Duration {
	if d <= time.Second {
		return time.Second
	}
	secs := (d + time.Second - 1) / time.Second
	return secs * time.Second
}

// WindowKey and BurstKey wrap category and client in a Redis hash tag so both
// counters of one window live in the same cluster slot.
func WindowKey(c category.Category, client string, index int64) string {
	return "ratelimit:{" + string(c) + ":" + client + "}:" + strconv.FormatInt(index, 10)
}

func BurstKey(c category.Category, client string, index int64) string {
	return "ratelimit:{" + string(c) + ":" + client + "}:burst:" + strconv.FormatInt(index, 10)
}

// WindowIndex returns floor(now/window) and the instant that window ends.
func WindowIndex(now time.Time, window time.Duration) (int64, time.Time) {
	w := window.Milliseconds()
	index := now.UnixMilli() / w
	return index, time.UnixMilli((index + 1) * w).UTC()
}

func normalize(req Request) Request {
	if req.Limit <= 0 {
		req.Limit = 1
	}
	if req.Window < time.Millisecond {
		req.Window = time.Minute
	}
	return req
}
