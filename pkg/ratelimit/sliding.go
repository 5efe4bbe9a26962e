package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"admission/pkg/clock"
	"admission/pkg/store"
)

// SlidingWindow approximates a rolling window from two fixed counters:
// estimate = previous*(1-elapsed/window) + current. It smooths the doubling that
// a fixed window allows around rollover and keeps the same key layout.
type SlidingWindow struct {
	Store store.Store
	Clock clock.Clock
}

func NewSlidingWindow(s store.Store, c clock.Clock) *SlidingWindow {
	return &SlidingWindow{Store: s, Clock: clock.OrReal(c)}
}

func (l *SlidingWindow) Allow(ctx context.Context, req Request) (Decision, error) {
	req = normalize(req)
	now := l.Clock.Now()
	index, resetAt := WindowIndex(now, req.Window)

	prev := 0
	raw, err := l.Store.Get(ctx, WindowKey(req.Category, req.ClientID, index-1))
	switch {
	case err == nil:
		prev, _ = strconv.Atoi(raw)
	case !errors.Is(err, store.ErrNotFound):
		return Decision{}, fmt.Errorf("sliding window: %w", err)
	}

	// The current counter must outlive its window so the next one can weight it.
	current, _, err := store.IncrBy(ctx, l.Store, WindowKey(req.Category, req.ClientID, index), 1, 2*req.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("sliding window: %w", err)
	}
	windowStart := resetAt.Add(-req.Window)
	elapsed := float64(now.Sub(windowStart)) / float64(req.Window)
	estimate := int(math.Floor(float64(prev)*(1-elapsed))) + int(current)
	return decide(estimate, estimate, req, now, resetAt), nil
}
