package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"admission/pkg/category"
	"admission/pkg/clock"
	"admission/pkg/store"
)

type BucketRequest struct {
	Category        category.Category
	ClientID        string
	Capacity        int
	BurstMultiplier float64
	// RefillPerSec defaults to Capacity per Window.
	RefillPerSec float64
	Window       time.Duration
	Cost         float64
}

type BucketDecision struct {
	Allowed    bool
	Remaining  float64
	Capacity   float64
	RetryAfter time.Duration
}

// TokenBucket smooths traffic per (client, category) independently of the
// window counter. The bucket holds at most capacity*burst tokens.
type TokenBucket struct {
	Store store.Store
	Clock clock.Clock
}

func NewTokenBucket(s store.Store, c clock.Clock) *TokenBucket {
	return &TokenBucket{Store: s, Clock: clock.OrReal(c)}
}

func BucketKey(c category.Category, client string) string {
	return "ratelimit:bucket:" + string(c) + ":" + client
}

func (b *TokenBucket) Take(ctx context.Context, req BucketRequest) (BucketDecision, error) {
	if req.Capacity <= 0 {
		req.Capacity = 1
	}
	if req.Window <= 0 {
		req.Window = time.Minute
	}
	if req.Cost <= 0 {
		req.Cost = 1
	}
	multiplier := math.Max(req.BurstMultiplier, 1)
	capacity := math.Floor(float64(req.Capacity)*multiplier + 1e-9)
	refill := req.RefillPerSec
	if refill <= 0 {
		refill = float64(req.Capacity) / req.Window.Seconds()
	}
	// Idle keys disappear once a full refill would have happened anyway.
	ttl := time.Duration(capacity/refill*float64(time.Second)) + time.Second

	res, err := b.Store.TakeTokens(ctx, BucketKey(req.Category, req.ClientID), store.Bucket{
		Capacity:     capacity,
		RefillPerSec: refill,
		Cost:         req.Cost,
		TTL:          ttl,
	}, b.Clock.Now())
	if err != nil {
		return BucketDecision{}, fmt.Errorf("token bucket: %w", err)
	}
	d := BucketDecision{Allowed: res.Allowed, Remaining: res.Remaining, Capacity: capacity}
	if !d.Allowed {
		missing := req.Cost - res.Remaining
		d.RetryAfter = RetryAfter(time.Duration(missing / refill * float64(time.Second)))
	}
	return d, nil
}
