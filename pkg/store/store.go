// Package store is the shared low-latency state every admission stage reads and
// mutates. All counter mutations are single atomic operations so that several
// gateway instances sharing one Redis stay consistent without in-process locks.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable wraps every transport-level failure (timeouts, refused
	// connections, script errors). Callers apply their fail-open/closed policy.
	ErrUnavailable = errors.New("store unavailable")
	ErrNotFound    = errors.New("store: key not found")
)

// Bucket describes one token-bucket debit.
type Bucket struct {
	Capacity     float64
	RefillPerSec float64
	Cost         float64
	TTL          time.Duration
}

type BucketResult struct {
	Allowed   bool
	Remaining float64
}

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	GetDel(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error

	// IncrMany adds delta to every key in one atomic step. A TTL is applied to
	// keys that have none yet. It returns the new values and the remaining TTL
	// of the first key. All keys must share a HashTag.
	IncrMany(ctx context.Context, keys []string, delta int64, ttl time.Duration) ([]int64, time.Duration, error)
	// DebitWithin adds delta only when the result stays <= max (max <= 0 means
	// unbounded). It returns the resulting value and whether the debit happened.
	DebitWithin(ctx context.Context, key string, delta, max int64, ttl time.Duration) (int64, bool, error)
	// TakeTokens lazily refills and debits a token bucket.
	TakeTokens(ctx context.Context, key string, b Bucket, now time.Time) (BucketResult, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	Ping(ctx context.Context) error
}

// IncrBy is IncrMany for a single key.
func IncrBy(ctx context.Context, s Store, key string, delta int64, ttl time.Duration) (int64, time.Duration, error) {
	vals, remaining, err := s.IncrMany(ctx, []string{key}, delta, ttl)
	if err != nil {
		return 0, 0, err
	}
	return vals[0], remaining, nil
}

// Bounded derives a context for one store round trip. The parent's
// cancellation is dropped on purpose: counters are side effects that must land
// even when the client has gone away.
func Bounded(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
