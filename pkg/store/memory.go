package store

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"admission/pkg/clock"
)

// Memory is a single-process Store. It backs tests and single-instance
// deployments when Redis is not configured.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	items   map[string]memItem
	sets    map[string]map[string]struct{}
	buckets map[string]*memBucket
}

type memItem struct {
	value     string
	expiresAt time.Time
}

type memBucket struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func NewMemory(c clock.Clock) *Memory {
	return &Memory{
		clock:   clock.OrReal(c),
		items:   map[string]memItem{},
		sets:    map[string]map[string]struct{}{},
		buckets: map[string]*memBucket{},
	}
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.liveLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	return item.value, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memItem{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.liveLocked(key); ok {
		return false, nil
	}
	m.items[key] = memItem{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) GetDel(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.liveLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	delete(m.items, key)
	return item.value, nil
}

func (m *Memory) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	delete(m.sets, key)
	delete(m.buckets, key)
	return nil
}

func (m *Memory) IncrMany(ctx context.Context, keys []string, delta int64, ttl time.Duration) ([]int64, time.Duration, error) {
	if len(keys) == 0 {
		return nil, 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	out := make([]int64, len(keys))
	var firstExpiry time.Time
	for i, key := range keys {
		item, ok := m.liveLocked(key)
		var current int64
		if ok {
			current, _ = strconv.ParseInt(item.value, 10, 64)
		}
		if item.expiresAt.IsZero() && ttl > 0 {
			item.expiresAt = now.Add(ttl)
		}
		current += delta
		item.value = strconv.FormatInt(current, 10)
		m.items[key] = item
		out[i] = current
		if i == 0 {
			firstExpiry = item.expiresAt
		}
	}
	remaining := ttl
	if !firstExpiry.IsZero() {
		remaining = firstExpiry.Sub(now)
	}
	return out, remaining, nil
}

func (m *Memory) DebitWithin(ctx context.Context, key string, delta, max int64, ttl time.Duration) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.liveLocked(key)
	var current int64
	if ok {
		current, _ = strconv.ParseInt(item.value, 10, 64)
	}
	if max > 0 && current+delta > max {
		return current, false, nil
	}
	if item.expiresAt.IsZero() && ttl > 0 {
		item.expiresAt = m.clock.Now().Add(ttl)
	}
	current += delta
	item.value = strconv.FormatInt(current, 10)
	m.items[key] = item
	return current, true, nil
}

// TakeTokens keeps one rate.Limiter per key; the limiter performs the lazy
// refill against the supplied timestamp.
func (m *Memory) TakeTokens(ctx context.Context, key string, b Bucket, now time.Time) (BucketResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	burst := int(math.Floor(b.Capacity))
	limit := rate.Limit(b.RefillPerSec)
	entry, ok := m.buckets[key]
	if ok && !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
		ok = false
	}
	if !ok {
		entry = &memBucket{limiter: rate.NewLimiter(limit, burst)}
		entry.limiter.SetBurstAt(now, burst)
		m.buckets[key] = entry
	} else {
		if entry.limiter.Burst() != burst {
			entry.limiter.SetBurstAt(now, burst)
		}
		if entry.limiter.Limit() != limit {
			entry.limiter.SetLimitAt(now, limit)
		}
	}
	if b.TTL > 0 {
		entry.expiresAt = now.Add(b.TTL)
	}
	cost := int(math.Ceil(b.Cost))
	allowed := entry.limiter.AllowN(now, cost)
	remaining := entry.limiter.TokensAt(now)
	if remaining < 0 {
		remaining = 0
	}
	return BucketResult{Allowed: allowed, Remaining: remaining}, nil
}

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = map[string]struct{}{}
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) SIsMember(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[key])), nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

func (m *Memory) liveLocked(key string) (memItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if !item.expiresAt.IsZero() && !m.clock.Now().Before(item.expiresAt) {
		delete(m.items, key)
		return memItem{}, false
	}
	return item, true
}
