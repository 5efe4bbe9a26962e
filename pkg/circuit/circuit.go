// Package circuit isolates failing backends per (endpoint, category).
package circuit

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"admission/pkg/category"
	"admission/pkg/clock"
)

type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

type Options struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	SuccessThreshold int           `yaml:"success_threshold"`
	// MaxBreakers caps the registry. Once full, the least recently used
	// breaker that is CLOSED with no failures is evicted to make room.
	MaxBreakers int `yaml:"max_breakers"`
}

const DefaultMaxBreakers = 1024

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Second
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = 3
	}
	if o.MaxBreakers <= 0 {
		o.MaxBreakers = DefaultMaxBreakers
	}
	return o
}

type Snapshot struct {
	Endpoint     string            `json:"endpoint"`
	Category     category.Category `json:"category"`
	State        State             `json:"state"`
	FailureCount int               `json:"failure_count"`
	SuccessCount int               `json:"success_count"`
	OpenedAt     time.Time         `json:"opened_at,omitempty"`
}

// Breaker is one state machine. CLOSED opens after FailureThreshold
// consecutive failures; OPEN turns HALF_OPEN once Cooldown has elapsed;
// HALF_OPEN closes after SuccessThreshold consecutive successes and reopens on
// any failure.
type Breaker struct {
	mu        sync.Mutex
	opts      Options
	clock     clock.Clock
	state     State
	failures  int
	successes int
	openedAt  time.Time
	onChange  func(from, to State)
	// lastUsed is the clock reading, in unix nanoseconds, of the latest Get.
	lastUsed atomic.Int64
}

func newBreaker(opts Options, c clock.Clock, onChange func(from, to State)) *Breaker {
	return &Breaker{opts: opts.withDefaults(), clock: clock.OrReal(c), state: Closed, onChange: onChange}
}

// Allow reports whether a call may proceed and, when it may not, how long
// until the cooldown ends.
func (b *Breaker) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return true, 0
	}
	elapsed := b.clock.Now().Sub(b.openedAt)
	if elapsed >= b.opts.Cooldown {
		b.transition(HalfOpen)
		return true, 0
	}
	return false, b.opts.Cooldown - elapsed
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.opts.SuccessThreshold {
			b.transition(Closed)
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.opts.FailureThreshold {
			b.transition(Open)
		}
	case HalfOpen:
		b.failures++
		b.transition(Open)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// idle reports whether the breaker carries no state worth keeping.
func (b *Breaker) idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Closed && b.failures == 0
}

func (b *Breaker) touch() {
	b.lastUsed.Store(b.clock.Now().UnixNano())
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	switch to {
	case Open:
		b.openedAt = b.clock.Now()
		b.successes = 0
	case HalfOpen:
		b.successes = 0
	case Closed:
		b.failures = 0
		b.successes = 0
		b.openedAt = time.Time{}
	}
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}

type key struct {
	endpoint string
	category category.Category
}

// Registry owns one breaker per (endpoint, category), up to MaxBreakers.
type Registry struct {
	mu       sync.RWMutex
	opts     Options
	clock    clock.Clock
	breakers map[key]*Breaker
	// OnChange is called on every state transition, under the breaker lock.
	OnChange func(endpoint string, c category.Category, from, to State)
}

func NewRegistry(opts Options, c clock.Clock) *Registry {
	return &Registry{opts: opts.withDefaults(), clock: clock.OrReal(c), breakers: map[key]*Breaker{}}
}

// Get returns the breaker for (endpoint, c). When the registry is full and
// nothing is idle, the breaker returned is not retained, so it starts CLOSED
// on every call.
func (r *Registry) Get(endpoint string, c category.Category) *Breaker {
	k := key{endpoint: endpoint, category: c}
	r.mu.RLock()
	b, ok := r.breakers[k]
	r.mu.RUnlock()
	if ok {
		b.touch()
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[k]; ok {
		b.touch()
		return b
	}
	b = newBreaker(r.opts, r.clock, func(from, to State) {
		if r.OnChange != nil {
			r.OnChange(endpoint, c, from, to)
		}
	})
	b.touch()
	if len(r.breakers) >= r.opts.MaxBreakers && !r.evictIdle() {
		return b
	}
	r.breakers[k] = b
	return b
}

// evictIdle removes the least recently used idle breaker. Must be called
// with mu held.
func (r *Registry) evictIdle() bool {
	var (
		victim key
		oldest int64
		found  bool
	)
	for k, b := range r.breakers {
		if !b.idle() {
			continue
		}
		if used := b.lastUsed.Load(); !found || used < oldest {
			victim, oldest, found = k, used, true
		}
	}
	if found {
		delete(r.breakers, victim)
	}
	return found
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}

func (r *Registry) Check(endpoint string, c category.Category) (bool, time.Duration) {
	return r.Get(endpoint, c).Allow()
}

// Record feeds a backend outcome into the breaker.
func (r *Registry) Record(endpoint string, c category.Category, success bool) {
	b := r.Get(endpoint, c)
	if success {
		b.RecordSuccess()
		return
	}
	b.RecordFailure()
}

// Reset closes a breaker by hand. It reports whether one existed.
func (r *Registry) Reset(endpoint string, c category.Category) bool {
	r.mu.RLock()
	b, ok := r.breakers[key{endpoint: endpoint, category: c}]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.mu.Lock()
	b.transition(Closed)
	b.mu.Unlock()
	return true
}

func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for k, b := range r.breakers {
		b.mu.Lock()
		out = append(out, Snapshot{
			Endpoint:     k.endpoint,
			Category:     k.category,
			State:        b.state,
			FailureCount: b.failures,
			SuccessCount: b.successes,
			OpenedAt:     b.openedAt,
		})
		b.mu.Unlock()
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Endpoint != out[j].Endpoint {
			return out[i].Endpoint < out[j].Endpoint
		}
		return out[i].Category < out[j].Category
	})
	return out
}
