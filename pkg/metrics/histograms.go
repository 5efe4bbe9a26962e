package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// latencyBounds run from sub-millisecond admission stages to slow upstream
// responses, in seconds.
var latencyBounds = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// Latency is a fixed-bucket distribution for one series such as
// "stage:window" or "admission:PHI_OPERATION". counts holds one slot per bound
// plus an overflow slot.
type Latency struct {
	mu     sync.Mutex
	series string
	counts []int64
	sum    float64
	max    float64
	total  int64
}

func newLatency(series string) *Latency {
	return &Latency{series: series, counts: make([]int64, len(latencyBounds)+1)}
}

func (l *Latency) Observe(d time.Duration) {
	sec := max(d.Seconds(), 0)
	i := sort.SearchFloat64s(latencyBounds, sec)
	l.mu.Lock()
	l.counts[i]++
	l.sum += sec
	l.max = max(l.max, sec)
	l.total++
	l.mu.Unlock()
}

// Quantile returns the upper bound of the bucket holding the q-th
// observation, or the largest observation when it lands in overflow.
func (l *Latency) Quantile(q float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quantileLocked(q)
}

func (l *Latency) quantileLocked(q float64) float64 {
	if l.total == 0 {
		return 0
	}
	rank := int64(q*float64(l.total) + 0.5)
	rank = min(max(rank, 1), l.total)
	var seen int64
	for i, n := range l.counts {
		seen += n
		if seen >= rank {
			if i < len(latencyBounds) {
				return latencyBounds[i]
			}
			return l.max
		}
	}
	return l.max
}

// LatencyBucket is cumulative, in the Prometheus le convention.
type LatencyBucket struct {
	Le    float64 `json:"le"`
	Count int64   `json:"count"`
}

type LatencySnapshot struct {
	Series  string          `json:"series"`
	Buckets []LatencyBucket `json:"buckets"`
	Sum     float64         `json:"sum_seconds"`
	Max     float64         `json:"max_seconds"`
	Count   int64           `json:"count"`
	P50     float64         `json:"p50_seconds"`
	P95     float64         `json:"p95_seconds"`
	P99     float64         `json:"p99_seconds"`
}

func (l *Latency) Snapshot() LatencySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := LatencySnapshot{
		Series:  l.series,
		Buckets: make([]LatencyBucket, len(latencyBounds)),
		Sum:     l.sum,
		Max:     l.max,
		Count:   l.total,
		P50:     l.quantileLocked(0.50),
		P95:     l.quantileLocked(0.95),
		P99:     l.quantileLocked(0.99),
	}
	var cum int64
	for i, le := range latencyBounds {
		cum += l.counts[i]
		snap.Buckets[i] = LatencyBucket{Le: le, Count: cum}
	}
	return snap
}

// LatencySet holds one Latency per series, created on first use.
type LatencySet struct {
	mu     sync.RWMutex
	series map[string]*Latency
}

func NewLatencySet() *LatencySet {
	return &LatencySet{series: map[string]*Latency{}}
}

func (s *LatencySet) get(series string) *Latency {
	s.mu.RLock()
	l, ok := s.series[series]
	s.mu.RUnlock()
	if ok {
		return l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.series[series]; !ok {
		l = newLatency(series)
		s.series[series] = l
	}
	return l
}

func (s *LatencySet) Observe(series string, d time.Duration) {
	s.get(series).Observe(d)
}

// Snapshots returns every series whose name starts with prefix, sorted.
func (s *LatencySet) Snapshots(prefix string) []LatencySnapshot {
	s.mu.RLock()
	out := make([]LatencySnapshot, 0, len(s.series))
	for name, l := range s.series {
		if strings.HasPrefix(name, prefix) {
			out = append(out, l.Snapshot())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Series < out[j].Series })
	return out
}
