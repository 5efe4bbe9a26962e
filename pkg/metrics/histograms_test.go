package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestLatencyQuantiles(t *testing.T) {
	l := newLatency("stage:window")
	for i := 0; i < 90; i++ {
		l.Observe(time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		l.Observe(3 * time.Second)
	}
	if got := l.Quantile(0.50); got != 0.001 {
		t.Errorf("p50 = %v, want 0.001", got)
	}
	if got := l.Quantile(0.95); got != 5.0 {
		t.Errorf("p95 = %v, want 5", got)
	}
	if got := newLatency("empty").Quantile(0.99); got != 0 {
		t.Errorf("empty quantile = %v, want 0", got)
	}
}

func TestLatencyOverflowReportsMax(t *testing.T) {
	l := newLatency("upstream:PUBLIC")
	l.Observe(20 * time.Millisecond)
	l.Observe(42 * time.Second)
	snap := l.Snapshot()
	if snap.P99 != 42 || snap.Max != 42 {
		t.Fatalf("overflow p99=%v max=%v, want 42", snap.P99, snap.Max)
	}
	last := snap.Buckets[len(snap.Buckets)-1]
	if last.Le != 10.0 || last.Count != 1 {
		t.Fatalf("cumulative buckets exclude overflow, got %+v", last)
	}
}

func TestLatencySnapshotIsCumulative(t *testing.T) {
	l := newLatency("admission:READ_ONLY")
	l.Observe(300 * time.Microsecond)
	l.Observe(4 * time.Millisecond)
	l.Observe(4 * time.Millisecond)
	l.Observe(-time.Millisecond)
	snap := l.Snapshot()
	if snap.Count != 4 || snap.Series != "admission:READ_ONLY" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	for i := 1; i < len(snap.Buckets); i++ {
		if snap.Buckets[i].Count < snap.Buckets[i-1].Count {
			t.Fatalf("bucket %d decreases: %+v", i, snap.Buckets)
		}
	}
	if snap.Buckets[0].Count != 2 {
		t.Fatalf("negative durations count as zero; le=0.0005 bucket = %d", snap.Buckets[0].Count)
	}
}

func TestLatencySetConcurrentSeries(t *testing.T) {
	s := NewLatencySet()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Observe("stage:quota", time.Millisecond)
				s.Observe("stage:cost", time.Millisecond)
				s.Observe("upstream:PUBLIC", 10*time.Millisecond)
			}
		}()
	}
	wg.Wait()

	stages := s.Snapshots("stage:")
	if len(stages) != 2 || stages[0].Series != "stage:cost" || stages[1].Series != "stage:quota" {
		t.Fatalf("unexpected stage series %+v", stages)
	}
	if stages[1].Count != 800 {
		t.Fatalf("lost observations: %d", stages[1].Count)
	}
	if all := s.Snapshots(""); len(all) != 3 {
		t.Fatalf("expected 3 series, got %d", len(all))
	}
}
