package circuit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"admission/pkg/category"
	"admission/pkg/clock"
)

func TestBreakerLifecycle(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	r := NewRegistry(Options{}, clk)
	var transitions []State
	r.OnChange = func(_ string, _ category.Category, _, to State) { transitions = append(transitions, to) }
	const ep = "/api/v1/patients"

	for i := 0; i < 4; i++ {
		r.Record(ep, category.PHIOperation, false)
	}
	ok, _ := r.Check(ep, category.PHIOperation)
	require.True(t, ok, "four failures keep the breaker closed")

	r.Record(ep, category.PHIOperation, false)
	ok, wait := r.Check(ep, category.PHIOperation)
	require.False(t, ok)
	require.Equal(t, 30*time.Second, wait)

	clk.Advance(29 * time.Second)
	ok, wait = r.Check(ep, category.PHIOperation)
	require.False(t, ok)
	require.Equal(t, time.Second, wait)

	clk.Advance(time.Second)
	ok, _ = r.Check(ep, category.PHIOperation)
	require.True(t, ok)
	require.Equal(t, HalfOpen, r.Get(ep, category.PHIOperation).State())

	r.Record(ep, category.PHIOperation, true)
	r.Record(ep, category.PHIOperation, true)
	require.Equal(t, HalfOpen, r.Get(ep, category.PHIOperation).State())
	r.Record(ep, category.PHIOperation, true)
	require.Equal(t, Closed, r.Get(ep, category.PHIOperation).State())

	require.Equal(t, []State{Open, HalfOpen, Closed}, transitions)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	r := NewRegistry(Options{FailureThreshold: 2, Cooldown: time.Second}, clk)
	r.Record("/x", category.ReadOnly, false)
	r.Record("/x", category.ReadOnly, false)
	clk.Advance(time.Second)
	ok, _ := r.Check("/x", category.ReadOnly)
	require.True(t, ok)

	r.Record("/x", category.ReadOnly, true)
	r.Record("/x", category.ReadOnly, false)
	ok, wait := r.Check("/x", category.ReadOnly)
	require.False(t, ok)
	require.Equal(t, time.Second, wait, "reopening restarts the cooldown")
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	r := NewRegistry(Options{FailureThreshold: 3}, nil)
	r.Record("/y", category.Public, false)
	r.Record("/y", category.Public, false)
	r.Record("/y", category.Public, true)
	r.Record("/y", category.Public, false)
	r.Record("/y", category.Public, false)
	require.Equal(t, Closed, r.Get("/y", category.Public).State())
}

func TestBreakersAreKeyedByEndpointAndCategory(t *testing.T) {
	r := NewRegistry(Options{FailureThreshold: 1}, nil)
	r.Record("/a", category.PHIOperation, false)
	require.Equal(t, Open, r.Get("/a", category.PHIOperation).State())
	require.Equal(t, Closed, r.Get("/a", category.ReadOnly).State())
	require.Equal(t, Closed, r.Get("/b", category.PHIOperation).State())

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, "/a", snap[0].Endpoint)

	require.True(t, r.Reset("/a", category.PHIOperation))
	require.Equal(t, Closed, r.Get("/a", category.PHIOperation).State())
	require.False(t, r.Reset("/zzz", category.PHIOperation))
}

func TestRegistryEvictsIdleBreakersWhenFull(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	r := NewRegistry(Options{FailureThreshold: 1, MaxBreakers: 3}, clk)

	r.Record("/failing", category.ReadOnly, false)
	clk.Advance(time.Second)
	r.Get("/old", category.ReadOnly)
	clk.Advance(time.Second)
	r.Get("/recent", category.ReadOnly)
	clk.Advance(time.Second)
	r.Get("/new", category.ReadOnly)

	require.Equal(t, 3, r.Len())
	var endpoints []string
	for _, s := range r.Snapshot() {
		endpoints = append(endpoints, s.Endpoint)
	}
	require.Equal(t, []string{"/failing", "/new", "/recent"}, endpoints, "least recently used idle breaker goes first")
	require.Equal(t, Open, r.Get("/failing", category.ReadOnly).State())
}

func TestRegistryStaysBoundedUnderJunkPaths(t *testing.T) {
	r := NewRegistry(Options{MaxBreakers: 64}, nil)
	for i := 0; i < 10000; i++ {
		ok, _ := r.Check(fmt.Sprintf("/x/a%d", i), category.Public)
		require.True(t, ok)
	}
	require.Equal(t, 64, r.Len())
}

func TestRegistryFullOfTrippedBreakersHandsOutUntracked(t *testing.T) {
	r := NewRegistry(Options{FailureThreshold: 1, MaxBreakers: 2}, nil)
	r.Record("/a", category.Public, false)
	r.Record("/b", category.Public, false)

	r.Record("/c", category.Public, false)
	require.Equal(t, 2, r.Len())
	require.Equal(t, Closed, r.Get("/c", category.Public).State(), "untracked breaker starts closed")
	require.Equal(t, Open, r.Get("/a", category.Public).State())
}
