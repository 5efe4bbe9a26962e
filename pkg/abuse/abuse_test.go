package abuse

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"admission/pkg/clock"
)

var epoch = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func find(patterns []Pattern, kind string) (Pattern, bool) {
	for _, p := range patterns {
		if p.Type == kind {
			return p, true
		}
	}
	return Pattern{}, false
}

func TestDDoSAfter501Requests(t *testing.T) {
	clk := clock.NewManual(epoch)
	d := NewDetector(Thresholds{}, clk)
	for i := 0; i < 501; i++ {
		d.Observe("ip:1", Event{Endpoint: "/api/v1/x", UserAgent: "Mozilla/5.0"})
		clk.Advance(100 * time.Millisecond)
	}
	patterns := d.Detect("ip:1")
	ddos, ok := find(patterns, PatternDDoS)
	require.True(t, ok)
	require.Equal(t, 1.0, ddos.Confidence)
	require.Equal(t, ActionImmediateBlock, ddos.Action)
	require.True(t, ddos.Blocking())

	rapid, ok := find(patterns, PatternRapidFire)
	require.True(t, ok)
	require.Equal(t, SeverityHigh, rapid.Severity)
	require.False(t, rapid.Blocking())
}

func TestRapidFireMediumAndWindowExpiry(t *testing.T) {
	clk := clock.NewManual(epoch)
	d := NewDetector(Thresholds{}, clk)
	for i := 0; i < 150; i++ {
		d.Observe("ip:2", Event{Endpoint: "/a", UserAgent: "Mozilla/5.0"})
	}
	rapid, ok := find(d.Detect("ip:2"), PatternRapidFire)
	require.True(t, ok)
	require.Equal(t, SeverityMedium, rapid.Severity)

	clk.Advance(61 * time.Second)
	_, ok = find(d.Detect("ip:2"), PatternRapidFire)
	require.False(t, ok)
}

func TestCredentialStuffing(t *testing.T) {
	clk := clock.NewManual(epoch)
	d := NewDetector(Thresholds{}, clk)
	for i := 0; i < 11; i++ {
		d.Observe("ip:3", Event{Endpoint: "/auth/login", UserAgent: "Mozilla/5.0"})
		d.RecordOutcome("ip:3", "/auth/login", 401, false)
		clk.Advance(10 * time.Second)
	}
	p, ok := find(d.Detect("ip:3"), PatternCredentialStuffing)
	require.True(t, ok)
	require.Equal(t, SeverityCritical, p.Severity)
	require.Equal(t, ActionBlock, p.Action)
	require.True(t, p.Blocking())

	api, ok := find(d.Detect("ip:3"), PatternAPIAbuse)
	require.False(t, ok, "api abuse needs at least 20 requests, got %+v", api)
}

func TestScrapingAndAPIAbuse(t *testing.T) {
	clk := clock.NewManual(epoch)
	d := NewDetector(Thresholds{}, clk)
	for i := 0; i < 51; i++ {
		endpoint := fmt.Sprintf("/api/v1/items/%d", i)
		d.Observe("key:k", Event{Endpoint: endpoint, UserAgent: "Mozilla/5.0"})
		status := 200
		if i%3 != 0 {
			status = 404
		}
		d.RecordOutcome("key:k", endpoint, status, false)
		clk.Advance(2 * time.Second)
	}
	patterns := d.Detect("key:k")
	scraping, ok := find(patterns, PatternScraping)
	require.True(t, ok)
	require.Equal(t, SeverityMedium, scraping.Severity)
	api, ok := find(patterns, PatternAPIAbuse)
	require.True(t, ok)
	require.Equal(t, ActionThrottle, api.Action)
	for _, p := range patterns {
		require.False(t, p.Blocking(), "%s must be advisory", p.Type)
	}
}

func TestGeoDispersionAndSuspiciousAgent(t *testing.T) {
	clk := clock.NewManual(epoch)
	d := NewDetector(Thresholds{}, clk)
	for _, c := range []string{"US", "DE", "BR", "JP", "IN", "NG"} {
		d.Observe("user:u", Event{Endpoint: "/x", UserAgent: "curl/8.4.0", Country: c})
		clk.Advance(time.Minute)
	}
	patterns := d.Detect("user:u")
	geo, ok := find(patterns, PatternGeoDispersion)
	require.True(t, ok)
	require.Equal(t, 6, geo.Evidence["distinct_countries"])
	ua, ok := find(patterns, PatternSuspiciousAgent)
	require.True(t, ok)
	require.Equal(t, SeverityLow, ua.Severity)
	require.Equal(t, ActionFlagForReview, ua.Action)
}

func TestHistoryIsBounded(t *testing.T) {
	clk := clock.NewManual(epoch)
	d := NewDetector(Thresholds{MaxEvents: 10, RapidFire: 5, RapidFireHigh: 50}, clk)
	for i := 0; i < 25; i++ {
		d.Observe("ip:9", Event{Endpoint: "/x"})
	}
	rapid, ok := find(d.Detect("ip:9"), PatternRapidFire)
	require.True(t, ok)
	require.Equal(t, 10, rapid.Evidence["requests"])
}

func TestBehaviorSignal(t *testing.T) {
	clk := clock.NewManual(epoch)
	d := NewDetector(Thresholds{}, clk)
	require.Equal(t, 0.7, d.Behavior("nobody"))
	for i := 0; i < 25; i++ {
		d.Observe("ip:ok", Event{Endpoint: "/x", UserAgent: "Mozilla/5.0"})
		d.RecordOutcome("ip:ok", "/x", 200, false)
	}
	require.Equal(t, 0.9, d.Behavior("ip:ok"))
	for i := 0; i < 510; i++ {
		d.Observe("ip:bad", Event{Endpoint: "/x", UserAgent: "Mozilla/5.0"})
	}
	require.Less(t, d.Behavior("ip:bad"), 0.5)
	require.Nil(t, d.Detect("nobody"))
}
