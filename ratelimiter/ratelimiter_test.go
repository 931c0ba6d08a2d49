package ratelimiter

import (
	"net/netip"
	"testing"
	"time"
)

func TestRatelimiterTimings(t *testing.T) {
	var rl Ratelimiter
	now := time.Unix(0, 0)
	rl.timeNow = func() time.Time { return now }
	rl.Init()
	defer rl.Close()

	src := netip.MustParseAddr("192.168.1.20")
	other := netip.MustParseAddr("10.0.0.5")

	for i := 0; i < initiationsBurstable; i++ {
		if !rl.Allow(src) {
			t.Fatalf("burst probe %d unexpectedly rejected", i)
		}
	}
	if rl.Allow(src) {
		t.Fatal("probe exceeding the burst allowance should be rejected")
	}

	now = now.Add(time.Duration(initiationCost))
	if !rl.Allow(src) {
		t.Fatal("probe after one initiation-cost interval should be accepted")
	}
	if rl.Allow(src) {
		t.Fatal("immediate follow-up probe should be rejected")
	}

	now = now.Add(2 * time.Duration(initiationCost))
	if !rl.Allow(src) {
		t.Fatal("probe after two initiation-cost intervals should be accepted")
	}

	for i := 0; i < 20; i++ {
		other := netip.AddrFrom4([4]byte{10, 0, 0, byte(5 + i)})
		if !rl.Allow(other) {
			t.Fatalf("unrelated source rejected on probe %d", i)
		}
	}
}

func TestRatelimiterCapacityCeiling(t *testing.T) {
	var rl Ratelimiter
	now := time.Unix(0, 0)
	rl.timeNow = func() time.Time { return now }
	rl.Init()
	defer rl.Close()

	rl.count = sizeMax
	if rl.Allow(netip.MustParseAddr("203.0.113.9")) {
		t.Fatal("a brand new source must not be admitted once the global ceiling is hit")
	}
}

func TestRatelimiterGC(t *testing.T) {
	var rl Ratelimiter
	now := time.Unix(0, 0)
	rl.timeNow = func() time.Time { return now }
	rl.Init()
	defer rl.Close()

	rl.Allow(netip.MustParseAddr("198.51.100.1"))
	if rl.count != 1 {
		t.Fatalf("expected 1 entry, got %d", rl.count)
	}

	now = now.Add(2 * elementTimeout)
	rl.gc(false)
	if rl.count != 0 {
		t.Fatalf("expected idle entry to be collected, got count=%d", rl.count)
	}
}
