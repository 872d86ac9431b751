package ratelimit

import (
	"testing"

	"golang.org/x/time/rate"
)

func TestAllowRespectsBurstThenBlocks(t *testing.T) {
	l := New(Config{Rate: rate.Limit(0), Burst: 2})

	if !l.Allow("tenant-a") {
		t.Fatal("expected the first request within burst to be allowed")
	}
	if !l.Allow("tenant-a") {
		t.Fatal("expected the second request within burst to be allowed")
	}
	if l.Allow("tenant-a") {
		t.Fatal("expected the third request to exceed the burst and be denied")
	}
}

func TestAllowTracksTenantsIndependently(t *testing.T) {
	l := New(Config{Rate: rate.Limit(0), Burst: 1})

	if !l.Allow("tenant-a") {
		t.Fatal("expected tenant-a's first request to be allowed")
	}
	if l.Allow("tenant-a") {
		t.Fatal("expected tenant-a's second request to be denied")
	}
	if !l.Allow("tenant-b") {
		t.Fatal("expected tenant-b to have its own independent bucket")
	}
}

func TestNewAppliesDefaultsOnZeroConfig(t *testing.T) {
	l := New(Config{})
	if l.cfg.Rate != defaultRate {
		t.Fatalf("expected default rate %v, got %v", defaultRate, l.cfg.Rate)
	}
	if l.cfg.Burst != defaultBurst {
		t.Fatalf("expected default burst %d, got %d", defaultBurst, l.cfg.Burst)
	}
}
