package service

import (
	"testing"
	"time"

	"github.com/fleetlink/relay/module/core/domain"
)

func TestAllow_BurstThenReject(t *testing.T) {
	l := NewRateLimiter(map[string]RateLimit{
		domain.EventLocationUpdate: {Capacity: 3, RefillPerSec: 1},
	})
	base := time.Unix(1715000000, 0)
	l.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		if !l.Allow("V1", domain.EventLocationUpdate) {
			t.Fatalf("request %d inside burst rejected", i)
		}
	}
	if l.Allow("V1", domain.EventLocationUpdate) {
		t.Fatal("expected rejection after burst exhausted")
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l := NewRateLimiter(map[string]RateLimit{
		domain.EventLocationUpdate: {Capacity: 2, RefillPerSec: 1},
	})
	base := time.Unix(1715000000, 0)
	l.now = func() time.Time { return base }

	l.Allow("V1", domain.EventLocationUpdate)
	l.Allow("V1", domain.EventLocationUpdate)
	if l.Allow("V1", domain.EventLocationUpdate) {
		t.Fatal("bucket should be empty")
	}

	base = base.Add(1500 * time.Millisecond)
	if !l.Allow("V1", domain.EventLocationUpdate) {
		t.Fatal("expected a token after refill")
	}
	// 1.5 tokens accrued, one spent, 0.5 left
	if l.Allow("V1", domain.EventLocationUpdate) {
		t.Fatal("fractional tokens must not be spendable")
	}

	// refill never exceeds capacity
	base = base.Add(time.Hour)
	l.Allow("V1", domain.EventLocationUpdate)
	l.Allow("V1", domain.EventLocationUpdate)
	if l.Allow("V1", domain.EventLocationUpdate) {
		t.Fatal("expected cap at capacity after long idle")
	}
}

func TestAllow_BucketsAreIndependent(t *testing.T) {
	l := NewRateLimiter(map[string]RateLimit{
		domain.EventEmergencyAlert: {Capacity: 1, RefillPerSec: 0.05},
	})

	if !l.Allow("V1", domain.EventEmergencyAlert) {
		t.Fatal("first alert rejected")
	}
	if l.Allow("V1", domain.EventEmergencyAlert) {
		t.Fatal("second alert from same vehicle should be rejected")
	}
	// other vehicles and other event types are untouched
	if !l.Allow("V2", domain.EventEmergencyAlert) {
		t.Fatal("other vehicle's bucket was drained")
	}
	if !l.Allow("V1", domain.EventHeartbeat) {
		t.Fatal("other event type's bucket was drained")
	}
}

func TestAllow_UnknownEventUsesFallback(t *testing.T) {
	l := NewRateLimiter(map[string]RateLimit{})
	base := time.Unix(1715000000, 0)
	l.now = func() time.Time { return base }

	for i := 0; i < 10; i++ {
		if !l.Allow("V1", "something_new") {
			t.Fatalf("request %d inside fallback burst rejected", i)
		}
	}
	if l.Allow("V1", "something_new") {
		t.Fatal("expected fallback capacity of 10")
	}
}

func TestForget_ResetsVehicle(t *testing.T) {
	l := NewRateLimiter(map[string]RateLimit{
		domain.EventEmergencyAlert: {Capacity: 1, RefillPerSec: 0.05},
	})

	l.Allow("V1", domain.EventEmergencyAlert)
	if l.Allow("V1", domain.EventEmergencyAlert) {
		t.Fatal("bucket should be empty")
	}

	l.Forget("V1")
	if !l.Allow("V1", domain.EventEmergencyAlert) {
		t.Fatal("expected a fresh bucket after Forget")
	}
}
