package ratelimiter

import (
	"fmt"
	"testing"
	"time"
)

func TestBurstThenThrottle(t *testing.T) {
	l := New(1, 3, time.Minute)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1", now) {
			t.Fatalf("burst request %d denied", i)
		}
	}
	if l.Allow("10.0.0.1", now) {
		t.Fatal("request past burst must be denied")
	}
	// A different key has its own bucket.
	if !l.Allow("10.0.0.2", now) {
		t.Fatal("independent key must not be throttled")
	}
	// Tokens refill with time.
	if !l.Allow("10.0.0.1", now.Add(2*time.Second)) {
		t.Fatal("refilled bucket must allow again")
	}
}

func TestNilAndBlankKeyAllow(t *testing.T) {
	var l *MapLimiter
	if !l.Allow("anyone", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	if New(0, 0, 0) != nil {
		t.Fatal("invalid arguments must yield the allow-all limiter")
	}
	l = New(1, 1, time.Minute)
	if !l.Allow("  ", time.Now()) {
		t.Fatal("blank key must allow")
	}
}

func TestIdleEviction(t *testing.T) {
	l := New(1000, 1000, time.Second)
	now := time.Now()
	for i := 0; i < 100; i++ {
		l.Allow(fmt.Sprintf("ip-%d", i), now)
	}
	if l.Len() != 100 {
		t.Fatalf("tracked keys: %d", l.Len())
	}
	// Push past the sweep cadence with one hot key, long after the
	// others went idle.
	later := now.Add(time.Minute)
	for i := 0; i < sweepEvery; i++ {
		l.Allow("hot", later)
	}
	if got := l.Len(); got != 1 {
		t.Fatalf("idle keys must be evicted, tracked: %d", got)
	}
}
