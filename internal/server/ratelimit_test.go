package server

import (
	"strconv"
	"testing"
	"time"
)

func TestRateLimiterAllowsWithinLimit(t *testing.T) {
	l := newRateLimiter(3, time.Hour)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("key")
		if !ok {
			t.Fatalf("attempt %d denied within limit", i)
		}
	}

	ok, retryAfter := l.Allow("key")
	if ok {
		t.Fatal("fourth attempt allowed past limit of 3")
	}
	if retryAfter <= 0 || retryAfter > time.Hour {
		t.Errorf("retryAfter = %v, want within (0, window]", retryAfter)
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	l := newRateLimiter(1, time.Hour)
	defer l.Stop()

	if ok, _ := l.Allow("a"); !ok {
		t.Fatal("first key denied")
	}
	if ok, _ := l.Allow("b"); !ok {
		t.Error("second key throttled by first key's attempts")
	}
	if ok, _ := l.Allow("a"); ok {
		t.Error("first key allowed past its limit")
	}
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	l := newRateLimiter(1, 20*time.Millisecond)
	defer l.Stop()

	if ok, _ := l.Allow("key"); !ok {
		t.Fatal("first attempt denied")
	}
	if ok, _ := l.Allow("key"); ok {
		t.Fatal("second attempt allowed inside window")
	}

	time.Sleep(30 * time.Millisecond)
	if ok, _ := l.Allow("key"); !ok {
		t.Error("attempt denied after window expired")
	}
}

func TestRateLimiterBoundsTrackedKeys(t *testing.T) {
	l := newRateLimiter(5, time.Hour)
	defer l.Stop()

	for i := 0; i < maxTrackedKeys; i++ {
		if ok, _ := l.Allow("key" + strconv.Itoa(i)); !ok {
			t.Fatalf("key %d denied below the bound", i)
		}
	}
	if ok, _ := l.Allow("one-too-many"); ok {
		t.Error("new key tracked past the bound")
	}
	// Known keys keep working at the bound.
	if ok, _ := l.Allow("key0"); !ok {
		t.Error("existing key denied at the bound")
	}
}

func TestRateLimiterStopIdempotent(t *testing.T) {
	l := newRateLimiter(1, time.Hour)
	l.Stop()
	l.Stop()
}
