package acl

import (
	"testing"
	"time"
)

func TestEmptyAllowlistDeniesAll(t *testing.T) {
	t.Parallel()
	l := NewList(nil)
	if l.Allowed(1) {
		t.Fatal("expected empty allowlist to deny all users")
	}
}

func TestAllowlistAllowsConfiguredIDs(t *testing.T) {
	t.Parallel()
	l := NewList([]int64{42, 7})
	if !l.Allowed(42) {
		t.Fatal("expected user 42 to be allowed")
	}
	if l.Allowed(99) {
		t.Fatal("expected user 99 to be denied")
	}
}

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(2, time.Minute)
	if !rl.Allow("u1") {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.Allow("u1") {
		t.Fatal("expected second request to be allowed")
	}
	if rl.Allow("u1") {
		t.Fatal("expected third request within window to be denied")
	}
	if !rl.Allow("u2") {
		t.Fatal("expected a different key to have its own budget")
	}
}

func TestRateLimiterWindowExpires(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(1, 30*time.Millisecond)
	if !rl.Allow("u1") {
		t.Fatal("expected first request to be allowed")
	}
	time.Sleep(50 * time.Millisecond)
	if !rl.Allow("u1") {
		t.Fatal("expected request to be allowed again after window elapses")
	}
}

func TestRateLimiterDisabledWhenNonPositive(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(0, time.Minute)
	for i := 0; i < 10; i++ {
		if !rl.Allow("u1") {
			t.Fatal("expected a non-positive limit to disable rate limiting")
		}
	}
}
