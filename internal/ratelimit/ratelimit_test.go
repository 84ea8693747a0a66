package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := NewLimiter(cfg)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_BurstThenLimited(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	for i := 0; i < 2; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := l.Allow("bob"); err != nil {
		t.Errorf("bob has a separate bucket: %v", err)
	}
}

func TestLimiter_Refill(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	if err := l.Allow("alice"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("alice"); err == nil {
		t.Fatal("expected limit")
	}
	*now = now.Add(time.Second)
	if err := l.Allow("alice"); err != nil {
		t.Errorf("one token should have refilled: %v", err)
	}
}

func TestLimiter_UnlimitedAndNil(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("x"); err != nil {
			t.Fatal(err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("x"); err != nil {
		t.Errorf("nil limiter: %v", err)
	}
	if nilLimiter.Prune() != 0 || nilLimiter.Len() != 0 {
		t.Error("nil limiter should be empty")
	}
}

func TestLimiter_PruneDropsFullBuckets(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})
	l.Allow("alice")
	l.Allow("bob")
	if l.Len() != 2 {
		t.Fatalf("Len = %d", l.Len())
	}
	if n := l.Prune(); n != 0 {
		t.Errorf("partially used buckets pruned: %d", n)
	}
	*now = now.Add(time.Minute)
	if n := l.Prune(); n != 2 {
		t.Errorf("Prune = %d, want 2", n)
	}
	if l.Len() != 0 {
		t.Errorf("Len after Prune = %d", l.Len())
	}
}
