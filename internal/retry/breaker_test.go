package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := time.Unix(0, 0)
	b := NewBreaker(5, time.Minute)
	b.now = func() time.Time { return clock }

	boom := errors.New("boom")
	for i := 0; i < 4; i++ {
		b.Record(boom)
		if err := b.Allow(); err != nil {
			t.Fatalf("breaker open after %d failures", i+1)
		}
	}

	b.Record(boom)
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow() after threshold = %v, want ErrOpen", err)
	}

	// Still open just before the cooldown elapses.
	clock = clock.Add(59 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Error("breaker closed before cooldown elapsed")
	}

	clock = clock.Add(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after cooldown = %v", err)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(5, time.Minute)
	boom := errors.New("boom")

	for i := 0; i < 4; i++ {
		b.Record(boom)
	}
	b.Record(nil)
	b.Record(boom)

	if err := b.Allow(); err != nil {
		t.Errorf("Allow() = %v, want nil after reset", err)
	}
}

func TestLimiterRefillsAtRate(t *testing.T) {
	clock := time.Unix(0, 0)
	l := NewLimiter(50, 2)
	l.now = func() time.Time { return clock }
	l.lastRefill = clock
	l.tokens = 2

	for i := 0; i < 2; i++ {
		if ok, _ := l.take(); !ok {
			t.Fatalf("take %d refused with tokens available", i)
		}
	}
	ok, wait := l.take()
	if ok {
		t.Fatal("take succeeded on an empty bucket")
	}
	if wait <= 0 || wait > 20*time.Millisecond {
		t.Errorf("wait = %v, want ~1/50s", wait)
	}

	// At 50 tokens/s, 20ms accrues exactly one token.
	clock = clock.Add(20 * time.Millisecond)
	if ok, _ := l.take(); !ok {
		t.Error("take refused after refill")
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	l := NewLimiter(0.001, 1)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() on empty bucket = %v, want deadline exceeded", err)
	}
}
