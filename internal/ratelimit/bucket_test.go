package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWeightPerClass(t *testing.T) {
	cases := []struct {
		class    RequestClass
		batchLen int
		want     float64
	}{
		{ClassMids, 0, 2},
		{ClassInfo, 0, 20},
		{ClassExplorer, 0, 40},
		{ClassAdmin, 0, 60},
		{ClassExchange, 0, 1},
		{ClassExchange, 1, 1},
		{ClassExchange, 39, 1},
		{ClassExchange, 40, 2},
		{ClassExchange, 80, 3},
		{ClassExchange, 119, 3},
	}
	for _, c := range cases {
		if got := Weight(c.class, c.batchLen); got != c.want {
			t.Errorf("Weight(%s, %d) = %v, want %v", c.class, c.batchLen, got, c.want)
		}
	}
}

func TestDefaultBucketStartsBelowCapacity(t *testing.T) {
	b := Default()
	if b.Capacity() != 1200 {
		t.Fatalf("capacity = %v, want 1200", b.Capacity())
	}
	if b.RefillRate() != 20 {
		t.Fatalf("refill rate = %v, want 20", b.RefillRate())
	}
	if got := b.Tokens(); got != 1000 {
		t.Fatalf("initial tokens = %v, want 1000", got)
	}
}

func TestWaitDeductsWeight(t *testing.T) {
	b := NewBucket(100, 20)
	if err := b.WaitForTokens(context.Background(), ClassInfo, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := b.Tokens(); got != 80 {
		t.Fatalf("tokens after info request = %v, want 80", got)
	}
}

func TestWaitBlocksUntilRefill(t *testing.T) {
	b := NewBucket(20, 20)
	clock := newFakeClock()
	b.now = clock.Now
	b.lastRefill = clock.Now()

	// Drain the bucket.
	if err := b.WaitForTokens(context.Background(), ClassInfo, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.HasTokensFor(ClassMids, 0) {
		t.Fatal("expected empty bucket")
	}

	start := time.Now()
	go func() {
		// One real tenth of a second later, two fake tokens have accrued.
		time.Sleep(100 * time.Millisecond)
		clock.Advance(100 * time.Millisecond)
	}()
	if err := b.WaitForTokens(context.Background(), ClassMids, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("request admitted after %v, expected it to wait for refill", elapsed)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestFractionalAccrualTruncated(t *testing.T) {
	b := NewBucket(100, 20)
	fake := time.Now()
	b.now = func() time.Time { return fake }
	b.lastRefill = fake
	b.tokens = 0

	// 30ms at 20/s accrues 0.6 of a token, which must not be credited.
	fake = fake.Add(30 * time.Millisecond)
	if got := b.Tokens(); got != 0 {
		t.Fatalf("tokens after 30ms = %v, want 0 (fractional accrual truncated)", got)
	}

	// Another 30ms carries the same base time forward, so the full 60ms has
	// now accrued one whole token.
	fake = fake.Add(30 * time.Millisecond)
	if got := b.Tokens(); got != 1 {
		t.Fatalf("tokens after 60ms = %v, want 1", got)
	}
}

func TestRefillCappedAtCapacity(t *testing.T) {
	b := NewBucket(50, 20)
	fake := time.Now()
	b.now = func() time.Time { return fake }
	b.lastRefill = fake
	b.tokens = 40

	fake = fake.Add(time.Minute)
	if got := b.Tokens(); got != 50 {
		t.Fatalf("tokens after long idle = %v, want capacity 50", got)
	}
}

func TestOverweightRequestWaitsUntilCancel(t *testing.T) {
	b := NewBucket(30, 1000)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := b.WaitForTokens(ctx, ClassExplorer, 0) // weight 40 > capacity 30
	if err != context.DeadlineExceeded {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestConcurrentWaitersConserveTokens(t *testing.T) {
	b := NewBucket(100, 20)

	done := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			done <- b.WaitForTokens(context.Background(), ClassInfo, 0)
		}()
	}
	for i := 0; i < 5; i++ {
		if err := <-done; err != nil {
			t.Fatalf("waiter %d: %v", i, err)
		}
	}

	// 5 x 20 weight against 100 capacity: nothing should remain beyond what
	// real elapsed time refilled.
	if got := b.Tokens(); got > 5 {
		t.Fatalf("tokens after concurrent drain = %v, want near 0", got)
	}
}
