// Package ratelimit implements the weighted token bucket that paces outbound
// REST calls against the venue's aggregated per-IP weight budget.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"marketfeed/logger"
)

// RequestClass selects the weight charged for a REST call.
type RequestClass string

const (
	// ClassMids covers the lightweight status and price endpoints
	// (allMids, l2Book, clearinghouse state, order status).
	ClassMids RequestClass = "mids"
	// ClassInfo covers the bulk metadata+context endpoints.
	ClassInfo RequestClass = "info"
	// ClassExplorer covers explorer queries.
	ClassExplorer RequestClass = "explorer"
	// ClassAdmin covers privileged queries such as userRole.
	ClassAdmin RequestClass = "admin"
	// ClassExchange covers order-placement style batch requests whose weight
	// grows with batch size.
	ClassExchange RequestClass = "exchange"
)

// Venue budget: 1200 weight per minute per IP. The bucket starts below
// capacity so a cold process cannot burst the full minute budget at once.
const (
	defaultCapacity   = 1200
	defaultRefillRate = 20 // tokens per second
	defaultInitial    = 1000
)

// Weight returns the fixed weight for a request class. Batch-shaped exchange
// requests add one weight unit per 40 batched actions.
func Weight(class RequestClass, batchLen int) float64 {
	switch class {
	case ClassMids:
		return 2
	case ClassAdmin:
		return 60
	case ClassExplorer:
		return 40
	case ClassExchange:
		if batchLen < 1 {
			batchLen = 1
		}
		return 1 + math.Floor(float64(batchLen)/40)
	default:
		return 20
	}
}

// Bucket is a token bucket shared by all callers of one REST client. Tokens
// refill continuously with elapsed wall-clock time; fractional accrual is
// truncated to whole tokens when credited.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time

	now func() time.Time

	log *logger.Log
}

// NewBucket builds a bucket with explicit capacity and refill rate, starting
// full. Tests use small buckets; production code uses Default.
func NewBucket(capacity, refillPerSecond float64) *Bucket {
	b := &Bucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: refillPerSecond,
		now:        time.Now,
		log:        logger.GetLogger(),
	}
	b.lastRefill = b.now()
	return b
}

// Default returns a bucket tuned to the venue's published budget.
func Default() *Bucket {
	b := NewBucket(defaultCapacity, defaultRefillRate)
	b.tokens = defaultInitial
	return b
}

// WaitForTokens blocks until the weight for the given request class has been
// deducted from the bucket, sleeping the exact deficit each round rather than
// polling. It returns an error only when ctx is cancelled.
//
// Admission is not strictly FIFO: concurrent waiters each compute their own
// wake-up and whichever timer fires first is serviced first, so a late
// low-weight request can occasionally pass an earlier heavier one. A request
// whose weight exceeds the bucket capacity never accumulates enough tokens
// and waits until its context is cancelled.
func (b *Bucket) WaitForTokens(ctx context.Context, class RequestClass, batchLen int) error {
	weight := Weight(class, batchLen)

	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= weight {
			b.tokens -= weight
			remaining := b.tokens
			b.mu.Unlock()
			b.log.WithComponent("rate_limiter").WithFields(logger.Fields{
				"class":     string(class),
				"weight":    weight,
				"remaining": remaining,
			}).Debug("tokens acquired")
			return nil
		}
		deficit := weight - b.tokens
		b.mu.Unlock()

		wait := time.Duration(math.Ceil(deficit/b.refillRate*1000)) * time.Millisecond
		b.log.WithComponent("rate_limiter").WithFields(logger.Fields{
			"class":   string(class),
			"weight":  weight,
			"wait_ms": wait.Milliseconds(),
		}).Debug("rate limit reached, waiting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// HasTokensFor reports whether a request of the given class would be admitted
// immediately.
func (b *Bucket) HasTokensFor(class RequestClass, batchLen int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens >= Weight(class, batchLen)
}

// Tokens returns the current token count after refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// Capacity returns the bucket capacity.
func (b *Bucket) Capacity() float64 { return b.capacity }

// RefillRate returns the refill rate in tokens per second.
func (b *Bucket) RefillRate() float64 { return b.refillRate }

// refillLocked credits whole tokens accrued since the last refill, capped at
// capacity. Sub-token accrual stays pending until it amounts to a full token.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	credit := math.Floor(elapsed * b.refillRate)
	if credit > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+credit)
		b.lastRefill = now
	}
}
