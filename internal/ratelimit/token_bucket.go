package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the Clock used in production.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

const nanoPerToken = int64(time.Second)

// TokenBucket is a deterministic token bucket refilling at an integer
// rate (tokens/sec) from an injected Clock.
//
// Token balances are tracked in fixed-point "nano-tokens" (1e9 per token)
// so a rate of X tokens/sec refills X nano-tokens per elapsed nanosecond,
// with no float rounding.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // tokens
	fillRate int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		fillRate:  fillRate,
		available: capacity * nanoPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes the given number of tokens if available. tokens <= 0
// always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	cost := tokens * nanoPerToken
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	max := b.capacity * nanoPerToken
	if b.fillRate <= 0 || b.available >= max {
		return
	}

	// fillRate tokens/sec equals fillRate nano-tokens per nanosecond.
	if elapsed >= (max-b.available)/b.fillRate {
		b.available = max
		return
	}
	b.available += elapsed * b.fillRate
}
