// Package ratelimit implements the per-provider token bucket that
// throttles outbound model calls.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket of maxTokens capacity that refills the full
// budget once per interval, spread continuously. The bucket starts full.
type Bucket struct {
	lim *rate.Limiter
	max int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewBucket creates a bucket allowing maxTokens calls per interval.
func NewBucket(maxTokens int, interval time.Duration) *Bucket {
	if maxTokens <= 0 {
		maxTokens = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Bucket{
		lim:     rate.NewLimiter(rate.Limit(float64(maxTokens)/interval.Seconds()), maxTokens),
		max:     maxTokens,
		nowFunc: time.Now,
	}
}

// Acquire takes one token if available. It never waits: the caller maps
// a false return to a local rate_limited error.
func (b *Bucket) Acquire() bool {
	return b.lim.AllowN(b.nowFunc(), 1)
}

// Available reports the current token count without consuming any,
// clamped to [0, max].
func (b *Bucket) Available() float64 {
	tokens := b.lim.TokensAt(b.nowFunc())
	if tokens < 0 {
		return 0
	}
	if tokens > float64(b.max) {
		return float64(b.max)
	}
	return tokens
}

// Max returns the bucket capacity.
func (b *Bucket) Max() int {
	return b.max
}
