// Package ratelimit throttles how fast a learner may submit commands to a
// tutorial. Each learner session owns a token bucket that refills lazily
// when Allow is called; Prune forgets learners who went quiet.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a learner submits faster than allowed.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config sets the submission budget of every learner session.
type Config struct {
	RequestsPerMinute int // Submissions allowed per minute. 0 = unlimited.
	BurstSize         int // Submissions allowed back to back. 0 = RequestsPerMinute.
}

// Limiter keeps an independent submission bucket per learner session.
type Limiter struct {
	mu       sync.Mutex
	sessions map[string]*bucket
	rate     float64 // tokens per second
	burst    float64 // max bucket capacity
	now      func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter returns a Limiter. With RequestsPerMinute 0 every submission
// is allowed.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		sessions: make(map[string]*bucket),
		rate:     float64(cfg.RequestsPerMinute) / 60.0,
		burst:    float64(burst),
		now:      time.Now,
	}
}

// Allow charges one submission to sessionID, or returns ErrRateLimited
// when the learner has used up the budget.
func (l *Limiter) Allow(sessionID string) error {
	// Unlimited mode.
	if l == nil || l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.sessions[sessionID]
	if !ok {
		// A new learner starts with the full burst.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.sessions[sessionID] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Prune drops buckets untouched for longer than idle. A dropped bucket
// would have refilled completely, so forgetting it changes nothing.
// Returns the number of buckets removed.
func (l *Limiter) Prune(idle time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	n := 0
	for id, b := range l.sessions {
		if b.lastFill.Before(cutoff) {
			delete(l.sessions, id)
			n++
		}
	}
	return n
}

// Len returns the number of learner sessions being tracked.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}
