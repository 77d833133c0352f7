package relay

import "time"

// acceptLimiter is a token bucket per peer IP guarding the accept path.
// Only the event loop touches it, so no locking.
type acceptLimiter struct {
	buckets map[string]*acceptBucket
	max     int
	per     time.Duration
	clock   func() time.Time
}

type acceptBucket struct {
	windowStart time.Time
	tokens      int
}

func newAcceptLimiter(max int, per time.Duration, clock func() time.Time) *acceptLimiter {
	return &acceptLimiter{
		buckets: map[string]*acceptBucket{},
		max:     max,
		per:     per,
		clock:   clock,
	}
}

// allow reports whether another accept from this IP fits the window.
func (l *acceptLimiter) allow(ip string) bool {
	now := l.clock()
	b := l.buckets[ip]
	if b == nil || now.Sub(b.windowStart) > l.per {
		// Start a new window
		b = &acceptBucket{windowStart: now, tokens: l.max}
		l.buckets[ip] = b
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
