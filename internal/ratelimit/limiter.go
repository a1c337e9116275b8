// Package ratelimit counts requests per key in fixed windows. Counts live in
// Redis when it is configured so every instance sees the same totals;
// otherwise an in-process counter is used.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Counter increments the hit count for key in the current window.
// ttl is the time left until the window resets.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter allows up to limit hits per key per window.
type Limiter struct {
	counter Counter
	limit   int
	window  time.Duration
	prefix  string
}

// New returns a limiter. A non-positive limit or window is rejected.
func New(counter Counter, limit int, window time.Duration) (*Limiter, error) {
	if counter == nil {
		return nil, errors.New("ratelimit: counter is required")
	}
	if limit <= 0 || window <= 0 {
		return nil, errors.New("ratelimit: limit and window must be positive")
	}
	return &Limiter{counter: counter, limit: limit, window: window, prefix: "rl:"}, nil
}

// Allow records one hit for key and reports whether it fits in the window.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	count, ttl, err := l.counter.Incr(ctx, l.prefix+key, l.window)
	if err != nil {
		return Decision{}, err
	}
	if ttl <= 0 {
		ttl = l.window
	}

	d := Decision{Limit: l.limit, Allowed: count <= int64(l.limit)}
	if d.Allowed {
		d.Remaining = l.limit - int(count)
	} else {
		d.RetryAfter = ttl
	}
	return d, nil
}
