package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter is a process-local Counter. Expired windows are swept by a
// background goroutine until Close is called.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewMemoryCounter starts a counter that sweeps expired keys every interval.
// A non-positive interval disables the sweeper.
func NewMemoryCounter(interval time.Duration) *MemoryCounter {
	c := &MemoryCounter{
		windows: make(map[string]*window),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if interval > 0 {
		go c.cleanup(interval)
	}
	return c
}

// Incr implements Counter.
func (c *MemoryCounter) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(ttl)}
		c.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt.Sub(now), nil
}

// Len reports how many keys are tracked.
func (c *MemoryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

// Close stops the sweeper.
func (c *MemoryCounter) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *MemoryCounter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *MemoryCounter) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, w := range c.windows {
		if !now.Before(w.resetAt) {
			delete(c.windows, key)
		}
	}
}
