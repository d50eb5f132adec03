package server

import (
	"sync"
	"time"
)

// slidingWindow is a thread-safe in-memory sliding window rate limiter.
// Request timestamps inside the window are retained; requests older than the
// window are dropped on every check.
type slidingWindow struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	requests []int64
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		limit:    limit,
		window:   window,
		requests: make([]int64, 0, limit+1),
	}
}

// take records a request. When the window is full it returns false and the
// time at which the oldest request slides out.
func (sw *slidingWindow) take(now time.Time) (bool, time.Time) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	nowNanos := now.UnixNano()
	sw.cleanup(nowNanos)

	if len(sw.requests) < sw.limit {
		sw.requests = append(sw.requests, nowNanos)
		return true, time.Time{}
	}
	resetAt := time.Unix(0, sw.requests[0]).Add(sw.window)
	return false, resetAt
}

func (sw *slidingWindow) cleanup(nowNanos int64) {
	cutoff := nowNanos - sw.window.Nanoseconds()
	idx := 0
	for idx < len(sw.requests) && sw.requests[idx] < cutoff {
		idx++
	}
	if idx > 0 {
		sw.requests = sw.requests[idx:]
	}
}

// rateLimiter keeps one sliding window per API key.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*slidingWindow
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*slidingWindow),
	}
}

func (rl *rateLimiter) take(key string, now time.Time) (bool, time.Time) {
	rl.mu.Lock()
	sw, ok := rl.windows[key]
	if !ok {
		sw = newSlidingWindow(rl.limit, rl.window)
		rl.windows[key] = sw
	}
	rl.mu.Unlock()
	return sw.take(now)
}
