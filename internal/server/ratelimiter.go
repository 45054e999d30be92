package server

import (
	"sync"
	"time"
)

// RateLimiter implements per-IP rate limiting with a sliding one-minute
// window. Webhook providers retry aggressively, so refused requests get a
// Retry-After hint.
type RateLimiter struct {
	mu              sync.Mutex
	requests        map[string][]int64
	maxPerMinute    int
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxRequestsPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		requests:        make(map[string][]int64),
		maxPerMinute:    maxRequestsPerMinute,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks whether a request from the given IP is within the limit,
// recording it when allowed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now().UnixMilli()
	window := rl.requests[ip][:0]
	for _, at := range rl.requests[ip] {
		if now-at < 60_000 {
			window = append(window, at)
		}
	}

	if len(window) >= rl.maxPerMinute {
		rl.requests[ip] = window
		return false
	}
	rl.requests[ip] = append(window, now)
	return true
}

// RetryAfter returns the seconds until the oldest request in the window
// expires.
func (rl *RateLimiter) RetryAfter(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	window := rl.requests[ip]
	if len(window) == 0 {
		return 0
	}

	remaining := 60_000 - (time.Now().UnixMilli() - window[0])
	if remaining <= 0 {
		return 0
	}
	return int((remaining + 999) / 1000)
}

// Stop halts the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now().UnixMilli()
	for ip, window := range rl.requests {
		var live []int64
		for _, at := range window {
			if now-at < 60_000 {
				live = append(live, at)
			}
		}
		if len(live) == 0 {
			delete(rl.requests, ip)
		} else {
			rl.requests[ip] = live
		}
	}
}
