package security

import (
	"sync"
	"time"
)

// RateLimiter is a sliding window limiter with a per-second burst cap.
type RateLimiter struct {
	windows  map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
	burstMax int
	stop     chan struct{}
	stopOnce sync.Once
}

// RateLimitConfig holds rate limiter configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the maximum number of requests allowed per window
	RequestsPerWindow int
	// WindowDuration is the duration of the rate limit window
	WindowDuration time.Duration
	// BurstMax is the maximum number of requests within one second
	BurstMax int
}

// DefaultRateLimitConfig returns default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Minute,
		BurstMax:          20,
	}
}

// NewRateLimiter creates a new rate limiter. Call Stop to end its cleanup loop.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.RequestsPerWindow <= 0 {
		config.RequestsPerWindow = DefaultRateLimitConfig().RequestsPerWindow
	}
	if config.WindowDuration <= 0 {
		config.WindowDuration = time.Minute
	}
	if config.BurstMax <= 0 {
		config.BurstMax = config.RequestsPerWindow
	}

	rl := &RateLimiter{
		windows:  make(map[string][]time.Time),
		limit:    config.RequestsPerWindow,
		window:   config.WindowDuration,
		burstMax: config.BurstMax,
		stop:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow records a request for key and reports whether it is within limits.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	requests := prune(rl.windows[key], now.Add(-rl.window))

	if len(requests) >= rl.limit {
		rl.windows[key] = requests
		return false
	}

	burstCutoff := now.Add(-time.Second)
	burst := 0
	for _, t := range requests {
		if t.After(burstCutoff) {
			burst++
		}
	}
	if burst >= rl.burstMax {
		rl.windows[key] = requests
		return false
	}

	rl.windows[key] = append(requests, now)
	return true
}

// prune drops timestamps at or before cutoff; requests is sorted.
func prune(requests []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(requests) && !requests[i].After(cutoff) {
		i++
	}
	return requests[i:]
}

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// GetInfo returns rate limit info for a key
func (rl *RateLimiter) GetInfo(key string) RateLimitInfo {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	requests := prune(rl.windows[key], now.Add(-rl.window))

	info := RateLimitInfo{Limit: rl.limit, Remaining: rl.limit - len(requests), ResetAt: now}
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	if len(requests) > 0 {
		info.ResetAt = requests[0].Add(rl.window)
	}
	return info
}

// Stop ends the cleanup loop
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stop:
			return
		}
	}
}

// cleanup removes keys with no requests inside the window
func (rl *RateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-rl.window)
	for key, requests := range rl.windows {
		if len(prune(requests, cutoff)) == 0 {
			delete(rl.windows, key)
		}
	}
}
