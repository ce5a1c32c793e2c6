package oauth

import (
	"net"
	"net/http"
	"sync"
	"time"

	"onemcp/pkg/logging"
)

// RateLimiter applies a per-IP sliding window to the OAuth endpoints so a
// single client cannot brute-force codes or flood registration.
type RateLimiter struct {
	mu sync.Mutex

	maxAttempts int
	window      time.Duration

	attempts  map[string][]time.Time
	lastPrune time.Time
}

// NewRateLimiter creates a limiter allowing maxAttempts per IP per window.
// Non-positive arguments fall back to 10 attempts per minute.
func NewRateLimiter(maxAttempts int, window time.Duration) *RateLimiter {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		attempts:    make(map[string][]time.Time),
	}
}

// Allow records an attempt for ip and reports whether it is within the
// window budget. A rejected attempt is not recorded.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.window)

	// Drop IPs whose attempts all aged out, at most once per window, so
	// the map does not grow with every client a long-lived process ever
	// saw. Attempts are appended in time order; the newest decides.
	if now.Sub(rl.lastPrune) >= rl.window {
		for other, attempts := range rl.attempts {
			if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
				delete(rl.attempts, other)
			}
		}
		rl.lastPrune = now
	}

	recent := rl.attempts[ip][:0]
	for _, at := range rl.attempts[ip] {
		if at.After(windowStart) {
			recent = append(recent, at)
		}
	}

	if len(recent) >= rl.maxAttempts {
		rl.attempts[ip] = recent
		logging.Warn("OAuth", "Rate limit exceeded for %s (%d in %v)", ip, len(recent), rl.window)
		return false
	}

	rl.attempts[ip] = append(recent, now)
	return true
}

// AllowRequest applies the limit to an HTTP request's remote IP.
func (rl *RateLimiter) AllowRequest(r *http.Request) bool {
	return rl.Allow(clientIP(r))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
