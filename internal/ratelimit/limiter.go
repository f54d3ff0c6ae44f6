// Package ratelimit implements a fixed-window request counter per client
// identifier. A window entry expires implicitly; there is no separate reset
// path.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultWindow is the counting interval.
	DefaultWindow = 60 * time.Second
	// DefaultMaxRequests is the accepted request count per window.
	DefaultMaxRequests = 60
)

// Error reports a rejected request together with the wait until the window
// expires.
type Error struct {
	ClientID   string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("ratelimit: client %s exceeded window, retry after %s", e.ClientID, e.RetryAfter)
}

type window struct {
	count     int
	expiresAt time.Time
}

// Limiter counts requests per client within a fixed window.
type Limiter struct {
	mu          sync.Mutex
	windows     map[string]window
	maxRequests int
	interval    time.Duration
	clock       func() time.Time
}

// Config describes the limiter parameters.
type Config struct {
	MaxRequests int
	Window      time.Duration
	Clock       func() time.Time
}

// New constructs a limiter, falling back to the defaults for zero values.
func New(cfg Config) *Limiter {
	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	interval := cfg.Window
	if interval <= 0 {
		interval = DefaultWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		windows:     make(map[string]window),
		maxRequests: maxRequests,
		interval:    interval,
		clock:       clock,
	}
}

// Allow accepts or rejects one request for the client. On rejection the
// returned Error carries the remaining window as the retry-after hint.
func (l *Limiter) Allow(clientID string) error {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[clientID]
	if !ok || !now.Before(current.expiresAt) {
		l.windows[clientID] = window{count: 1, expiresAt: now.Add(l.interval)}
		return nil
	}

	if current.count >= l.maxRequests {
		return &Error{ClientID: clientID, RetryAfter: current.expiresAt.Sub(now)}
	}

	current.count++
	l.windows[clientID] = current
	return nil
}
