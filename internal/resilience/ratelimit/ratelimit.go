// Package ratelimit provides a fixed-window request counter, keyed per
// endpoint or shared globally, used to cap outbound provider calls.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/yourorg/payment-flow-orchestrator/internal/payment"
)

const (
	defaultMaxRequests = 10
	defaultWindow      = time.Second

	globalKey = "__global__"
)

// Config holds the tunables for a Limiter. Zero values fall back to defaults.
type Config struct {
	// MaxRequests is the number of requests admitted per window.
	MaxRequests int
	// Window is the fixed window length.
	Window time.Duration
	// PerEndpoint selects one window per endpoint key instead of a single
	// shared window.
	PerEndpoint bool
}

// Info is a point-in-time snapshot of one window.
type Info struct {
	RequestCount int
	WindowStart  time.Time
	LastRequest  time.Time
}

// RateLimitExceededError is returned when a request would exceed the window.
type RateLimitExceededError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for endpoint %s, retry after %s", e.Endpoint, e.RetryAfter)
}

// PaymentCode maps the rejection into the shared error taxonomy.
func (e *RateLimitExceededError) PaymentCode() payment.ErrorCode {
	return payment.ErrRateLimitExceeded
}

// RetryAfterHint exposes how long the caller should wait.
func (e *RateLimitExceededError) RetryAfterHint() time.Duration {
	return e.RetryAfter
}

// Limiter enforces a fixed-window request cap. Windows are created lazily
// and reset in place once they elapse.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*Info
	cfg     Config
	now     func() time.Time
}

// NewLimiter creates a Limiter, filling unset Config fields with defaults.
func NewLimiter(cfg Config) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = defaultMaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	return &Limiter{
		windows: make(map[string]*Info),
		cfg:     cfg,
		now:     time.Now,
	}
}

func (l *Limiter) key(endpoint string) string {
	if l.cfg.PerEndpoint {
		return endpoint
	}
	return globalKey
}

// window returns the live window for the key, resetting it if elapsed.
// Caller must hold the lock.
func (l *Limiter) window(key string) *Info {
	w, ok := l.windows[key]
	now := l.now()
	if !ok {
		w = &Info{WindowStart: now}
		l.windows[key] = w
		return w
	}
	if now.Sub(w.WindowStart) >= l.cfg.Window {
		w.WindowStart = now
		w.RequestCount = 0
	}
	return w
}

// CanRequest reports whether another request fits in the current window.
func (l *Limiter) CanRequest(endpoint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.window(l.key(endpoint))
	if w.RequestCount >= l.cfg.MaxRequests {
		return &RateLimitExceededError{Endpoint: endpoint, RetryAfter: l.retryAfterLocked(w)}
	}
	return nil
}

// RecordRequest counts a request against the window. It re-checks the limit
// so a caller that raced another between CanRequest and RecordRequest is
// rejected here instead of corrupting the counter.
func (l *Limiter) RecordRequest(endpoint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.window(l.key(endpoint))
	if w.RequestCount >= l.cfg.MaxRequests {
		return &RateLimitExceededError{Endpoint: endpoint, RetryAfter: l.retryAfterLocked(w)}
	}
	w.RequestCount++
	w.LastRequest = l.now()
	return nil
}

// RetryAfter reports how long until the endpoint's window resets.
func (l *Limiter) RetryAfter(endpoint string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.retryAfterLocked(l.window(l.key(endpoint)))
}

func (l *Limiter) retryAfterLocked(w *Info) time.Duration {
	remaining := w.WindowStart.Add(l.cfg.Window).Sub(l.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// InfoFor returns a snapshot of the endpoint's window for monitoring.
func (l *Limiter) InfoFor(endpoint string) Info {
	l.mu.Lock()
	defer l.mu.Unlock()

	return *l.window(l.key(endpoint))
}
