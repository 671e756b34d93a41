// Package retry decides whether a failed provider call should be retried
// and how long to wait before the next attempt. Delays grow exponentially
// with a jitter band, honor a provider-supplied Retry-After hint, and are
// skipped entirely while the endpoint's circuit is open.
package retry

import (
	"errors"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yourorg/payment-flow-orchestrator/internal/resilience/circuitbreaker"
)

const (
	defaultMaxRetries        = 3
	defaultInitialDelay      = 500 * time.Millisecond
	defaultMaxDelay          = 10 * time.Second
	defaultBackoffMultiplier = 2.0
	defaultJitterFactor      = 0.2
)

// Config holds the tunables for a Policy. Zero values fall back to defaults.
type Config struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// JitterFactor widens each delay into a uniform band of
	// [delay*(1-j), delay*(1+j)]. Negative disables jitter.
	JitterFactor float64
	// RetryableMethods lists HTTP methods eligible for retry.
	// Empty means GET, PUT, DELETE and POST (mutating calls carry
	// idempotency keys, so replays are safe).
	RetryableMethods []string
	// RetryableStatusCodes lists response statuses eligible for retry.
	// Empty means 408, 429 and 5xx.
	RetryableStatusCodes []int
}

// AttemptInfo records one retry attempt for observability.
type AttemptInfo struct {
	Attempt   int
	Delay     time.Duration
	Err       error
	Timestamp time.Time
}

// History is the transient per-key record of a retried call sequence.
type History struct {
	Attempts  []AttemptInfo
	Succeeded bool
	StartedAt time.Time
	EndedAt   time.Time
}

// statusCoder is implemented by errors that carry an HTTP response status.
type statusCoder interface {
	HTTPStatusCode() int
}

// retryHinted is implemented by errors that carry a Retry-After value.
type retryHinted interface {
	RetryAfterHint() time.Duration
}

// Policy evaluates retry eligibility and computes backoff delays. The
// breaker, when set, short-circuits retries against open endpoints.
type Policy struct {
	cfg     Config
	breaker *circuitbreaker.Breaker

	mu        sync.Mutex
	histories map[string]*History
	randFn    func() float64
}

// NewPolicy creates a Policy, filling unset Config fields with defaults.
// The breaker may be nil.
func NewPolicy(cfg Config, breaker *circuitbreaker.Breaker) *Policy {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = defaultBackoffMultiplier
	}
	if cfg.JitterFactor == 0 {
		cfg.JitterFactor = defaultJitterFactor
	}
	if len(cfg.RetryableMethods) == 0 {
		cfg.RetryableMethods = []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPost}
	}
	return &Policy{
		cfg:       cfg,
		breaker:   breaker,
		histories: make(map[string]*History),
		randFn:    rand.Float64,
	}
}

// ShouldRetry reports whether the attempt-th retry (1-based) of a call that
// failed with err may proceed.
func (p *Policy) ShouldRetry(err error, method string, attempt int) bool {
	if attempt >= p.cfg.MaxRetries {
		return false
	}
	if !p.methodRetryable(method) {
		return false
	}
	return p.statusRetryable(err)
}

// ShouldRetryEndpoint is ShouldRetry plus the circuit check: retrying an
// endpoint whose circuit is open is pointless, so it is skipped before any
// delay is computed.
func (p *Policy) ShouldRetryEndpoint(endpoint string, err error, method string, attempt int) bool {
	if p.breaker != nil && p.breaker.IsOpen(endpoint) {
		return false
	}
	return p.ShouldRetry(err, method, attempt)
}

func (p *Policy) methodRetryable(method string) bool {
	for _, m := range p.cfg.RetryableMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func (p *Policy) statusRetryable(err error) bool {
	var sc statusCoder
	if !errors.As(err, &sc) {
		// No HTTP status means the call never completed (network error,
		// timeout); those are retryable.
		return true
	}
	status := sc.HTTPStatusCode()
	if status <= 0 {
		return true
	}
	if len(p.cfg.RetryableStatusCodes) == 0 {
		return status == http.StatusRequestTimeout ||
			status == http.StatusTooManyRequests ||
			(status >= 500 && status <= 599)
	}
	for _, code := range p.cfg.RetryableStatusCodes {
		if code == status {
			return true
		}
	}
	return false
}

// Delay computes how long to wait before the attempt-th retry (1-based).
// A Retry-After hint on the error wins over the computed backoff; both are
// capped at MaxDelay, then the jitter band is applied.
func (p *Policy) Delay(attempt int, err error) time.Duration {
	base := p.backoff(attempt)

	var rh retryHinted
	if errors.As(err, &rh) {
		if hint := rh.RetryAfterHint(); hint > 0 {
			base = hint
		}
	}
	if base > p.cfg.MaxDelay {
		base = p.cfg.MaxDelay
	}
	return p.jitter(base)
}

func (p *Policy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.BackoffMultiplier, float64(attempt-1))
	if d > float64(p.cfg.MaxDelay) {
		return p.cfg.MaxDelay
	}
	return time.Duration(d)
}

func (p *Policy) jitter(d time.Duration) time.Duration {
	j := p.cfg.JitterFactor
	if j <= 0 {
		return d
	}
	// Uniform within [d*(1-j), d*(1+j)].
	span := 2 * j * float64(d)
	low := float64(d) * (1 - j)
	return time.Duration(low + p.randFn()*span)
}

// ParseRetryAfter parses a Retry-After header value, either delta-seconds
// or an HTTP-date, into a duration. Returns 0 when unparseable.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// Record appends an attempt to the history for the method+url key.
func (p *Policy) Record(key string, info AttemptInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.histories[key]
	if !ok {
		h = &History{StartedAt: info.Timestamp}
		p.histories[key] = h
	}
	h.Attempts = append(h.Attempts, info)
	h.EndedAt = info.Timestamp
}

// Finish marks the history for the key as settled.
func (p *Policy) Finish(key string, succeeded bool, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.histories[key]
	if !ok {
		return
	}
	h.Succeeded = succeeded
	h.EndedAt = at
}

// HistoryFor returns a copy of the recorded attempts for the key.
func (p *Policy) HistoryFor(key string) (History, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.histories[key]
	if !ok {
		return History{}, false
	}
	out := *h
	out.Attempts = append([]AttemptInfo(nil), h.Attempts...)
	return out, true
}

// ClearHistory drops the recorded attempts for the key.
func (p *Policy) ClearHistory(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.histories, key)
}
