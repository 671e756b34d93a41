// Package circuitbreaker protects provider endpoints from cascading failure.
// Circuits are keyed by normalized endpoint path (query string stripped) and
// move between Closed, Open and HalfOpen based on recorded outcomes.
package circuitbreaker

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yourorg/payment-flow-orchestrator/internal/payment"
)

// State represents the state of a single endpoint's circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

const (
	defaultFailureThreshold = 5
	defaultFailureWindow    = 60 * time.Second
	defaultResetTimeout     = 30 * time.Second
	defaultSuccessThreshold = 2
)

// Config holds the tunables for a Breaker. Zero values fall back to defaults.
type Config struct {
	// FailureThreshold is the number of failures within FailureWindow that
	// opens the circuit.
	FailureThreshold int
	// FailureWindow bounds how long failures keep counting toward the
	// threshold. A failure recorded after the window has elapsed since the
	// previous one restarts the count at 1.
	FailureWindow time.Duration
	// ResetTimeout is how long an open circuit rejects requests before the
	// next CanRequest is allowed through as a half-open probe.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of successes in half-open needed to
	// close the circuit again.
	SuccessThreshold int
	// FailureStatusCodes lists the HTTP status codes counted as failures.
	// Empty means all 5xx. Client errors (4xx) never open the circuit.
	FailureStatusCodes []int
	// OnStateChange, when set, is called after every state transition.
	// It runs with the breaker lock held and must not call back in.
	OnStateChange func(endpoint string, from, to State)
}

// Info is a point-in-time snapshot of one endpoint's circuit.
type Info struct {
	State       State
	Failures    int
	Successes   int
	LastFailure time.Time
	OpenedAt    time.Time
}

// CircuitOpenError is returned by CanRequest while a circuit rejects calls.
type CircuitOpenError struct {
	Endpoint string
	Info     Info
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for endpoint %s (opened at %s, %d failures)",
		e.Endpoint, e.Info.OpenedAt.Format(time.RFC3339), e.Info.Failures)
}

// PaymentCode maps the rejection into the shared error taxonomy.
func (e *CircuitOpenError) PaymentCode() payment.ErrorCode {
	return payment.ErrCircuitOpen
}

type circuit struct {
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	openedAt    time.Time
}

// Breaker tracks one circuit per endpoint key. Circuits are created lazily
// on first use and never removed except by Reset.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	cfg      Config
	now      func() time.Time
}

// NewBreaker creates a Breaker, filling unset Config fields with defaults.
func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = defaultFailureWindow
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaultSuccessThreshold
	}
	return &Breaker{
		circuits: make(map[string]*circuit),
		cfg:      cfg,
		now:      time.Now,
	}
}

// NormalizeEndpoint strips the query string so all calls to the same path
// share one circuit.
func NormalizeEndpoint(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}

func (b *Breaker) get(endpoint string) *circuit {
	c, ok := b.circuits[endpoint]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[endpoint] = c
	}
	return c
}

func (b *Breaker) transition(endpoint string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(endpoint, from, to)
	}
}

// CanRequest reports whether a call to the endpoint may proceed. While the
// circuit is open it returns a *CircuitOpenError; once ResetTimeout has
// elapsed the next call transitions the circuit to half-open and is let
// through. Callers must report the outcome via RecordSuccess/RecordFailure.
func (b *Breaker) CanRequest(endpoint string) error {
	endpoint = NormalizeEndpoint(endpoint)

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(endpoint)
	switch c.state {
	case StateClosed, StateHalfOpen:
		// Half-open admits every probe; successes and failures decide
		// where it goes next. No single-flight guard here.
		return nil
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.cfg.ResetTimeout {
			c.successes = 0
			b.transition(endpoint, c, StateHalfOpen)
			return nil
		}
		return &CircuitOpenError{Endpoint: endpoint, Info: b.infoLocked(c)}
	}
	return nil
}

// IsFailureStatus reports whether the given HTTP status counts as a circuit
// failure. A non-positive status (no HTTP response at all) always counts.
func (b *Breaker) IsFailureStatus(status int) bool {
	if status <= 0 {
		return true
	}
	if len(b.cfg.FailureStatusCodes) == 0 {
		return status >= 500 && status <= 599
	}
	for _, code := range b.cfg.FailureStatusCodes {
		if code == status {
			return true
		}
	}
	return false
}

// RecordFailure records a failed call. Statuses outside the configured
// failure set are ignored so 4xx responses never open the circuit.
func (b *Breaker) RecordFailure(endpoint string, status int) {
	if !b.IsFailureStatus(status) {
		return
	}
	endpoint = NormalizeEndpoint(endpoint)

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(endpoint)
	now := b.now()

	switch c.state {
	case StateClosed:
		if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > b.cfg.FailureWindow {
			c.failures = 1
		} else {
			c.failures++
		}
		c.lastFailure = now
		if c.failures >= b.cfg.FailureThreshold {
			c.openedAt = now
			b.transition(endpoint, c, StateOpen)
		}
	case StateHalfOpen:
		c.lastFailure = now
		c.successes = 0
		c.openedAt = now
		b.transition(endpoint, c, StateOpen)
	case StateOpen:
		c.lastFailure = now
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess(endpoint string) {
	endpoint = NormalizeEndpoint(endpoint)

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(endpoint)
	switch c.state {
	case StateClosed:
		c.failures = 0
	case StateHalfOpen:
		c.successes++
		if c.successes >= b.cfg.SuccessThreshold {
			c.failures = 0
			c.successes = 0
			b.transition(endpoint, c, StateClosed)
		}
	case StateOpen:
		// A success while open means a call raced the trip; it does not
		// close the circuit.
	}
}

// IsOpen reports whether the circuit currently rejects requests, without
// performing the open→half-open transition.
func (b *Breaker) IsOpen(endpoint string) bool {
	endpoint = NormalizeEndpoint(endpoint)

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[endpoint]
	if !ok {
		return false
	}
	return c.state == StateOpen && b.now().Sub(c.openedAt) < b.cfg.ResetTimeout
}

// Info returns a snapshot of the endpoint's circuit for monitoring.
func (b *Breaker) Info(endpoint string) Info {
	endpoint = NormalizeEndpoint(endpoint)

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[endpoint]
	if !ok {
		return Info{State: StateClosed}
	}
	return b.infoLocked(c)
}

func (b *Breaker) infoLocked(c *circuit) Info {
	return Info{
		State:       c.state,
		Failures:    c.failures,
		Successes:   c.successes,
		LastFailure: c.lastFailure,
		OpenedAt:    c.openedAt,
	}
}

// Reset clears the endpoint's circuit back to closed. Manual operation only.
func (b *Breaker) Reset(endpoint string) {
	endpoint = NormalizeEndpoint(endpoint)

	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[endpoint]; ok {
		b.transition(endpoint, c, StateClosed)
		c.failures = 0
		c.successes = 0
		c.lastFailure = time.Time{}
		c.openedAt = time.Time{}
	}
}
