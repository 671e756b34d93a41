// Package fallback decides when a failed payment attempt may be retried on
// an alternate provider, and how: offered to the user (manual) or executed
// transparently after a short delay (auto). One orchestrator instance
// serves one checkout session.
package fallback

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/payment-flow-orchestrator/internal/metrics"
	"github.com/yourorg/payment-flow-orchestrator/internal/payment"
	"github.com/yourorg/payment-flow-orchestrator/internal/policy"
	"github.com/yourorg/payment-flow-orchestrator/internal/provider"
)

// Status is the orchestrator's lifecycle state.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusPending       Status = "pending"
	StatusExecuting     Status = "executing"
	StatusAutoExecuting Status = "auto_executing"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
	StatusFailed        Status = "failed"
)

// Mode selects manual (user-confirmed) or automatic fallback.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

const (
	defaultMaxAttempts         = 3
	defaultMaxAutoFallbacks    = 1
	defaultUserResponseTimeout = 30 * time.Second
	defaultAutoFallbackDelay   = 2 * time.Second
)

// FailedAttempt is one entry of the append-only audit trail.
type FailedAttempt struct {
	Provider        string         `json:"provider"`
	Error           *payment.Error `json:"error"`
	Timestamp       time.Time      `json:"timestamp"`
	WasAutoFallback bool           `json:"wasAutoFallback"`
}

// AvailableEvent is the offer emitted in manual mode.
type AvailableEvent struct {
	EventID           string                 `json:"eventId"`
	FailedProvider    string                 `json:"failedProvider"`
	AlternateProvider string                 `json:"alternateProvider"`
	Error             *payment.Error         `json:"error"`
	Request           *provider.StartRequest `json:"request"`
	CreatedAt         time.Time              `json:"createdAt"`
}

// Response resolves a pending AvailableEvent.
type Response struct {
	EventID  string
	Accepted bool
}

// Notifier receives the orchestrator's outbound events. Notifications are
// delivered outside the orchestrator's lock.
type Notifier interface {
	FallbackAvailable(ev AvailableEvent)
	FallbackExecute(providerID string, req *provider.StartRequest, failedProviderID string)
	FallbackCancelled(eventID, reason string)
}

// CandidateSource supplies registered providers supporting a payment
// method, in priority order. *provider.Registry satisfies it.
type CandidateSource interface {
	CandidatesFor(method string) []string
}

// Config holds the orchestrator tunables. Zero values fall back to defaults.
type Config struct {
	Mode                Mode
	MaxAttempts         int
	MaxAutoFallbacks    int
	UserResponseTimeout time.Duration
	AutoFallbackDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeManual
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.MaxAutoFallbacks <= 0 {
		c.MaxAutoFallbacks = defaultMaxAutoFallbacks
	}
	if c.UserResponseTimeout <= 0 {
		c.UserResponseTimeout = defaultUserResponseTimeout
	}
	if c.AutoFallbackDelay <= 0 {
		c.AutoFallbackDelay = defaultAutoFallbackDelay
	}
	return c
}

// StateView is a copy of the orchestrator state for callers.
type StateView struct {
	Status          Status          `json:"status"`
	PendingEvent    *AvailableEvent `json:"pendingEvent,omitempty"`
	FailedAttempts  []FailedAttempt `json:"failedAttempts"`
	CurrentProvider string          `json:"currentProvider,omitempty"`
	IsAutoFallback  bool            `json:"isAutoFallback"`
}

// Orchestrator observes flow failures and turns eligible ones into
// provider-switch commands.
type Orchestrator struct {
	mu         sync.Mutex
	cfg        Config
	candidates CandidateSource
	rules      *policy.Enforcer
	notifier   Notifier
	metrics    *metrics.Metrics

	status          Status
	pending         *AvailableEvent
	attempts        []FailedAttempt
	currentProvider string
	isAuto          bool
	autoCount       int
	timer           *time.Timer
	timerToken      uint64
}

// New creates an Orchestrator. The rules enforcer and metrics may be nil.
func New(cfg Config, candidates CandidateSource, rules *policy.Enforcer, notifier Notifier, m *metrics.Metrics) *Orchestrator {
	if candidates == nil {
		panic("fallback: candidate source cannot be nil")
	}
	if notifier == nil {
		panic("fallback: notifier cannot be nil")
	}
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		candidates: candidates,
		rules:      rules,
		notifier:   notifier,
		metrics:    m,
		status:     StatusIdle,
	}
}

// ReportFailure records the failed attempt and, when eligible, arranges a
// fallback. It returns whether fallback was arranged.
func (o *Orchestrator) ReportFailure(providerID string, perr *payment.Error, req *provider.StartRequest, isAuto bool) bool {
	o.mu.Lock()
	arranged, offer := o.reportFailureLocked(providerID, perr, req, isAuto)
	o.mu.Unlock()
	if offer != nil {
		o.notifier.FallbackAvailable(*offer)
	}
	return arranged
}

// reportFailureLocked returns whether fallback was arranged and, for a
// manual offer, the event to announce once the lock is released. Notifier
// calls never happen under o.mu.
func (o *Orchestrator) reportFailureLocked(providerID string, perr *payment.Error, req *provider.StartRequest, isAuto bool) (bool, *AvailableEvent) {
	o.currentProvider = providerID
	o.recordAttempt(providerID, perr, isAuto)

	alternate, eligible := o.eligibleLocked(providerID, perr, req, isAuto)
	if !eligible {
		o.status = StatusFailed
		o.metrics.ObserveFallback(string(o.cfg.Mode), "ineligible")
		return false, nil
	}

	if (o.cfg.Mode == ModeAuto || isAuto) && o.autoCount < o.cfg.MaxAutoFallbacks {
		o.autoCount++
		o.isAuto = true
		o.status = StatusAutoExecuting
		o.armAutoTimer(alternate, req, providerID)
		o.metrics.ObserveFallback(string(ModeAuto), "scheduled")
		log.Printf("Fallback: auto-switching %s -> %s in %s", providerID, alternate, o.cfg.AutoFallbackDelay)
		return true, nil
	}

	ev := &AvailableEvent{
		EventID:           uuid.NewString(),
		FailedProvider:    providerID,
		AlternateProvider: alternate,
		Error:             perr,
		Request:           req,
		CreatedAt:         time.Now(),
	}
	o.pending = ev
	o.isAuto = false
	o.status = StatusPending
	o.armResponseTimer(ev.EventID)
	o.metrics.ObserveFallback(string(ModeManual), "offered")
	return true, ev
}

// eligibleLocked applies the three-part check: trigger-set code (possibly
// overridden by a policy rule), attempt budget, and an alternate provider
// that supports the requested method.
func (o *Orchestrator) eligibleLocked(providerID string, perr *payment.Error, req *provider.StartRequest, isAuto bool) (string, bool) {
	if perr == nil || req == nil {
		return "", false
	}

	offer := perr.Code.TriggersFallback()
	if decision, matched := o.rules.Evaluate(map[string]interface{}{
		"error_code":    string(perr.Code),
		"provider_id":   providerID,
		"attempt_count": len(o.attempts),
		"is_auto":       isAuto,
		"method":        req.Method,
		"amount":        float64(req.Amount),
	}); matched {
		offer = decision.OfferFallback
	}
	if !offer {
		return "", false
	}

	failed := o.failedProvidersLocked()
	if len(failed) >= o.cfg.MaxAttempts {
		return "", false
	}

	for _, candidate := range o.candidates.CandidatesFor(req.Method) {
		if candidate == providerID {
			continue
		}
		if _, tried := failed[candidate]; tried {
			continue
		}
		return candidate, true
	}
	return "", false
}

func (o *Orchestrator) failedProvidersLocked() map[string]struct{} {
	failed := make(map[string]struct{}, len(o.attempts))
	for _, a := range o.attempts {
		failed[a.Provider] = struct{}{}
	}
	return failed
}

func (o *Orchestrator) recordAttempt(providerID string, perr *payment.Error, wasAuto bool) {
	o.attempts = append(o.attempts, FailedAttempt{
		Provider:        providerID,
		Error:           perr,
		Timestamp:       time.Now(),
		WasAutoFallback: wasAuto,
	})
	if len(o.attempts) > o.cfg.MaxAttempts {
		o.attempts = o.attempts[len(o.attempts)-o.cfg.MaxAttempts:]
	}
}

func (o *Orchestrator) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.timerToken++
}

func (o *Orchestrator) armResponseTimer(eventID string) {
	o.stopTimerLocked()
	token := o.timerToken
	o.timer = time.AfterFunc(o.cfg.UserResponseTimeout, func() {
		o.mu.Lock()
		if o.timerToken != token || o.pending == nil || o.pending.EventID != eventID {
			o.mu.Unlock()
			return
		}
		o.pending = nil
		o.status = StatusCancelled
		o.metrics.ObserveFallback(string(ModeManual), "timeout")
		notifier := o.notifier
		o.mu.Unlock()

		log.Printf("Fallback: offer %s expired without a response", eventID)
		notifier.FallbackCancelled(eventID, "timeout")
	})
}

func (o *Orchestrator) armAutoTimer(alternate string, req *provider.StartRequest, failedProviderID string) {
	o.stopTimerLocked()
	token := o.timerToken
	o.timer = time.AfterFunc(o.cfg.AutoFallbackDelay, func() {
		o.mu.Lock()
		if o.timerToken != token || o.status != StatusAutoExecuting {
			o.mu.Unlock()
			return
		}
		o.currentProvider = alternate
		notifier := o.notifier
		o.mu.Unlock()

		notifier.FallbackExecute(alternate, req, failedProviderID)
	})
}

// RespondToFallback resolves a pending manual offer. Responding after the
// timeout already cancelled it, or with a stale event id, is a no-op; the
// same event can never resolve twice.
func (o *Orchestrator) RespondToFallback(resp Response) {
	o.mu.Lock()
	if o.pending == nil || (resp.EventID != "" && resp.EventID != o.pending.EventID) {
		o.mu.Unlock()
		return
	}
	ev := o.pending
	o.pending = nil
	o.stopTimerLocked()

	if !resp.Accepted {
		o.status = StatusCancelled
		o.metrics.ObserveFallback(string(ModeManual), "declined")
		notifier := o.notifier
		o.mu.Unlock()
		notifier.FallbackCancelled(ev.EventID, "declined")
		return
	}

	o.status = StatusExecuting
	o.currentProvider = ev.AlternateProvider
	o.metrics.ObserveFallback(string(ModeManual), "accepted")
	notifier := o.notifier
	o.mu.Unlock()
	notifier.FallbackExecute(ev.AlternateProvider, ev.Request, ev.FailedProvider)
}

// NotifySuccess marks an executing fallback as completed.
func (o *Orchestrator) NotifySuccess() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == StatusExecuting || o.status == StatusAutoExecuting {
		o.status = StatusCompleted
		o.metrics.ObserveFallback(string(o.cfg.Mode), "completed")
	}
}

// NotifyFailure reports that an executing fallback itself failed. With a
// request it re-enters eligibility (possibly chaining to the next
// provider); without one the session fails unconditionally, since there is
// nothing left to re-dispatch.
func (o *Orchestrator) NotifyFailure(providerID string, perr *payment.Error, req *provider.StartRequest) {
	o.mu.Lock()
	if req == nil {
		o.recordAttempt(providerID, perr, o.isAuto)
		o.status = StatusFailed
		o.metrics.ObserveFallback(string(o.cfg.Mode), "failed")
		o.mu.Unlock()
		return
	}
	_, offer := o.reportFailureLocked(providerID, perr, req, o.isAuto)
	o.mu.Unlock()
	if offer != nil {
		o.notifier.FallbackAvailable(*offer)
	}
}

// Reset returns the orchestrator to idle for a new payment.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopTimerLocked()
	o.status = StatusIdle
	o.pending = nil
	o.attempts = nil
	o.currentProvider = ""
	o.isAuto = false
	o.autoCount = 0
}

// State returns a copy of the orchestrator's state.
func (o *Orchestrator) State() StateView {
	o.mu.Lock()
	defer o.mu.Unlock()

	view := StateView{
		Status:          o.status,
		CurrentProvider: o.currentProvider,
		IsAutoFallback:  o.isAuto,
		FailedAttempts:  append([]FailedAttempt(nil), o.attempts...),
	}
	if o.pending != nil {
		ev := *o.pending
		view.PendingEvent = &ev
	}
	return view
}
