// Package flow implements the payment flow state machine: an explicit
// state enum plus a state × event transition table evaluated by a single
// dispatch loop. Actor invocations run asynchronously; their completions
// and all timer firings are epoch-tagged so anything delivered after the
// machine has moved on is dropped.
package flow

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/yourorg/payment-flow-orchestrator/internal/flow/flowstore"
	"github.com/yourorg/payment-flow-orchestrator/internal/metrics"
	"github.com/yourorg/payment-flow-orchestrator/internal/payment"
	"github.com/yourorg/payment-flow-orchestrator/internal/provider"
)

const (
	defaultPollBaseDelay    = 2 * time.Second
	defaultPollMaxDelay     = 15 * time.Second
	defaultPollMaxAttempts  = 8
	defaultStatusRetryDelay = time.Second
	defaultStatusRetryMax   = 10 * time.Second
	defaultStatusMaxRetries = 3
	defaultActorTimeout     = 30 * time.Second
)

// Config holds the machine's timing tunables. Zero values fall back to
// defaults.
type Config struct {
	PollBaseDelay       time.Duration
	PollMaxDelay        time.Duration
	PollMaxAttempts     int
	StatusRetryDelay    time.Duration
	StatusRetryMaxDelay time.Duration
	StatusMaxRetries    int
	ActorTimeout        time.Duration
	FlowTTL             time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollBaseDelay <= 0 {
		c.PollBaseDelay = defaultPollBaseDelay
	}
	if c.PollMaxDelay <= 0 {
		c.PollMaxDelay = defaultPollMaxDelay
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = defaultPollMaxAttempts
	}
	if c.StatusRetryDelay <= 0 {
		c.StatusRetryDelay = defaultStatusRetryDelay
	}
	if c.StatusRetryMaxDelay <= 0 {
		c.StatusRetryMaxDelay = defaultStatusRetryMax
	}
	if c.StatusMaxRetries <= 0 {
		c.StatusMaxRetries = defaultStatusMaxRetries
	}
	if c.ActorTimeout <= 0 {
		c.ActorTimeout = defaultActorTimeout
	}
	if c.FlowTTL <= 0 {
		c.FlowTTL = flowstore.DefaultTTL
	}
	return c
}

// GatewayResolver resolves a provider id to its (resilience-wrapped)
// gateway. *provider.Registry satisfies it.
type GatewayResolver interface {
	Lookup(providerID string) (provider.Gateway, bool)
}

// Context is the machine-owned mutable context of one flow.
type Context struct {
	Flow          *flowstore.FlowContext
	ProviderID    string
	Request       *provider.StartRequest
	Intent        *payment.Intent
	Err           *payment.Error
	PollAttempt   int
	StatusRetries int
}

// Snapshot is an immutable view of the machine handed to observers and
// Snapshot() callers.
type Snapshot struct {
	State         State
	Flow          *flowstore.FlowContext
	ProviderID    string
	Intent        *payment.Intent
	Err           *payment.Error
	Request       *provider.StartRequest
	PollAttempt   int
	StatusRetries int
}

func (s Snapshot) IsLoading() bool { return s.State.IsLoading() }
func (s Snapshot) IsReady() bool   { return s.State == StateDone }
func (s Snapshot) HasError() bool  { return s.State == StateFailed }
func (s Snapshot) IsIdle() bool    { return s.State == StateIdle }

// Observer receives one snapshot per accepted transition, in order.
// Observers must not call back into the machine synchronously.
type Observer func(Snapshot)

// Machine drives one payment flow. It is not reentrant: each event is
// processed to completion under the machine lock before the next one is
// dispatched. Independent machines share nothing and may run concurrently.
type Machine struct {
	mu        sync.Mutex
	cfg       Config
	gateways  GatewayResolver
	persister *flowstore.Persister
	metrics   *metrics.Metrics

	state State
	fctx  Context
	epoch uint64
	timer *time.Timer

	notifyMu     sync.Mutex
	observers    map[int]Observer
	nextObserver int
}

// NewMachine creates a Machine in the idle state. The persister and
// metrics may be nil.
func NewMachine(cfg Config, gateways GatewayResolver, persister *flowstore.Persister, m *metrics.Metrics) *Machine {
	if gateways == nil {
		panic("flow: gateway resolver cannot be nil")
	}
	return &Machine{
		cfg:       cfg.withDefaults(),
		gateways:  gateways,
		persister: persister,
		metrics:   m,
		state:     StateIdle,
		observers: make(map[int]Observer),
	}
}

// handler performs the transition for one state × event pair.
type handler func(m *Machine, ev Event)

// table is the transition table. Global events (RESET and the external
// signals) are handled ahead of the table by dispatch. It is populated in
// init because the handlers reference table through dispatch, which a
// package-level literal would turn into an initialization cycle.
var table map[State]map[EventType]handler

func init() {
	table = map[State]map[EventType]handler{
		StateIdle: {
			EventStart: (*Machine).handleStart,
		},
		StateStarting: {
			eventActorDone:   (*Machine).handleIntentResult,
			eventActorFailed: (*Machine).handleActorFailure,
		},
		StateRequiresAction: {
			EventConfirm: (*Machine).handleConfirm,
			EventCancel:  (*Machine).handleCancel,
			EventRefresh: (*Machine).handleRefresh,
		},
		StateClientConfirming: {
			eventActorDone:   (*Machine).handleClientConfirmed,
			eventActorFailed: (*Machine).handleActorFailure,
		},
		StateFinalizing: {
			eventActorDone:   (*Machine).handleFinalized,
			eventActorFailed: (*Machine).handleActorFailure,
		},
		StateConfirming: {
			eventActorDone:   (*Machine).handleSettled,
			eventActorFailed: (*Machine).handleActorFailure,
		},
		StateCancelling: {
			eventActorDone:   (*Machine).handleSettled,
			eventActorFailed: (*Machine).handleActorFailure,
		},
		StatePolling: {
			eventTimerFired:  (*Machine).handlePollTimer,
			eventActorDone:   (*Machine).handlePollResult,
			eventActorFailed: (*Machine).handleActorFailure,
		},
		StateReconciling: {
			eventActorDone:   (*Machine).handleStatusResult,
			eventActorFailed: (*Machine).handleReconcileFailure,
		},
		StateReconcilingRetrying: {
			eventTimerFired: (*Machine).handleReconcileRetryTimer,
		},
		StateFetchingStatus: {
			eventActorDone:   (*Machine).handleStatusResult,
			eventActorFailed: (*Machine).handleActorFailure,
		},
		StateDone: {
			EventRefresh: (*Machine).handleRefresh,
		},
		StateFailed: {
			EventFallbackExecute:   (*Machine).handleFallbackExecute,
			EventFallbackRequested: (*Machine).handleFallbackNoop,
			EventFallbackAbort:     (*Machine).handleFallbackNoop,
		},
	}
}

// Send dispatches a command event. It returns whether the machine accepted
// the event in its current state.
func (m *Machine) Send(ev Event) bool {
	if !isCommand(ev.Type) {
		return false
	}
	return m.process(ev)
}

// SendSystem dispatches an internally-sourced system event.
func (m *Machine) SendSystem(ev Event) bool {
	if !isSystem(ev.Type) {
		return false
	}
	return m.process(ev)
}

// Snapshot returns the current state and context.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// State returns the current state tag.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers an observer and returns its unsubscribe func.
func (m *Machine) Subscribe(o Observer) func() {
	m.mu.Lock()
	id := m.nextObserver
	m.nextObserver++
	m.observers[id] = o
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

func (m *Machine) process(ev Event) bool {
	m.mu.Lock()
	accepted := m.dispatch(ev)
	var snap Snapshot
	var obs []Observer
	if accepted {
		snap = m.snapshotLocked()
		obs = make([]Observer, 0, len(m.observers))
		for _, o := range m.observers {
			obs = append(obs, o)
		}
	}
	// notifyMu is taken before mu is released so observers see one
	// notification per accepted transition, in transition order. Lock
	// order is always mu then notifyMu.
	if accepted {
		m.notifyMu.Lock()
	}
	m.mu.Unlock()

	if accepted {
		for _, o := range obs {
			o(snap)
		}
		m.notifyMu.Unlock()
	}
	return accepted
}

// deliver routes an async completion back into the dispatch loop. Stale
// completions (the machine transitioned since the work started) are dropped.
func (m *Machine) deliver(epoch uint64, ev Event) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.dispatch(ev)
	snap := m.snapshotLocked()
	obs := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		obs = append(obs, o)
	}
	m.notifyMu.Lock()
	m.mu.Unlock()

	for _, o := range obs {
		o(snap)
	}
	m.notifyMu.Unlock()
}

// dispatch is the single evaluation loop: global events first, then the
// state × event table. Caller holds the lock.
func (m *Machine) dispatch(ev Event) bool {
	switch ev.Type {
	case EventReset:
		m.handleReset(ev)
		return true
	case EventRedirectReturned, EventExternalStatusUpdated, EventWebhookReceived:
		return m.handleExternal(ev)
	}

	handlers, ok := table[m.state]
	if !ok {
		return false
	}
	h, ok := handlers[ev.Type]
	if !ok {
		return false
	}
	h(m, ev)
	return true
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		State:         m.state,
		Flow:          m.fctx.Flow.Clone(),
		ProviderID:    m.fctx.ProviderID,
		Intent:        m.fctx.Intent,
		Err:           m.fctx.Err,
		Request:       m.fctx.Request,
		PollAttempt:   m.fctx.PollAttempt,
		StatusRetries: m.fctx.StatusRetries,
	}
}

// transitionTo moves the machine to a new state. Any pending timer or
// in-flight actor belongs to the old state and is invalidated by the epoch
// bump.
func (m *Machine) transitionTo(to State, cause EventType) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.epoch++
	m.metrics.ObserveTransition(string(m.state), string(to), string(cause))
	m.state = to
}

func (m *Machine) armTimer(d time.Duration) {
	epoch := m.epoch
	m.timer = time.AfterFunc(d, func() {
		m.deliver(epoch, Event{Type: eventTimerFired})
	})
}

// invoke transitions into the invoking state and runs the actor call on its
// own goroutine. The completion is delivered under the captured epoch.
func (m *Machine) invoke(actor string, cause EventType, to State, call func(ctx context.Context) (*payment.Intent, error)) {
	m.transitionTo(to, cause)
	epoch := m.epoch

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ActorTimeout)
		defer cancel()

		tracer := otel.Tracer("flow")
		ctx, span := tracer.Start(ctx, "flow."+actor)
		intent, err := call(ctx)
		span.End()

		if err != nil {
			perr := payment.NormalizeError(err)
			m.metrics.ObserveActorFailure(actor, string(perr.Code))
			m.deliver(epoch, Event{Type: eventActorFailed, err: perr, actor: actor})
			return
		}
		if intent == nil {
			perr := payment.NewError(payment.ErrProviderError,
				fmt.Errorf("actor %s returned no intent", actor))
			m.metrics.ObserveActorFailure(actor, string(perr.Code))
			m.deliver(epoch, Event{Type: eventActorFailed, err: perr, actor: actor})
			return
		}
		m.deliver(epoch, Event{Type: eventActorDone, intent: intent, actor: actor})
	}()
}

func (m *Machine) persist() {
	if m.persister == nil || m.fctx.Flow == nil {
		return
	}
	if err := m.persister.Save(context.Background(), m.fctx.Flow); err != nil {
		log.Printf("Flow %s: persist failed: %v", m.fctx.Flow.FlowID, err)
	}
}

func (m *Machine) clearPersisted() {
	if m.persister == nil || m.fctx.Flow == nil {
		return
	}
	if err := m.persister.Clear(context.Background(), m.fctx.Flow.FlowID); err != nil {
		log.Printf("Flow %s: clear persisted context failed: %v", m.fctx.Flow.FlowID, err)
	}
}

func (m *Machine) fail(cause EventType, perr *payment.Error) {
	m.fctx.Err = perr
	m.transitionTo(StateFailed, cause)
	m.clearPersisted()
}

func (m *Machine) complete(cause EventType) {
	m.transitionTo(StateDone, cause)
	m.clearPersisted()
}

// assignIntent stores a fresh provider result and records its correlation
// ids on the flow context.
func (m *Machine) assignIntent(intent *payment.Intent) {
	m.fctx.Intent = intent
	m.fctx.Err = nil
	if m.fctx.Flow != nil && intent.ID != "" {
		providerID := intent.Provider
		if providerID == "" {
			providerID = m.fctx.ProviderID
		}
		m.fctx.Flow.SetRef(providerID, intent.ID)
	}
	m.persist()
}

// resolveIntent is the pure guard evaluation shared by afterStart and the
// status-bearing completions: decide the next real state from the intent
// without performing I/O.
func (m *Machine) resolveIntent(cause EventType) {
	intent := m.fctx.Intent
	switch {
	case intent.NeedsUserAction():
		m.transitionTo(StateRequiresAction, cause)
	case intent.IsFinal():
		m.complete(cause)
	default:
		m.schedulePoll(cause)
	}
}

func (m *Machine) pollDelay(attempt int) time.Duration {
	d := m.cfg.PollBaseDelay << uint(attempt)
	if d > m.cfg.PollMaxDelay || d <= 0 {
		return m.cfg.PollMaxDelay
	}
	return d
}

func (m *Machine) schedulePoll(cause EventType) {
	if m.fctx.PollAttempt >= m.cfg.PollMaxAttempts {
		// Polling exhaustion is terminal, not an error: the last known
		// intent status is preserved.
		log.Printf("Flow %s: polling exhausted after %d attempts, status %s",
			m.flowID(), m.fctx.PollAttempt, m.fctx.Intent.Status)
		m.complete(cause)
		return
	}
	m.transitionTo(StatePolling, cause)
	m.armTimer(m.pollDelay(m.fctx.PollAttempt))
}

func (m *Machine) flowID() string {
	if m.fctx.Flow == nil {
		return ""
	}
	return m.fctx.Flow.FlowID
}

// intentIDFor finds the correlation id to reconcile against: the recorded
// provider ref first, the raw external reference as a fallback.
func (m *Machine) intentIDFor(providerID string) string {
	if m.fctx.Intent != nil && m.fctx.Intent.ID != "" && m.fctx.Intent.Provider == providerID {
		return m.fctx.Intent.ID
	}
	if m.fctx.Flow != nil {
		if ref, ok := m.fctx.Flow.RefFor(providerID); ok && ref.IntentID != "" {
			return ref.IntentID
		}
		if m.fctx.Flow.ExternalReference != "" {
			return m.fctx.Flow.ExternalReference
		}
	}
	return ""
}
