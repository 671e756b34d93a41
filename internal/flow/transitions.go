package flow

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/yourorg/payment-flow-orchestrator/internal/flow/flowstore"
	"github.com/yourorg/payment-flow-orchestrator/internal/payment"
	"github.com/yourorg/payment-flow-orchestrator/internal/provider"
)

// handleStart begins a new flow: adopt or create the flow context, then
// invoke the start actor on the requested provider.
func (m *Machine) handleStart(ev Event) {
	if ev.Request == nil || ev.ProviderID == "" {
		m.fail(ev.Type, payment.NewError(payment.ErrInvalidRequest,
			fmt.Errorf("start requires a provider id and request")))
		return
	}

	fc := ev.FlowContext
	if fc == nil {
		fc = flowstore.New(ev.ProviderID, m.cfg.FlowTTL)
	}
	fc.ProviderID = ev.ProviderID
	if ev.Request.ReturnURL != "" {
		fc.ReturnURL = ev.Request.ReturnURL
	}
	if ev.Request.CancelURL != "" {
		fc.CancelURL = ev.Request.CancelURL
	}

	m.fctx = Context{
		Flow:       fc,
		ProviderID: ev.ProviderID,
		Request:    ev.Request,
	}
	m.persist()
	m.invokeStart(ev.Type, ev.ProviderID)
}

func (m *Machine) invokeStart(cause EventType, providerID string) {
	gw, ok := m.gateways.Lookup(providerID)
	if !ok {
		m.fail(cause, payment.NewError(payment.ErrInvalidRequest,
			fmt.Errorf("no gateway registered for provider %s", providerID)))
		return
	}
	req := *m.fctx.Request
	fc := m.fctx.Flow.Clone()
	m.invoke("start", cause, StateStarting, func(ctx context.Context) (*payment.Intent, error) {
		return gw.Start(ctx, req, fc)
	})
}

// handleIntentResult is the afterStart evaluation: store the result and let
// the guards pick the next real state.
func (m *Machine) handleIntentResult(ev Event) {
	m.assignIntent(ev.intent)
	m.fctx.PollAttempt = 0
	m.resolveIntent(ev.Type)
}

func (m *Machine) handleActorFailure(ev Event) {
	log.Printf("Flow %s: actor %s failed: %v", m.flowID(), ev.actor, ev.err)
	m.fail(ev.Type, ev.err)
}

// handleConfirm routes CONFIRM to the client or server confirmation path,
// depending on what the pending action requires.
func (m *Machine) handleConfirm(ev Event) {
	providerID := m.fctx.ProviderID
	if ev.ProviderID != "" {
		providerID = ev.ProviderID
	}
	gw, ok := m.gateways.Lookup(providerID)
	if !ok {
		m.fail(ev.Type, payment.NewError(payment.ErrInvalidRequest,
			fmt.Errorf("no gateway registered for provider %s", providerID)))
		return
	}

	if m.fctx.Intent.NeedsClientConfirm() {
		req := provider.ClientConfirmRequest{Action: m.fctx.Intent.NextAction}
		m.invoke("clientConfirm", ev.Type, StateClientConfirming, func(ctx context.Context) (*payment.Intent, error) {
			return gw.ClientConfirm(ctx, req)
		})
		return
	}

	intentID := ev.IntentID
	if intentID == "" {
		intentID = m.intentIDFor(providerID)
	}
	req := provider.ConfirmRequest{IntentID: intentID, ReturnURL: ev.ReturnURL}
	m.invoke("confirm", ev.Type, StateConfirming, func(ctx context.Context) (*payment.Intent, error) {
		return gw.Confirm(ctx, req)
	})
}

func (m *Machine) handleCancel(ev Event) {
	providerID := m.fctx.ProviderID
	if ev.ProviderID != "" {
		providerID = ev.ProviderID
	}
	gw, ok := m.gateways.Lookup(providerID)
	if !ok {
		m.fail(ev.Type, payment.NewError(payment.ErrInvalidRequest,
			fmt.Errorf("no gateway registered for provider %s", providerID)))
		return
	}
	intentID := ev.IntentID
	if intentID == "" {
		intentID = m.intentIDFor(providerID)
	}
	req := provider.CancelRequest{IntentID: intentID}
	m.invoke("cancel", ev.Type, StateCancelling, func(ctx context.Context) (*payment.Intent, error) {
		return gw.Cancel(ctx, req)
	})
}

// handleClientConfirmed finishes the client confirmation step: finalize if
// the provider requires it, otherwise reconcile authoritative status.
func (m *Machine) handleClientConfirmed(ev Event) {
	m.assignIntent(ev.intent)
	if m.fctx.Intent.FinalizeRequired {
		m.invokeFinalize(ev.Type)
		return
	}
	m.enterReconciling(ev.Type)
}

func (m *Machine) invokeFinalize(cause EventType) {
	providerID := m.fctx.ProviderID
	gw, ok := m.gateways.Lookup(providerID)
	if !ok {
		m.fail(cause, payment.NewError(payment.ErrInvalidRequest,
			fmt.Errorf("no gateway registered for provider %s", providerID)))
		return
	}
	req := provider.FinalizeRequest{IntentID: m.intentIDFor(providerID)}
	m.invoke("finalize", cause, StateFinalizing, func(ctx context.Context) (*payment.Intent, error) {
		return gw.Finalize(ctx, req)
	})
}

func (m *Machine) handleFinalized(ev Event) {
	m.assignIntent(ev.intent)
	m.enterReconciling(ev.Type)
}

// handleSettled completes the confirm/cancel actors: success is terminal.
func (m *Machine) handleSettled(ev Event) {
	m.assignIntent(ev.intent)
	m.complete(ev.Type)
}

// handleRefresh re-fetches authoritative provider status on caller demand.
func (m *Machine) handleRefresh(ev Event) {
	providerID := m.fctx.ProviderID
	if ev.ProviderID != "" {
		providerID = ev.ProviderID
	}
	gw, ok := m.gateways.Lookup(providerID)
	if !ok {
		m.fail(ev.Type, payment.NewError(payment.ErrInvalidRequest,
			fmt.Errorf("no gateway registered for provider %s", providerID)))
		return
	}
	intentID := ev.IntentID
	if intentID == "" {
		intentID = m.intentIDFor(providerID)
	}
	if intentID == "" {
		m.fail(ev.Type, payment.NewError(payment.ErrInvalidRequest,
			fmt.Errorf("refresh requires an intent id or recorded provider ref")))
		return
	}
	req := provider.StatusRequest{IntentID: intentID}
	m.invoke("getStatus", ev.Type, StateFetchingStatus, func(ctx context.Context) (*payment.Intent, error) {
		return gw.GetStatus(ctx, req)
	})
}

// handlePollTimer fires the scheduled status check while polling.
func (m *Machine) handlePollTimer(ev Event) {
	providerID := m.fctx.ProviderID
	gw, ok := m.gateways.Lookup(providerID)
	if !ok {
		m.fail(ev.Type, payment.NewError(payment.ErrInvalidRequest,
			fmt.Errorf("no gateway registered for provider %s", providerID)))
		return
	}
	m.fctx.PollAttempt++
	req := provider.StatusRequest{IntentID: m.intentIDFor(providerID)}
	m.invoke("getStatus", ev.Type, StatePolling, func(ctx context.Context) (*payment.Intent, error) {
		return gw.GetStatus(ctx, req)
	})
}

func (m *Machine) handlePollResult(ev Event) {
	m.assignIntent(ev.intent)
	m.resolveIntent(ev.Type)
}

// enterReconciling is the always-evaluated pseudo-step in front of the
// reconcile invocation: missing correlation keys are a hard error, never
// retried.
func (m *Machine) enterReconciling(cause EventType) {
	providerID := m.fctx.ProviderID
	intentID := m.intentIDFor(providerID)
	if providerID == "" || intentID == "" {
		m.fail(cause, payment.NewError(payment.ErrInvalidRequest,
			fmt.Errorf("cannot reconcile flow %s: missing correlation keys", m.flowID())))
		return
	}
	gw, ok := m.gateways.Lookup(providerID)
	if !ok {
		m.fail(cause, payment.NewError(payment.ErrInvalidRequest,
			fmt.Errorf("no gateway registered for provider %s", providerID)))
		return
	}
	req := provider.StatusRequest{IntentID: intentID}
	m.invoke("getStatus", cause, StateReconciling, func(ctx context.Context) (*payment.Intent, error) {
		return gw.GetStatus(ctx, req)
	})
}

func (m *Machine) handleStatusResult(ev Event) {
	m.fctx.StatusRetries = 0
	m.assignIntent(ev.intent)
	m.resolveIntent(ev.Type)
}

// handleReconcileFailure retries the status fetch a bounded number of times
// with exponential delay before surfacing the failure.
func (m *Machine) handleReconcileFailure(ev Event) {
	if m.fctx.StatusRetries >= m.cfg.StatusMaxRetries {
		log.Printf("Flow %s: reconcile retries exhausted: %v", m.flowID(), ev.err)
		m.fail(ev.Type, ev.err)
		return
	}
	m.fctx.StatusRetries++
	m.fctx.Err = ev.err
	m.transitionTo(StateReconcilingRetrying, ev.Type)

	delay := m.cfg.StatusRetryDelay << uint(m.fctx.StatusRetries-1)
	if delay > m.cfg.StatusRetryMaxDelay || delay <= 0 {
		delay = m.cfg.StatusRetryMaxDelay
	}
	m.armTimer(delay)
}

func (m *Machine) handleReconcileRetryTimer(ev Event) {
	m.enterReconciling(ev.Type)
}

// handleExternal folds a redirect return, webhook or external status signal
// into the flow context and reconciles. Duplicate signals (same event id or
// return nonce) are accepted but do nothing.
func (m *Machine) handleExternal(ev Event) bool {
	if m.fctx.Flow == nil {
		// No live flow to reconcile against; adopt the signal only if it
		// carries enough to identify one.
		if ev.ProviderID == "" || ev.ReferenceID == "" {
			return false
		}
		m.fctx.Flow = flowstore.New(ev.ProviderID, m.cfg.FlowTTL)
		m.fctx.ProviderID = ev.ProviderID
	}
	fc := m.fctx.Flow

	if ev.EventID != "" && ev.EventID == fc.LastExternalEventID {
		log.Printf("Flow %s: duplicate external event %s ignored", fc.FlowID, ev.EventID)
		return true
	}
	if ev.Type == EventRedirectReturned && ev.Nonce != "" && ev.Nonce == fc.LastReturnNonce {
		log.Printf("Flow %s: duplicate redirect return %s ignored", fc.FlowID, ev.Nonce)
		return true
	}

	if ev.ProviderID != "" {
		m.fctx.ProviderID = ev.ProviderID
	}
	fc.MergeExternalReference(ev.ProviderID, ev.ReferenceID, ev.EventID)
	if ev.Type == EventRedirectReturned {
		if ev.Nonce != "" {
			fc.LastReturnNonce = ev.Nonce
		}
		if len(ev.Params) > 0 {
			fc.ReturnParamsSanitized = sanitizeReturnParams(ev.Params)
		}
	}
	m.persist()
	m.enterReconciling(ev.Type)
	return true
}

// sanitizeReturnParams drops anything secret-shaped from redirect return
// query params before they touch the flow context.
func sanitizeReturnParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "secret") || strings.Contains(lower, "token") ||
			strings.Contains(lower, "key") {
			continue
		}
		out[k] = v
	}
	return out
}

// handleReset clears everything and returns to idle.
func (m *Machine) handleReset(ev Event) {
	m.clearPersisted()
	m.transitionTo(StateIdle, ev.Type)
	m.fctx = Context{}
}

// handleFallbackExecute retries the failed flow on an alternate provider,
// keeping the same flow id.
func (m *Machine) handleFallbackExecute(ev Event) {
	req := ev.Request
	if req == nil {
		req = m.fctx.Request
	}
	if ev.ProviderID == "" || req == nil {
		m.fail(ev.Type, payment.NewError(payment.ErrInvalidRequest,
			fmt.Errorf("fallback execute requires a provider id and request")))
		return
	}
	if m.fctx.Flow == nil {
		m.fctx.Flow = flowstore.New(ev.ProviderID, m.cfg.FlowTTL)
	}
	m.fctx.Flow.ProviderID = ev.ProviderID
	m.fctx.ProviderID = ev.ProviderID
	m.fctx.Request = req
	m.fctx.Intent = nil
	m.fctx.Err = nil
	m.fctx.PollAttempt = 0
	m.fctx.StatusRetries = 0
	m.persist()
	m.invokeStart(ev.Type, ev.ProviderID)
}

// handleFallbackNoop accepts informational fallback events without moving.
func (m *Machine) handleFallbackNoop(Event) {}
