package flow

import (
	"github.com/yourorg/payment-flow-orchestrator/internal/flow/flowstore"
	"github.com/yourorg/payment-flow-orchestrator/internal/payment"
	"github.com/yourorg/payment-flow-orchestrator/internal/provider"
)

// EventType names every event the machine reacts to.
type EventType string

// Command events, issued by the caller via Send.
const (
	EventStart   EventType = "START"
	EventConfirm EventType = "CONFIRM"
	EventCancel  EventType = "CANCEL"
	EventRefresh EventType = "REFRESH"
	EventReset   EventType = "RESET"
)

// System events, issued via SendSystem.
const (
	EventRedirectReturned      EventType = "REDIRECT_RETURNED"
	EventExternalStatusUpdated EventType = "EXTERNAL_STATUS_UPDATED"
	EventWebhookReceived       EventType = "WEBHOOK_RECEIVED"
	EventFallbackRequested     EventType = "FALLBACK_REQUESTED"
	EventFallbackExecute       EventType = "FALLBACK_EXECUTE"
	EventFallbackAbort         EventType = "FALLBACK_ABORT"
)

// Internal completion events. Never accepted from outside the machine.
const (
	eventActorDone   EventType = "actor.done"
	eventActorFailed EventType = "actor.failed"
	eventTimerFired  EventType = "timer.fired"
)

// Event carries the payload for one machine event. Fields are meaningful
// per event type; unused fields are ignored.
type Event struct {
	Type EventType

	// START / FALLBACK_EXECUTE
	ProviderID  string
	Request     *provider.StartRequest
	FlowContext *flowstore.FlowContext

	// CONFIRM / CANCEL / REFRESH
	IntentID  string
	ReturnURL string

	// External signals
	ReferenceID string
	EventID     string
	Nonce       string
	Params      map[string]string

	// FALLBACK_EXECUTE / FALLBACK_REQUESTED
	FailedProviderID string

	// Internal actor completion payload.
	intent *payment.Intent
	err    *payment.Error
	actor  string
}

func isCommand(t EventType) bool {
	switch t {
	case EventStart, EventConfirm, EventCancel, EventRefresh, EventReset:
		return true
	default:
		return false
	}
}

func isSystem(t EventType) bool {
	switch t {
	case EventRedirectReturned, EventExternalStatusUpdated, EventWebhookReceived,
		EventFallbackRequested, EventFallbackExecute, EventFallbackAbort:
		return true
	default:
		return false
	}
}
