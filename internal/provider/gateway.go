// Package provider defines the operation ports the flow machine invokes on
// payment providers, and the registry that tracks which providers exist,
// what payment methods they support, and in which priority order fallback
// should try them.
package provider

import (
	"context"

	"github.com/yourorg/payment-flow-orchestrator/internal/flow/flowstore"
	"github.com/yourorg/payment-flow-orchestrator/internal/payment"
)

// StartRequest describes one payment to be created at a provider.
type StartRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Method         string            `json:"method"`
	Description    string            `json:"description,omitempty"`
	ReturnURL      string            `json:"returnUrl,omitempty"`
	CancelURL      string            `json:"cancelUrl,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"-"`
}

// ConfirmRequest asks the provider to confirm a previously started intent.
type ConfirmRequest struct {
	IntentID       string
	ReturnURL      string
	IdempotencyKey string
}

// CancelRequest asks the provider to cancel an intent.
type CancelRequest struct {
	IntentID       string
	IdempotencyKey string
}

// StatusRequest fetches the authoritative status of an intent.
type StatusRequest struct {
	IntentID string
}

// ClientConfirmRequest resolves a client_confirm next action.
type ClientConfirmRequest struct {
	Action  *payment.NextAction
	Context map[string]string
}

// FinalizeRequest completes an intent whose client confirmation requires a
// server-side finalize step.
type FinalizeRequest struct {
	IntentID       string
	Context        map[string]string
	IdempotencyKey string
}

// Gateway is the port each payment provider implements. Every method must
// reject with an error that normalizes cleanly through
// payment.NormalizeError; gateways are expected to return *payment.Error
// directly.
type Gateway interface {
	Name() string
	Start(ctx context.Context, req StartRequest, flow *flowstore.FlowContext) (*payment.Intent, error)
	Confirm(ctx context.Context, req ConfirmRequest) (*payment.Intent, error)
	Cancel(ctx context.Context, req CancelRequest) (*payment.Intent, error)
	GetStatus(ctx context.Context, req StatusRequest) (*payment.Intent, error)
	ClientConfirm(ctx context.Context, req ClientConfirmRequest) (*payment.Intent, error)
	Finalize(ctx context.Context, req FinalizeRequest) (*payment.Intent, error)
}
