// Package payment defines the normalized domain model shared by the flow
// machine, the fallback orchestrator and the provider gateways: payment
// intents, their statuses and next-action variants, and the normalized
// error taxonomy.
package payment

// IntentStatus is the provider-agnostic lifecycle status of a payment intent.
type IntentStatus string

const (
	StatusRequiresPaymentMethod IntentStatus = "requires_payment_method"
	StatusRequiresConfirmation  IntentStatus = "requires_confirmation"
	StatusRequiresAction        IntentStatus = "requires_action"
	StatusProcessing            IntentStatus = "processing"
	StatusSucceeded             IntentStatus = "succeeded"
	StatusFailed                IntentStatus = "failed"
	StatusCanceled              IntentStatus = "canceled"
)

// IsFinal reports whether the status is terminal and will never change again.
func (s IntentStatus) IsFinal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// NextActionType discriminates the NextAction variants a provider can ask for.
type NextActionType string

const (
	NextActionRedirect      NextActionType = "redirect"
	NextActionSPEI          NextActionType = "spei"
	NextActionClientConfirm NextActionType = "client_confirm"
	NextActionExternalWait  NextActionType = "external_wait"
)

// NextAction describes the follow-up a provider requires before the intent
// can progress. Exactly one variant applies, selected by Type; the other
// fields are meaningful only for their variant.
type NextAction struct {
	Type NextActionType `json:"type"`

	// RedirectURL is set for the redirect variant.
	RedirectURL string `json:"redirectUrl,omitempty"`

	// Reference and DisplayData carry offline instructions for the spei variant.
	Reference   string            `json:"reference,omitempty"`
	DisplayData map[string]string `json:"displayData,omitempty"`

	// ConfirmToken is the opaque handle the client SDK needs for the
	// client_confirm variant.
	ConfirmToken string `json:"confirmToken,omitempty"`
}

// Intent is the normalized view of a provider-side payment intent. It is
// produced by provider gateways and treated as immutable once attached to
// the flow machine's context, until replaced by a newer provider result.
type Intent struct {
	ID               string       `json:"id"`
	Provider         string       `json:"provider"`
	Status           IntentStatus `json:"status"`
	Amount           int64        `json:"amount"`
	Currency         string       `json:"currency"`
	ClientSecret     string       `json:"clientSecret,omitempty"`
	NextAction       *NextAction  `json:"nextAction,omitempty"`
	FinalizeRequired bool         `json:"finalizeRequired,omitempty"`
}

// NeedsUserAction reports whether the intent is parked waiting for the payer.
func (i *Intent) NeedsUserAction() bool {
	return i != nil && i.Status == StatusRequiresAction && i.NextAction != nil
}

// NeedsClientConfirm reports whether the pending action must be resolved by
// the client-side SDK rather than a server-side confirm call.
func (i *Intent) NeedsClientConfirm() bool {
	return i != nil && i.NextAction != nil && i.NextAction.Type == NextActionClientConfirm
}

// IsFinal reports whether the intent has reached a terminal status.
func (i *Intent) IsFinal() bool {
	return i != nil && i.Status.IsFinal()
}
