// Package flowstore owns the cross-call correlation state of a payment flow
// and its persistence. The persisted record is versioned, allowlisted and
// TTL-bounded so it can survive page reloads and provider redirects without
// ever carrying secrets.
package flowstore

import (
	"time"

	"github.com/google/uuid"
)

// DefaultTTL bounds how long a flow context stays loadable.
const DefaultTTL = 30 * time.Minute

// ProviderRef holds the correlation ids one provider handed back for this flow.
type ProviderRef struct {
	IntentID string            `json:"intentId"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// FlowContext is the correlation state for one payment attempt. It is owned
// exclusively by the flow machine and mutated only through its assign
// actions. It never holds client secrets, tokens or raw provider payloads.
type FlowContext struct {
	FlowID                string                 `json:"flowId"`
	ProviderID            string                 `json:"providerId,omitempty"`
	ExternalReference     string                 `json:"externalReference,omitempty"`
	ProviderRefs          map[string]ProviderRef `json:"providerRefs,omitempty"`
	CreatedAt             time.Time              `json:"createdAt"`
	ExpiresAt             time.Time              `json:"expiresAt"`
	LastExternalEventID   string                 `json:"lastExternalEventId,omitempty"`
	LastReturnNonce       string                 `json:"lastReturnNonce,omitempty"`
	ReturnParamsSanitized map[string]string      `json:"returnParamsSanitized,omitempty"`
	ReturnURL             string                 `json:"returnUrl,omitempty"`
	CancelURL             string                 `json:"cancelUrl,omitempty"`
	IsTest                bool                   `json:"isTest,omitempty"`
}

// New creates a FlowContext with a fresh flow id and the given TTL.
func New(providerID string, ttl time.Duration) *FlowContext {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	return &FlowContext{
		FlowID:       uuid.NewString(),
		ProviderID:   providerID,
		ProviderRefs: make(map[string]ProviderRef),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
}

// Expired reports whether the context has outlived its TTL.
func (f *FlowContext) Expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && now.After(f.ExpiresAt)
}

// RefFor returns the correlation ref recorded for the provider.
func (f *FlowContext) RefFor(providerID string) (ProviderRef, bool) {
	ref, ok := f.ProviderRefs[providerID]
	return ref, ok
}

// SetRef records the intent id a provider returned for this flow.
func (f *FlowContext) SetRef(providerID, intentID string) {
	if f.ProviderRefs == nil {
		f.ProviderRefs = make(map[string]ProviderRef)
	}
	ref := f.ProviderRefs[providerID]
	ref.IntentID = intentID
	f.ProviderRefs[providerID] = ref
}

// MergeExternalReference folds an external signal (redirect return, webhook)
// into the context. An empty referenceID leaves the stored reference alone.
func (f *FlowContext) MergeExternalReference(providerID, referenceID, eventID string) {
	if providerID != "" {
		f.ProviderID = providerID
	}
	if referenceID != "" {
		f.ExternalReference = referenceID
		if f.ProviderID != "" {
			ref := f.ProviderRefs[f.ProviderID]
			if ref.IntentID == "" {
				ref.IntentID = referenceID
			}
			if f.ProviderRefs == nil {
				f.ProviderRefs = make(map[string]ProviderRef)
			}
			f.ProviderRefs[f.ProviderID] = ref
		}
	}
	if eventID != "" {
		f.LastExternalEventID = eventID
	}
}

// Clone returns a deep copy so snapshots cannot alias machine-owned state.
func (f *FlowContext) Clone() *FlowContext {
	if f == nil {
		return nil
	}
	out := *f
	if f.ProviderRefs != nil {
		out.ProviderRefs = make(map[string]ProviderRef, len(f.ProviderRefs))
		for k, v := range f.ProviderRefs {
			ref := v
			if v.Extra != nil {
				ref.Extra = make(map[string]string, len(v.Extra))
				for ek, ev := range v.Extra {
					ref.Extra[ek] = ev
				}
			}
			out.ProviderRefs[k] = ref
		}
	}
	if f.ReturnParamsSanitized != nil {
		out.ReturnParamsSanitized = make(map[string]string, len(f.ReturnParamsSanitized))
		for k, v := range f.ReturnParamsSanitized {
			out.ReturnParamsSanitized[k] = v
		}
	}
	return &out
}
