package flowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the current persisted record layout. Records written
// with any other version are discarded on load.
const SchemaVersion = 2

const keyPrefix = "ctx:"

// Record is the persisted, allowlisted form of a FlowContext. Every field
// here is safe to store; anything not listed (client secrets, raw provider
// payloads, device metadata) never reaches storage.
type Record struct {
	SchemaVersion         int                    `json:"schemaVersion"`
	FlowID                string                 `json:"flowId"`
	ProviderID            string                 `json:"providerId,omitempty"`
	ExternalReference     string                 `json:"externalReference,omitempty"`
	ProviderRefs          map[string]ProviderRef `json:"providerRefs,omitempty"`
	CreatedAt             time.Time              `json:"createdAt,omitempty"`
	ExpiresAt             time.Time              `json:"expiresAt,omitempty"`
	LastExternalEventID   string                 `json:"lastExternalEventId,omitempty"`
	LastReturnNonce       string                 `json:"lastReturnNonce,omitempty"`
	ReturnParamsSanitized map[string]string      `json:"returnParamsSanitized,omitempty"`
	ReturnURL             string                 `json:"returnUrl,omitempty"`
	CancelURL             string                 `json:"cancelUrl,omitempty"`
	IsTest                bool                   `json:"isTest,omitempty"`
	PersistedAt           time.Time              `json:"persistedAt"`
}

// Persister saves and loads flow contexts through a Store, stamping the
// schema version on write and enforcing version/TTL validation on read.
type Persister struct {
	store Store
	now   func() time.Time
}

// NewPersister creates a Persister over the given store.
func NewPersister(store Store) *Persister {
	return &Persister{store: store, now: time.Now}
}

// Save writes the allowlisted record for the context. The storage TTL
// mirrors the context's ExpiresAt.
func (p *Persister) Save(ctx context.Context, fc *FlowContext) error {
	if fc == nil || fc.FlowID == "" {
		return errors.New("flowstore: cannot save context without flow id")
	}

	rec := Record{
		SchemaVersion:         SchemaVersion,
		FlowID:                fc.FlowID,
		ProviderID:            fc.ProviderID,
		ExternalReference:     fc.ExternalReference,
		ProviderRefs:          fc.ProviderRefs,
		CreatedAt:             fc.CreatedAt,
		ExpiresAt:             fc.ExpiresAt,
		LastExternalEventID:   fc.LastExternalEventID,
		LastReturnNonce:       fc.LastReturnNonce,
		ReturnParamsSanitized: fc.ReturnParamsSanitized,
		ReturnURL:             fc.ReturnURL,
		CancelURL:             fc.CancelURL,
		IsTest:                fc.IsTest,
		PersistedAt:           p.now(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("flowstore: marshal record: %w", err)
	}

	var ttl time.Duration
	if !fc.ExpiresAt.IsZero() {
		ttl = fc.ExpiresAt.Sub(p.now())
		if ttl <= 0 {
			// Already expired; don't write a record we'd discard on load.
			return p.store.Delete(ctx, keyPrefix+fc.FlowID)
		}
	}

	if err := p.store.Set(ctx, keyPrefix+fc.FlowID, data, ttl); err != nil {
		return fmt.Errorf("flowstore: save flow %s: %w", fc.FlowID, err)
	}
	return nil
}

// Load reads the context for the flow id. A missing, corrupt, expired,
// version-mismatched or id-less record yields (nil, nil) and clears
// storage; loading never fails the caller over stale state.
func (p *Persister) Load(ctx context.Context, flowID string) (*FlowContext, error) {
	key := keyPrefix + flowID

	data, err := p.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("flowstore: load flow %s: %w", flowID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		_ = p.store.Delete(ctx, key)
		return nil, nil
	}

	if rec.SchemaVersion != SchemaVersion || rec.FlowID == "" ||
		(!rec.ExpiresAt.IsZero() && p.now().After(rec.ExpiresAt)) {
		_ = p.store.Delete(ctx, key)
		return nil, nil
	}

	return &FlowContext{
		FlowID:                rec.FlowID,
		ProviderID:            rec.ProviderID,
		ExternalReference:     rec.ExternalReference,
		ProviderRefs:          rec.ProviderRefs,
		CreatedAt:             rec.CreatedAt,
		ExpiresAt:             rec.ExpiresAt,
		LastExternalEventID:   rec.LastExternalEventID,
		LastReturnNonce:       rec.LastReturnNonce,
		ReturnParamsSanitized: rec.ReturnParamsSanitized,
		ReturnURL:             rec.ReturnURL,
		CancelURL:             rec.CancelURL,
		IsTest:                rec.IsTest,
	}, nil
}

// Clear removes the persisted record for the flow id.
func (p *Persister) Clear(ctx context.Context, flowID string) error {
	return p.store.Delete(ctx, keyPrefix+flowID)
}
