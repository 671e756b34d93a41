// Package mock provides a scriptable provider gateway for tests and the
// demo server. Each operation has an overridable func field; unset ops
// fall back to a simple in-memory intent store that succeeds immediately.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/yourorg/payment-flow-orchestrator/internal/flow/flowstore"
	"github.com/yourorg/payment-flow-orchestrator/internal/payment"
	"github.com/yourorg/payment-flow-orchestrator/internal/provider"
)

// Gateway is a mock implementation of provider.Gateway.
type Gateway struct {
	name string

	StartFunc         func(ctx context.Context, req provider.StartRequest, flow *flowstore.FlowContext) (*payment.Intent, error)
	ConfirmFunc       func(ctx context.Context, req provider.ConfirmRequest) (*payment.Intent, error)
	CancelFunc        func(ctx context.Context, req provider.CancelRequest) (*payment.Intent, error)
	GetStatusFunc     func(ctx context.Context, req provider.StatusRequest) (*payment.Intent, error)
	ClientConfirmFunc func(ctx context.Context, req provider.ClientConfirmRequest) (*payment.Intent, error)
	FinalizeFunc      func(ctx context.Context, req provider.FinalizeRequest) (*payment.Intent, error)

	mu      sync.Mutex
	intents map[string]*payment.Intent
	calls   map[string]int
}

// NewGateway creates a mock gateway with the given provider name.
func NewGateway(name string) *Gateway {
	return &Gateway{
		name:    name,
		intents: make(map[string]*payment.Intent),
		calls:   make(map[string]int),
	}
}

func (g *Gateway) Name() string { return g.name }

func (g *Gateway) record(op string) {
	g.mu.Lock()
	g.calls[op]++
	g.mu.Unlock()
}

// Calls reports how many times the named operation ran.
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *Gateway) remember(intent *payment.Intent) *payment.Intent {
	g.mu.Lock()
	g.intents[intent.ID] = intent
	g.mu.Unlock()
	return intent
}

func (g *Gateway) lookup(intentID string) (*payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	if !ok {
		return nil, payment.NewError(payment.ErrInvalidRequest,
			fmt.Errorf("mock %s: unknown intent %s", g.name, intentID))
	}
	return intent, nil
}

func (g *Gateway) Start(ctx context.Context, req provider.StartRequest, flow *flowstore.FlowContext) (*payment.Intent, error) {
	g.record("start")
	if g.StartFunc != nil {
		return g.StartFunc(ctx, req, flow)
	}
	return g.remember(&payment.Intent{
		ID:       "pi_" + uuid.NewString(),
		Provider: g.name,
		Status:   payment.StatusSucceeded,
		Amount:   req.Amount,
		Currency: req.Currency,
	}), nil
}

func (g *Gateway) Confirm(ctx context.Context, req provider.ConfirmRequest) (*payment.Intent, error) {
	g.record("confirm")
	if g.ConfirmFunc != nil {
		return g.ConfirmFunc(ctx, req)
	}
	intent, err := g.lookup(req.IntentID)
	if err != nil {
		return nil, err
	}
	out := *intent
	out.Status = payment.StatusSucceeded
	out.NextAction = nil
	return g.remember(&out), nil
}

func (g *Gateway) Cancel(ctx context.Context, req provider.CancelRequest) (*payment.Intent, error) {
	g.record("cancel")
	if g.CancelFunc != nil {
		return g.CancelFunc(ctx, req)
	}
	intent, err := g.lookup(req.IntentID)
	if err != nil {
		return nil, err
	}
	out := *intent
	out.Status = payment.StatusCanceled
	out.NextAction = nil
	return g.remember(&out), nil
}

func (g *Gateway) GetStatus(ctx context.Context, req provider.StatusRequest) (*payment.Intent, error) {
	g.record("getStatus")
	if g.GetStatusFunc != nil {
		return g.GetStatusFunc(ctx, req)
	}
	return g.lookup(req.IntentID)
}

func (g *Gateway) ClientConfirm(ctx context.Context, req provider.ClientConfirmRequest) (*payment.Intent, error) {
	g.record("clientConfirm")
	if g.ClientConfirmFunc != nil {
		return g.ClientConfirmFunc(ctx, req)
	}
	if req.Action == nil || req.Action.Type != payment.NextActionClientConfirm {
		return nil, payment.NewError(payment.ErrUnsupportedClientConfirm,
			fmt.Errorf("mock %s: action is not client_confirm", g.name))
	}
	return &payment.Intent{
		ID:       req.Action.ConfirmToken,
		Provider: g.name,
		Status:   payment.StatusProcessing,
	}, nil
}

func (g *Gateway) Finalize(ctx context.Context, req provider.FinalizeRequest) (*payment.Intent, error) {
	g.record("finalize")
	if g.FinalizeFunc != nil {
		return g.FinalizeFunc(ctx, req)
	}
	intent, err := g.lookup(req.IntentID)
	if err != nil {
		return nil, err
	}
	out := *intent
	out.Status = payment.StatusProcessing
	out.FinalizeRequired = false
	return g.remember(&out), nil
}
