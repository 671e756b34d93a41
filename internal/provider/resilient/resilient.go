// Package resilient decorates a provider gateway so every outbound call is
// gated by the circuit breaker and rate limiter and retried under the
// retry policy. The flow machine only ever sees gateways wrapped here.
package resilient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/payment-flow-orchestrator/internal/flow/flowstore"
	"github.com/yourorg/payment-flow-orchestrator/internal/payment"
	"github.com/yourorg/payment-flow-orchestrator/internal/provider"
	"github.com/yourorg/payment-flow-orchestrator/internal/resilience/circuitbreaker"
	"github.com/yourorg/payment-flow-orchestrator/internal/resilience/ratelimit"
	"github.com/yourorg/payment-flow-orchestrator/internal/resilience/retry"
)

// Gateway wraps an inner provider gateway with the resilience layer.
type Gateway struct {
	inner   provider.Gateway
	breaker *circuitbreaker.Breaker
	limiter *ratelimit.Limiter
	retry   *retry.Policy
	sleep   func(ctx context.Context, d time.Duration) error
}

// Wrap builds a resilient Gateway. The breaker is required; limiter and
// retry policy may be nil to disable those layers.
func Wrap(inner provider.Gateway, breaker *circuitbreaker.Breaker, limiter *ratelimit.Limiter, policy *retry.Policy) *Gateway {
	if inner == nil {
		panic("resilient: inner gateway cannot be nil")
	}
	if breaker == nil {
		panic("resilient: circuit breaker cannot be nil")
	}
	return &Gateway{
		inner:   inner,
		breaker: breaker,
		limiter: limiter,
		retry:   policy,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *Gateway) Name() string { return g.inner.Name() }

func (g *Gateway) endpoint(op string) string {
	return fmt.Sprintf("providers/%s/%s", g.inner.Name(), op)
}

// idempotencyKey generates one key per operation. The key is stable across
// retry attempts of the same call so providers can de-duplicate replays.
func idempotencyKey(endpoint string) string {
	key := fmt.Sprintf("%s-%s", endpoint, uuid.NewString())
	if len(key) > 255 {
		return key[:255]
	}
	return key
}

func statusOf(err *payment.Error) int {
	if err == nil {
		return http.StatusOK
	}
	return err.HTTPStatus
}

// call runs one gated operation: circuit check, rate-limit check, then the
// provider call in a bounded retry loop. Outcomes are recorded against the
// breaker by HTTP status class.
func (g *Gateway) call(ctx context.Context, op, method string, fn func() (*payment.Intent, error)) (*payment.Intent, error) {
	endpoint := g.endpoint(op)

	if err := g.breaker.CanRequest(endpoint); err != nil {
		return nil, payment.NormalizeError(err)
	}
	if g.limiter != nil {
		if err := g.limiter.CanRequest(endpoint); err != nil {
			return nil, payment.NormalizeError(err)
		}
	}

	historyKey := method + " " + endpoint
	var lastErr *payment.Error

	for attempt := 0; ; attempt++ {
		if g.limiter != nil {
			// Re-checked under the limiter lock; a concurrent caller that
			// won the race between CanRequest and here rejects us now.
			if err := g.limiter.RecordRequest(endpoint); err != nil {
				return nil, payment.NormalizeError(err)
			}
		}

		intent, err := fn()
		if err == nil {
			g.breaker.RecordSuccess(endpoint)
			if g.retry != nil {
				g.retry.Finish(historyKey, true, time.Now())
			}
			return intent, nil
		}

		lastErr = payment.NormalizeError(err)
		g.breaker.RecordFailure(endpoint, statusOf(lastErr))

		if g.retry == nil {
			break
		}
		g.retry.Record(historyKey, retry.AttemptInfo{
			Attempt:   attempt + 1,
			Err:       lastErr,
			Timestamp: time.Now(),
		})
		// attempt counts completed retries here, so MaxRetries replays
		// happen after the initial call.
		if !g.retry.ShouldRetryEndpoint(endpoint, lastErr, method, attempt) {
			g.retry.Finish(historyKey, false, time.Now())
			break
		}
		if err := g.sleep(ctx, g.retry.Delay(attempt+1, lastErr)); err != nil {
			return nil, payment.NormalizeError(err)
		}
	}

	return nil, lastErr
}

func (g *Gateway) Start(ctx context.Context, req provider.StartRequest, flow *flowstore.FlowContext) (*payment.Intent, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = idempotencyKey(g.endpoint("start"))
	}
	return g.call(ctx, "start", http.MethodPost, func() (*payment.Intent, error) {
		return g.inner.Start(ctx, req, flow)
	})
}

func (g *Gateway) Confirm(ctx context.Context, req provider.ConfirmRequest) (*payment.Intent, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = idempotencyKey(g.endpoint("confirm"))
	}
	return g.call(ctx, "confirm", http.MethodPost, func() (*payment.Intent, error) {
		return g.inner.Confirm(ctx, req)
	})
}

func (g *Gateway) Cancel(ctx context.Context, req provider.CancelRequest) (*payment.Intent, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = idempotencyKey(g.endpoint("cancel"))
	}
	return g.call(ctx, "cancel", http.MethodPost, func() (*payment.Intent, error) {
		return g.inner.Cancel(ctx, req)
	})
}

func (g *Gateway) GetStatus(ctx context.Context, req provider.StatusRequest) (*payment.Intent, error) {
	return g.call(ctx, "status", http.MethodGet, func() (*payment.Intent, error) {
		return g.inner.GetStatus(ctx, req)
	})
}

func (g *Gateway) ClientConfirm(ctx context.Context, req provider.ClientConfirmRequest) (*payment.Intent, error) {
	return g.call(ctx, "client-confirm", http.MethodPost, func() (*payment.Intent, error) {
		return g.inner.ClientConfirm(ctx, req)
	})
}

func (g *Gateway) Finalize(ctx context.Context, req provider.FinalizeRequest) (*payment.Intent, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = idempotencyKey(g.endpoint("finalize"))
	}
	return g.call(ctx, "finalize", http.MethodPost, func() (*payment.Intent, error) {
		return g.inner.Finalize(ctx, req)
	})
}
