package flow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-flow-orchestrator/internal/flow/flowstore"
	"github.com/yourorg/payment-flow-orchestrator/internal/payment"
	"github.com/yourorg/payment-flow-orchestrator/internal/provider"
	"github.com/yourorg/payment-flow-orchestrator/internal/provider/mock"
)

// fastConfig keeps timer-driven paths quick under test.
func fastConfig() Config {
	return Config{
		PollBaseDelay:       2 * time.Millisecond,
		PollMaxDelay:        10 * time.Millisecond,
		PollMaxAttempts:     5,
		StatusRetryDelay:    2 * time.Millisecond,
		StatusRetryMaxDelay: 10 * time.Millisecond,
		StatusMaxRetries:    2,
		ActorTimeout:        time.Second,
		FlowTTL:             time.Minute,
	}
}

func newTestMachine(t *testing.T, gws ...*mock.Gateway) (*Machine, *flowstore.MemoryStore) {
	t.Helper()
	registry := provider.NewRegistry()
	for i, gw := range gws {
		require.NoError(t, registry.Register(gw, provider.Capability{
			Methods:  []string{"card"},
			Priority: i,
		}))
	}
	store := flowstore.NewMemoryStore()
	m := NewMachine(fastConfig(), registry, flowstore.NewPersister(store), nil)
	return m, store
}

// waitState polls until the machine reaches the wanted state.
func waitState(t *testing.T, m *Machine, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		snap := m.Snapshot()
		if snap.State == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state %s, machine is in %s", want, snap.State)
		}
		time.Sleep(time.Millisecond)
	}
}

func startEvent(providerID string) Event {
	return Event{
		Type:       EventStart,
		ProviderID: providerID,
		Request: &provider.StartRequest{
			Amount:   2500,
			Currency: "MXN",
			Method:   "card",
		},
	}
}

func TestMachineStartToDone(t *testing.T) {
	gw := mock.NewGateway("mock-primary")
	m, store := newTestMachine(t, gw)

	require.True(t, m.Send(startEvent("mock-primary")))

	snap := waitState(t, m, StateDone)
	require.NotNil(t, snap.Intent)
	assert.Equal(t, payment.StatusSucceeded, snap.Intent.Status)
	assert.Equal(t, 1, gw.Calls("start"))

	require.NotNil(t, snap.Flow)
	ref, ok := snap.Flow.RefFor("mock-primary")
	require.True(t, ok)
	assert.Equal(t, snap.Intent.ID, ref.IntentID)

	assert.Equal(t, 0, store.Len(), "terminal flow clears persisted context")
}

func TestMachineRejectsEventsOutOfState(t *testing.T) {
	m, _ := newTestMachine(t, mock.NewGateway("mock-primary"))

	assert.False(t, m.Send(Event{Type: EventConfirm}), "confirm before start")
	assert.False(t, m.Send(Event{Type: EventCancel}), "cancel before start")
	assert.False(t, m.Send(Event{Type: "BOGUS"}))
	assert.Equal(t, StateIdle, m.State())
}

func TestMachineStartValidation(t *testing.T) {
	t.Run("missing request fails the flow", func(t *testing.T) {
		m, _ := newTestMachine(t, mock.NewGateway("mock-primary"))
		require.True(t, m.Send(Event{Type: EventStart, ProviderID: "mock-primary"}))
		snap := m.Snapshot()
		assert.Equal(t, StateFailed, snap.State)
		require.NotNil(t, snap.Err)
		assert.Equal(t, payment.ErrInvalidRequest, snap.Err.Code)
	})

	t.Run("unknown provider fails the flow", func(t *testing.T) {
		m, _ := newTestMachine(t, mock.NewGateway("mock-primary"))
		require.True(t, m.Send(startEvent("nope")))
		snap := m.Snapshot()
		assert.Equal(t, StateFailed, snap.State)
		require.NotNil(t, snap.Err)
		assert.Equal(t, payment.ErrInvalidRequest, snap.Err.Code)
	})
}

func TestMachineRedirectConfirmPath(t *testing.T) {
	gw := mock.NewGateway("mock-primary")
	gw.StartFunc = func(_ context.Context, req provider.StartRequest, _ *flowstore.FlowContext) (*payment.Intent, error) {
		return &payment.Intent{
			ID:       "pi_redirect",
			Provider: "mock-primary",
			Status:   payment.StatusRequiresAction,
			Amount:   req.Amount,
			Currency: req.Currency,
			NextAction: &payment.NextAction{
				Type:        payment.NextActionRedirect,
				RedirectURL: "https://provider.example/3ds",
			},
		}, nil
	}
	gw.ConfirmFunc = func(_ context.Context, req provider.ConfirmRequest) (*payment.Intent, error) {
		return &payment.Intent{ID: req.IntentID, Provider: "mock-primary", Status: payment.StatusSucceeded}, nil
	}
	m, _ := newTestMachine(t, gw)

	require.True(t, m.Send(startEvent("mock-primary")))
	snap := waitState(t, m, StateRequiresAction)
	require.NotNil(t, snap.Intent.NextAction)
	assert.Equal(t, payment.NextActionRedirect, snap.Intent.NextAction.Type)

	require.True(t, m.Send(Event{Type: EventConfirm}))
	snap = waitState(t, m, StateDone)
	assert.Equal(t, "pi_redirect", snap.Intent.ID, "confirm targets the recorded intent")
	assert.Equal(t, 1, gw.Calls("confirm"))
}

func TestMachineClientConfirmPath(t *testing.T) {
	gw := mock.NewGateway("mock-primary")
	gw.StartFunc = func(_ context.Context, _ provider.StartRequest, _ *flowstore.FlowContext) (*payment.Intent, error) {
		return &payment.Intent{
			ID:       "pi_cc",
			Provider: "mock-primary",
			Status:   payment.StatusRequiresAction,
			NextAction: &payment.NextAction{
				Type:         payment.NextActionClientConfirm,
				ConfirmToken: "tok_1",
			},
		}, nil
	}
	gw.GetStatusFunc = func(_ context.Context, req provider.StatusRequest) (*payment.Intent, error) {
		return &payment.Intent{ID: req.IntentID, Provider: "mock-primary", Status: payment.StatusSucceeded}, nil
	}
	m, _ := newTestMachine(t, gw)

	require.True(t, m.Send(startEvent("mock-primary")))
	waitState(t, m, StateRequiresAction)

	require.True(t, m.Send(Event{Type: EventConfirm}))
	snap := waitState(t, m, StateDone)

	assert.Equal(t, 1, gw.Calls("clientConfirm"))
	assert.Equal(t, 0, gw.Calls("confirm"), "client_confirm never hits the server confirm op")
	assert.Equal(t, 1, gw.Calls("getStatus"), "authoritative status is reconciled after client confirm")
	assert.Equal(t, payment.StatusSucceeded, snap.Intent.Status)
}

func TestMachineFinalizePath(t *testing.T) {
	gw := mock.NewGateway("mock-primary")
	gw.StartFunc = func(_ context.Context, _ provider.StartRequest, _ *flowstore.FlowContext) (*payment.Intent, error) {
		return &payment.Intent{
			ID:       "pi_fin",
			Provider: "mock-primary",
			Status:   payment.StatusRequiresAction,
			NextAction: &payment.NextAction{
				Type:         payment.NextActionClientConfirm,
				ConfirmToken: "tok_fin",
			},
		}, nil
	}
	gw.ClientConfirmFunc = func(_ context.Context, _ provider.ClientConfirmRequest) (*payment.Intent, error) {
		return &payment.Intent{
			ID:               "pi_fin",
			Provider:         "mock-primary",
			Status:           payment.StatusProcessing,
			FinalizeRequired: true,
		}, nil
	}
	gw.FinalizeFunc = func(_ context.Context, req provider.FinalizeRequest) (*payment.Intent, error) {
		return &payment.Intent{ID: req.IntentID, Provider: "mock-primary", Status: payment.StatusProcessing}, nil
	}
	gw.GetStatusFunc = func(_ context.Context, req provider.StatusRequest) (*payment.Intent, error) {
		return &payment.Intent{ID: req.IntentID, Provider: "mock-primary", Status: payment.StatusSucceeded}, nil
	}
	m, _ := newTestMachine(t, gw)

	require.True(t, m.Send(startEvent("mock-primary")))
	waitState(t, m, StateRequiresAction)
	require.True(t, m.Send(Event{Type: EventConfirm}))
	waitState(t, m, StateDone)

	assert.Equal(t, 1, gw.Calls("finalize"))
}

func TestMachineCancel(t *testing.T) {
	gw := mock.NewGateway("mock-primary")
	gw.StartFunc = func(_ context.Context, _ provider.StartRequest, _ *flowstore.FlowContext) (*payment.Intent, error) {
		return &payment.Intent{
			ID:         "pi_cancel",
			Provider:   "mock-primary",
			Status:     payment.StatusRequiresAction,
			NextAction: &payment.NextAction{Type: payment.NextActionRedirect, RedirectURL: "https://x"},
		}, nil
	}
	gw.CancelFunc = func(_ context.Context, req provider.CancelRequest) (*payment.Intent, error) {
		return &payment.Intent{ID: req.IntentID, Provider: "mock-primary", Status: payment.StatusCanceled}, nil
	}
	m, _ := newTestMachine(t, gw)

	require.True(t, m.Send(startEvent("mock-primary")))
	waitState(t, m, StateRequiresAction)
	require.True(t, m.Send(Event{Type: EventCancel}))
	snap := waitState(t, m, StateDone)
	assert.Equal(t, payment.StatusCanceled, snap.Intent.Status)
}

func TestMachineStartFailure(t *testing.T) {
	gw := mock.NewGateway("mock-primary")
	gw.StartFunc = func(_ context.Context, _ provider.StartRequest, _ *flowstore.FlowContext) (*payment.Intent, error) {
		return nil, payment.NewError(payment.ErrProviderUnavailable, fmt.Errorf("503 from provider"))
	}
	m, store := newTestMachine(t, gw)

	require.True(t, m.Send(startEvent("mock-primary")))
	snap := waitState(t, m, StateFailed)
	require.NotNil(t, snap.Err)
	assert.Equal(t, payment.ErrProviderUnavailable, snap.Err.Code)
	assert.True(t, snap.Err.Code.TriggersFallback())
	assert.Equal(t, 0, store.Len(), "failed flow clears persisted context")
}

func TestMachineNilIntentIsProviderError(t *testing.T) {
	gw := mock.NewGateway("mock-primary")
	gw.StartFunc = func(_ context.Context, _ provider.StartRequest, _ *flowstore.FlowContext) (*payment.Intent, error) {
		return nil, nil
	}
	m, _ := newTestMachine(t, gw)

	require.True(t, m.Send(startEvent("mock-primary")))
	snap := waitState(t, m, StateFailed)
	require.NotNil(t, snap.Err)
	assert.Equal(t, payment.ErrProviderError, snap.Err.Code)
}

func TestMachinePollingToDone(t *testing.T) {
	gw := mock.NewGateway("mock-primary")
	gw.StartFunc = func(_ context.Context, _ provider.StartRequest, _ *flowstore.FlowContext) (*payment.Intent, error) {
		return &payment.Intent{ID: "pi_poll", Provider: "mock-primary", Status: payment.StatusProcessing}, nil
	}
	statusCalls := 0
	gw.GetStatusFunc = func(_ context.Context, req provider.StatusRequest) (*payment.Intent, error) {
		statusCalls++
		status := payment.StatusProcessing
		if statusCalls >= 2 {
			status = payment.StatusSucceeded
		}
		return &payment.Intent{ID: req.IntentID, Provider: "mock-primary", Status: status}, nil
	}
	m, _ := newTestMachine(t, gw)

	require.True(t, m.Send(startEvent("mock-primary")))
	snap := waitState(t, m, StateDone)
	assert.Equal(t, payment.StatusSucceeded, snap.Intent.Status)
	assert.GreaterOrEqual(t, statusCalls, 2)
}

func TestMachinePollingExhaustionPreservesStatus(t *testing.T) {
	gw := mock.NewGateway("mock-primary")
	gw.StartFunc = func(_ context.Context, _ provider.StartRequest, _ *flowstore.FlowContext) (*payment.Intent, error) {
		return &payment.Intent{ID: "pi_stuck", Provider: "mock-primary", Status: payment.StatusProcessing}, nil
	}
	gw.GetStatusFunc = func(_ context.Context, req provider.StatusRequest) (*payment.Intent, error) {
		return &payment.Intent{ID: req.IntentID, Provider: "mock-primary", Status: payment.StatusProcessing}, nil
	}
	m, _ := newTestMachine(t, gw)

	require.True(t, m.Send(startEvent("mock-primary")))
	snap := waitState(t, m, StateDone)
	assert.Equal(t, payment.StatusProcessing, snap.Intent.Status,
		"exhausted polling keeps the last known status")
	assert.Nil(t, snap.Err)
}

func TestMachineReconcileRetryExhaustion(t *testing.T) {
	gw := mock.NewGateway("mock-primary")
	gw.GetStatusFunc = func(_ context.Context, _ provider.StatusRequest) (*payment.Intent, error) {
		return nil, payment.NewError(payment.ErrNetworkError, fmt.Errorf("connection reset"))
	}
	m, _ := newTestMachine(t, gw)

	require.True(t, m.SendSystem(Event{
		Type:        EventWebhookReceived,
		ProviderID:  "mock-primary",
		ReferenceID: "pi_ext",
		EventID:     "evt_1",
	}))

	snap := waitState(t, m, StateFailed)
	require.NotNil(t, snap.Err)
	assert.Equal(t, payment.ErrNetworkError, snap.Err.Code)
	// Initial attempt plus StatusMaxRetries retries.
	assert.Equal(t, 3, gw.Calls("getStatus"))
}

func TestMachineWebhookReconcile(t *testing.T) {
	gw := mock.NewGateway("mock-primary")
	gw.GetStatusFunc = func(_ context.Context, req provider.StatusRequest) (*payment.Intent, error) {
		return &payment.Intent{ID: req.IntentID, Provider: "mock-primary", Status: payment.StatusSucceeded}, nil
	}
	m, _ := newTestMachine(t, gw)

	require.True(t, m.SendSystem(Event{
		Type:        EventWebhookReceived,
		ProviderID:  "mock-primary",
		ReferenceID: "pi_hook",
		EventID:     "evt_hook_1",
	}))
	snap := waitState(t, m, StateDone)
	assert.Equal(t, "pi_hook", snap.Intent.ID)
	assert.Equal(t, 1, gw.Calls("getStatus"))

	t.Run("duplicate event id is a no-op", func(t *testing.T) {
		require.True(t, m.SendSystem(Event{
			Type:        EventWebhookReceived,
			ProviderID:  "mock-primary",
			ReferenceID: "pi_hook",
			EventID:     "evt_hook_1",
		}))
		assert.Equal(t, StateDone, m.State())
		assert.Equal(t, 1, gw.Calls("getStatus"))
	})

	t.Run("webhook without identification is rejected", func(t *testing.T) {
		fresh, _ := newTestMachine(t, gw)
		assert.False(t, fresh.SendSystem(Event{Type: EventWebhookReceived, EventID: "evt_x"}))
	})
}

func TestMachineRedirectReturn(t *testing.T) {
	gw := mock.NewGateway("mock-primary")
	gw.StartFunc = func(_ context.Context, _ provider.StartRequest, _ *flowstore.FlowContext) (*payment.Intent, error) {
		return &payment.Intent{
			ID:         "pi_redir",
			Provider:   "mock-primary",
			Status:     payment.StatusRequiresAction,
			NextAction: &payment.NextAction{Type: payment.NextActionRedirect, RedirectURL: "https://x"},
		}, nil
	}
	gw.GetStatusFunc = func(_ context.Context, req provider.StatusRequest) (*payment.Intent, error) {
		return &payment.Intent{ID: req.IntentID, Provider: "mock-primary", Status: payment.StatusSucceeded}, nil
	}
	m, _ := newTestMachine(t, gw)

	require.True(t, m.Send(startEvent("mock-primary")))
	waitState(t, m, StateRequiresAction)

	require.True(t, m.SendSystem(Event{
		Type:  EventRedirectReturned,
		Nonce: "nonce_1",
		Params: map[string]string{
			"status":        "completed",
			"client_secret": "sek_should_drop",
			"access_token":  "tok_should_drop",
			"api_key":       "key_should_drop",
		},
	}))
	snap := waitState(t, m, StateDone)

	require.NotNil(t, snap.Flow)
	assert.Equal(t, map[string]string{"status": "completed"}, snap.Flow.ReturnParamsSanitized,
		"secret-shaped return params never reach the flow context")
	assert.Equal(t, "nonce_1", snap.Flow.LastReturnNonce)

	t.Run("duplicate nonce is a no-op", func(t *testing.T) {
		calls := gw.Calls("getStatus")
		require.True(t, m.SendSystem(Event{Type: EventRedirectReturned, Nonce: "nonce_1"}))
		assert.Equal(t, StateDone, m.State())
		assert.Equal(t, calls, gw.Calls("getStatus"))
	})
}

func TestMachineRefresh(t *testing.T) {
	gw := mock.NewGateway("mock-primary")
	m, _ := newTestMachine(t, gw)

	require.True(t, m.Send(startEvent("mock-primary")))
	waitState(t, m, StateDone)

	require.True(t, m.Send(Event{Type: EventRefresh}))
	snap := waitState(t, m, StateDone)
	assert.Equal(t, payment.StatusSucceeded, snap.Intent.Status)
	assert.Equal(t, 1, gw.Calls("getStatus"))
}

func TestMachineReset(t *testing.T) {
	gw := mock.NewGateway("mock-primary")
	m, store := newTestMachine(t, gw)

	require.True(t, m.Send(startEvent("mock-primary")))
	waitState(t, m, StateDone)

	require.True(t, m.Send(Event{Type: EventReset}))
	snap := m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.Flow)
	assert.Nil(t, snap.Intent)
	assert.Nil(t, snap.Err)
	assert.Equal(t, 0, store.Len())

	// A reset machine accepts a fresh start.
	require.True(t, m.Send(startEvent("mock-primary")))
	waitState(t, m, StateDone)
}

func TestMachineFallbackExecuteKeepsFlowID(t *testing.T) {
	primary := mock.NewGateway("mock-primary")
	primary.StartFunc = func(_ context.Context, _ provider.StartRequest, _ *flowstore.FlowContext) (*payment.Intent, error) {
		return nil, payment.NewError(payment.ErrProviderUnavailable, fmt.Errorf("down"))
	}
	secondary := mock.NewGateway("mock-fallback")
	m, _ := newTestMachine(t, primary, secondary)

	require.True(t, m.Send(startEvent("mock-primary")))
	failed := waitState(t, m, StateFailed)
	require.NotNil(t, failed.Flow)
	originalFlowID := failed.Flow.FlowID

	require.True(t, m.SendSystem(Event{
		Type:             EventFallbackExecute,
		ProviderID:       "mock-fallback",
		Request:          failed.Request,
		FailedProviderID: "mock-primary",
	}))
	snap := waitState(t, m, StateDone)

	assert.Equal(t, originalFlowID, snap.Flow.FlowID, "fallback keeps the flow identity")
	assert.Equal(t, "mock-fallback", snap.ProviderID)
	assert.Nil(t, snap.Err, "error is cleared on fallback restart")
	assert.Equal(t, 1, secondary.Calls("start"))
}

func TestTransitionTablePopulated(t *testing.T) {
	require.NotEmpty(t, table)
	for _, st := range []State{
		StateIdle, StateStarting, StateRequiresAction, StateClientConfirming,
		StateFinalizing, StateConfirming, StateCancelling, StatePolling,
		StateReconciling, StateReconcilingRetrying, StateFetchingStatus,
		StateDone, StateFailed,
	} {
		assert.Contains(t, table, st, "state %s has no handlers", st)
	}
}

func TestMachineObserversSeeTransitions(t *testing.T) {
	gw := mock.NewGateway("mock-primary")
	m, _ := newTestMachine(t, gw)

	states := make(chan State, 32)
	unsub := m.Subscribe(func(s Snapshot) {
		states <- s.State
	})
	defer unsub()

	require.True(t, m.Send(startEvent("mock-primary")))
	waitState(t, m, StateDone)

	var seen []State
	for len(seen) == 0 || seen[len(seen)-1] != StateDone {
		select {
		case s := <-states:
			seen = append(seen, s)
		case <-time.After(2 * time.Second):
			t.Fatalf("observer saw only %v", seen)
		}
	}
	// One notification per accepted transition, in transition order.
	assert.Equal(t, StateStarting, seen[0])
	assert.Equal(t, StateDone, seen[len(seen)-1])
}

func TestMachineStaleActorCompletionDropped(t *testing.T) {
	release := make(chan struct{})
	gw := mock.NewGateway("mock-primary")
	gw.StartFunc = func(_ context.Context, _ provider.StartRequest, _ *flowstore.FlowContext) (*payment.Intent, error) {
		<-release
		return &payment.Intent{ID: "pi_slow", Provider: "mock-primary", Status: payment.StatusSucceeded}, nil
	}
	m, _ := newTestMachine(t, gw)

	require.True(t, m.Send(startEvent("mock-primary")))
	require.Equal(t, StateStarting, m.State())

	// Reset while the actor is in flight; its completion is now stale.
	require.True(t, m.Send(Event{Type: EventReset}))
	close(release)

	time.Sleep(20 * time.Millisecond)
	snap := m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.Intent, "stale completion must not resurrect the flow")
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateStarting.IsLoading())
	assert.True(t, StatePolling.IsLoading())
	assert.False(t, StateRequiresAction.IsLoading())
	assert.False(t, StateDone.IsLoading())

	assert.True(t, StateDone.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateReconciling.IsTerminal())
}
