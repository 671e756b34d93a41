package fallback

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-flow-orchestrator/internal/payment"
	"github.com/yourorg/payment-flow-orchestrator/internal/policy"
	"github.com/yourorg/payment-flow-orchestrator/internal/provider"
)

type staticCandidates []string

func (s staticCandidates) CandidatesFor(string) []string { return s }

type execution struct {
	providerID       string
	failedProviderID string
}

// recordingNotifier captures orchestrator output for assertions.
type recordingNotifier struct {
	mu         sync.Mutex
	available  []AvailableEvent
	executions []execution
	cancelled  []string
}

func (n *recordingNotifier) FallbackAvailable(ev AvailableEvent) {
	n.mu.Lock()
	n.available = append(n.available, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) FallbackExecute(providerID string, _ *provider.StartRequest, failedProviderID string) {
	n.mu.Lock()
	n.executions = append(n.executions, execution{providerID, failedProviderID})
	n.mu.Unlock()
}

func (n *recordingNotifier) FallbackCancelled(eventID, _ string) {
	n.mu.Lock()
	n.cancelled = append(n.cancelled, eventID)
	n.mu.Unlock()
}

func (n *recordingNotifier) snapshot() ([]AvailableEvent, []execution, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]AvailableEvent(nil), n.available...),
		append([]execution(nil), n.executions...),
		append([]string(nil), n.cancelled...)
}

func cardRequest() *provider.StartRequest {
	return &provider.StartRequest{Amount: 2500, Currency: "MXN", Method: "card"}
}

func unavailableErr() *payment.Error {
	return payment.NewError(payment.ErrProviderUnavailable, errors.New("503"))
}

func newManual(t *testing.T, cfg Config, candidates ...string) (*Orchestrator, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	if len(candidates) == 0 {
		candidates = []string{"mock-primary", "mock-fallback"}
	}
	return New(cfg, staticCandidates(candidates), nil, n, nil), n
}

func TestReportFailureIneligibleCode(t *testing.T) {
	o, n := newManual(t, Config{})

	arranged := o.ReportFailure("mock-primary",
		payment.NewError(payment.ErrCardDeclined, errors.New("declined")), cardRequest(), false)

	assert.False(t, arranged, "card_declined never triggers fallback")
	avail, execs, _ := n.snapshot()
	assert.Empty(t, avail)
	assert.Empty(t, execs)

	view := o.State()
	assert.Equal(t, StatusFailed, view.Status)
	require.Len(t, view.FailedAttempts, 1)
	assert.Equal(t, "mock-primary", view.FailedAttempts[0].Provider)
}

func TestReportFailureManualOffer(t *testing.T) {
	o, n := newManual(t, Config{})

	arranged := o.ReportFailure("mock-primary", unavailableErr(), cardRequest(), false)
	require.True(t, arranged)

	avail, execs, _ := n.snapshot()
	require.Len(t, avail, 1)
	assert.Empty(t, execs, "manual mode never executes without a response")
	assert.Equal(t, "mock-primary", avail[0].FailedProvider)
	assert.Equal(t, "mock-fallback", avail[0].AlternateProvider)
	assert.NotEmpty(t, avail[0].EventID)

	view := o.State()
	assert.Equal(t, StatusPending, view.Status)
	require.NotNil(t, view.PendingEvent)
	assert.Equal(t, avail[0].EventID, view.PendingEvent.EventID)
}

func TestRespondToFallbackAccepted(t *testing.T) {
	o, n := newManual(t, Config{})
	require.True(t, o.ReportFailure("mock-primary", unavailableErr(), cardRequest(), false))
	avail, _, _ := n.snapshot()

	o.RespondToFallback(Response{EventID: avail[0].EventID, Accepted: true})

	_, execs, _ := n.snapshot()
	require.Len(t, execs, 1)
	assert.Equal(t, "mock-fallback", execs[0].providerID)
	assert.Equal(t, "mock-primary", execs[0].failedProviderID)

	view := o.State()
	assert.Equal(t, StatusExecuting, view.Status)
	assert.Equal(t, "mock-fallback", view.CurrentProvider)
	assert.Nil(t, view.PendingEvent)
}

func TestRespondToFallbackDeclined(t *testing.T) {
	o, n := newManual(t, Config{})
	require.True(t, o.ReportFailure("mock-primary", unavailableErr(), cardRequest(), false))
	avail, _, _ := n.snapshot()

	o.RespondToFallback(Response{EventID: avail[0].EventID, Accepted: false})

	_, execs, cancelled := n.snapshot()
	assert.Empty(t, execs)
	require.Len(t, cancelled, 1)
	assert.Equal(t, avail[0].EventID, cancelled[0])
	assert.Equal(t, StatusCancelled, o.State().Status)
}

func TestRespondToFallbackStaleOrDouble(t *testing.T) {
	o, n := newManual(t, Config{})

	t.Run("response with no pending offer is ignored", func(t *testing.T) {
		o.RespondToFallback(Response{EventID: "ev-none", Accepted: true})
		_, execs, _ := n.snapshot()
		assert.Empty(t, execs)
		assert.Equal(t, StatusIdle, o.State().Status)
	})

	require.True(t, o.ReportFailure("mock-primary", unavailableErr(), cardRequest(), false))
	avail, _, _ := n.snapshot()

	t.Run("mismatched event id is ignored", func(t *testing.T) {
		o.RespondToFallback(Response{EventID: "ev-other", Accepted: true})
		_, execs, _ := n.snapshot()
		assert.Empty(t, execs)
		assert.Equal(t, StatusPending, o.State().Status)
	})

	t.Run("second response is a no-op", func(t *testing.T) {
		o.RespondToFallback(Response{EventID: avail[0].EventID, Accepted: true})
		o.RespondToFallback(Response{EventID: avail[0].EventID, Accepted: true})
		_, execs, _ := n.snapshot()
		assert.Len(t, execs, 1, "an offer resolves at most once")
	})
}

func TestManualOfferTimeout(t *testing.T) {
	o, n := newManual(t, Config{UserResponseTimeout: 10 * time.Millisecond})
	require.True(t, o.ReportFailure("mock-primary", unavailableErr(), cardRequest(), false))
	avail, _, _ := n.snapshot()

	require.Eventually(t, func() bool {
		return o.State().Status == StatusCancelled
	}, time.Second, 2*time.Millisecond)

	_, execs, cancelled := n.snapshot()
	assert.Empty(t, execs)
	require.Len(t, cancelled, 1)
	assert.Equal(t, avail[0].EventID, cancelled[0])

	// Responding after the timeout resolved the offer does nothing.
	o.RespondToFallback(Response{EventID: avail[0].EventID, Accepted: true})
	_, execs, _ = n.snapshot()
	assert.Empty(t, execs)
}

func TestAutoFallback(t *testing.T) {
	o, n := newManual(t, Config{Mode: ModeAuto, AutoFallbackDelay: 5 * time.Millisecond})

	arranged := o.ReportFailure("mock-primary", unavailableErr(), cardRequest(), false)
	require.True(t, arranged)
	assert.Equal(t, StatusAutoExecuting, o.State().Status)

	require.Eventually(t, func() bool {
		_, execs, _ := n.snapshot()
		return len(execs) == 1
	}, time.Second, 2*time.Millisecond)

	avail, execs, _ := n.snapshot()
	assert.Empty(t, avail, "auto mode skips the offer")
	assert.Equal(t, "mock-fallback", execs[0].providerID)
	assert.True(t, o.State().IsAutoFallback)
}

func TestAutoFallbackDegradesToManual(t *testing.T) {
	o, n := newManual(t, Config{
		Mode:              ModeAuto,
		MaxAutoFallbacks:  1,
		AutoFallbackDelay: 5 * time.Millisecond,
	}, "mock-primary", "mock-fallback", "mock-third")

	require.True(t, o.ReportFailure("mock-primary", unavailableErr(), cardRequest(), false))
	require.Eventually(t, func() bool {
		_, execs, _ := n.snapshot()
		return len(execs) == 1
	}, time.Second, 2*time.Millisecond)

	// The auto budget is spent; the next failure becomes a manual offer.
	o.NotifyFailure("mock-fallback", unavailableErr(), cardRequest())

	avail, execs, _ := n.snapshot()
	require.Len(t, avail, 1)
	assert.Len(t, execs, 1)
	assert.Equal(t, "mock-third", avail[0].AlternateProvider)
	assert.Equal(t, StatusPending, o.State().Status)
}

func TestEligibilitySkipsTriedProviders(t *testing.T) {
	o, n := newManual(t, Config{MaxAttempts: 3}, "mock-primary", "mock-fallback")

	require.True(t, o.ReportFailure("mock-primary", unavailableErr(), cardRequest(), false))
	avail, _, _ := n.snapshot()
	o.RespondToFallback(Response{EventID: avail[0].EventID, Accepted: true})

	// The alternate failed too and no untried provider remains.
	o.NotifyFailure("mock-fallback", unavailableErr(), cardRequest())
	assert.Equal(t, StatusFailed, o.State().Status)
	avail, _, _ = n.snapshot()
	assert.Len(t, avail, 1, "no second offer without an untried candidate")
}

func TestEligibilityAttemptBudget(t *testing.T) {
	o, _ := newManual(t, Config{MaxAttempts: 1}, "mock-primary", "mock-fallback")

	arranged := o.ReportFailure("mock-primary", unavailableErr(), cardRequest(), false)
	assert.False(t, arranged, "attempt budget of one leaves no room for fallback")
	assert.Equal(t, StatusFailed, o.State().Status)
}

func TestPolicyRuleOverridesTriggerSet(t *testing.T) {
	rules, err := policy.NewEnforcer([]policy.Rule{{
		ID:         "suppress-network-errors",
		Expression: `error_code == "network_error"`,
		Decision:   policy.Decision{OfferFallback: false, Reason: "network blips retry in place"},
	}})
	require.NoError(t, err)

	n := &recordingNotifier{}
	o := New(Config{}, staticCandidates{"mock-primary", "mock-fallback"}, rules, n, nil)

	arranged := o.ReportFailure("mock-primary",
		payment.NewError(payment.ErrNetworkError, errors.New("reset")), cardRequest(), false)
	assert.False(t, arranged, "policy rule suppresses an otherwise-triggering code")

	arranged = o.ReportFailure("mock-primary", unavailableErr(), cardRequest(), false)
	assert.True(t, arranged, "codes outside the rule keep the default")
}

func TestPolicyRuleSeesAmount(t *testing.T) {
	rules, err := policy.NewEnforcer([]policy.Rule{{
		ID:         "no-fallback-for-large-amounts",
		Expression: `amount >= 500000`,
		Decision:   policy.Decision{OfferFallback: false},
	}})
	require.NoError(t, err)

	n := &recordingNotifier{}
	o := New(Config{}, staticCandidates{"mock-primary", "mock-fallback"}, rules, n, nil)

	large := &provider.StartRequest{Amount: 600000, Currency: "MXN", Method: "card"}
	arranged := o.ReportFailure("mock-primary", unavailableErr(), large, false)
	assert.False(t, arranged, "rule vetoes fallback for amount 600000")
	assert.Equal(t, StatusFailed, o.State().Status)

	o.Reset()
	arranged = o.ReportFailure("mock-primary", unavailableErr(), cardRequest(), false)
	assert.True(t, arranged, "small amounts keep the default eligibility")
}

// reentrantNotifier reads the orchestrator back from inside the
// notification, which must not deadlock.
type reentrantNotifier struct {
	recordingNotifier
	o *Orchestrator
}

func (n *reentrantNotifier) FallbackAvailable(ev AvailableEvent) {
	_ = n.o.State()
	n.recordingNotifier.FallbackAvailable(ev)
}

func TestFallbackAvailableDeliveredOutsideLock(t *testing.T) {
	n := &reentrantNotifier{}
	o := New(Config{}, staticCandidates{"mock-primary", "mock-fallback"}, nil, n, nil)
	n.o = o

	done := make(chan bool, 1)
	go func() {
		done <- o.ReportFailure("mock-primary", unavailableErr(), cardRequest(), false)
	}()
	select {
	case arranged := <-done:
		assert.True(t, arranged)
	case <-time.After(2 * time.Second):
		t.Fatal("ReportFailure blocked while notifying")
	}
	avail, _, _ := n.snapshot()
	require.Len(t, avail, 1)
}

func TestNotifyFailureWithoutRequestFailsSession(t *testing.T) {
	o, n := newManual(t, Config{})
	require.True(t, o.ReportFailure("mock-primary", unavailableErr(), cardRequest(), false))
	avail, _, _ := n.snapshot()
	o.RespondToFallback(Response{EventID: avail[0].EventID, Accepted: true})

	o.NotifyFailure("mock-fallback", unavailableErr(), nil)

	view := o.State()
	assert.Equal(t, StatusFailed, view.Status)
	assert.Len(t, view.FailedAttempts, 2)
	avail, _, _ = n.snapshot()
	assert.Len(t, avail, 1, "no new offer without a request to re-dispatch")
}

func TestNotifySuccess(t *testing.T) {
	o, n := newManual(t, Config{})

	t.Run("ignored while idle", func(t *testing.T) {
		o.NotifySuccess()
		assert.Equal(t, StatusIdle, o.State().Status)
	})

	require.True(t, o.ReportFailure("mock-primary", unavailableErr(), cardRequest(), false))
	avail, _, _ := n.snapshot()
	o.RespondToFallback(Response{EventID: avail[0].EventID, Accepted: true})

	t.Run("completes an executing fallback", func(t *testing.T) {
		o.NotifySuccess()
		assert.Equal(t, StatusCompleted, o.State().Status)
	})
}

func TestOrchestratorReset(t *testing.T) {
	o, _ := newManual(t, Config{})
	require.True(t, o.ReportFailure("mock-primary", unavailableErr(), cardRequest(), false))

	o.Reset()

	view := o.State()
	assert.Equal(t, StatusIdle, view.Status)
	assert.Nil(t, view.PendingEvent)
	assert.Empty(t, view.FailedAttempts)
	assert.False(t, view.IsAutoFallback)

	// A reset session can arrange a fresh fallback.
	assert.True(t, o.ReportFailure("mock-primary", unavailableErr(), cardRequest(), false))
}

func TestAttemptTrailIsBounded(t *testing.T) {
	o, _ := newManual(t, Config{MaxAttempts: 2})

	for i := 0; i < 5; i++ {
		o.NotifyFailure("mock-primary", unavailableErr(), nil)
	}
	assert.Len(t, o.State().FailedAttempts, 2)
}
