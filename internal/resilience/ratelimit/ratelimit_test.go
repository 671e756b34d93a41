package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-flow-orchestrator/internal/payment"
)

const testEndpoint = "providers/mock-primary/start"

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := NewLimiter(cfg)
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterAdmitsExactlyMaxRequests(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxRequests: 3, Window: time.Second})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.CanRequest(testEndpoint), "request %d should be admitted", i)
		require.NoError(t, l.RecordRequest(testEndpoint))
	}

	err := l.CanRequest(testEndpoint)
	require.Error(t, err)
	var limited *RateLimitExceededError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, testEndpoint, limited.Endpoint)
	assert.Equal(t, payment.ErrRateLimitExceeded, limited.PaymentCode())
	assert.Equal(t, time.Second, limited.RetryAfterHint())
}

func TestLimiterWindowReset(t *testing.T) {
	l, now := newTestLimiter(Config{MaxRequests: 1, Window: time.Second})

	require.NoError(t, l.RecordRequest(testEndpoint))
	require.Error(t, l.CanRequest(testEndpoint))

	*now = now.Add(time.Second)
	assert.NoError(t, l.CanRequest(testEndpoint))
	assert.NoError(t, l.RecordRequest(testEndpoint))
	assert.Equal(t, 1, l.InfoFor(testEndpoint).RequestCount)
}

func TestLimiterRecordRechecks(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxRequests: 1, Window: time.Second})

	// Both callers passed CanRequest before either recorded; the second
	// RecordRequest must be rejected rather than overshooting the window.
	require.NoError(t, l.CanRequest(testEndpoint))
	require.NoError(t, l.CanRequest(testEndpoint))
	require.NoError(t, l.RecordRequest(testEndpoint))
	err := l.RecordRequest(testEndpoint)
	require.Error(t, err)
	assert.Equal(t, 1, l.InfoFor(testEndpoint).RequestCount)
}

func TestLimiterRetryAfter(t *testing.T) {
	l, now := newTestLimiter(Config{MaxRequests: 1, Window: 10 * time.Second})

	require.NoError(t, l.RecordRequest(testEndpoint))
	assert.Equal(t, 10*time.Second, l.RetryAfter(testEndpoint))

	*now = now.Add(4 * time.Second)
	assert.Equal(t, 6*time.Second, l.RetryAfter(testEndpoint))
}

func TestLimiterPerEndpoint(t *testing.T) {
	t.Run("shared window by default", func(t *testing.T) {
		l, _ := newTestLimiter(Config{MaxRequests: 1, Window: time.Second})
		require.NoError(t, l.RecordRequest("providers/a/start"))
		assert.Error(t, l.CanRequest("providers/b/start"))
	})

	t.Run("independent windows when per-endpoint", func(t *testing.T) {
		l, _ := newTestLimiter(Config{MaxRequests: 1, Window: time.Second, PerEndpoint: true})
		require.NoError(t, l.RecordRequest("providers/a/start"))
		assert.Error(t, l.CanRequest("providers/a/start"))
		assert.NoError(t, l.CanRequest("providers/b/start"))
	})
}

func TestLimiterDefaults(t *testing.T) {
	l := NewLimiter(Config{})
	assert.Equal(t, 10, l.cfg.MaxRequests)
	assert.Equal(t, time.Second, l.cfg.Window)
}
