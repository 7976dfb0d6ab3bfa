package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mcporch/internal/domain"
)

func newTestLimiter(start time.Time) (*Limiter, *time.Time) {
	current := start
	l := NewLimiter()
	l.now = func() time.Time { return current }
	return l, &current
}

func TestLimiterRejectsBeyondWindow(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))
	pol := For(domain.ServerDescriptor{Sensitivity: domain.SensitivityHigh})

	for i := 0; i < pol.MaxCallsPerWindow; i++ {
		require.NoError(t, l.Allow("payments", pol))
	}

	err := l.Allow("payments", pol)
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrRateLimited))
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeRateLimited, code)
}

func TestLimiterRecoversAfterWindow(t *testing.T) {
	start := time.Unix(1000, 0)
	l, current := newTestLimiter(start)
	pol := For(domain.ServerDescriptor{Sensitivity: domain.SensitivityHigh})

	for i := 0; i < pol.MaxCallsPerWindow; i++ {
		require.NoError(t, l.Allow("payments", pol))
	}
	require.Error(t, l.Allow("payments", pol))

	// Once the recorded calls fall out of the window, capacity returns.
	*current = start.Add(pol.Window + time.Second)
	require.NoError(t, l.Allow("payments", pol))
}

func TestLimiterRejectionDoesNotConsumeCapacity(t *testing.T) {
	start := time.Unix(1000, 0)
	l, current := newTestLimiter(start)
	pol := For(domain.ServerDescriptor{Sensitivity: domain.SensitivityHigh})

	for i := 0; i < pol.MaxCallsPerWindow; i++ {
		require.NoError(t, l.Allow("payments", pol))
	}
	for i := 0; i < 5; i++ {
		require.Error(t, l.Allow("payments", pol))
	}

	// Rejections did not extend the window: the original calls expire on
	// schedule and the next attempt passes.
	*current = start.Add(pol.Window + time.Second)
	require.NoError(t, l.Allow("payments", pol))
}

func TestLimiterIsolatesServers(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))
	pol := For(domain.ServerDescriptor{Sensitivity: domain.SensitivityHigh})

	for i := 0; i < pol.MaxCallsPerWindow; i++ {
		require.NoError(t, l.Allow("payments", pol))
	}
	require.Error(t, l.Allow("payments", pol))

	// A different server has its own window.
	require.NoError(t, l.Allow("weather", pol))
}

func TestLimiterUnlimitedWhenZero(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))
	pol := domain.ExecutionPolicy{MaxCallsPerWindow: 0, Window: domain.RateWindow}

	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Allow("anything", pol))
	}
}
