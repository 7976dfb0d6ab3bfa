package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := E(CodeNotFound, "registry.FindByID", `no server "hotels"`, ErrServerNotFound)
	require.Equal(t, `registry.FindByID: NOT_FOUND: no server "hotels"`, err.Error())
	require.True(t, errors.Is(err, ErrServerNotFound))
}

func TestErrorMessageFallsBackToCause(t *testing.T) {
	cause := errors.New("pipe broken")
	err := E(CodeTransport, "transport.Call", "", cause)
	require.Contains(t, err.Error(), "pipe broken")
	require.True(t, errors.Is(err, cause))
}

func TestWrapPreservesExistingError(t *testing.T) {
	inner := E(CodeRateLimited, "policy.Allow", "", ErrRateLimited).WithServer("payments")
	wrapped := Wrap(CodeTransport, "app.dispatch", inner)

	// Wrapping never launders an already-structured error.
	require.Equal(t, CodeRateLimited, wrapped.Code)
	require.Equal(t, "payments", wrapped.ServerID)
	require.True(t, errors.Is(wrapped, ErrRateLimited))
}

func TestWrapAnnotatesBareErrors(t *testing.T) {
	cause := fmt.Errorf("read: %w", errors.New("eof"))
	wrapped := Wrap(CodeTransport, "transport.Call", cause)
	require.Equal(t, CodeTransport, wrapped.Code)
	require.Equal(t, "transport.Call", wrapped.Op)
	require.True(t, errors.Is(wrapped, cause))
}

func TestCodeFromSentinels(t *testing.T) {
	cases := []struct {
		err  error
		code ErrorCode
	}{
		{ErrServerNotFound, CodeNotFound},
		{ErrToolNotFound, CodeNotFound},
		{ErrRateLimited, CodeRateLimited},
		{ErrConnectionClosed, CodeTransportClosed},
		{ErrOptInRequired, CodePermissionDenied},
		{ErrExecutionDisabled, CodePermissionDenied},
	}
	for _, tc := range cases {
		code, ok := CodeFrom(fmt.Errorf("wrapped: %w", tc.err))
		require.True(t, ok, tc.err)
		require.Equal(t, tc.code, code)
	}

	_, ok := CodeFrom(errors.New("plain"))
	require.False(t, ok)
}
