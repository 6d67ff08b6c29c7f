package whatsapp

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	t.Run("wrap preserves the cause", func(t *testing.T) {
		cause := errors.New("chrome exited")
		err := WrapError(CodeInitializationFailed, cause, "initialize client for %s", "user_alice")

		assert.ErrorIs(t, err, cause)
		assert.Equal(t, CodeInitializationFailed, CodeOf(err))
		assert.Contains(t, err.Error(), "user_alice")
	})

	t.Run("wrap keeps an existing classification", func(t *testing.T) {
		inner := NewError(CodeAuthFailed, "authentication failed")
		err := WrapError(CodeInitializationFailed, inner, "initialize client")

		assert.Equal(t, CodeAuthFailed, CodeOf(err))
	})

	t.Run("sentinels match by code", func(t *testing.T) {
		err := NewError(CodeRestoreUnavailable, "no restorable state for %s", "user_alice")
		assert.ErrorIs(t, err, ErrRestoreUnavailable)

		wrapped := fmt.Errorf("create session: %w", err)
		assert.ErrorIs(t, wrapped, ErrRestoreUnavailable)
	})

	t.Run("unclassified errors map to unknown", func(t *testing.T) {
		assert.Equal(t, CodeUnknown, CodeOf(errors.New("plain")))
		assert.Equal(t, CodeUnknown, CodeOf(nil))
	})
}

func TestIsRetryable(t *testing.T) {
	retryable := []Code{CodeInitializationFailed, CodeTimeout}
	for _, code := range retryable {
		assert.True(t, IsRetryable(NewError(code, "x")), string(code))
	}

	terminal := []Code{CodeAuthFailed, CodeInvalidPhone, CodeRestoreUnavailable}
	for _, code := range terminal {
		assert.False(t, IsRetryable(NewError(code, "x")), string(code))
	}

	require.False(t, IsRetryable(nil))
}
