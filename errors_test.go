package saga

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyTaskError(t *testing.T) {
	t.Run("typed errors pass through", func(t *testing.T) {
		original := NewTaskError(ErrorTypeFatal, "bad input")
		classified := ClassifyTaskError(fmt.Errorf("wrapped: %w", original))
		require.Equal(t, ErrorTypeFatal, classified.Type)
		require.Equal(t, "bad input", classified.Cause)
	})

	t.Run("deadline exceeded", func(t *testing.T) {
		classified := ClassifyTaskError(context.DeadlineExceeded)
		require.Equal(t, ErrorTypeTimeout, classified.Type)
	})

	t.Run("cancellation", func(t *testing.T) {
		classified := ClassifyTaskError(context.Canceled)
		require.Equal(t, ErrorTypeTimeout, classified.Type)
	})

	t.Run("timeout by message", func(t *testing.T) {
		classified := ClassifyTaskError(errors.New("request timeout talking to model"))
		require.Equal(t, ErrorTypeTimeout, classified.Type)
	})

	t.Run("transient by message", func(t *testing.T) {
		classified := ClassifyTaskError(errors.New("service unavailable"))
		require.Equal(t, ErrorTypeTransient, classified.Type)
	})

	t.Run("unknown defaults to task_failed", func(t *testing.T) {
		classified := ClassifyTaskError(errors.New("something odd"))
		require.Equal(t, ErrorTypeTaskFailed, classified.Type)
	})
}

func TestTaskErrorWrapping(t *testing.T) {
	cause := errors.New("root cause")
	err := &TaskError{Type: ErrorTypeTransient, Cause: "flaked", Wrapped: cause}
	require.Equal(t, "transient: flaked", err.Error())
	require.ErrorIs(t, err, cause)
}

func TestIsTimeout(t *testing.T) {
	require.False(t, IsTimeout(nil))
	require.True(t, IsTimeout(context.DeadlineExceeded))
	require.True(t, IsTimeout(fmt.Errorf("attempt failed: %w", context.DeadlineExceeded)))
	require.False(t, IsTimeout(errors.New("boom")))
}

func TestGuardViolationError(t *testing.T) {
	none := &GuardViolationError{NodeID: "route"}
	require.Contains(t, none.Error(), "no edge guard matched")
	require.Contains(t, none.Error(), "route")

	multiple := &GuardViolationError{NodeID: "route", Matched: []string{"left", "right"}}
	require.Contains(t, multiple.Error(), "multiple edge guards matched")
	require.Contains(t, multiple.Error(), "left, right")
}

func TestIsStaleSequence(t *testing.T) {
	stale := &StaleSequenceError{ExecutionID: "exec_1", Sequence: 3, Latest: 5}
	require.True(t, IsStaleSequence(stale))
	require.True(t, IsStaleSequence(fmt.Errorf("save failed: %w", stale)))
	require.False(t, IsStaleSequence(errors.New("boom")))
	require.Contains(t, stale.Error(), "stale checkpoint sequence 3")
}
