package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/saga/retry"
)

func TestExecutorRunSuccess(t *testing.T) {
	executor := NewTaskExecutor(TaskExecutorOptions{})
	task := NewTaskFunction("echo", func(ctx context.Context, bag map[string]any) (map[string]any, error) {
		return map[string]any{"seen": bag["field_id"]}, nil
	})

	delta, err := executor.Run(context.Background(), TaskInvocation{ExecutionID: "exec_1", NodeID: "triage"},
		task, map[string]any{"field_id": "f-102"})
	require.NoError(t, err)
	require.Equal(t, "f-102", delta["seen"])
}

func TestExecutorRetriesRecoverableErrors(t *testing.T) {
	calls := 0
	flaky := NewTaskFunction("flaky", func(ctx context.Context, bag map[string]any) (map[string]any, error) {
		calls++
		if calls < 3 {
			return nil, retry.NewRecoverableError(errors.New("connection reset"))
		}
		return map[string]any{"ok": true}, nil
	})
	executor := NewTaskExecutor(TaskExecutorOptions{
		RetryPolicy: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})

	delta, err := executor.Run(context.Background(), TaskInvocation{ExecutionID: "exec_1"}, flaky, nil)
	require.NoError(t, err)
	require.Equal(t, true, delta["ok"])
	require.Equal(t, 3, calls)
}

func TestExecutorDoesNotRetryNonRecoverableErrors(t *testing.T) {
	calls := 0
	broken := NewTaskFunction("broken", func(ctx context.Context, bag map[string]any) (map[string]any, error) {
		calls++
		return nil, retry.NewNonRecoverableError(errors.New("bad request"))
	})
	executor := NewTaskExecutor(TaskExecutorOptions{
		RetryPolicy: RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond},
	})

	_, err := executor.Run(context.Background(), TaskInvocation{ExecutionID: "exec_1"}, broken, nil)
	require.Error(t, err)
	require.Equal(t, 1, calls, "non-recoverable errors end the attempt loop")
}

func TestExecutorExhaustsAttempts(t *testing.T) {
	calls := 0
	flaky := NewTaskFunction("flaky", func(ctx context.Context, bag map[string]any) (map[string]any, error) {
		calls++
		return nil, retry.NewRecoverableError(errors.New("still down"))
	})
	executor := NewTaskExecutor(TaskExecutorOptions{
		RetryPolicy: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})

	_, err := executor.Run(context.Background(), TaskInvocation{ExecutionID: "exec_1"}, flaky, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed after 3 attempts")
	require.Equal(t, 3, calls)
}

func TestExecutorTimeout(t *testing.T) {
	executor := NewTaskExecutor(TaskExecutorOptions{})

	_, err := executor.Run(context.Background(), TaskInvocation{
		ExecutionID: "exec_1",
		Timeout:     20 * time.Millisecond,
	}, stalledTask("stalled"), nil)
	require.Error(t, err)
	require.True(t, IsTimeout(err))
}

func TestExecutorParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	executor := NewTaskExecutor(TaskExecutorOptions{
		RetryPolicy: RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond},
	})
	_, err := executor.Run(ctx, TaskInvocation{ExecutionID: "exec_1"}, stalledTask("stalled"), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecutorAuditLogging(t *testing.T) {
	logger := NewFileTaskLogger(t.TempDir())
	executor := NewTaskExecutor(TaskExecutorOptions{TaskLogger: logger})

	task := analyzerTask("disease_analyzer", "late_blight", 0.9, nil)
	_, err := executor.Run(context.Background(), TaskInvocation{
		ExecutionID: "exec_audit",
		NodeID:      "scatter",
		BranchID:    "disease",
	}, task, nil)
	require.NoError(t, err)

	history, err := logger.GetTaskHistory(context.Background(), "exec_audit")
	require.NoError(t, err)
	require.Len(t, history, 1)
	entry := history[0]
	require.Equal(t, "disease_analyzer", entry.Task)
	require.Equal(t, "disease", entry.BranchID)
	require.Equal(t, 1, entry.Attempt)
	require.Empty(t, entry.Error)
	require.NotEmpty(t, entry.ID)
}

func TestRetryPolicyDelay(t *testing.T) {
	t.Run("exponential growth", func(t *testing.T) {
		policy := RetryPolicy{BaseDelay: 100 * time.Millisecond, BackoffRate: 2.0}
		require.Equal(t, 100*time.Millisecond, policy.Delay(1))
		require.Equal(t, 200*time.Millisecond, policy.Delay(2))
		require.Equal(t, 400*time.Millisecond, policy.Delay(3))
	})

	t.Run("max delay cap", func(t *testing.T) {
		policy := RetryPolicy{
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    250 * time.Millisecond,
			BackoffRate: 2.0,
		}
		require.Equal(t, 250*time.Millisecond, policy.Delay(3))
	})

	t.Run("full jitter stays within bounds", func(t *testing.T) {
		policy := RetryPolicy{
			BaseDelay:      100 * time.Millisecond,
			BackoffRate:    2.0,
			JitterStrategy: JitterFull,
		}
		for i := 0; i < 50; i++ {
			delay := policy.Delay(2)
			require.GreaterOrEqual(t, delay, time.Duration(0))
			require.LessOrEqual(t, delay, 200*time.Millisecond)
		}
	})
}
