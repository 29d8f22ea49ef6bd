package saga

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/verdantlabs/saga/retry"
	"go.jetify.com/typeid"
)

// JitterStrategy defines the jitter strategy for retry delays
type JitterStrategy string

const (
	JitterNone JitterStrategy = "NONE"
	JitterFull JitterStrategy = "FULL"
)

// RetryPolicy configures task-level retries. The same policy is applied
// uniformly by the executor regardless of what the task computes; only
// recoverable errors are retried.
type RetryPolicy struct {
	MaxAttempts    int            `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BaseDelay      time.Duration  `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay       time.Duration  `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	BackoffRate    float64        `json:"backoff_rate,omitempty" yaml:"backoff_rate,omitempty"`
	JitterStrategy JitterStrategy `json:"jitter_strategy,omitempty" yaml:"jitter_strategy,omitempty"`
}

// DefaultRetryPolicy returns the policy used when none is configured:
// a single attempt, no retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Delay returns the backoff delay before the given retry attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	rate := p.BackoffRate
	if rate <= 1.0 {
		rate = 2.0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * rate)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterStrategy == JitterFull {
		delay = time.Duration(rand.Int63n(int64(delay) + 1))
	}
	return delay
}

// TaskExecutorOptions configures a TaskExecutor.
type TaskExecutorOptions struct {
	DefaultTimeout time.Duration
	RetryPolicy    RetryPolicy
	Logger         *slog.Logger
	TaskLogger     TaskLogger
}

// TaskExecutor invokes one opaque unit of work with a bounded timeout,
// applying the configured retry policy to recoverable failures. Transient
// task errors are never propagated as fatal: the caller receives a typed
// error it can classify.
type TaskExecutor struct {
	defaultTimeout time.Duration
	policy         RetryPolicy
	logger         *slog.Logger
	taskLogger     TaskLogger
}

// NewTaskExecutor creates a TaskExecutor with the given options.
func NewTaskExecutor(opts TaskExecutorOptions) *TaskExecutor {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 60 * time.Second
	}
	if opts.RetryPolicy.MaxAttempts <= 0 {
		opts.RetryPolicy = DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.TaskLogger == nil {
		opts.TaskLogger = NewNullTaskLogger()
	}
	return &TaskExecutor{
		defaultTimeout: opts.DefaultTimeout,
		policy:         opts.RetryPolicy,
		logger:         opts.Logger,
		taskLogger:     opts.TaskLogger,
	}
}

// TaskInvocation identifies one task run for audit logging.
type TaskInvocation struct {
	ExecutionID string
	NodeID      string
	BranchID    string
	Timeout     time.Duration
}

// Run executes the task with a bounded timeout and the executor's retry
// policy. The returned delta is the task's state delta on success. The bag
// is passed by copy so tasks cannot mutate shared execution state.
func (x *TaskExecutor) Run(ctx context.Context, inv TaskInvocation, task Task, bag map[string]any) (map[string]any, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = x.defaultTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= x.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := x.policy.Delay(attempt - 1)
			x.logger.Debug("retrying task",
				"task", task.Name(),
				"attempt", attempt,
				"delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		delta, err := x.runOnce(ctx, inv, task, bag, attempt, timeout)
		if err == nil {
			return delta, nil
		}
		lastErr = err

		// The parent context going away means the branch or execution was
		// cancelled. Report it as-is so the coordinator records a timeout.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retry.IsRecoverable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("task %q failed after %d attempts: %w", task.Name(), x.policy.MaxAttempts, lastErr)
}

func (x *TaskExecutor) runOnce(ctx context.Context, inv TaskInvocation, task Task, bag map[string]any, attempt int, timeout time.Duration) (map[string]any, error) {
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startTime := time.Now()
	delta, err := task.Execute(taskCtx, copyBag(bag))
	duration := time.Since(startTime)

	entry := &TaskLogEntry{
		ID:          newLogEntryID(),
		ExecutionID: inv.ExecutionID,
		NodeID:      inv.NodeID,
		BranchID:    inv.BranchID,
		Task:        task.Name(),
		Attempt:     attempt,
		Delta:       delta,
		StartTime:   startTime,
		Duration:    duration.Seconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := x.taskLogger.LogTask(ctx, entry); logErr != nil {
		x.logger.Error("failed to log task invocation", "error", logErr)
	}
	return delta, err
}

func newLogEntryID() string {
	id, err := typeid.WithPrefix("tasklog")
	if err != nil {
		panic(err)
	}
	return id.String()
}
