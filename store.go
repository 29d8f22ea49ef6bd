package saga

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExecutionNotFound is returned when no checkpoint exists for an
// execution ID.
var ErrExecutionNotFound = errors.New("execution not found")

// StaleSequenceError is returned by Save when the checkpoint's sequence is
// not exactly one past the latest stored sequence. It means another engine
// instance is already advancing the execution: the loser must abort its
// in-progress step without side effects and re-read the latest checkpoint.
type StaleSequenceError struct {
	ExecutionID string
	Sequence    int64
	Latest      int64
}

func (e *StaleSequenceError) Error() string {
	return fmt.Sprintf("stale checkpoint sequence %d for execution %s (latest is %d)",
		e.Sequence, e.ExecutionID, e.Latest)
}

// IsStaleSequence reports whether the error is a StaleSequenceError.
func IsStaleSequence(err error) bool {
	var stale *StaleSequenceError
	return errors.As(err, &stale)
}

// CheckpointStore is the durable, append-only record of execution progress.
// It is the only shared mutable resource in the core: all writers rely on
// the optimistic sequence check instead of locks, so at most one engine
// instance can successfully advance a given execution at a time.
type CheckpointStore interface {
	// Save appends a checkpoint. It fails with a StaleSequenceError unless
	// checkpoint.Sequence equals the current maximum plus one (or 1 for a
	// new execution).
	Save(ctx context.Context, checkpoint *Checkpoint) error

	// LoadLatest returns the highest-sequence checkpoint for an execution,
	// or ErrExecutionNotFound.
	LoadLatest(ctx context.Context, executionID string) (*Checkpoint, error)

	// ListIncomplete returns the IDs of executions whose latest checkpoint
	// has a non-terminal status and was written before olderThan.
	ListIncomplete(ctx context.Context, olderThan time.Time) ([]string, error)

	// FindActiveByThread returns the ID of the non-terminal execution for
	// a thread, or "" when the thread has none.
	FindActiveByThread(ctx context.Context, threadID string) (string, error)

	// Prune removes all but the latest keepLatest checkpoints of an
	// execution. Old records are audit data, retained only for a bounded
	// recovery window.
	Prune(ctx context.Context, executionID string, keepLatest int) error
}

// ExecutionSummary describes an execution from its latest checkpoint.
type ExecutionSummary struct {
	ExecutionID string        `json:"execution_id"`
	WorkflowID  string        `json:"workflow_id"`
	ThreadID    string        `json:"thread_id,omitempty"`
	Status      Status        `json:"status"`
	NodeID      string        `json:"node_id"`
	Sequence    int64         `json:"sequence"`
	StartTime   time.Time     `json:"start_time,omitzero"`
	EndTime     time.Time     `json:"end_time,omitzero"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// summaryFromCheckpoint builds an ExecutionSummary from a latest checkpoint.
func summaryFromCheckpoint(checkpoint *Checkpoint) *ExecutionSummary {
	duration := checkpoint.EndTime.Sub(checkpoint.StartTime)
	if checkpoint.EndTime.IsZero() {
		duration = checkpoint.CreatedAt.Sub(checkpoint.StartTime)
	}
	return &ExecutionSummary{
		ExecutionID: checkpoint.ExecutionID,
		WorkflowID:  checkpoint.WorkflowID,
		ThreadID:    checkpoint.ThreadID,
		Status:      checkpoint.Status,
		NodeID:      checkpoint.NodeID,
		Sequence:    checkpoint.Sequence,
		StartTime:   checkpoint.StartTime,
		EndTime:     checkpoint.EndTime,
		Duration:    duration,
		Error:       checkpoint.Error,
	}
}
