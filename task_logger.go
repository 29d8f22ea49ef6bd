package saga

import (
	"context"
	"time"
)

// TaskLogEntry records one task invocation for audit purposes
type TaskLogEntry struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	BranchID    string         `json:"branch_id,omitempty"`
	Task        string         `json:"task"`
	Attempt     int            `json:"attempt"`
	Bag         map[string]any `json:"bag,omitempty"`
	Delta       map[string]any `json:"delta,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartTime   time.Time      `json:"start_time"`
	Duration    float64        `json:"duration"`
}

// TaskLogger defines a simple audit logging interface for task invocations
type TaskLogger interface {
	// LogTask logs a completed task invocation
	LogTask(ctx context.Context, entry *TaskLogEntry) error

	// GetTaskHistory retrieves the task log for an execution
	GetTaskHistory(ctx context.Context, executionID string) ([]*TaskLogEntry, error)
}
