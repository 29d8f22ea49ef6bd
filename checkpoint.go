package saga

import "time"

// Checkpoint is one durable snapshot of execution progress. Checkpoints are
// append-only: one record per (execution_id, sequence), with sequence
// numbers gapless and strictly increasing per execution.
type Checkpoint struct {
	ExecutionID     string                   `json:"execution_id"`
	Sequence        int64                    `json:"sequence"`
	ThreadID        string                   `json:"thread_id,omitempty"`
	WorkflowID      string                   `json:"workflow_id"`
	WorkflowVersion int                      `json:"workflow_version"`
	NodeID          string                   `json:"node_id"`
	Status          Status                   `json:"status"`
	Bag             map[string]any           `json:"bag"`
	BranchResults   map[string]*BranchResult `json:"branch_results,omitempty"`
	Outcome         *AggregatedOutcome       `json:"outcome,omitempty"`
	Error           string                   `json:"error,omitempty"`
	StartTime       time.Time                `json:"start_time,omitzero"`
	EndTime         time.Time                `json:"end_time,omitzero"`
	CreatedAt       time.Time                `json:"created_at"`
}
