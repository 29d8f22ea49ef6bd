package saga

import (
	"errors"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// NewExecutionID returns a new identifier for an execution
func NewExecutionID() string {
	id, err := typeid.WithPrefix("exec")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Status represents the execution status
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusAwaitingJoin Status = "awaiting_join"
	StatusAggregating  Status = "aggregating"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusInconclusive Status = "inconclusive"
)

// Terminal reports whether the status is final. Once an execution reaches a
// terminal status its state is frozen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusInconclusive:
		return true
	}
	return false
}

// ExecutionState consolidates all state of one saga execution. Everything
// here is serializable: the driver loop must never hold state that is not
// captured in the latest checkpoint, since recovery restarts from that
// snapshot. Mutated exclusively by the driver loop, never by tasks.
type ExecutionState struct {
	executionID     string
	threadID        string
	workflowID      string
	workflowVersion int
	currentNode     string
	status          Status
	bag             map[string]any
	branchResults   map[string]*BranchResult
	outcome         *AggregatedOutcome
	err             string
	sequence        int64
	startTime       time.Time
	endTime         time.Time
	mutex           sync.RWMutex
}

// newExecutionState creates execution state positioned at the entry node
func newExecutionState(executionID, threadID string, def *Definition, input map[string]any) *ExecutionState {
	return &ExecutionState{
		executionID:     executionID,
		threadID:        threadID,
		workflowID:      def.ID(),
		workflowVersion: def.Version(),
		currentNode:     def.Entry().ID,
		status:          StatusPending,
		bag:             copyBag(input),
		branchResults:   map[string]*BranchResult{},
	}
}

// ID returns the execution ID
func (s *ExecutionState) ID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.executionID
}

// ThreadID returns the correlation key for this execution's logical subject
func (s *ExecutionState) ThreadID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.threadID
}

// WorkflowID returns the workflow this execution runs
func (s *ExecutionState) WorkflowID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.workflowID
}

// GetStatus returns the current execution status
func (s *ExecutionState) GetStatus() Status {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.status
}

// SetStatus updates the execution status
func (s *ExecutionState) SetStatus(status Status) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.status = status
}

// CurrentNode returns the node the driver loop is positioned at
func (s *ExecutionState) CurrentNode() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.currentNode
}

// AdvanceTo moves the driver position to the given node
func (s *ExecutionState) AdvanceTo(nodeID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.currentNode = nodeID
}

// Bag returns a shallow copy of the state bag
func (s *ExecutionState) Bag() map[string]any {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return copyBag(s.bag)
}

// ApplyDelta merges a task's state delta into the bag
func (s *ExecutionState) ApplyDelta(delta map[string]any) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.bag = mergeBag(s.bag, delta)
}

// RecordBranchResult stores a resolved branch result. Results are immutable
// once recorded: a result that already exists is kept, which is what makes
// resumed joins reuse completed work.
func (s *ExecutionState) RecordBranchResult(result *BranchResult) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.branchResults[result.BranchID]; exists {
		return
	}
	s.branchResults[result.BranchID] = result
}

// BranchResults returns the recorded branch results keyed by branch ID
func (s *ExecutionState) BranchResults() map[string]*BranchResult {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make(map[string]*BranchResult, len(s.branchResults))
	for k, v := range s.branchResults {
		out[k] = v
	}
	return out
}

// SetOutcome stores the aggregated outcome
func (s *ExecutionState) SetOutcome(outcome *AggregatedOutcome) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.outcome = outcome
}

// GetOutcome returns the aggregated outcome, if any
func (s *ExecutionState) GetOutcome() *AggregatedOutcome {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.outcome
}

// GetError returns the recorded execution error
func (s *ExecutionState) GetError() error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.err == "" {
		return nil
	}
	return errors.New(s.err)
}

// GetStartTime returns the execution start time
func (s *ExecutionState) GetStartTime() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.startTime
}

// SetStarted marks the execution running
func (s *ExecutionState) SetStarted(startTime time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.status = StatusRunning
	if s.startTime.IsZero() {
		s.startTime = startTime
	}
}

// SetFinished freezes the execution with a terminal status
func (s *ExecutionState) SetFinished(status Status, endTime time.Time, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.status = status
	s.endTime = endTime
	if err != nil {
		s.err = err.Error()
	} else {
		s.err = ""
	}
}

// NextSequence increments and returns the checkpoint sequence number.
// Sequences are gapless and strictly increasing per execution.
func (s *ExecutionState) NextSequence() int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.sequence++
	return s.sequence
}

// ToCheckpoint converts the execution state to a checkpoint snapshot. The
// caller assigns the sequence number via NextSequence.
func (s *ExecutionState) ToCheckpoint(sequence int64) *Checkpoint {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	branchResults := make(map[string]*BranchResult, len(s.branchResults))
	for k, v := range s.branchResults {
		branchResults[k] = v
	}
	return &Checkpoint{
		ExecutionID:     s.executionID,
		Sequence:        sequence,
		ThreadID:        s.threadID,
		WorkflowID:      s.workflowID,
		WorkflowVersion: s.workflowVersion,
		NodeID:          s.currentNode,
		Status:          s.status,
		Bag:             copyBag(s.bag),
		BranchResults:   branchResults,
		Outcome:         s.outcome,
		Error:           s.err,
		StartTime:       s.startTime,
		EndTime:         s.endTime,
		CreatedAt:       time.Now(),
	}
}

// FromCheckpoint restores execution state from a checkpoint
func (s *ExecutionState) FromCheckpoint(checkpoint *Checkpoint) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.executionID = checkpoint.ExecutionID
	s.threadID = checkpoint.ThreadID
	s.workflowID = checkpoint.WorkflowID
	s.workflowVersion = checkpoint.WorkflowVersion
	s.currentNode = checkpoint.NodeID
	s.status = checkpoint.Status
	s.bag = copyBag(checkpoint.Bag)
	s.branchResults = make(map[string]*BranchResult, len(checkpoint.BranchResults))
	for k, v := range checkpoint.BranchResults {
		s.branchResults[k] = v
	}
	s.outcome = checkpoint.Outcome
	s.err = checkpoint.Error
	s.sequence = checkpoint.Sequence
	s.startTime = checkpoint.StartTime
	s.endTime = checkpoint.EndTime
}
