package saga

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// errStaleAbort signals that another engine instance won the optimistic
// sequence race. The loser abandons its in-progress step without side
// effects; the execution keeps advancing elsewhere.
var errStaleAbort = errors.New("execution advanced by another instance")

// EngineOptions configures a workflow engine.
type EngineOptions struct {
	Definitions []*Definition
	Store       CheckpointStore
	Tasks       []Task
	Executor    *TaskExecutor
	Aggregator  *Aggregator
	Publisher   OutcomePublisher
	TaskLogger  TaskLogger
	Logger      *slog.Logger
}

// Engine is the driver that walks a workflow graph, invokes tasks through
// the executor and coordinator, and persists a checkpoint after every
// transition. Many executions run concurrently; within one execution the
// loop is sequential except during fan-out.
type Engine struct {
	definitions map[string]*Definition
	store       CheckpointStore
	tasks       TaskRegistry
	executor    *TaskExecutor
	coordinator *Coordinator
	aggregator  *Aggregator
	publisher   OutcomePublisher
	logger      *slog.Logger

	mutex sync.Mutex
	live  map[string]*ExecutionState
	wg    sync.WaitGroup
}

// NewEngine creates an Engine with the given options.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if len(opts.Definitions) == 0 {
		return nil, fmt.Errorf("definitions are required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if len(opts.Tasks) == 0 {
		return nil, fmt.Errorf("tasks are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.TaskLogger == nil {
		opts.TaskLogger = NewNullTaskLogger()
	}
	if opts.Executor == nil {
		opts.Executor = NewTaskExecutor(TaskExecutorOptions{
			Logger:     opts.Logger,
			TaskLogger: opts.TaskLogger,
		})
	}
	if opts.Aggregator == nil {
		opts.Aggregator = NewAggregator(AggregatorOptions{})
	}
	if opts.Publisher == nil {
		opts.Publisher = NewNullOutcomePublisher()
	}

	definitions := make(map[string]*Definition, len(opts.Definitions))
	for _, def := range opts.Definitions {
		if _, exists := definitions[def.ID()]; exists {
			return nil, fmt.Errorf("duplicate workflow definition %q", def.ID())
		}
		definitions[def.ID()] = def
	}
	tasks := make(TaskRegistry, len(opts.Tasks))
	for _, task := range opts.Tasks {
		tasks[task.Name()] = task
	}

	engine := &Engine{
		definitions: definitions,
		store:       opts.Store,
		tasks:       tasks,
		executor:    opts.Executor,
		aggregator:  opts.Aggregator,
		publisher:   opts.Publisher,
		logger:      opts.Logger,
		live:        map[string]*ExecutionState{},
	}
	engine.coordinator = NewCoordinator(CoordinatorOptions{
		Executor: opts.Executor,
		Tasks:    tasks,
		Logger:   opts.Logger,
	})
	return engine, nil
}

// Execute starts a new execution of the given workflow at its entry node
// and returns the execution ID immediately; the saga runs in the
// background. A non-empty threadID enforces at most one active execution
// per logical subject: ErrThreadActive is returned while the thread has a
// non-terminal execution.
func (e *Engine) Execute(ctx context.Context, workflowID string, input map[string]any, threadID string) (string, error) {
	def, ok := e.definitions[workflowID]
	if !ok {
		return "", fmt.Errorf("workflow %q not registered", workflowID)
	}

	if threadID != "" {
		active, err := e.store.FindActiveByThread(ctx, threadID)
		if err != nil {
			return "", fmt.Errorf("failed to check thread %q: %w", threadID, err)
		}
		if active != "" {
			return "", fmt.Errorf("thread %q: %w", threadID, ErrThreadActive)
		}
	}

	state := newExecutionState(NewExecutionID(), threadID, def, input)

	// The initial checkpoint is written synchronously so the execution is
	// durable (and visible to thread admission) before Execute returns.
	if err := e.saveCheckpoint(ctx, state); err != nil {
		return "", fmt.Errorf("failed to save initial checkpoint: %w", err)
	}

	e.mutex.Lock()
	e.live[state.ID()] = state
	e.mutex.Unlock()

	logger := e.logger.With("execution_id", state.ID())
	logger.Info("execution started",
		"workflow_id", workflowID,
		"thread_id", threadID,
		"entry_node", def.Entry().ID)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(state.ID())
		// Trigger cancellation must not kill the saga mid-flight.
		e.runLoop(context.WithoutCancel(ctx), def, state, logger)
	}()
	return state.ID(), nil
}

// Resume continues a suspended execution from its last checkpoint,
// blocking until it finishes or loses the execution to another instance.
// Only branches that were not yet resolved at the last checkpoint are
// re-run; completed branch results are reused, never re-executed.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	e.mutex.Lock()
	if _, running := e.live[executionID]; running {
		e.mutex.Unlock()
		return nil // already running in this instance
	}
	e.mutex.Unlock()

	checkpoint, err := e.store.LoadLatest(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if checkpoint.Status.Terminal() {
		return nil
	}

	def, ok := e.definitions[checkpoint.WorkflowID]
	if !ok {
		return fmt.Errorf("workflow %q not registered", checkpoint.WorkflowID)
	}
	state := &ExecutionState{}
	state.FromCheckpoint(checkpoint)

	e.mutex.Lock()
	e.live[executionID] = state
	e.mutex.Unlock()
	defer e.release(executionID)

	logger := e.logger.With("execution_id", executionID)
	logger.Info("resuming execution from checkpoint",
		"workflow_id", checkpoint.WorkflowID,
		"sequence", checkpoint.Sequence,
		"node_id", checkpoint.NodeID,
		"status", checkpoint.Status,
		"resolved_branches", len(checkpoint.BranchResults))

	e.runLoop(ctx, def, state, logger)
	return nil
}

// StatusReport is the polling/read interface result for consumers.
type StatusReport struct {
	ExecutionID string             `json:"execution_id"`
	Status      Status             `json:"status"`
	Outcome     *AggregatedOutcome `json:"outcome,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// GetStatus returns the current status of an execution, with the outcome
// once the execution is terminal.
func (e *Engine) GetStatus(ctx context.Context, executionID string) (*StatusReport, error) {
	e.mutex.Lock()
	state, running := e.live[executionID]
	e.mutex.Unlock()

	if running {
		report := &StatusReport{ExecutionID: executionID, Status: state.GetStatus()}
		if report.Status.Terminal() {
			report.Outcome = state.GetOutcome()
		}
		if err := state.GetError(); err != nil {
			report.Error = err.Error()
		}
		return report, nil
	}

	checkpoint, err := e.store.LoadLatest(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		ExecutionID: executionID,
		Status:      checkpoint.Status,
		Outcome:     checkpoint.Outcome,
		Error:       checkpoint.Error,
	}, nil
}

// WaitAll blocks until every execution started by this engine instance has
// finished.
func (e *Engine) WaitAll() {
	e.wg.Wait()
}

func (e *Engine) release(executionID string) {
	e.mutex.Lock()
	delete(e.live, executionID)
	e.mutex.Unlock()
}

// runLoop is the driver: fetch current node, invoke it, apply the state
// delta, persist a checkpoint, select the next node, repeat until a
// terminal node freezes the status. All in-memory state is captured in the
// latest checkpoint, so recovery can always restart from that snapshot.
func (e *Engine) runLoop(ctx context.Context, def *Definition, state *ExecutionState, logger *slog.Logger) {
	state.SetStarted(time.Now())

	for {
		node, ok := def.GetNode(state.CurrentNode())
		if !ok {
			e.fail(ctx, state, logger, fmt.Errorf("node %q not found in workflow %q", state.CurrentNode(), def.ID()))
			return
		}

		var err error
		switch node.Kind {
		case NodeKindFetch:
			err = e.runFetch(ctx, state, node, logger)
		case NodeKindDecision:
			err = e.runDecision(ctx, state, node, logger)
		case NodeKindFanOut:
			err = e.runFanOut(ctx, state, node, logger)
		case NodeKindJoin:
			err = e.runJoin(ctx, state, node, logger)
		case NodeKindTerminal:
			e.runTerminal(ctx, state, node, logger)
			return
		default:
			err = fmt.Errorf("node %q has unknown kind %q", node.ID, node.Kind)
		}

		if errors.Is(err, errStaleAbort) {
			logger.Info("another instance is advancing this execution, aborting step", "node_id", node.ID)
			return
		}
		if err != nil {
			e.fail(ctx, state, logger, err)
			return
		}
	}
}

// runFetch invokes the node's task and merges its delta into the bag.
func (e *Engine) runFetch(ctx context.Context, state *ExecutionState, node *Node, logger *slog.Logger) error {
	task, ok := e.tasks[node.Task]
	if !ok {
		return fmt.Errorf("task %q not registered", node.Task)
	}
	delta, err := e.executor.Run(ctx, TaskInvocation{
		ExecutionID: state.ID(),
		NodeID:      node.ID,
		Timeout:     node.Timeout,
	}, task, state.Bag())
	if err != nil {
		return fmt.Errorf("node %q task %q: %w", node.ID, node.Task, err)
	}
	state.ApplyDelta(delta)
	state.AdvanceTo(node.Next)
	logger.Debug("fetch node completed", "node_id", node.ID, "next", node.Next)
	return e.saveCheckpoint(ctx, state)
}

// runDecision evaluates edge guards and selects exactly one outgoing edge.
// Zero or multiple matches is a contract violation: the execution fails
// rather than falling through to a silent default.
func (e *Engine) runDecision(ctx context.Context, state *ExecutionState, node *Node, logger *slog.Logger) error {
	bag := state.Bag()
	var matched []string
	for _, edge := range node.Edges {
		if edge.guard == nil {
			matched = append(matched, edge.To)
			continue
		}
		ok, err := edge.guard(ctx, bag)
		if err != nil {
			return fmt.Errorf("node %q edge to %q: %w", node.ID, edge.To, err)
		}
		if ok {
			matched = append(matched, edge.To)
		}
	}
	if len(matched) != 1 {
		return &GuardViolationError{NodeID: node.ID, Matched: matched}
	}
	state.AdvanceTo(matched[0])
	logger.Debug("decision node routed", "node_id", node.ID, "next", matched[0])
	return e.saveCheckpoint(ctx, state)
}

// runFanOut dispatches the enabled branch set concurrently and records each
// branch result as it resolves. On resume, branches that already hold a
// recorded result are skipped entirely, which gives at-most-once execution
// of costly tasks per branch per execution.
func (e *Engine) runFanOut(ctx context.Context, state *ExecutionState, node *Node, logger *slog.Logger) error {
	bag := state.Bag()
	resolved := state.BranchResults()

	var pending []*BranchSpec
	for _, spec := range node.Branches {
		if _, done := resolved[spec.ID]; done {
			logger.Debug("reusing stored branch result", "branch_id", spec.ID)
			continue
		}
		enabled, err := spec.Enabled(ctx, bag)
		if err != nil {
			return fmt.Errorf("node %q branch %q enabled_if: %w", node.ID, spec.ID, err)
		}
		if enabled {
			pending = append(pending, spec)
		}
	}

	state.SetStatus(StatusAwaitingJoin)
	if err := e.saveCheckpoint(ctx, state); err != nil {
		return err
	}

	if len(pending) > 0 {
		logger.Info("dispatching branches",
			"node_id", node.ID,
			"pending", len(pending),
			"reused", len(resolved))

		var staleErr error
		e.coordinator.Dispatch(ctx, state.ID(), pending, bag, DispatchOptions{
			BranchTimeout: node.BranchTimeout,
			TotalTimeout:  node.TotalTimeout,
			OnResult: func(result *BranchResult) {
				state.RecordBranchResult(result)
				if staleErr != nil {
					return
				}
				// Checkpoint each branch completion so a crash mid-join
				// never repeats finished work.
				if err := e.saveCheckpoint(ctx, state); err != nil {
					staleErr = err
				}
			},
		})
		if staleErr != nil {
			return staleErr
		}
	}

	state.SetStatus(StatusRunning)
	state.AdvanceTo(node.Next)
	return e.saveCheckpoint(ctx, state)
}

// runJoin applies the minimum-success policy and aggregates the barrier's
// branch results.
func (e *Engine) runJoin(ctx context.Context, state *ExecutionState, node *Node, logger *slog.Logger) error {
	results := sortedBranchResults(state.BranchResults())

	minSuccessful := 1
	if node.Join != nil && node.Join.MinSuccessful > 0 {
		minSuccessful = node.Join.MinSuccessful
	}
	successes := 0
	for _, result := range results {
		if result.Status == BranchStatusSuccess {
			successes++
		}
	}

	if successes < minSuccessful {
		logger.Warn("join below minimum success policy",
			"node_id", node.ID,
			"successes", successes,
			"min_successful", minSuccessful)
		state.SetOutcome(e.aggregator.InconclusiveOutcome(results))
		state.AdvanceTo(node.Next)
		return e.saveCheckpoint(ctx, state)
	}

	state.SetStatus(StatusAggregating)
	if err := e.saveCheckpoint(ctx, state); err != nil {
		return err
	}

	outcome := e.aggregator.Aggregate(results)
	state.SetOutcome(outcome)
	state.SetStatus(StatusRunning)
	state.AdvanceTo(node.Next)
	logger.Info("aggregated branch results",
		"node_id", node.ID,
		"primary_category", outcome.Primary.Category,
		"primary_confidence", outcome.Primary.Confidence,
		"secondary", len(outcome.Secondary),
		"conflict", outcome.ConflictFlag)
	return e.saveCheckpoint(ctx, state)
}

// runTerminal freezes the execution status, records the final checkpoint
// and publishes the outcome event.
func (e *Engine) runTerminal(ctx context.Context, state *ExecutionState, node *Node, logger *slog.Logger) {
	final := node.Status
	if final == "" {
		final = StatusCompleted
	}
	if outcome := state.GetOutcome(); outcome != nil && outcome.Inconclusive {
		final = StatusInconclusive
	}
	state.SetFinished(final, time.Now(), nil)

	if err := e.saveCheckpoint(ctx, state); err != nil {
		if errors.Is(err, errStaleAbort) {
			logger.Info("another instance is advancing this execution, aborting step", "node_id", node.ID)
		} else {
			logger.Error("failed to save final checkpoint", "error", err)
		}
		return
	}

	logger.Info("execution finished", "status", final, "node_id", node.ID)
	e.publish(ctx, state, logger)
}

// fail freezes the execution as FAILED with the error recorded.
func (e *Engine) fail(ctx context.Context, state *ExecutionState, logger *slog.Logger, cause error) {
	logger.Error("execution failed", "error", cause)
	state.SetFinished(StatusFailed, time.Now(), cause)
	if err := e.saveCheckpoint(ctx, state); err != nil {
		if errors.Is(err, errStaleAbort) {
			logger.Info("another instance is advancing this execution, abandoning failure record")
			return
		}
		logger.Error("failed to save failure checkpoint", "error", err)
	}
	e.publish(ctx, state, logger)
}

func (e *Engine) publish(ctx context.Context, state *ExecutionState, logger *slog.Logger) {
	event := &OutcomeEvent{
		ExecutionID: state.ID(),
		ThreadID:    state.ThreadID(),
		WorkflowID:  state.WorkflowID(),
		Status:      state.GetStatus(),
		Outcome:     state.GetOutcome(),
		EndTime:     time.Now(),
	}
	if err := e.publisher.PublishOutcome(ctx, event); err != nil {
		logger.Error("failed to publish outcome event", "error", err)
	}
}

// saveCheckpoint persists the current state with the next sequence number.
// A StaleSequenceError is translated to errStaleAbort so the driver loop
// abandons the execution quietly.
func (e *Engine) saveCheckpoint(ctx context.Context, state *ExecutionState) error {
	checkpoint := state.ToCheckpoint(state.NextSequence())
	if err := e.store.Save(ctx, checkpoint); err != nil {
		if IsStaleSequence(err) {
			return fmt.Errorf("%w: %w", errStaleAbort, err)
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func sortedBranchResults(byID map[string]*BranchResult) []*BranchResult {
	results := make([]*BranchResult, 0, len(byID))
	for _, result := range byID {
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].BranchID < results[j].BranchID
	})
	return results
}
