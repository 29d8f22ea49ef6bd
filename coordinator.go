package saga

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"time"
)

// DispatchOptions configures one fan-out dispatch.
type DispatchOptions struct {
	// BranchTimeout bounds each branch task. A branch exceeding it is
	// cancelled and recorded as TIMEOUT. Branch specs may override it.
	BranchTimeout time.Duration

	// TotalTimeout bounds the whole barrier. When it elapses, all
	// still-running branches are cancelled and recorded as TIMEOUT, and
	// the join proceeds with whatever resolved in time.
	TotalTimeout time.Duration

	// OnResult, if set, is called from the collector as each branch
	// resolves. The engine uses it to checkpoint branch completions so a
	// crash mid-join never repeats finished work.
	OnResult func(*BranchResult)
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Executor *TaskExecutor
	Tasks    TaskRegistry
	Logger   *slog.Logger
}

// Coordinator dispatches a set of branch tasks concurrently and joins them
// under a bounded-time barrier. The barrier is best-effort, not
// all-or-nothing: a branch failure or timeout is recorded, never re-raised,
// and partial results are preserved.
type Coordinator struct {
	executor *TaskExecutor
	tasks    TaskRegistry
	logger   *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.Executor == nil {
		opts.Executor = NewTaskExecutor(TaskExecutorOptions{})
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		executor: opts.Executor,
		tasks:    opts.Tasks,
		logger:   opts.Logger,
	}
}

type branchOutcome struct {
	spec    *BranchSpec
	delta   map[string]any
	err     error
	latency time.Duration
}

// Dispatch launches every spec concurrently against a copy of the bag and
// blocks until all branches resolve or TotalTimeout elapses, whichever is
// first. Results are returned sorted by branch ID so the output is
// deterministic regardless of completion order.
func (c *Coordinator) Dispatch(ctx context.Context, executionID string, specs []*BranchSpec, bag map[string]any, opts DispatchOptions) []*BranchResult {
	if len(specs) == 0 {
		return nil
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan *branchOutcome, len(specs))
	for _, spec := range specs {
		go c.runBranch(dispatchCtx, executionID, spec, bag, opts.BranchTimeout, outcomes)
	}

	var totalTimer <-chan time.Time
	if opts.TotalTimeout > 0 {
		timer := time.NewTimer(opts.TotalTimeout)
		defer timer.Stop()
		totalTimer = timer.C
	}

	resolved := make(map[string]*BranchResult, len(specs))
	record := func(result *BranchResult) {
		resolved[result.BranchID] = result
		if opts.OnResult != nil {
			opts.OnResult(result)
		}
	}

collect:
	for len(resolved) < len(specs) {
		select {
		case outcome := <-outcomes:
			record(c.classify(outcome))
		case <-totalTimer:
			c.logger.Warn("fan-out total timeout elapsed, forcing join",
				"execution_id", executionID,
				"resolved", len(resolved),
				"dispatched", len(specs))
			break collect
		case <-ctx.Done():
			break collect
		}
	}
	cancel()

	// Branches still unresolved were cut off by the barrier deadline.
	for _, spec := range specs {
		if _, ok := resolved[spec.ID]; ok {
			continue
		}
		record(&BranchResult{
			BranchID: spec.ID,
			Status:   BranchStatusTimeout,
			Error:    "cancelled by total timeout",
			Latency:  opts.TotalTimeout,
		})
	}

	results := make([]*BranchResult, 0, len(resolved))
	for _, result := range resolved {
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].BranchID < results[j].BranchID
	})
	return results
}

func (c *Coordinator) runBranch(ctx context.Context, executionID string, spec *BranchSpec, bag map[string]any, timeout time.Duration, outcomes chan<- *branchOutcome) {
	task, ok := c.tasks[spec.Task]
	if !ok {
		outcomes <- &branchOutcome{
			spec: spec,
			err:  NewTaskError(ErrorTypeFatal, "task "+spec.Task+" not registered"),
		}
		return
	}
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}

	start := time.Now()
	delta, err := c.executor.Run(ctx, TaskInvocation{
		ExecutionID: executionID,
		BranchID:    spec.ID,
		Timeout:     timeout,
	}, task, bag)
	outcomes <- &branchOutcome{
		spec:    spec,
		delta:   delta,
		err:     err,
		latency: time.Since(start),
	}
}

// classify turns a raw branch outcome into an immutable BranchResult.
// Errors are captured, not propagated: a timeout is TIMEOUT, anything else
// is FAILED.
func (c *Coordinator) classify(outcome *branchOutcome) *BranchResult {
	if outcome.err == nil {
		result := newBranchResult(outcome.spec.ID, outcome.delta, outcome.latency)
		c.logger.Debug("branch succeeded",
			"branch_id", result.BranchID,
			"category", result.Category,
			"confidence", result.Confidence,
			"latency", result.Latency)
		return result
	}

	status := BranchStatusFailed
	if IsTimeout(outcome.err) {
		status = BranchStatusTimeout
	}
	c.logger.Warn("branch did not succeed",
		"branch_id", outcome.spec.ID,
		"status", status,
		"error", outcome.err)
	return &BranchResult{
		BranchID: outcome.spec.ID,
		Status:   status,
		Error:    outcome.err.Error(),
		Latency:  outcome.latency,
	}
}
