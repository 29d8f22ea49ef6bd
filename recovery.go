package saga

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// RecoveryOptions configures a RecoveryManager.
type RecoveryOptions struct {
	Engine *Engine
	Store  CheckpointStore

	// LivenessThreshold is how stale an execution's latest checkpoint must
	// be before the owning instance is presumed crashed (default 30s).
	LivenessThreshold time.Duration

	// SweepInterval is the heartbeat period between sweeps (default 10s).
	SweepInterval time.Duration

	// Concurrency bounds how many executions one sweep resumes in
	// parallel (default 4).
	Concurrency int

	Logger *slog.Logger
}

// RecoveryManager finds unfinished executions whose owning engine instance
// appears to have crashed and resumes them from their latest checkpoint.
// Concurrent sweeps against the same execution are safe: the optimistic
// sequence check in the store lets only one resumer advance it.
type RecoveryManager struct {
	engine      *Engine
	store       CheckpointStore
	liveness    time.Duration
	interval    time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewRecoveryManager creates a RecoveryManager.
func NewRecoveryManager(opts RecoveryOptions) (*RecoveryManager, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if opts.LivenessThreshold <= 0 {
		opts.LivenessThreshold = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RecoveryManager{
		engine:      opts.Engine,
		store:       opts.Store,
		liveness:    opts.LivenessThreshold,
		interval:    opts.SweepInterval,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}, nil
}

// Run sweeps once at startup and then on every heartbeat tick until the
// context is cancelled.
func (r *RecoveryManager) Run(ctx context.Context) error {
	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Error("startup recovery sweep failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("recovery sweep failed", "error", err)
			}
		}
	}
}

// Sweep resumes every incomplete execution whose latest checkpoint is
// older than the liveness threshold. Returns how many executions were
// handed to the engine.
func (r *RecoveryManager) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.liveness)
	ids, err := r.store.ListIncomplete(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list incomplete executions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	r.logger.Info("recovering executions", "count", len(ids))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)
	for _, id := range ids {
		id := id
		group.Go(func() error {
			if err := r.engine.Resume(groupCtx, id); err != nil {
				// One failed resume must not stop the sweep; the next
				// heartbeat will retry it.
				r.logger.Error("failed to resume execution",
					"execution_id", id, "error", err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return len(ids), err
	}
	return len(ids), nil
}
