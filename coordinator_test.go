package saga

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func coordinatorRegistry(tasks ...Task) TaskRegistry {
	registry := make(TaskRegistry, len(tasks))
	for _, task := range tasks {
		registry[task.Name()] = task
	}
	return registry
}

func TestDispatchCollectsAllBranches(t *testing.T) {
	coordinator := NewCoordinator(CoordinatorOptions{
		Tasks: coordinatorRegistry(
			analyzerTask("weather_analyzer", "frost_damage", 0.6, nil),
			analyzerTask("disease_analyzer", "late_blight", 0.9, nil),
		),
	})

	results := coordinator.Dispatch(context.Background(), "exec_1", []*BranchSpec{
		{ID: "weather", Task: "weather_analyzer"},
		{ID: "disease", Task: "disease_analyzer"},
	}, map[string]any{"field_id": "f-102"}, DispatchOptions{})

	require.Len(t, results, 2)
	// Sorted by branch ID, independent of completion order.
	require.Equal(t, "disease", results[0].BranchID)
	require.Equal(t, "weather", results[1].BranchID)
	for _, result := range results {
		require.Equal(t, BranchStatusSuccess, result.Status)
	}
	require.Equal(t, "late_blight", results[0].Category)
	require.Equal(t, 0.9, results[0].Confidence)
}

func TestDispatchCapturesFailure(t *testing.T) {
	// A branch failure is recorded, never re-raised.
	failing := NewTaskFunction("broken", func(ctx context.Context, bag map[string]any) (map[string]any, error) {
		return nil, NewTaskError(ErrorTypeFatal, "model offline")
	})
	coordinator := NewCoordinator(CoordinatorOptions{
		Tasks: coordinatorRegistry(failing, analyzerTask("ok", "cat", 0.8, nil)),
	})

	results := coordinator.Dispatch(context.Background(), "exec_1", []*BranchSpec{
		{ID: "a", Task: "broken"},
		{ID: "b", Task: "ok"},
	}, nil, DispatchOptions{})

	require.Len(t, results, 2)
	require.Equal(t, BranchStatusFailed, results[0].Status)
	require.Contains(t, results[0].Error, "model offline")
	require.Equal(t, BranchStatusSuccess, results[1].Status)
}

func TestDispatchBranchTimeout(t *testing.T) {
	// A branch exceeding its per-branch timeout is always TIMEOUT, never
	// SUCCESS or FAILED.
	coordinator := NewCoordinator(CoordinatorOptions{
		Tasks: coordinatorRegistry(stalledTask("stalled"), analyzerTask("fast", "cat", 0.8, nil)),
	})

	results := coordinator.Dispatch(context.Background(), "exec_1", []*BranchSpec{
		{ID: "slow", Task: "stalled"},
		{ID: "quick", Task: "fast"},
	}, nil, DispatchOptions{BranchTimeout: 30 * time.Millisecond})

	require.Len(t, results, 2)
	require.Equal(t, BranchStatusSuccess, results[0].Status)
	require.Equal(t, BranchStatusTimeout, results[1].Status)
}

func TestDispatchSpecTimeoutOverride(t *testing.T) {
	coordinator := NewCoordinator(CoordinatorOptions{
		Tasks: coordinatorRegistry(stalledTask("stalled")),
	})

	start := time.Now()
	results := coordinator.Dispatch(context.Background(), "exec_1", []*BranchSpec{
		{ID: "slow", Task: "stalled", Timeout: 20 * time.Millisecond},
	}, nil, DispatchOptions{BranchTimeout: 5 * time.Second})

	require.Less(t, time.Since(start), time.Second)
	require.Len(t, results, 1)
	require.Equal(t, BranchStatusTimeout, results[0].Status)
}

func TestDispatchTotalTimeoutForcesJoin(t *testing.T) {
	// The barrier deadline cuts off still-running branches and joins with
	// whatever resolved in time.
	coordinator := NewCoordinator(CoordinatorOptions{
		Tasks: coordinatorRegistry(stalledTask("stalled"), analyzerTask("fast", "cat", 0.8, nil)),
	})

	results := coordinator.Dispatch(context.Background(), "exec_1", []*BranchSpec{
		{ID: "slow", Task: "stalled"},
		{ID: "quick", Task: "fast"},
	}, nil, DispatchOptions{
		BranchTimeout: 10 * time.Second,
		TotalTimeout:  50 * time.Millisecond,
	})

	require.Len(t, results, 2)
	require.Equal(t, BranchStatusSuccess, results[0].Status)
	require.Equal(t, BranchStatusTimeout, results[1].Status)
	require.Contains(t, results[1].Error, "total timeout")
}

func TestDispatchOnResultCallback(t *testing.T) {
	var calls atomic.Int64
	coordinator := NewCoordinator(CoordinatorOptions{
		Tasks: coordinatorRegistry(
			analyzerTask("a_task", "cat_a", 0.7, nil),
			analyzerTask("b_task", "cat_b", 0.8, nil),
		),
	})

	coordinator.Dispatch(context.Background(), "exec_1", []*BranchSpec{
		{ID: "a", Task: "a_task"},
		{ID: "b", Task: "b_task"},
	}, nil, DispatchOptions{
		OnResult: func(result *BranchResult) {
			require.True(t, result.Status.Resolved())
			calls.Add(1)
		},
	})
	require.Equal(t, int64(2), calls.Load())
}

func TestDispatchUnregisteredTask(t *testing.T) {
	coordinator := NewCoordinator(CoordinatorOptions{Tasks: TaskRegistry{}})

	results := coordinator.Dispatch(context.Background(), "exec_1", []*BranchSpec{
		{ID: "a", Task: "missing"},
	}, nil, DispatchOptions{})

	require.Len(t, results, 1)
	require.Equal(t, BranchStatusFailed, results[0].Status)
	require.Contains(t, results[0].Error, "not registered")
}

func TestDispatchEmptySpecs(t *testing.T) {
	coordinator := NewCoordinator(CoordinatorOptions{Tasks: TaskRegistry{}})
	require.Nil(t, coordinator.Dispatch(context.Background(), "exec_1", nil, nil, DispatchOptions{}))
}

func TestDispatchBagIsolation(t *testing.T) {
	// Branches receive a copy of the bag; their writes never leak into the
	// shared execution state.
	mutating := NewTaskFunction("mutating", func(ctx context.Context, bag map[string]any) (map[string]any, error) {
		bag["field_id"] = "overwritten"
		return map[string]any{KeyCategory: "cat", KeyConfidence: 0.8}, nil
	})
	coordinator := NewCoordinator(CoordinatorOptions{Tasks: coordinatorRegistry(mutating)})

	bag := map[string]any{"field_id": "f-102"}
	coordinator.Dispatch(context.Background(), "exec_1", []*BranchSpec{
		{ID: "a", Task: "mutating"},
	}, bag, DispatchOptions{})

	require.Equal(t, "f-102", bag["field_id"])
}
