package saga

import (
	"context"
)

// Task represents one opaque unit of work invoked by the engine. A task is a
// pure function of the state bag it receives (plus whatever external reads
// it performs): it returns a state delta that the driver loop merges into
// the execution's bag. Tasks never mutate execution state directly.
type Task interface {

	// Name returns the name of the Task
	Name() string

	// Execute the Task against a copy of the execution state bag. The
	// returned delta is merged into the bag by the driver loop.
	Execute(ctx context.Context, bag map[string]any) (map[string]any, error)
}

// TaskRegistry is a map of task names to tasks
type TaskRegistry map[string]Task

// TaskFunction is a function that can be used as a task
type TaskFunction struct {
	name string
	fn   func(ctx context.Context, bag map[string]any) (map[string]any, error)
}

// NewTaskFunction creates a new TaskFunction
func NewTaskFunction(name string, fn func(ctx context.Context, bag map[string]any) (map[string]any, error)) *TaskFunction {
	return &TaskFunction{name: name, fn: fn}
}

func (t *TaskFunction) Name() string {
	return t.name
}

func (t *TaskFunction) Execute(ctx context.Context, bag map[string]any) (map[string]any, error) {
	return t.fn(ctx, bag)
}

// Well-known state bag keys that analysis tasks use to report findings.
// The coordinator reads these from a branch task's delta to build the
// typed BranchResult, and triage tasks use them to steer routing.
const (
	KeyCategory         = "category"
	KeyConfidence       = "confidence"
	KeyTargets          = "targets"
	KeySecondaryTargets = "secondary_targets"
)

// copyBag creates a shallow copy of a state bag
func copyBag(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mergeBag merges a state delta into a bag, returning the bag
func mergeBag(bag, delta map[string]any) map[string]any {
	for k, v := range delta {
		bag[k] = v
	}
	return bag
}
