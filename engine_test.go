package saga

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// cropWorkflow builds the triage-then-analyze graph used throughout the
// engine tests: a triage fetch, a confidence-routed decision, a
// single-analyzer path and a fan-out/join path over three analyzers.
func cropWorkflow(t *testing.T, minSuccessful int, branchTimeout, totalTimeout time.Duration) *Definition {
	t.Helper()
	def, err := NewDefinition(DefinitionOptions{
		ID: "crop-analysis",
		Nodes: []*Node{
			{ID: "triage", Kind: NodeKindFetch, Task: "triage", Next: "route"},
			{ID: "route", Kind: NodeKindDecision, Edges: []*Edge{
				{To: "single_analysis", Guard: "triage_confident"},
				{To: "scatter", Guard: "triage_uncertain"},
			}},
			{ID: "single_analysis", Kind: NodeKindFetch, Task: "disease_analyzer", Next: "done"},
			{ID: "scatter", Kind: NodeKindFanOut, Next: "gather",
				BranchTimeout: branchTimeout,
				TotalTimeout:  totalTimeout,
				Branches: []*BranchSpec{
					{ID: "weather", Task: "weather_analyzer", EnabledIf: "target_weather"},
					{ID: "disease", Task: "disease_analyzer", EnabledIf: "target_disease"},
					{ID: "pests", Task: "pest_analyzer", EnabledIf: "target_pests"},
				}},
			{ID: "gather", Kind: NodeKindJoin, Next: "done",
				Join: &JoinSpec{MinSuccessful: minSuccessful}},
			{ID: "done", Kind: NodeKindTerminal},
		},
		Guards: TriageGuards(DefaultConfidenceThreshold, "weather", "disease", "pests"),
	})
	require.NoError(t, err)
	return def
}

func triageTask(confidence float64, targets, secondary []string) Task {
	return NewTaskFunction("triage", func(ctx context.Context, bag map[string]any) (map[string]any, error) {
		return TriageResult{
			Targets:          targets,
			SecondaryTargets: secondary,
			Confidence:       confidence,
		}.Delta(), nil
	})
}

func analyzerTask(name, category string, confidence float64, calls *atomic.Int64) Task {
	return NewTaskFunction(name, func(ctx context.Context, bag map[string]any) (map[string]any, error) {
		if calls != nil {
			calls.Add(1)
		}
		return map[string]any{KeyCategory: category, KeyConfidence: confidence}, nil
	})
}

func stalledTask(name string) Task {
	return NewTaskFunction(name, func(ctx context.Context, bag map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func TestEngineSingleAnalyzerPath(t *testing.T) {
	// High-confidence triage routes to the single-analyzer path: no
	// fan-out, no aggregation, and the terminal report carries no
	// aggregated outcome.
	ctx := context.Background()
	store := NewMemoryStore()
	publisher := NewChannelOutcomePublisher(4)
	var fanOutCalls atomic.Int64

	engine, err := NewEngine(EngineOptions{
		Definitions: []*Definition{cropWorkflow(t, 1, 0, 0)},
		Store:       store,
		Publisher:   publisher,
		Tasks: []Task{
			triageTask(0.85, []string{"disease"}, nil),
			analyzerTask("disease_analyzer", "late_blight", 0.85, nil),
			analyzerTask("weather_analyzer", "frost_damage", 0.6, &fanOutCalls),
			analyzerTask("pest_analyzer", "aphids", 0.5, &fanOutCalls),
		},
	})
	require.NoError(t, err)

	executionID, err := engine.Execute(ctx, "crop-analysis", map[string]any{"field_id": "f-102"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, executionID)
	engine.WaitAll()

	report, err := engine.GetStatus(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, report.Status)
	require.Nil(t, report.Outcome, "single-analyzer path never aggregates")
	require.Equal(t, int64(0), fanOutCalls.Load(), "fan-out analyzers must not run")

	event := <-publisher.Events()
	require.Equal(t, executionID, event.ExecutionID)
	require.Equal(t, StatusCompleted, event.Status)
	require.Nil(t, event.Outcome)

	// Checkpoint sequences are gapless from 1.
	sequences := store.Sequences(executionID)
	require.NotEmpty(t, sequences)
	for i, seq := range sequences {
		require.Equal(t, int64(i+1), seq)
	}
}

func TestEngineFanOutPath(t *testing.T) {
	// Low-confidence triage scatters across three analyzers: two succeed
	// with different categories, one times out. The 0.9 result wins, the
	// 0.6 result is secondary, and the timeout shows up in the audit trail.
	ctx := context.Background()
	store := NewMemoryStore()
	publisher := NewChannelOutcomePublisher(4)

	engine, err := NewEngine(EngineOptions{
		Definitions: []*Definition{cropWorkflow(t, 1, 50*time.Millisecond, time.Second)},
		Store:       store,
		Publisher:   publisher,
		Tasks: []Task{
			triageTask(0.4, []string{"weather", "disease"}, []string{"pests"}),
			analyzerTask("weather_analyzer", "frost_damage", 0.6, nil),
			analyzerTask("disease_analyzer", "late_blight", 0.9, nil),
			stalledTask("pest_analyzer"),
		},
	})
	require.NoError(t, err)

	executionID, err := engine.Execute(ctx, "crop-analysis", map[string]any{"field_id": "f-102"}, "")
	require.NoError(t, err)
	engine.WaitAll()

	report, err := engine.GetStatus(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, report.Status)
	require.NotNil(t, report.Outcome)

	outcome := report.Outcome
	require.False(t, outcome.Inconclusive)
	require.False(t, outcome.ConflictFlag)
	require.Equal(t, "disease", outcome.Primary.BranchID)
	require.Equal(t, "late_blight", outcome.Primary.Category)
	require.Equal(t, 0.9, outcome.Primary.Confidence)
	require.Len(t, outcome.Secondary, 1)
	require.Equal(t, "weather", outcome.Secondary[0].BranchID)
	require.ElementsMatch(t, []string{"weather", "disease", "pests"}, outcome.Invoked)
	require.Equal(t, []string{"pests"}, outcome.Failed)

	latest, err := store.LoadLatest(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, BranchStatusTimeout, latest.BranchResults["pests"].Status)
	require.Equal(t, BranchStatusSuccess, latest.BranchResults["weather"].Status)
	require.Equal(t, BranchStatusSuccess, latest.BranchResults["disease"].Status)

	sequences := store.Sequences(executionID)
	for i, seq := range sequences {
		require.Equal(t, int64(i+1), seq)
	}
}

func TestEngineInconclusiveBelowMinSuccessful(t *testing.T) {
	// min_successful 2 with only one success: the execution ends
	// INCONCLUSIVE with the defined empty outcome.
	ctx := context.Background()
	store := NewMemoryStore()

	failing := NewTaskFunction("disease_analyzer", func(ctx context.Context, bag map[string]any) (map[string]any, error) {
		return nil, NewTaskError(ErrorTypeFatal, "model offline")
	})
	engine, err := NewEngine(EngineOptions{
		Definitions: []*Definition{cropWorkflow(t, 2, 50*time.Millisecond, time.Second)},
		Store:       store,
		Tasks: []Task{
			triageTask(0.4, []string{"weather", "disease"}, nil),
			analyzerTask("weather_analyzer", "frost_damage", 0.6, nil),
			failing,
			analyzerTask("pest_analyzer", "aphids", 0.5, nil),
		},
	})
	require.NoError(t, err)

	executionID, err := engine.Execute(ctx, "crop-analysis", nil, "")
	require.NoError(t, err)
	engine.WaitAll()

	report, err := engine.GetStatus(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, StatusInconclusive, report.Status)
	require.NotNil(t, report.Outcome)
	require.True(t, report.Outcome.Inconclusive)
	require.Equal(t, CategoryInconclusive, report.Outcome.Primary.Category)
	require.Equal(t, 0.0, report.Outcome.Primary.Confidence)
	require.Equal(t, []string{"weather"}, report.Outcome.Completed)
}

func TestEngineGuardViolationFailsExecution(t *testing.T) {
	// A decision whose guards match more than one edge is a definition
	// bug: the execution fails instead of picking silently.
	always := func(ctx context.Context, bag map[string]any) (bool, error) { return true, nil }
	def, err := NewDefinition(DefinitionOptions{
		ID: "ambiguous",
		Nodes: []*Node{
			{ID: "start", Kind: NodeKindFetch, Task: "noop", Next: "route"},
			{ID: "route", Kind: NodeKindDecision, Edges: []*Edge{
				{To: "left", Guard: "always"},
				{To: "right", Guard: "always"},
			}},
			{ID: "left", Kind: NodeKindTerminal},
			{ID: "right", Kind: NodeKindTerminal},
		},
		Guards: GuardRegistry{"always": always},
	})
	require.NoError(t, err)

	ctx := context.Background()
	store := NewMemoryStore()
	engine, err := NewEngine(EngineOptions{
		Definitions: []*Definition{def},
		Store:       store,
		Tasks: []Task{
			NewTaskFunction("noop", func(ctx context.Context, bag map[string]any) (map[string]any, error) {
				return nil, nil
			}),
		},
	})
	require.NoError(t, err)

	executionID, err := engine.Execute(ctx, "ambiguous", nil, "")
	require.NoError(t, err)
	engine.WaitAll()

	report, err := engine.GetStatus(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, report.Status)
	require.Contains(t, report.Error, "multiple edge guards matched")
}

func TestEngineThreadAdmission(t *testing.T) {
	// At most one active execution per thread: while one is in flight, a
	// second Execute for the same thread is rejected.
	ctx := context.Background()
	store := NewMemoryStore()
	gate := make(chan struct{})

	engine, err := NewEngine(EngineOptions{
		Definitions: []*Definition{cropWorkflow(t, 1, 0, 0)},
		Store:       store,
		Tasks: []Task{
			NewTaskFunction("triage", func(ctx context.Context, bag map[string]any) (map[string]any, error) {
				<-gate
				return TriageResult{Targets: []string{"disease"}, Confidence: 0.85}.Delta(), nil
			}),
			analyzerTask("disease_analyzer", "late_blight", 0.85, nil),
			analyzerTask("weather_analyzer", "frost_damage", 0.6, nil),
			analyzerTask("pest_analyzer", "aphids", 0.5, nil),
		},
	})
	require.NoError(t, err)

	first, err := engine.Execute(ctx, "crop-analysis", nil, "field-102")
	require.NoError(t, err)

	_, err = engine.Execute(ctx, "crop-analysis", nil, "field-102")
	require.ErrorIs(t, err, ErrThreadActive)

	close(gate)
	engine.WaitAll()

	report, err := engine.GetStatus(ctx, first)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, report.Status)

	// The thread is free again once its execution is terminal.
	second, err := engine.Execute(ctx, "crop-analysis", nil, "field-102")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	engine.WaitAll()
}

func TestEngineUnknownWorkflow(t *testing.T) {
	engine, err := NewEngine(EngineOptions{
		Definitions: []*Definition{cropWorkflow(t, 1, 0, 0)},
		Store:       NewMemoryStore(),
		Tasks: []Task{
			triageTask(0.85, []string{"disease"}, nil),
			analyzerTask("disease_analyzer", "late_blight", 0.85, nil),
			analyzerTask("weather_analyzer", "frost_damage", 0.6, nil),
			analyzerTask("pest_analyzer", "aphids", 0.5, nil),
		},
	})
	require.NoError(t, err)

	_, err = engine.Execute(context.Background(), "unknown", nil, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not registered")

	_, err = engine.GetStatus(context.Background(), "exec_missing")
	require.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestEngineStaleSequenceAbortsQuietly(t *testing.T) {
	// While this instance is inside a task, another instance advances the
	// execution. The save then fails the optimistic sequence check and
	// this instance abandons the step without writing anything.
	ctx := context.Background()
	store := NewMemoryStore()

	seed := testCheckpoint("exec_contended", 1, StatusRunning)
	seed.WorkflowID = "crop-analysis"
	seed.NodeID = "triage"
	require.NoError(t, store.Save(ctx, seed))

	intruding := NewTaskFunction("triage", func(ctx context.Context, bag map[string]any) (map[string]any, error) {
		other := testCheckpoint("exec_contended", 2, StatusRunning)
		other.WorkflowID = "crop-analysis"
		other.NodeID = "route"
		if err := store.Save(ctx, other); err != nil {
			return nil, fmt.Errorf("simulated competitor failed: %w", err)
		}
		return TriageResult{Targets: []string{"disease"}, Confidence: 0.85}.Delta(), nil
	})
	engine, err := NewEngine(EngineOptions{
		Definitions: []*Definition{cropWorkflow(t, 1, 0, 0)},
		Store:       store,
		Tasks: []Task{
			intruding,
			analyzerTask("disease_analyzer", "late_blight", 0.85, nil),
			analyzerTask("weather_analyzer", "frost_damage", 0.6, nil),
			analyzerTask("pest_analyzer", "aphids", 0.5, nil),
		},
	})
	require.NoError(t, err)

	require.NoError(t, engine.Resume(ctx, "exec_contended"))

	// The competitor's checkpoint is the latest word; the loser wrote
	// nothing after it.
	latest, err := store.LoadLatest(ctx, "exec_contended")
	require.NoError(t, err)
	require.Equal(t, int64(2), latest.Sequence)
	require.Equal(t, "route", latest.NodeID)
	require.Equal(t, StatusRunning, latest.Status)
}

func TestEngineResumeTerminalIsNoop(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, testCheckpoint("exec_done", 1, StatusCompleted)))

	engine, err := NewEngine(EngineOptions{
		Definitions: []*Definition{cropWorkflow(t, 1, 0, 0)},
		Store:       store,
		Tasks: []Task{
			triageTask(0.85, []string{"disease"}, nil),
			analyzerTask("disease_analyzer", "late_blight", 0.85, nil),
			analyzerTask("weather_analyzer", "frost_damage", 0.6, nil),
			analyzerTask("pest_analyzer", "aphids", 0.5, nil),
		},
	})
	require.NoError(t, err)

	require.NoError(t, engine.Resume(ctx, "exec_done"))

	latest, err := store.LoadLatest(ctx, "exec_done")
	require.NoError(t, err)
	require.Equal(t, int64(1), latest.Sequence, "terminal executions are never re-driven")
}

func TestNewEngineValidation(t *testing.T) {
	def := cropWorkflow(t, 1, 0, 0)
	task := triageTask(0.85, nil, nil)

	t.Run("definitions required", func(t *testing.T) {
		_, err := NewEngine(EngineOptions{Store: NewMemoryStore(), Tasks: []Task{task}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "definitions are required")
	})

	t.Run("store required", func(t *testing.T) {
		_, err := NewEngine(EngineOptions{Definitions: []*Definition{def}, Tasks: []Task{task}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "store is required")
	})

	t.Run("tasks required", func(t *testing.T) {
		_, err := NewEngine(EngineOptions{Definitions: []*Definition{def}, Store: NewMemoryStore()})
		require.Error(t, err)
		require.Contains(t, err.Error(), "tasks are required")
	})

	t.Run("duplicate workflow", func(t *testing.T) {
		_, err := NewEngine(EngineOptions{
			Definitions: []*Definition{def, def},
			Store:       NewMemoryStore(),
			Tasks:       []Task{task},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "duplicate workflow definition")
	})
}
