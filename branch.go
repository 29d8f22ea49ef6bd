package saga

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// BranchStatus represents the resolution of one fan-out branch
type BranchStatus string

const (
	BranchStatusSuccess BranchStatus = "success"
	BranchStatusFailed  BranchStatus = "failed"
	BranchStatusTimeout BranchStatus = "timeout"
)

// Resolved reports whether the branch reached a final status.
func (s BranchStatus) Resolved() bool {
	return s == BranchStatusSuccess || s == BranchStatusFailed || s == BranchStatusTimeout
}

// BranchSpec declares one branch task within a fan-out node. A branch is
// launched only when its enabled_if guard (if any) evaluates true against
// the state bag at dispatch time.
type BranchSpec struct {
	ID        string        `json:"id" yaml:"id"`
	Task      string        `json:"task" yaml:"task"`
	EnabledIf string        `json:"enabled_if,omitempty" yaml:"enabled_if,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	guard GuardFunc
}

// UnmarshalYAML decodes a branch spec, accepting Go duration strings for
// the timeout field.
func (b *BranchSpec) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ID        string `yaml:"id"`
		Task      string `yaml:"task"`
		EnabledIf string `yaml:"enabled_if"`
		Timeout   string `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	timeout, err := parseOptionalDuration(raw.Timeout)
	if err != nil {
		return fmt.Errorf("branch %q timeout: %w", raw.ID, err)
	}
	b.ID = raw.ID
	b.Task = raw.Task
	b.EnabledIf = raw.EnabledIf
	b.Timeout = timeout
	return nil
}

// Enabled evaluates the branch's enabled_if guard against the bag.
// Branches without a guard are always enabled.
func (b *BranchSpec) Enabled(ctx context.Context, bag map[string]any) (bool, error) {
	if b.guard == nil {
		return true, nil
	}
	return b.guard(ctx, bag)
}

// BranchResult records the resolution of one branch. Immutable once
// recorded: resumed executions reuse stored results instead of re-running
// the branch.
type BranchResult struct {
	BranchID   string         `json:"branch_id"`
	Status     BranchStatus   `json:"status"`
	Category   string         `json:"category,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Error      string         `json:"error,omitempty"`
	Latency    time.Duration  `json:"latency"`
}

// newBranchResult builds a BranchResult from a branch task's state delta.
// Analysis tasks report their finding through the well-known bag keys.
func newBranchResult(branchID string, delta map[string]any, latency time.Duration) *BranchResult {
	result := &BranchResult{
		BranchID: branchID,
		Status:   BranchStatusSuccess,
		Payload:  delta,
		Latency:  latency,
	}
	if category, ok := delta[KeyCategory].(string); ok {
		result.Category = category
	}
	if confidence, ok := toFloat(delta[KeyConfidence]); ok {
		result.Confidence = confidence
	}
	return result
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
