package saga

import (
	"context"
	"fmt"
)

// DefaultConfidenceThreshold routes triage to the single-analyzer path when
// met or exceeded.
const DefaultConfidenceThreshold = 0.7

// TriageResult is the typed output of a triage classification task, read
// back out of the state bag for routing. Targets and SecondaryTargets name
// the analyzers the triage step considers relevant.
type TriageResult struct {
	Targets          []string `json:"targets"`
	SecondaryTargets []string `json:"secondary_targets,omitempty"`
	Confidence       float64  `json:"confidence"`
}

// Delta returns the state delta a triage task should return to publish
// this result.
func (t TriageResult) Delta() map[string]any {
	return map[string]any{
		KeyTargets:          t.Targets,
		KeySecondaryTargets: t.SecondaryTargets,
		KeyConfidence:       t.Confidence,
	}
}

// TriageFromBag reads a TriageResult back out of the state bag.
func TriageFromBag(bag map[string]any) (TriageResult, error) {
	confidence, ok := toFloat(bag[KeyConfidence])
	if !ok {
		return TriageResult{}, fmt.Errorf("state bag has no %q value", KeyConfidence)
	}
	return TriageResult{
		Targets:          toStringSlice(bag[KeyTargets]),
		SecondaryTargets: toStringSlice(bag[KeySecondaryTargets]),
		Confidence:       confidence,
	}, nil
}

// BranchSet returns the fan-out branch set: targets ∪ secondary_targets,
// first occurrence order preserved.
func (t TriageResult) BranchSet() []string {
	seen := make(map[string]bool, len(t.Targets)+len(t.SecondaryTargets))
	var set []string
	for _, id := range t.Targets {
		if !seen[id] {
			seen[id] = true
			set = append(set, id)
		}
	}
	for _, id := range t.SecondaryTargets {
		if !seen[id] {
			seen[id] = true
			set = append(set, id)
		}
	}
	return set
}

// ConfidenceAtLeast returns a guard that is true when the triage confidence
// meets the threshold. Pair it with ConfidenceBelow on a decision node to
// route between the single-analyzer and fan-out paths.
func ConfidenceAtLeast(threshold float64) GuardFunc {
	return func(ctx context.Context, bag map[string]any) (bool, error) {
		confidence, ok := toFloat(bag[KeyConfidence])
		if !ok {
			return false, fmt.Errorf("state bag has no %q value", KeyConfidence)
		}
		return confidence >= threshold, nil
	}
}

// ConfidenceBelow returns the complement of ConfidenceAtLeast.
func ConfidenceBelow(threshold float64) GuardFunc {
	return func(ctx context.Context, bag map[string]any) (bool, error) {
		confidence, ok := toFloat(bag[KeyConfidence])
		if !ok {
			return false, fmt.Errorf("state bag has no %q value", KeyConfidence)
		}
		return confidence < threshold, nil
	}
}

// TargetEnabled returns an enabled_if guard for a fan-out branch: true when
// the branch id is in the triage result's targets ∪ secondary_targets.
func TargetEnabled(branchID string) GuardFunc {
	return func(ctx context.Context, bag map[string]any) (bool, error) {
		triage, err := TriageFromBag(bag)
		if err != nil {
			return false, err
		}
		for _, id := range triage.BranchSet() {
			if id == branchID {
				return true, nil
			}
		}
		return false, nil
	}
}

// TriageGuards returns a registry with the standard triage routing guards
// for the given threshold, plus a TargetEnabled guard per branch id. Guard
// names: "triage_confident", "triage_uncertain", "target_<branch>".
func TriageGuards(threshold float64, branchIDs ...string) GuardRegistry {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	guards := GuardRegistry{
		"triage_confident": ConfidenceAtLeast(threshold),
		"triage_uncertain": ConfidenceBelow(threshold),
	}
	for _, id := range branchIDs {
		guards["target_"+id] = TargetEnabled(id)
	}
	return guards
}

func toStringSlice(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		var out []string
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
