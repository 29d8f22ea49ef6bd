package saga

import (
	"fmt"
	"sort"
)

// CategoryInconclusive is the primary category reported when no branch
// produced a usable result.
const CategoryInconclusive = "inconclusive"

// Finding is one selected analysis result inside an AggregatedOutcome.
type Finding struct {
	BranchID   string         `json:"branch_id,omitempty"`
	Category   string         `json:"category"`
	Confidence float64        `json:"confidence"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// AggregatedOutcome is the deterministic merge of a join's branch results:
// one primary finding, a bounded list of secondaries, and a plain audit
// trail explaining the selection.
type AggregatedOutcome struct {
	Primary      Finding   `json:"primary"`
	Secondary    []Finding `json:"secondary,omitempty"`
	ConflictFlag bool      `json:"conflict_flag"`
	Inconclusive bool      `json:"inconclusive"`
	Reasoning    []string  `json:"reasoning,omitempty"`
	Invoked      []string  `json:"invoked,omitempty"`
	Completed    []string  `json:"completed,omitempty"`
	Failed       []string  `json:"failed,omitempty"`
}

// SeverityRank maps a category to a severity rank. Higher severity wins
// confidence ties during primary selection.
type SeverityRank func(category string) int

// AggregatorOptions configures an Aggregator. Zero values take the
// documented defaults.
type AggregatorOptions struct {
	// MinConfidenceGap is the minimum confidence separation between two
	// same-category results before they count as a conflict (default 0.15).
	MinConfidenceGap float64

	// ConflictPenalty is subtracted from the primary's confidence when a
	// conflict is detected (default 0.1).
	ConflictPenalty float64

	// SecondaryMinConfidence is the confidence floor for secondary
	// findings (default 0.5).
	SecondaryMinConfidence float64

	// MaxSecondary caps the number of secondary findings (default 2).
	MaxSecondary int

	// Severity breaks confidence ties; nil means all categories rank equal
	// and ties fall back to branch ID ordering.
	Severity SeverityRank
}

// Aggregator deterministically selects a primary and secondary outcome from
// a set of branch results. Aggregate is pure: given the same results it
// always returns the same outcome, which is what makes resumed executions
// reproducible.
type Aggregator struct {
	minGap       float64
	penalty      float64
	secondaryMin float64
	maxSecondary int
	severity     SeverityRank
}

// NewAggregator creates an Aggregator with the given options.
func NewAggregator(opts AggregatorOptions) *Aggregator {
	if opts.MinConfidenceGap <= 0 {
		opts.MinConfidenceGap = 0.15
	}
	if opts.ConflictPenalty <= 0 {
		opts.ConflictPenalty = 0.1
	}
	if opts.SecondaryMinConfidence <= 0 {
		opts.SecondaryMinConfidence = 0.5
	}
	if opts.MaxSecondary <= 0 {
		opts.MaxSecondary = 2
	}
	if opts.Severity == nil {
		opts.Severity = func(string) int { return 0 }
	}
	return &Aggregator{
		minGap:       opts.MinConfidenceGap,
		penalty:      opts.ConflictPenalty,
		secondaryMin: opts.SecondaryMinConfidence,
		maxSecondary: opts.MaxSecondary,
		severity:     opts.Severity,
	}
}

// Aggregate merges the given branch results into an outcome. Only
// successful results are candidates; failed and timed-out branches appear
// in the audit trail. An empty candidate set produces the defined
// inconclusive outcome rather than an error.
func (a *Aggregator) Aggregate(results []*BranchResult) *AggregatedOutcome {
	return a.aggregate(results, false)
}

// InconclusiveOutcome is the explicit empty-set signal: it produces the
// defined inconclusive outcome with the full audit trail of what ran, used
// when fewer than min_successful branches succeeded.
func (a *Aggregator) InconclusiveOutcome(results []*BranchResult) *AggregatedOutcome {
	return a.aggregate(results, true)
}

func (a *Aggregator) aggregate(results []*BranchResult, forceInconclusive bool) *AggregatedOutcome {
	outcome := &AggregatedOutcome{}

	var successes []*BranchResult
	for _, result := range results {
		outcome.Invoked = append(outcome.Invoked, result.BranchID)
		switch result.Status {
		case BranchStatusSuccess:
			outcome.Completed = append(outcome.Completed, result.BranchID)
			successes = append(successes, result)
			outcome.Reasoning = append(outcome.Reasoning, fmt.Sprintf(
				"branch %s succeeded (category=%s confidence=%.2f latency=%s)",
				result.BranchID, result.Category, result.Confidence, result.Latency))
		case BranchStatusTimeout:
			outcome.Failed = append(outcome.Failed, result.BranchID)
			outcome.Reasoning = append(outcome.Reasoning, fmt.Sprintf(
				"branch %s timed out after %s", result.BranchID, result.Latency))
		default:
			outcome.Failed = append(outcome.Failed, result.BranchID)
			outcome.Reasoning = append(outcome.Reasoning, fmt.Sprintf(
				"branch %s failed: %s", result.BranchID, result.Error))
		}
	}

	if forceInconclusive || len(successes) == 0 {
		outcome.Primary = Finding{Category: CategoryInconclusive, Confidence: 0}
		outcome.Inconclusive = true
		if forceInconclusive && len(successes) > 0 {
			outcome.Reasoning = append(outcome.Reasoning, "too few successful branches: outcome is inconclusive")
		} else {
			outcome.Reasoning = append(outcome.Reasoning, "no successful branches: outcome is inconclusive")
		}
		return outcome
	}

	// Descending confidence; severity rank breaks ties, branch ID makes
	// the order total.
	sorted := make([]*BranchResult, len(successes))
	copy(sorted, successes)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		si, sj := a.severity(sorted[i].Category), a.severity(sorted[j].Category)
		if si != sj {
			return si > sj
		}
		return sorted[i].BranchID < sorted[j].BranchID
	})

	top := sorted[0]
	outcome.Primary = Finding{
		BranchID:   top.BranchID,
		Category:   top.Category,
		Confidence: top.Confidence,
		Payload:    top.Payload,
	}
	outcome.Reasoning = append(outcome.Reasoning, fmt.Sprintf(
		"primary: branch %s (category=%s confidence=%.2f)",
		top.BranchID, top.Category, top.Confidence))

	// Conflict: another success shares the primary's category but sits
	// within the minimum confidence gap, so the winner is not a clear call.
	for _, other := range sorted[1:] {
		if other.Category != top.Category {
			continue
		}
		gap := top.Confidence - other.Confidence
		if gap < a.minGap {
			outcome.ConflictFlag = true
			outcome.Primary.Confidence = clampConfidence(outcome.Primary.Confidence - a.penalty)
			outcome.Reasoning = append(outcome.Reasoning, fmt.Sprintf(
				"conflict: branch %s shares category %s within gap %.2f < %.2f; primary confidence reduced to %.2f",
				other.BranchID, top.Category, gap, a.minGap, outcome.Primary.Confidence))
			break
		}
	}

	for _, other := range sorted[1:] {
		if len(outcome.Secondary) >= a.maxSecondary {
			break
		}
		if other.Category == top.Category {
			continue
		}
		if other.Confidence < a.secondaryMin {
			continue
		}
		outcome.Secondary = append(outcome.Secondary, Finding{
			BranchID:   other.BranchID,
			Category:   other.Category,
			Confidence: other.Confidence,
			Payload:    other.Payload,
		})
		outcome.Reasoning = append(outcome.Reasoning, fmt.Sprintf(
			"secondary: branch %s (category=%s confidence=%.2f)",
			other.BranchID, other.Category, other.Confidence))
	}

	return outcome
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
