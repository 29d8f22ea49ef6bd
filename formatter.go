package saga

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
)

// OutcomeFormatter pretty-prints aggregated outcomes and their audit
// trails, for CLI and log surfaces.
type OutcomeFormatter struct {
	out io.Writer
}

// NewOutcomeFormatter creates a formatter writing to out.
func NewOutcomeFormatter(out io.Writer) *OutcomeFormatter {
	return &OutcomeFormatter{out: out}
}

// PrintSummary prints one execution summary line.
func (f *OutcomeFormatter) PrintSummary(summary *ExecutionSummary) {
	statusColor := color.New(color.FgYellow)
	switch summary.Status {
	case StatusCompleted:
		statusColor = color.New(color.FgGreen)
	case StatusFailed:
		statusColor = color.New(color.FgRed)
	case StatusInconclusive:
		statusColor = color.New(color.FgMagenta)
	}
	fmt.Fprintf(f.out, "%-30s  %-20s  %s  seq=%d  %s\n",
		summary.ExecutionID,
		summary.WorkflowID,
		statusColor.Sprintf("%-13s", summary.Status),
		summary.Sequence,
		summary.Duration.Round(time.Millisecond))
}

// PrintReport prints a full status report with the outcome and reasoning
// trail.
func (f *OutcomeFormatter) PrintReport(report *StatusReport) {
	fmt.Fprintf(f.out, "%s %s\n", color.CyanString("execution:"), report.ExecutionID)
	fmt.Fprintf(f.out, "%s %s\n", color.CyanString("status:"), report.Status)
	if report.Error != "" {
		fmt.Fprintf(f.out, "%s %s\n", color.RedString("error:"), report.Error)
	}
	outcome := report.Outcome
	if outcome == nil {
		return
	}

	if outcome.Inconclusive {
		fmt.Fprintln(f.out, color.MagentaString("outcome: inconclusive"))
	} else {
		fmt.Fprintf(f.out, "%s %s (confidence %.2f)\n",
			color.GreenString("primary:"), outcome.Primary.Category, outcome.Primary.Confidence)
	}
	for _, secondary := range outcome.Secondary {
		fmt.Fprintf(f.out, "%s %s (confidence %.2f)\n",
			color.YellowString("secondary:"), secondary.Category, secondary.Confidence)
	}
	if outcome.ConflictFlag {
		fmt.Fprintln(f.out, color.RedString("conflict: primary confidence penalized"))
	}
	if len(outcome.Reasoning) > 0 {
		fmt.Fprintln(f.out, color.CyanString("reasoning:"))
		for _, line := range outcome.Reasoning {
			fmt.Fprintf(f.out, "  - %s\n", line)
		}
	}
}
