package saga

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeKind is the closed set of node variants a workflow graph is built
// from. Anything else is rejected when the definition is loaded.
type NodeKind string

const (
	// NodeKindFetch gathers input by running a single task, then follows
	// its one downstream edge.
	NodeKindFetch NodeKind = "fetch"

	// NodeKindDecision evaluates edge guards and selects exactly one
	// outgoing edge. Zero or multiple matches is a contract violation that
	// fails the execution.
	NodeKindDecision NodeKind = "decision"

	// NodeKindFanOut declares a set of branch task specs dispatched
	// concurrently by the coordinator.
	NodeKindFanOut NodeKind = "fan_out"

	// NodeKindJoin is the barrier that consumes fan-out branch results and
	// aggregates them.
	NodeKindJoin NodeKind = "join"

	// NodeKindTerminal ends the execution and freezes its status.
	NodeKindTerminal NodeKind = "terminal"
)

// Edge is a guarded transition between nodes. A guard is either a named
// Go-native predicate (Guard) or an expression (When) compiled at load
// time; an edge with neither always matches.
type Edge struct {
	To    string `json:"to" yaml:"to"`
	Guard string `json:"guard,omitempty" yaml:"guard,omitempty"`
	When  string `json:"when,omitempty" yaml:"when,omitempty"`

	guard GuardFunc
}

// JoinSpec configures a join node's barrier policy.
type JoinSpec struct {
	// MinSuccessful is the minimum number of SUCCESS branches required
	// before aggregation runs; below it the execution ends INCONCLUSIVE
	// (default 1).
	MinSuccessful int `json:"min_successful,omitempty" yaml:"min_successful,omitempty"`
}

// Node is a single node in a workflow graph. Which fields apply depends on
// the kind; Validate in the definition enforces the shape.
type Node struct {
	ID          string   `json:"id" yaml:"id"`
	Kind        NodeKind `json:"kind" yaml:"kind"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`

	// Task names the task run by a fetch node.
	Task string `json:"task,omitempty" yaml:"task,omitempty"`

	// Timeout bounds the fetch node's task (default: executor default).
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Next is the single downstream node of fetch, fan_out and join nodes.
	Next string `json:"next,omitempty" yaml:"next,omitempty"`

	// Edges are the guarded transitions of a decision node.
	Edges []*Edge `json:"edges,omitempty" yaml:"edges,omitempty"`

	// Branches are the branch task specs of a fan_out node.
	Branches []*BranchSpec `json:"branches,omitempty" yaml:"branches,omitempty"`

	// BranchTimeout and TotalTimeout bound a fan_out node's dispatch.
	BranchTimeout time.Duration `json:"branch_timeout,omitempty" yaml:"branch_timeout,omitempty"`
	TotalTimeout  time.Duration `json:"total_timeout,omitempty" yaml:"total_timeout,omitempty"`

	// Join configures a join node's barrier policy.
	Join *JoinSpec `json:"join,omitempty" yaml:"join,omitempty"`

	// Status is the terminal node's final execution status
	// (default "completed").
	Status Status `json:"status,omitempty" yaml:"status,omitempty"`
}

// UnmarshalYAML decodes a node, accepting Go duration strings ("30s",
// "2m") for the timeout fields.
func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ID            string        `yaml:"id"`
		Kind          NodeKind      `yaml:"kind"`
		Description   string        `yaml:"description"`
		Task          string        `yaml:"task"`
		Timeout       string        `yaml:"timeout"`
		Next          string        `yaml:"next"`
		Edges         []*Edge       `yaml:"edges"`
		Branches      []*BranchSpec `yaml:"branches"`
		BranchTimeout string        `yaml:"branch_timeout"`
		TotalTimeout  string        `yaml:"total_timeout"`
		Join          *JoinSpec     `yaml:"join"`
		Status        Status        `yaml:"status"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	timeout, err := parseOptionalDuration(raw.Timeout)
	if err != nil {
		return fmt.Errorf("node %q timeout: %w", raw.ID, err)
	}
	branchTimeout, err := parseOptionalDuration(raw.BranchTimeout)
	if err != nil {
		return fmt.Errorf("node %q branch_timeout: %w", raw.ID, err)
	}
	totalTimeout, err := parseOptionalDuration(raw.TotalTimeout)
	if err != nil {
		return fmt.Errorf("node %q total_timeout: %w", raw.ID, err)
	}
	n.ID = raw.ID
	n.Kind = raw.Kind
	n.Description = raw.Description
	n.Task = raw.Task
	n.Timeout = timeout
	n.Next = raw.Next
	n.Edges = raw.Edges
	n.Branches = raw.Branches
	n.BranchTimeout = branchTimeout
	n.TotalTimeout = totalTimeout
	n.Join = raw.Join
	n.Status = raw.Status
	return nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
