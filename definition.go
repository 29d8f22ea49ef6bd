package saga

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/verdantlabs/saga/script"
	"gopkg.in/yaml.v3"
)

// DefinitionOptions are used to configure a workflow definition.
type DefinitionOptions struct {
	ID          string  `json:"id" yaml:"id"`
	Version     int     `json:"version,omitempty" yaml:"version,omitempty"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []*Node `json:"nodes" yaml:"nodes"`

	// Guards resolves named guard references in edges and branch specs.
	Guards GuardRegistry `json:"-" yaml:"-"`

	// Compiler compiles expression guards. Defaults to the Risor compiler.
	Compiler script.Compiler `json:"-" yaml:"-"`
}

// Definition is the immutable description of a workflow graph: a closed set
// of tagged node variants and guarded transitions. All guards are compiled
// when the definition is created, so a malformed graph is rejected before
// any execution starts. Immutable once published.
type Definition struct {
	id          string
	version     int
	description string
	nodes       []*Node
	nodesByID   map[string]*Node
	entry       *Node
}

// NewDefinition returns a validated Definition configured with the given
// options.
func NewDefinition(opts DefinitionOptions) (*Definition, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("workflow id required")
	}
	if len(opts.Nodes) == 0 {
		return nil, fmt.Errorf("nodes required")
	}
	if opts.Version <= 0 {
		opts.Version = 1
	}
	if opts.Compiler == nil {
		opts.Compiler = script.NewRisorCompiler(script.DefaultGlobals())
	}

	nodesByID := make(map[string]*Node, len(opts.Nodes))
	for _, node := range opts.Nodes {
		if node.ID == "" {
			return nil, fmt.Errorf("node id required")
		}
		if _, exists := nodesByID[node.ID]; exists {
			return nil, fmt.Errorf("duplicate node id %q", node.ID)
		}
		nodesByID[node.ID] = node
	}

	d := &Definition{
		id:          opts.ID,
		version:     opts.Version,
		description: opts.Description,
		nodes:       opts.Nodes,
		nodesByID:   nodesByID,
		entry:       opts.Nodes[0],
	}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("workflow validation failed: %w", err)
	}
	if err := d.compileGuards(opts.Guards, opts.Compiler); err != nil {
		return nil, err
	}
	return d, nil
}

// ID returns the workflow id
func (d *Definition) ID() string {
	return d.id
}

// Version returns the workflow version
func (d *Definition) Version() int {
	return d.version
}

// Description returns the workflow description
func (d *Definition) Description() string {
	return d.description
}

// Entry returns the workflow entry node
func (d *Definition) Entry() *Node {
	return d.entry
}

// Nodes returns the workflow nodes
func (d *Definition) Nodes() []*Node {
	return d.nodes
}

// GetNode returns a node by id
func (d *Definition) GetNode(id string) (*Node, bool) {
	node, ok := d.nodesByID[id]
	return node, ok
}

// NodeIDs returns the ids of all nodes in the workflow
func (d *Definition) NodeIDs() []string {
	ids := make([]string, 0, len(d.nodesByID))
	for id := range d.nodesByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// validate enforces the per-kind node shape and edge integrity.
func (d *Definition) validate() error {
	terminals := 0
	for _, node := range d.nodes {
		switch node.Kind {
		case NodeKindFetch:
			if node.Task == "" {
				return fmt.Errorf("fetch node %q requires a task", node.ID)
			}
			if node.Next == "" {
				return fmt.Errorf("fetch node %q requires a next node", node.ID)
			}
		case NodeKindDecision:
			if len(node.Edges) < 2 {
				return fmt.Errorf("decision node %q requires at least two edges", node.ID)
			}
			for _, edge := range node.Edges {
				if edge.To == "" {
					return fmt.Errorf("decision node %q has an edge without a target", node.ID)
				}
			}
		case NodeKindFanOut:
			if len(node.Branches) == 0 {
				return fmt.Errorf("fan_out node %q requires branches", node.ID)
			}
			if node.Next == "" {
				return fmt.Errorf("fan_out node %q requires a join node as next", node.ID)
			}
			seen := map[string]bool{}
			for _, branch := range node.Branches {
				if branch.ID == "" || branch.Task == "" {
					return fmt.Errorf("fan_out node %q has a branch without id or task", node.ID)
				}
				if seen[branch.ID] {
					return fmt.Errorf("fan_out node %q declares branch %q twice", node.ID, branch.ID)
				}
				seen[branch.ID] = true
			}
			if next, ok := d.nodesByID[node.Next]; ok && next.Kind != NodeKindJoin {
				return fmt.Errorf("fan_out node %q must be followed by a join node, got %q", node.ID, next.Kind)
			}
		case NodeKindJoin:
			if node.Next == "" {
				return fmt.Errorf("join node %q requires a next node", node.ID)
			}
		case NodeKindTerminal:
			terminals++
			if node.Status != "" && node.Status != StatusCompleted && node.Status != StatusFailed && node.Status != StatusInconclusive {
				return fmt.Errorf("terminal node %q has non-terminal status %q", node.ID, node.Status)
			}
		default:
			return fmt.Errorf("node %q has unknown kind %q", node.ID, node.Kind)
		}

		for _, target := range d.nodeTargets(node) {
			if _, ok := d.nodesByID[target]; !ok {
				return fmt.Errorf("node %q references unknown node %q", node.ID, target)
			}
		}
	}
	if terminals == 0 {
		return fmt.Errorf("workflow requires at least one terminal node")
	}
	return nil
}

func (d *Definition) nodeTargets(node *Node) []string {
	var targets []string
	if node.Next != "" {
		targets = append(targets, node.Next)
	}
	for _, edge := range node.Edges {
		targets = append(targets, edge.To)
	}
	return targets
}

// compileGuards resolves every guard declaration in the graph.
func (d *Definition) compileGuards(guards GuardRegistry, compiler script.Compiler) error {
	ctx := context.Background()
	for _, node := range d.nodes {
		for _, edge := range node.Edges {
			fn, err := compileGuard(ctx, edge.Guard, edge.When, guards, compiler)
			if err != nil {
				return fmt.Errorf("node %q edge to %q: %w", node.ID, edge.To, err)
			}
			edge.guard = fn
		}
		for _, branch := range node.Branches {
			if branch.EnabledIf == "" {
				continue
			}
			fn, err := resolveBranchGuard(ctx, branch.EnabledIf, guards, compiler)
			if err != nil {
				return fmt.Errorf("node %q branch %q: %w", node.ID, branch.ID, err)
			}
			branch.guard = fn
		}
	}
	return nil
}

// resolveBranchGuard treats enabled_if as a named guard when one is
// registered under that name, otherwise as an expression.
func resolveBranchGuard(ctx context.Context, enabledIf string, guards GuardRegistry, compiler script.Compiler) (GuardFunc, error) {
	if fn, ok := guards[enabledIf]; ok {
		return fn, nil
	}
	return compileGuard(ctx, "", enabledIf, guards, compiler)
}

// LoadFile loads a workflow definition from a YAML file
func LoadFile(path string, guards GuardRegistry) (*Definition, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return LoadString(string(yamlData), guards)
}

// LoadString loads a workflow definition from a YAML string
func LoadString(data string, guards GuardRegistry) (*Definition, error) {
	var opts DefinitionOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow file: %w", err)
	}
	opts.Guards = guards
	return NewDefinition(opts)
}
