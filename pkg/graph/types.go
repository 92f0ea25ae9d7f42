package graph

import (
	"context"
	"time"
)

// Reserved memory and output keys. Nodes must not use these for their own data.
const (
	// KeyHumanInput is the memory key human-supplied input is merged under
	// when a paused run is resumed.
	KeyHumanInput = "human_input"

	// KeyNextNode is the output key a node writes to choose the next node
	// when an outgoing edge uses ConditionModelDecide.
	KeyNextNode = "next_node"

	// KeyMemory addresses the raw committed memory inside condition
	// expressions, for disambiguation when names collide.
	KeyMemory = "memory"

	// KeyOutput addresses the last node's raw output inside condition
	// expressions.
	KeyOutput = "output"
)

// NodeType identifies the kind of work a node performs.
type NodeType string

const (
	// NodeTypeModelGenerate calls the model backend for free-form generation.
	NodeTypeModelGenerate NodeType = "model_generate"
	// NodeTypeModelToolUse calls the model backend with tool access.
	NodeTypeModelToolUse NodeType = "model_tool_use"
	// NodeTypeFunction runs a registered pure function.
	NodeTypeFunction NodeType = "function"
	// NodeTypeRouter selects the next node by evaluating routing rules.
	NodeTypeRouter NodeType = "router"
	// NodeTypeHumanInput surfaces injected human input into memory.
	NodeTypeHumanInput NodeType = "human_input"
	// NodeTypeEventLoop repeats an inner body until a condition holds.
	NodeTypeEventLoop NodeType = "event_loop"
)

// DefaultMaxRetries is applied when a node does not declare a retry budget.
const DefaultMaxRetries = 3

// DefaultMaxSteps bounds a run when the graph does not declare max_steps.
const DefaultMaxSteps = 100

// NodeSpec declares a single step of the graph. It is created at graph-build
// time and never mutated during execution; the executor may invoke it
// multiple times (once per retry attempt).
type NodeSpec struct {
	// ID uniquely identifies the node within the graph.
	ID string `yaml:"id" json:"id"`

	// Name is the human-readable node name used in error messages.
	Name string `yaml:"name" json:"name"`

	// Description tells the model backend (or a human) what the node does.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Type selects the executor implementation bound to this node.
	Type NodeType `yaml:"type" json:"type"`

	// InputKeys are the memory keys the node may read, in declaration order.
	InputKeys []string `yaml:"input_keys,omitempty" json:"input_keys,omitempty"`

	// OutputKeys are the memory keys the node may write.
	OutputKeys []string `yaml:"output_keys,omitempty" json:"output_keys,omitempty"`

	// NullableOutputKeys is the subset of OutputKeys allowed to be absent
	// from a successful attempt's output.
	NullableOutputKeys []string `yaml:"nullable_output_keys,omitempty" json:"nullable_output_keys,omitempty"`

	// MaxRetries is the node's attempt budget. Zero means DefaultMaxRetries.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	// Tool names the tool a model_tool_use node invokes.
	Tool string `yaml:"tool,omitempty" json:"tool,omitempty"`

	// OutputSchema optionally constrains output value types per key
	// (string, number, bool, list, map).
	OutputSchema map[string]string `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
}

// Retries returns the effective retry budget for the node.
func (n *NodeSpec) Retries() int {
	if n.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return n.MaxRetries
}

// DisplayName returns the node name, falling back to its id.
func (n *NodeSpec) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// EdgeCondition determines when a directed edge is taken.
type EdgeCondition string

const (
	// ConditionAlways is unconditionally true.
	ConditionAlways EdgeCondition = "always"
	// ConditionOnSuccess is true when the last attempt succeeded.
	ConditionOnSuccess EdgeCondition = "on_success"
	// ConditionOnFailure is true when the node exhausted its retries.
	ConditionOnFailure EdgeCondition = "on_failure"
	// ConditionExpression delegates to the safe expression evaluator.
	ConditionExpression EdgeCondition = "conditional"
	// ConditionModelDecide defers the choice to the node's next_node output.
	ConditionModelDecide EdgeCondition = "model_decide"
)

// EdgeSpec declares a directed, conditionally-taken transition between nodes.
type EdgeSpec struct {
	ID     string `yaml:"id" json:"id"`
	Source string `yaml:"source" json:"source"`
	Target string `yaml:"target" json:"target"`

	// Condition defaults to ConditionAlways when empty.
	Condition EdgeCondition `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Expression is required when Condition is ConditionExpression.
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// Kind returns the effective condition, defaulting to ConditionAlways.
func (e *EdgeSpec) Kind() EdgeCondition {
	if e.Condition == "" {
		return ConditionAlways
	}
	return e.Condition
}

// Spec is an immutable description of an executable task graph. Once a run
// starts, the executor never mutates it; hot replacement swaps the whole
// pointer (see pkg/evolution).
type Spec struct {
	ID            string     `yaml:"id" json:"id"`
	GoalID        string     `yaml:"goal_id,omitempty" json:"goal_id,omitempty"`
	EntryNode     string     `yaml:"entry_node" json:"entry_node"`
	TerminalNodes []string   `yaml:"terminal_nodes,omitempty" json:"terminal_nodes,omitempty"`
	PauseNodes    []string   `yaml:"pause_nodes,omitempty" json:"pause_nodes,omitempty"`
	Nodes         []NodeSpec `yaml:"nodes" json:"nodes"`
	Edges         []EdgeSpec `yaml:"edges,omitempty" json:"edges,omitempty"`

	// MaxSteps bounds the number of node executions per run.
	// Zero means DefaultMaxSteps.
	MaxSteps int `yaml:"max_steps,omitempty" json:"max_steps,omitempty"`

	// MaxTokens bounds the cumulative token spend per run. Zero disables
	// the budget.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// Node returns the node with the given id, or nil when absent.
func (s *Spec) Node(id string) *NodeSpec {
	for i := range s.Nodes {
		if s.Nodes[i].ID == id {
			return &s.Nodes[i]
		}
	}
	return nil
}

// EdgesFrom returns the outgoing edges of a node in declaration order.
// Declaration order matters: the executor takes the first matching edge.
func (s *Spec) EdgesFrom(source string) []EdgeSpec {
	var out []EdgeSpec
	for _, e := range s.Edges {
		if e.Source == source {
			out = append(out, e)
		}
	}
	return out
}

// IsTerminal reports whether reaching the node ends the run successfully.
func (s *Spec) IsTerminal(id string) bool {
	for _, t := range s.TerminalNodes {
		if t == id {
			return true
		}
	}
	return false
}

// IsPause reports whether the node suspends the run for human input.
func (s *Spec) IsPause(id string) bool {
	for _, p := range s.PauseNodes {
		if p == id {
			return true
		}
	}
	return false
}

// StepBudget returns the effective max-steps bound.
func (s *Spec) StepBudget() int {
	if s.MaxSteps <= 0 {
		return DefaultMaxSteps
	}
	return s.MaxSteps
}

// Goal carries run-level metadata handed to node executors.
type Goal struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ModelRequest is what a node executor sends to the model backend.
type ModelRequest struct {
	// Prompt is the primary instruction, typically the node description.
	Prompt string

	// System is an optional system-level instruction.
	System string

	// Inputs is the node's declared input snapshot.
	Inputs map[string]any

	// OutputKeys tells the backend which keys the caller expects back.
	OutputKeys []string

	// Tool names a specific tool the backend should use, when set.
	Tool string

	// Goal carries run-level metadata.
	Goal Goal
}

// ModelResponse is the backend's structured reply: a plain key->value result
// plus token accounting. Parsing model text into this shape happens inside
// the backend adapter.
type ModelResponse struct {
	Output     map[string]any
	TokensUsed int
}

// ModelBackend is the language-model collaborator consumed by node executors.
// Implementations live outside this repository.
type ModelBackend interface {
	Generate(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}

// NodeResult is the outcome of one successful node attempt.
type NodeResult struct {
	// Output is the key->value result to merge into the node's scoped view.
	Output map[string]any

	// TokensUsed is the attempt's token consumption, zero for local nodes.
	TokensUsed int

	// Latency is how long the attempt took.
	Latency time.Duration
}

// ExecutionContext bundles everything a node executor may touch: the scoped
// memory view, the declared input snapshot, the model backend handle, and
// goal metadata.
type ExecutionContext struct {
	RunID   string
	Node    *NodeSpec
	Memory  *Transaction
	Inputs  map[string]any
	Backend ModelBackend
	Goal    Goal
}

// NodeExecutor is the contract every step kind implements. A nil error means
// the attempt succeeded; the executor merges Output into committed memory.
type NodeExecutor interface {
	Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error)
}

// NodeRegistry resolves the executor bound to a node id. The graph executor
// only ever calls through the NodeExecutor interface; it never inspects
// node types itself.
type NodeRegistry interface {
	Get(nodeID string) (NodeExecutor, error)
}
