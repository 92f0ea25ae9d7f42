package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/tombee/axon/pkg/errors"
	"github.com/tombee/axon/pkg/graph"
)

// Tool represents an executable tool with a name and description.
type Tool interface {
	// Name returns the tool identifier
	Name() string

	// Description returns what the tool does
	Description() string

	// Execute runs the tool with the given inputs and returns the output.
	Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error)
}

// ToolRegistry defines the interface for tool lookup and execution.
// The hundreds of concrete API wrappers live outside this repository.
type ToolRegistry interface {
	// Get retrieves a tool by name
	Get(name string) (Tool, error)

	// Execute executes a tool with the given inputs
	Execute(ctx context.Context, name string, inputs map[string]interface{}) (map[string]interface{}, error)
}

// FunctionHandler is a pure in-process step implementation.
type FunctionHandler func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// Registry maps node ids to their executor implementations. The graph
// executor resolves through it and only ever calls the NodeExecutor
// interface.
type Registry struct {
	mu    sync.RWMutex
	execs map[string]graph.NodeExecutor
}

// NewRegistry creates an empty node registry.
func NewRegistry() *Registry {
	return &Registry{execs: make(map[string]graph.NodeExecutor)}
}

// Register binds an executor to a node id, replacing any previous binding.
func (r *Registry) Register(nodeID string, exec graph.NodeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[nodeID] = exec
}

// Get implements graph.NodeRegistry.
func (r *Registry) Get(nodeID string) (graph.NodeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.execs[nodeID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "node executor", ID: nodeID}
	}
	return exec, nil
}

// Options configures BindDefaults. Per-node configuration is keyed by
// node id.
type Options struct {
	// Tools resolves model_tool_use invocations.
	Tools ToolRegistry

	// Functions provides the handlers for function nodes.
	Functions map[string]FunctionHandler

	// Routes provides the routing rules for router nodes.
	Routes map[string][]Route

	// Loops provides the body and bound for event_loop nodes.
	Loops map[string]Loop
}

// BindDefaults builds a registry with the default implementation for every
// node in the graph, selected by the node's declared type.
func BindDefaults(spec *graph.Spec, opts Options) (*Registry, error) {
	reg := NewRegistry()

	for i := range spec.Nodes {
		n := &spec.Nodes[i]

		var exec graph.NodeExecutor
		switch n.Type {
		case graph.NodeTypeModelGenerate:
			exec = NewGenerate()
		case graph.NodeTypeModelToolUse:
			if opts.Tools == nil {
				return nil, &errors.ConfigError{
					Key:    n.ID,
					Reason: "model_tool_use node requires a tool registry",
				}
			}
			exec = NewToolUse(opts.Tools)
		case graph.NodeTypeFunction:
			fn, ok := opts.Functions[n.ID]
			if !ok {
				return nil, &errors.ConfigError{
					Key:    n.ID,
					Reason: "function node has no registered handler",
				}
			}
			exec = NewFunction(fn)
		case graph.NodeTypeRouter:
			rules, ok := opts.Routes[n.ID]
			if !ok {
				return nil, &errors.ConfigError{
					Key:    n.ID,
					Reason: "router node has no routing rules",
				}
			}
			exec = NewRouter(rules)
		case graph.NodeTypeHumanInput:
			exec = NewHumanInput()
		case graph.NodeTypeEventLoop:
			loop, ok := opts.Loops[n.ID]
			if !ok {
				return nil, &errors.ConfigError{
					Key:    n.ID,
					Reason: "event_loop node has no loop configuration",
				}
			}
			exec = NewEventLoop(loop)
		default:
			return nil, &errors.ValidationError{
				Field:      "type",
				Message:    fmt.Sprintf("node %q: unsupported node type %q", n.ID, n.Type),
				Suggestion: "use one of: model_generate, model_tool_use, function, router, human_input, event_loop",
			}
		}

		reg.Register(n.ID, exec)
	}

	return reg, nil
}
