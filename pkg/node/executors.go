package node

import (
	"context"
	"fmt"

	"github.com/tombee/axon/pkg/errors"
	"github.com/tombee/axon/pkg/graph"
	"github.com/tombee/axon/pkg/graph/expression"
)

// Generate calls the model backend for free-form generation. The backend
// returns a plain key->value result; response parsing happens inside the
// backend adapter, not here.
type Generate struct{}

// NewGenerate creates the default model_generate executor.
func NewGenerate() *Generate { return &Generate{} }

// Execute implements graph.NodeExecutor.
func (g *Generate) Execute(ctx context.Context, ec *graph.ExecutionContext) (*graph.NodeResult, error) {
	if ec.Backend == nil {
		return nil, &errors.ConfigError{Key: ec.Node.ID, Reason: "no model backend configured"}
	}

	resp, err := ec.Backend.Generate(ctx, graph.ModelRequest{
		Prompt:     ec.Node.Description,
		Inputs:     ec.Inputs,
		OutputKeys: ec.Node.OutputKeys,
		Goal:       ec.Goal,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "model generate for node %q", ec.Node.ID)
	}

	return &graph.NodeResult{Output: resp.Output, TokensUsed: resp.TokensUsed}, nil
}

// ToolUse invokes a tool from the registry. When the node pins a tool, the
// declared inputs are passed straight through as arguments; otherwise the
// backend picks the tool and arguments first.
type ToolUse struct {
	tools ToolRegistry
}

// NewToolUse creates the default model_tool_use executor.
func NewToolUse(tools ToolRegistry) *ToolUse {
	return &ToolUse{tools: tools}
}

// Execute implements graph.NodeExecutor.
func (t *ToolUse) Execute(ctx context.Context, ec *graph.ExecutionContext) (*graph.NodeResult, error) {
	toolName := ec.Node.Tool
	args := ec.Inputs
	tokens := 0

	if toolName == "" {
		if ec.Backend == nil {
			return nil, &errors.ConfigError{
				Key:    ec.Node.ID,
				Reason: "node pins no tool and no model backend is configured to choose one",
			}
		}
		resp, err := ec.Backend.Generate(ctx, graph.ModelRequest{
			Prompt:     ec.Node.Description,
			Inputs:     ec.Inputs,
			OutputKeys: []string{"tool", "args"},
			Goal:       ec.Goal,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "tool selection for node %q", ec.Node.ID)
		}
		tokens = resp.TokensUsed

		name, ok := resp.Output["tool"].(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("backend did not name a tool for node %q", ec.Node.ID)
		}
		toolName = name
		if chosen, ok := resp.Output["args"].(map[string]any); ok {
			args = chosen
		}
	}

	output, err := t.tools.Execute(ctx, toolName, args)
	if err != nil {
		return nil, errors.Wrapf(err, "tool %q for node %q", toolName, ec.Node.ID)
	}

	return &graph.NodeResult{Output: output, TokensUsed: tokens}, nil
}

// Function runs a registered pure function against the node's declared
// input snapshot.
type Function struct {
	fn FunctionHandler
}

// NewFunction creates a function executor.
func NewFunction(fn FunctionHandler) *Function {
	return &Function{fn: fn}
}

// Execute implements graph.NodeExecutor.
func (f *Function) Execute(ctx context.Context, ec *graph.ExecutionContext) (*graph.NodeResult, error) {
	output, err := f.fn(ctx, ec.Inputs)
	if err != nil {
		return nil, err
	}
	return &graph.NodeResult{Output: output}, nil
}

// Route is one routing rule: when the expression holds against the node's
// inputs, the run continues at Target.
type Route struct {
	// When is a condition expression; empty means always.
	When string `yaml:"when,omitempty" json:"when,omitempty"`

	// Target is the node id written to the reserved next_node output.
	Target string `yaml:"target" json:"target"`
}

// Router selects the next node by evaluating its rules in order and writing
// the first match's target to the reserved next_node output key. Router
// nodes pair with model_decide edges.
type Router struct {
	rules []Route
	eval  *expression.Evaluator
}

// NewRouter creates a router executor.
func NewRouter(rules []Route) *Router {
	return &Router{rules: rules, eval: expression.New()}
}

// Execute implements graph.NodeExecutor.
func (r *Router) Execute(ctx context.Context, ec *graph.ExecutionContext) (*graph.NodeResult, error) {
	evalCtx := expression.BuildContext(ec.Inputs, nil)

	for _, rule := range r.rules {
		if rule.When == "" {
			return &graph.NodeResult{Output: map[string]any{graph.KeyNextNode: rule.Target}}, nil
		}
		ok, err := r.eval.Evaluate(rule.When, evalCtx)
		if err != nil {
			return nil, errors.Wrapf(err, "routing rule %q for node %q", rule.When, ec.Node.ID)
		}
		if ok {
			return &graph.NodeResult{Output: map[string]any{graph.KeyNextNode: rule.Target}}, nil
		}
	}

	return nil, fmt.Errorf("no routing rule matched for node %q", ec.Node.ID)
}

// HumanInput surfaces injected human input into the node's declared output
// keys. It only succeeds after a resume call has merged input under the
// reserved human_input key; the node must declare that key in input_keys.
type HumanInput struct{}

// NewHumanInput creates the default human_input executor.
func NewHumanInput() *HumanInput { return &HumanInput{} }

// Execute implements graph.NodeExecutor.
func (h *HumanInput) Execute(ctx context.Context, ec *graph.ExecutionContext) (*graph.NodeResult, error) {
	raw, ok := ec.Inputs[graph.KeyHumanInput]
	if !ok {
		return nil, fmt.Errorf("node %q: human input not yet supplied", ec.Node.ID)
	}
	supplied, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("node %q: human input must be a mapping, got %T", ec.Node.ID, raw)
	}

	output := make(map[string]any, len(ec.Node.OutputKeys))
	for _, key := range ec.Node.OutputKeys {
		if v, ok := supplied[key]; ok {
			output[key] = v
		}
	}
	return &graph.NodeResult{Output: output}, nil
}

// Loop configures an event_loop node: the body runs repeatedly until the
// Until expression holds against the body's output, or MaxIterations is
// reached.
type Loop struct {
	// Body is the executor invoked each iteration.
	Body graph.NodeExecutor

	// Until is evaluated against the body output after each iteration.
	// Empty means the loop simply runs MaxIterations times.
	Until string

	// MaxIterations bounds the loop. Zero means DefaultLoopIterations.
	MaxIterations int
}

// DefaultLoopIterations bounds event loops that declare no maximum.
const DefaultLoopIterations = 10

// EventLoop repeats an inner body until its condition holds.
type EventLoop struct {
	loop Loop
	eval *expression.Evaluator
}

// NewEventLoop creates an event_loop executor.
func NewEventLoop(loop Loop) *EventLoop {
	return &EventLoop{loop: loop, eval: expression.New()}
}

// Execute implements graph.NodeExecutor.
func (e *EventLoop) Execute(ctx context.Context, ec *graph.ExecutionContext) (*graph.NodeResult, error) {
	if e.loop.Body == nil {
		return nil, &errors.ConfigError{Key: ec.Node.ID, Reason: "event_loop node has no body"}
	}

	max := e.loop.MaxIterations
	if max <= 0 {
		max = DefaultLoopIterations
	}

	var last *graph.NodeResult
	tokens := 0
	for i := 0; i < max; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := e.loop.Body.Execute(ctx, ec)
		if err != nil {
			return nil, errors.Wrapf(err, "loop iteration %d for node %q", i+1, ec.Node.ID)
		}
		tokens += result.TokensUsed
		last = result

		if e.loop.Until == "" {
			continue
		}
		done, err := e.eval.Evaluate(e.loop.Until, expression.BuildContext(ec.Inputs, result.Output))
		if err != nil {
			return nil, errors.Wrapf(err, "loop condition for node %q", ec.Node.ID)
		}
		if done {
			return &graph.NodeResult{Output: last.Output, TokensUsed: tokens}, nil
		}
	}

	if e.loop.Until != "" {
		return nil, fmt.Errorf("node %q: loop condition not satisfied after %d iterations", ec.Node.ID, max)
	}
	return &graph.NodeResult{Output: last.Output, TokensUsed: tokens}, nil
}
