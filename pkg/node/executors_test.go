package node

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/axon/pkg/graph"
)

type fakeBackend struct {
	output map[string]any
	tokens int
	err    error
	calls  int
	last   graph.ModelRequest
}

func (f *fakeBackend) Generate(ctx context.Context, req graph.ModelRequest) (*graph.ModelResponse, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &graph.ModelResponse{Output: f.output, TokensUsed: f.tokens}, nil
}

type fakeTools struct {
	output map[string]any
	err    error
	name   string
	args   map[string]any
}

func (f *fakeTools) Get(name string) (Tool, error) { return nil, nil }

func (f *fakeTools) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	f.name = name
	f.args = args
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

func execCtx(node *graph.NodeSpec, inputs map[string]any, backend graph.ModelBackend) *graph.ExecutionContext {
	return &graph.ExecutionContext{
		RunID:   "run-1",
		Node:    node,
		Inputs:  inputs,
		Backend: backend,
	}
}

func TestGenerate(t *testing.T) {
	node := &graph.NodeSpec{
		ID:          "draft",
		Description: "Draft a reply",
		Type:        graph.NodeTypeModelGenerate,
		OutputKeys:  []string{"reply"},
	}

	t.Run("passes inputs and output keys to the backend", func(t *testing.T) {
		backend := &fakeBackend{output: map[string]any{"reply": "hi"}, tokens: 12}
		result, err := NewGenerate().Execute(context.Background(), execCtx(node, map[string]any{"topic": "go"}, backend))
		require.NoError(t, err)

		assert.Equal(t, "hi", result.Output["reply"])
		assert.Equal(t, 12, result.TokensUsed)
		assert.Equal(t, "Draft a reply", backend.last.Prompt)
		assert.Equal(t, []string{"reply"}, backend.last.OutputKeys)
		assert.Equal(t, "go", backend.last.Inputs["topic"])
	})

	t.Run("requires a backend", func(t *testing.T) {
		_, err := NewGenerate().Execute(context.Background(), execCtx(node, nil, nil))
		assert.Error(t, err)
	})

	t.Run("propagates backend errors", func(t *testing.T) {
		backend := &fakeBackend{err: fmt.Errorf("provider down")}
		_, err := NewGenerate().Execute(context.Background(), execCtx(node, nil, backend))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "provider down")
	})
}

func TestToolUse(t *testing.T) {
	t.Run("pinned tool receives declared inputs as args", func(t *testing.T) {
		tools := &fakeTools{output: map[string]any{"rows": 3}}
		node := &graph.NodeSpec{ID: "query", Type: graph.NodeTypeModelToolUse, Tool: "sql"}

		result, err := NewToolUse(tools).Execute(context.Background(), execCtx(node, map[string]any{"table": "runs"}, nil))
		require.NoError(t, err)

		assert.Equal(t, "sql", tools.name)
		assert.Equal(t, "runs", tools.args["table"])
		assert.Equal(t, 3, result.Output["rows"])
		assert.Zero(t, result.TokensUsed)
	})

	t.Run("unpinned tool is chosen by the backend", func(t *testing.T) {
		backend := &fakeBackend{
			output: map[string]any{"tool": "search", "args": map[string]any{"q": "go"}},
			tokens: 7,
		}
		tools := &fakeTools{output: map[string]any{"hits": 1}}
		node := &graph.NodeSpec{ID: "lookup", Type: graph.NodeTypeModelToolUse}

		result, err := NewToolUse(tools).Execute(context.Background(), execCtx(node, nil, backend))
		require.NoError(t, err)

		assert.Equal(t, "search", tools.name)
		assert.Equal(t, "go", tools.args["q"])
		assert.Equal(t, 7, result.TokensUsed)
		assert.Equal(t, 1, result.Output["hits"])
	})

	t.Run("unpinned tool without a backend fails", func(t *testing.T) {
		node := &graph.NodeSpec{ID: "lookup", Type: graph.NodeTypeModelToolUse}
		_, err := NewToolUse(&fakeTools{}).Execute(context.Background(), execCtx(node, nil, nil))
		assert.Error(t, err)
	})

	t.Run("backend must name a tool", func(t *testing.T) {
		backend := &fakeBackend{output: map[string]any{"args": map[string]any{}}}
		node := &graph.NodeSpec{ID: "lookup", Type: graph.NodeTypeModelToolUse}
		_, err := NewToolUse(&fakeTools{}).Execute(context.Background(), execCtx(node, nil, backend))
		assert.Error(t, err)
	})
}

func TestFunction(t *testing.T) {
	node := &graph.NodeSpec{ID: "double", Type: graph.NodeTypeFunction}

	t.Run("wraps the handler output", func(t *testing.T) {
		fn := func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			return map[string]any{"n": inputs["n"].(int) * 2}, nil
		}
		result, err := NewFunction(fn).Execute(context.Background(), execCtx(node, map[string]any{"n": 21}, nil))
		require.NoError(t, err)
		assert.Equal(t, 42, result.Output["n"])
	})

	t.Run("propagates handler errors", func(t *testing.T) {
		fn := func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("boom")
		}
		_, err := NewFunction(fn).Execute(context.Background(), execCtx(node, nil, nil))
		assert.EqualError(t, err, "boom")
	})
}

func TestRouter(t *testing.T) {
	node := &graph.NodeSpec{ID: "triage", Type: graph.NodeTypeRouter, OutputKeys: []string{graph.KeyNextNode}}

	t.Run("first matching rule wins", func(t *testing.T) {
		router := NewRouter([]Route{
			{When: `memory.score > 90`, Target: "approve"},
			{When: `memory.score > 50`, Target: "review"},
			{Target: "reject"},
		})
		result, err := router.Execute(context.Background(), execCtx(node, map[string]any{"score": 70}, nil))
		require.NoError(t, err)
		assert.Equal(t, "review", result.Output[graph.KeyNextNode])
	})

	t.Run("empty condition is a default", func(t *testing.T) {
		router := NewRouter([]Route{
			{When: `memory.score > 90`, Target: "approve"},
			{Target: "reject"},
		})
		result, err := router.Execute(context.Background(), execCtx(node, map[string]any{"score": 1}, nil))
		require.NoError(t, err)
		assert.Equal(t, "reject", result.Output[graph.KeyNextNode])
	})

	t.Run("no match is an error", func(t *testing.T) {
		router := NewRouter([]Route{{When: `memory.score > 90`, Target: "approve"}})
		_, err := router.Execute(context.Background(), execCtx(node, map[string]any{"score": 1}, nil))
		assert.Error(t, err)
	})
}

func TestHumanInput(t *testing.T) {
	node := &graph.NodeSpec{
		ID:         "confirm",
		Type:       graph.NodeTypeHumanInput,
		InputKeys:  []string{graph.KeyHumanInput},
		OutputKeys: []string{"approved", "notes"},
	}

	t.Run("copies declared keys from supplied input", func(t *testing.T) {
		inputs := map[string]any{
			graph.KeyHumanInput: map[string]any{"approved": true, "notes": "lgtm", "extra": "dropped"},
		}
		result, err := NewHumanInput().Execute(context.Background(), execCtx(node, inputs, nil))
		require.NoError(t, err)

		assert.Equal(t, true, result.Output["approved"])
		assert.Equal(t, "lgtm", result.Output["notes"])
		assert.NotContains(t, result.Output, "extra")
	})

	t.Run("fails before input is supplied", func(t *testing.T) {
		_, err := NewHumanInput().Execute(context.Background(), execCtx(node, map[string]any{}, nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not yet supplied")
	})
}

type countingBody struct {
	calls  int
	output func(call int) map[string]any
}

func (c *countingBody) Execute(ctx context.Context, ec *graph.ExecutionContext) (*graph.NodeResult, error) {
	c.calls++
	return &graph.NodeResult{Output: c.output(c.calls), TokensUsed: 5}, nil
}

func TestEventLoop(t *testing.T) {
	node := &graph.NodeSpec{ID: "poll", Type: graph.NodeTypeEventLoop, OutputKeys: []string{"done"}}

	t.Run("stops when the condition holds", func(t *testing.T) {
		body := &countingBody{output: func(call int) map[string]any {
			return map[string]any{"done": call >= 3}
		}}
		loop := NewEventLoop(Loop{Body: body, Until: `output.done == true`, MaxIterations: 10})

		result, err := loop.Execute(context.Background(), execCtx(node, nil, nil))
		require.NoError(t, err)

		assert.Equal(t, 3, body.calls)
		assert.Equal(t, true, result.Output["done"])
		assert.Equal(t, 15, result.TokensUsed)
	})

	t.Run("errors when the condition never holds", func(t *testing.T) {
		body := &countingBody{output: func(int) map[string]any { return map[string]any{"done": false} }}
		loop := NewEventLoop(Loop{Body: body, Until: `output.done == true`, MaxIterations: 4})

		_, err := loop.Execute(context.Background(), execCtx(node, nil, nil))
		require.Error(t, err)
		assert.Equal(t, 4, body.calls)
	})

	t.Run("runs a fixed count without a condition", func(t *testing.T) {
		body := &countingBody{output: func(call int) map[string]any { return map[string]any{"done": call} }}
		loop := NewEventLoop(Loop{Body: body, MaxIterations: 2})

		result, err := loop.Execute(context.Background(), execCtx(node, nil, nil))
		require.NoError(t, err)
		assert.Equal(t, 2, body.calls)
		assert.Equal(t, 2, result.Output["done"])
	})

	t.Run("requires a body", func(t *testing.T) {
		_, err := NewEventLoop(Loop{}).Execute(context.Background(), execCtx(node, nil, nil))
		assert.Error(t, err)
	})
}

func TestRegistry(t *testing.T) {
	t.Run("register then get", func(t *testing.T) {
		reg := NewRegistry()
		exec := NewGenerate()
		reg.Register("draft", exec)

		got, err := reg.Get("draft")
		require.NoError(t, err)
		assert.Same(t, exec, got)
	})

	t.Run("missing executor", func(t *testing.T) {
		_, err := NewRegistry().Get("absent")
		assert.Error(t, err)
	})
}

func TestBindDefaults(t *testing.T) {
	spec := &graph.Spec{
		ID:        "g",
		EntryNode: "fn",
		Nodes: []graph.NodeSpec{
			{ID: "fn", Type: graph.NodeTypeFunction},
			{ID: "gen", Type: graph.NodeTypeModelGenerate},
			{ID: "ask", Type: graph.NodeTypeHumanInput},
		},
	}

	t.Run("binds every node", func(t *testing.T) {
		reg, err := BindDefaults(spec, Options{
			Functions: map[string]FunctionHandler{
				"fn": func(ctx context.Context, in map[string]any) (map[string]any, error) { return in, nil },
			},
		})
		require.NoError(t, err)

		for _, id := range []string{"fn", "gen", "ask"} {
			_, err := reg.Get(id)
			assert.NoError(t, err, "node %s", id)
		}
	})

	t.Run("missing function handler fails", func(t *testing.T) {
		_, err := BindDefaults(spec, Options{})
		assert.Error(t, err)
	})
}
