package graph

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/axon/pkg/errors"
)

type stubRegistry map[string]NodeExecutor

func (r stubRegistry) Get(nodeID string) (NodeExecutor, error) {
	exec, ok := r[nodeID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "node executor", ID: nodeID}
	}
	return exec, nil
}

type fnExec func(ctx context.Context, ec *ExecutionContext) (*NodeResult, error)

func (f fnExec) Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
	return f(ctx, ec)
}

// emit returns an executor that succeeds with a fixed output.
func emit(output map[string]any) fnExec {
	return func(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
		return &NodeResult{Output: output}, nil
	}
}

type recordingStore struct {
	mu          sync.Mutex
	checkpoints []*Checkpoint
	statuses    []RunStatus
	saveErr     error
	required    bool
}

func (s *recordingStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.checkpoints = append(s.checkpoints, cp)
	return nil
}

func (s *recordingStore) MarkStatus(ctx context.Context, runID string, status RunStatus, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *recordingStore) Required() bool { return s.required }

// twoNodeSpec is a start -> finish chain where finish is terminal.
func twoNodeSpec() *Spec {
	return &Spec{
		ID:            "pipeline",
		EntryNode:     "start",
		TerminalNodes: []string{"finish"},
		Nodes: []NodeSpec{
			{ID: "start", Type: NodeTypeFunction, OutputKeys: []string{"draft"}},
			{ID: "finish", Type: NodeTypeFunction, InputKeys: []string{"draft"}, OutputKeys: []string{"final"}},
		},
		Edges: []EdgeSpec{
			{ID: "start->finish", Source: "start", Target: "finish", Condition: ConditionOnSuccess},
		},
	}
}

func TestRunLinearGraph(t *testing.T) {
	spec := twoNodeSpec()
	store := &recordingStore{}
	registry := stubRegistry{
		"start": emit(map[string]any{"draft": "v1"}),
		"finish": fnExec(func(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
			draft, err := ec.Memory.Read("draft")
			require.NoError(t, err)
			return &NodeResult{Output: map[string]any{"final": fmt.Sprintf("%v!", draft)}}, nil
		}),
	}

	exec := NewExecutor(registry, nil).WithCheckpointStore(store)
	result, err := exec.Run(context.Background(), spec, Goal{ID: "g1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, result.Status)
	assert.Equal(t, []string{"start", "finish"}, result.Path)
	assert.Equal(t, 2, result.StepsExecuted)
	assert.Equal(t, "v1!", result.Output["final"])
	assert.NotEmpty(t, result.RunID)

	// One checkpoint per completed node, strictly increasing step numbers.
	require.Len(t, store.checkpoints, 2)
	assert.Equal(t, 1, store.checkpoints[0].StepNumber)
	assert.Equal(t, 2, store.checkpoints[1].StepNumber)
	assert.Equal(t, "start", store.checkpoints[0].CompletedNodeID)
	assert.Equal(t, "finish", store.checkpoints[0].NextNodeID)
	assert.Equal(t, "", store.checkpoints[1].NextNodeID)
	assert.Equal(t, []RunStatus{RunStatusCompleted}, store.statuses)
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	spec := &Spec{
		ID:            "retry",
		EntryNode:     "flaky",
		TerminalNodes: []string{"flaky"},
		Nodes:         []NodeSpec{{ID: "flaky", Type: NodeTypeFunction, OutputKeys: []string{"out"}, MaxRetries: 3}},
	}

	calls := 0
	registry := stubRegistry{
		"flaky": fnExec(func(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
			calls++
			if calls < 3 {
				return nil, fmt.Errorf("transient %d", calls)
			}
			return &NodeResult{Output: map[string]any{"out": calls}}, nil
		}),
	}

	result, err := NewExecutor(registry, nil).Run(context.Background(), spec, Goal{}, nil)
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, result.Status)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, result.StepsExecuted)
	assert.Equal(t, 3, result.Output["out"])
}

func TestRunFailsAfterRetryExhaustion(t *testing.T) {
	spec := twoNodeSpec()
	spec.Nodes[0].MaxRetries = 3
	store := &recordingStore{}

	calls := 0
	registry := stubRegistry{
		"start": fnExec(func(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
			calls++
			return nil, fmt.Errorf("boom")
		}),
		"finish": emit(map[string]any{"final": "never"}),
	}

	exec := NewExecutor(registry, nil).WithCheckpointStore(store)
	result, err := exec.Run(context.Background(), spec, Goal{}, nil)
	require.Error(t, err)

	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, RunStatusFailed, result.Status)
	assert.Equal(t, 1, result.StepsExecuted)
	assert.Equal(t, []string{"start"}, result.Path)
	assert.Empty(t, store.checkpoints)
	assert.Equal(t, []RunStatus{RunStatusFailed}, store.statuses)
}

func TestFailedAttemptsNeverCommit(t *testing.T) {
	spec := &Spec{
		ID:            "partials",
		EntryNode:     "writer",
		TerminalNodes: []string{"writer"},
		Nodes:         []NodeSpec{{ID: "writer", Type: NodeTypeFunction, OutputKeys: []string{"a", "b"}, MaxRetries: 2}},
	}

	registry := stubRegistry{
		"writer": fnExec(func(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
			// Stage a write, then fail. The staged value must be discarded.
			require.NoError(t, ec.Memory.Write("a", "partial"))
			return nil, fmt.Errorf("died mid-write")
		}),
	}

	result, err := NewExecutor(registry, nil).Run(context.Background(), spec, Goal{}, nil)
	require.Error(t, err)
	assert.NotContains(t, result.Output, "a")
}

func TestRunMissingRequiredOutputFails(t *testing.T) {
	spec := &Spec{
		ID:            "contract",
		EntryNode:     "n",
		TerminalNodes: []string{"n"},
		Nodes: []NodeSpec{{
			ID:                 "n",
			Type:               NodeTypeFunction,
			OutputKeys:         []string{"must", "may"},
			NullableOutputKeys: []string{"may"},
			MaxRetries:         1,
		}},
	}

	registry := stubRegistry{"n": emit(map[string]any{})}
	_, err := NewExecutor(registry, nil).Run(context.Background(), spec, Goal{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must")
}

func TestCapabilityErrorFailsWithoutRetry(t *testing.T) {
	spec := twoNodeSpec()
	spec.Nodes[0].MaxRetries = 5
	spec.Edges = append(spec.Edges, EdgeSpec{
		ID: "start-recover", Source: "start", Target: "finish", Condition: ConditionOnFailure,
	})

	calls := 0
	registry := stubRegistry{
		"start": fnExec(func(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
			calls++
			return &NodeResult{Output: map[string]any{"undeclared": true}}, nil
		}),
		"finish": emit(map[string]any{"final": "never"}),
	}

	result, err := NewExecutor(registry, nil).Run(context.Background(), spec, Goal{}, nil)
	require.Error(t, err)

	// No retries, and the on_failure edge is not an escape hatch for a
	// wrong capability declaration.
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsCapability(err))
	assert.Equal(t, RunStatusFailed, result.Status)
	assert.Equal(t, []string{"start"}, result.Path)
}

func TestOnFailureEdgeAfterExhaustion(t *testing.T) {
	spec := &Spec{
		ID:            "fallback",
		EntryNode:     "primary",
		TerminalNodes: []string{"recover"},
		Nodes: []NodeSpec{
			{ID: "primary", Type: NodeTypeFunction, OutputKeys: []string{"out"}, MaxRetries: 2},
			{ID: "recover", Type: NodeTypeFunction, OutputKeys: []string{"out"}},
		},
		Edges: []EdgeSpec{
			{ID: "ok", Source: "primary", Target: "done", Condition: ConditionOnSuccess},
			{ID: "bad", Source: "primary", Target: "recover", Condition: ConditionOnFailure},
		},
	}

	calls := 0
	registry := stubRegistry{
		"primary": fnExec(func(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
			calls++
			return nil, fmt.Errorf("always down")
		}),
		"recover": emit(map[string]any{"out": "recovered"}),
	}

	result, err := NewExecutor(registry, nil).Run(context.Background(), spec, Goal{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, RunStatusCompleted, result.Status)
	assert.Equal(t, []string{"primary", "recover"}, result.Path)
	assert.Equal(t, "recovered", result.Output["out"])
}

func TestConditionalEdgeSelection(t *testing.T) {
	spec := &Spec{
		ID:            "branch",
		EntryNode:     "score",
		TerminalNodes: []string{"high", "low"},
		Nodes: []NodeSpec{
			{ID: "score", Type: NodeTypeFunction, OutputKeys: []string{"score"}},
			{ID: "high", Type: NodeTypeFunction},
			{ID: "low", Type: NodeTypeFunction},
		},
		Edges: []EdgeSpec{
			{ID: "e1", Source: "score", Target: "high", Condition: ConditionExpression, Expression: `output.score > 90`},
			{ID: "e2", Source: "score", Target: "low", Condition: ConditionAlways},
		},
	}

	registry := stubRegistry{
		"score": emit(map[string]any{"score": 42}),
		"high":  emit(nil),
		"low":   emit(nil),
	}

	result, err := NewExecutor(registry, nil).Run(context.Background(), spec, Goal{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"score", "low"}, result.Path)
}

func TestConditionEvaluationErrorIsFalse(t *testing.T) {
	spec := &Spec{
		ID:            "badcond",
		EntryNode:     "n",
		TerminalNodes: []string{"fallback"},
		Nodes: []NodeSpec{
			{ID: "n", Type: NodeTypeFunction, OutputKeys: []string{"v"}},
			{ID: "target", Type: NodeTypeFunction},
			{ID: "fallback", Type: NodeTypeFunction},
		},
		Edges: []EdgeSpec{
			// References a variable that does not exist; the error is
			// swallowed and the edge treated as not taken.
			{ID: "e1", Source: "n", Target: "target", Condition: ConditionExpression, Expression: `nonexistent > 1`},
			{ID: "e2", Source: "n", Target: "fallback", Condition: ConditionAlways},
		},
	}

	registry := stubRegistry{
		"n":        emit(map[string]any{"v": 1}),
		"target":   emit(nil),
		"fallback": emit(nil),
	}

	result, err := NewExecutor(registry, nil).Run(context.Background(), spec, Goal{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"n", "fallback"}, result.Path)
}

func TestModelDecideEdge(t *testing.T) {
	spec := &Spec{
		ID:            "route",
		EntryNode:     "triage",
		TerminalNodes: []string{"a", "b"},
		Nodes: []NodeSpec{
			{ID: "triage", Type: NodeTypeRouter, OutputKeys: []string{KeyNextNode}},
			{ID: "a", Type: NodeTypeFunction},
			{ID: "b", Type: NodeTypeFunction},
		},
		Edges: []EdgeSpec{
			{ID: "to-a", Source: "triage", Target: "a", Condition: ConditionModelDecide},
			{ID: "to-b", Source: "triage", Target: "b", Condition: ConditionModelDecide},
		},
	}

	registry := stubRegistry{
		"triage": emit(map[string]any{KeyNextNode: "b"}),
		"a":      emit(nil),
		"b":      emit(nil),
	}

	result, err := NewExecutor(registry, nil).Run(context.Background(), spec, Goal{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"triage", "b"}, result.Path)
}

func TestImplicitTerminal(t *testing.T) {
	spec := &Spec{
		ID:        "deadend",
		EntryNode: "only",
		Nodes:     []NodeSpec{{ID: "only", Type: NodeTypeFunction, OutputKeys: []string{"v"}}},
	}

	registry := stubRegistry{"only": emit(map[string]any{"v": 1})}
	result, err := NewExecutor(registry, nil).Run(context.Background(), spec, Goal{}, nil)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, result.Status)
}

func TestMaxStepsBudget(t *testing.T) {
	spec := &Spec{
		ID:        "cycle",
		EntryNode: "spin",
		MaxSteps:  5,
		Nodes:     []NodeSpec{{ID: "spin", Type: NodeTypeFunction}},
		Edges:     []EdgeSpec{{ID: "self", Source: "spin", Target: "spin", Condition: ConditionAlways}},
	}

	registry := stubRegistry{"spin": emit(nil)}
	result, err := NewExecutor(registry, nil).Run(context.Background(), spec, Goal{}, nil)
	require.Error(t, err)

	assert.Contains(t, err.Error(), "max steps")
	assert.Equal(t, RunStatusFailed, result.Status)
	assert.Equal(t, 5, result.StepsExecuted)
}

func TestTokenBudget(t *testing.T) {
	spec := &Spec{
		ID:        "budget",
		EntryNode: "spend",
		MaxTokens: 100,
		Nodes:     []NodeSpec{{ID: "spend", Type: NodeTypeModelGenerate}},
		Edges:     []EdgeSpec{{ID: "self", Source: "spend", Target: "spend", Condition: ConditionAlways}},
	}

	registry := stubRegistry{
		"spend": fnExec(func(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
			return &NodeResult{TokensUsed: 60}, nil
		}),
	}

	result, err := NewExecutor(registry, nil).Run(context.Background(), spec, Goal{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token budget")
	assert.Equal(t, RunStatusFailed, result.Status)
}

func TestCancelledContextFailsRun(t *testing.T) {
	spec := twoNodeSpec()
	registry := stubRegistry{"start": emit(nil), "finish": emit(nil)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := NewExecutor(registry, nil).Run(ctx, spec, Goal{}, nil)
	require.Error(t, err)
	assert.Equal(t, RunStatusFailed, result.Status)
}

func pauseSpec() *Spec {
	return &Spec{
		ID:            "review",
		EntryNode:     "draft",
		TerminalNodes: []string{"publish"},
		PauseNodes:    []string{"draft"},
		Nodes: []NodeSpec{
			{ID: "draft", Type: NodeTypeFunction, OutputKeys: []string{"doc"}},
			{
				ID:         "publish",
				Type:       NodeTypeFunction,
				InputKeys:  []string{"doc", KeyHumanInput},
				OutputKeys: []string{"published"},
			},
		},
		Edges: []EdgeSpec{
			{ID: "e", Source: "draft", Target: "publish", Condition: ConditionOnSuccess},
		},
	}
}

func pauseRegistry() stubRegistry {
	return stubRegistry{
		"draft": emit(map[string]any{"doc": "draft-1"}),
		"publish": fnExec(func(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
			human, ok := ec.Inputs[KeyHumanInput].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("human input missing")
			}
			return &NodeResult{Output: map[string]any{
				"published": fmt.Sprintf("%v by %v", ec.Inputs["doc"], human["reviewer"]),
			}}, nil
		}),
	}
}

func TestPauseAndResume(t *testing.T) {
	spec := pauseSpec()
	store := &recordingStore{}
	exec := NewExecutor(pauseRegistry(), nil).WithCheckpointStore(store)

	paused, err := exec.Run(context.Background(), spec, Goal{ID: "g"}, map[string]any{"topic": "go"})
	require.NoError(t, err)

	require.Equal(t, RunStatusPaused, paused.Status)
	require.NotNil(t, paused.Pause)
	assert.Equal(t, "draft", paused.Pause.PausedNode)
	assert.Equal(t, "publish", paused.Pause.NextNode)
	assert.Equal(t, []string{"draft"}, paused.Pause.Path)
	// A paused run stays resumable; it is not marked completed or failed.
	assert.NotContains(t, store.statuses, RunStatusCompleted)
	assert.NotContains(t, store.statuses, RunStatusFailed)

	// The bundle survives serialization.
	raw, err := paused.Pause.Marshal()
	require.NoError(t, err)
	bundle, err := UnmarshalPauseBundle(raw)
	require.NoError(t, err)

	resumed, err := exec.Resume(context.Background(), spec, bundle, map[string]any{"reviewer": "sam"})
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, resumed.Status)
	assert.Equal(t, paused.RunID, resumed.RunID)
	assert.Equal(t, []string{"draft", "publish"}, resumed.Path)
	assert.Equal(t, "draft-1 by sam", resumed.Output["published"])
	assert.Equal(t, 2, resumed.StepsExecuted)
}

func TestResumeMatchesUnpausedRun(t *testing.T) {
	// The same graph without the pause marker, with human input preloaded,
	// must produce the same final output as pause-then-resume.
	pausedSpec := pauseSpec()
	straightSpec := pauseSpec()
	straightSpec.PauseNodes = nil

	exec := NewExecutor(pauseRegistry(), nil)
	input := map[string]any{KeyHumanInput: map[string]any{"reviewer": "sam"}}

	straight, err := exec.Run(context.Background(), straightSpec, Goal{}, input)
	require.NoError(t, err)

	paused, err := exec.Run(context.Background(), pausedSpec, Goal{}, nil)
	require.NoError(t, err)
	resumed, err := exec.Resume(context.Background(), pausedSpec, paused.Pause, map[string]any{"reviewer": "sam"})
	require.NoError(t, err)

	assert.Equal(t, straight.Output["published"], resumed.Output["published"])
	assert.Equal(t, straight.Path, resumed.Path)
}

func TestResumeValidation(t *testing.T) {
	exec := NewExecutor(stubRegistry{}, nil)

	_, err := exec.Resume(context.Background(), twoNodeSpec(), nil, nil)
	assert.Error(t, err)

	_, err = exec.Resume(context.Background(), twoNodeSpec(), &PauseBundle{GraphID: "other"}, nil)
	assert.Error(t, err)
}

func TestRunFromCheckpoint(t *testing.T) {
	spec := twoNodeSpec()
	store := &recordingStore{}
	registry := stubRegistry{
		"start": emit(map[string]any{"draft": "v1"}),
		"finish": fnExec(func(ctx context.Context, ec *ExecutionContext) (*NodeResult, error) {
			return &NodeResult{Output: map[string]any{"final": fmt.Sprintf("%v!", ec.Inputs["draft"])}}, nil
		}),
	}
	exec := NewExecutor(registry, nil).WithCheckpointStore(store)

	first, err := exec.Run(context.Background(), spec, Goal{}, nil)
	require.NoError(t, err)

	// Restart from the checkpoint taken after "start" completed.
	cp := store.checkpoints[0]
	restored, err := exec.RunFromCheckpoint(context.Background(), spec, cp)
	require.NoError(t, err)

	assert.Equal(t, first.RunID, restored.RunID)
	assert.Equal(t, RunStatusCompleted, restored.Status)
	assert.Equal(t, first.Output["final"], restored.Output["final"])

	t.Run("terminal checkpoint completes immediately", func(t *testing.T) {
		final := store.checkpoints[1]
		done, err := exec.RunFromCheckpoint(context.Background(), spec, final)
		require.NoError(t, err)
		assert.Equal(t, RunStatusCompleted, done.Status)
		assert.Equal(t, "v1!", done.Output["final"])
	})

	t.Run("graph mismatch", func(t *testing.T) {
		_, err := exec.RunFromCheckpoint(context.Background(), &Spec{ID: "other"}, store.checkpoints[0])
		assert.Error(t, err)
	})
}

func TestCheckpointFailureIsNonFatal(t *testing.T) {
	spec := twoNodeSpec()
	store := &recordingStore{saveErr: fmt.Errorf("disk full")}
	registry := stubRegistry{
		"start":  emit(map[string]any{"draft": "v1"}),
		"finish": emit(map[string]any{"final": "done"}),
	}

	result, err := NewExecutor(registry, nil).WithCheckpointStore(store).Run(context.Background(), spec, Goal{}, nil)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, result.Status)
}
