package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/axon/pkg/errors"
	"github.com/tombee/axon/pkg/graph/expression"
)

// RunResult is the terminal outcome of a Run, Resume, or RunFromCheckpoint
// call. Every run ends with an explicit status and, on failure, a nameable
// cause in Error.
type RunResult struct {
	// RunID identifies the run across checkpoints and journal entries.
	RunID string `json:"run_id"`

	// GraphID is the executed graph's id.
	GraphID string `json:"graph_id"`

	// Status is completed, failed, or paused.
	Status RunStatus `json:"status"`

	// Output is the final committed memory. Set for completed and paused
	// runs; failed runs keep whatever was committed before the failure.
	Output map[string]any `json:"output,omitempty"`

	// Path is the ordered list of node ids visited.
	Path []string `json:"path"`

	// StepsExecuted counts node executions, including the node that
	// exhausted its retries on a failed run.
	StepsExecuted int `json:"steps_executed"`

	// TotalTokens is the cumulative token spend.
	TotalTokens int `json:"total_tokens"`

	// TotalLatency is the cumulative node execution latency.
	TotalLatency time.Duration `json:"total_latency_ms"`

	// Error is the nameable cause on failure.
	Error string `json:"error,omitempty"`

	// Pause carries the serialized resumption state for paused runs.
	Pause *PauseBundle `json:"pause,omitempty"`
}

// PauseBundle is the serialized state of a suspended run. Resumption is a
// distinct call that reconstructs execution from this bundle; nothing keeps
// running in the background while a run is paused.
type PauseBundle struct {
	RunID          string         `json:"run_id"`
	GraphID        string         `json:"graph_id"`
	GoalID         string         `json:"goal_id,omitempty"`
	PausedNode     string         `json:"paused_node"`
	NextNode       string         `json:"next_node"`
	Path           []string       `json:"path"`
	Memory         map[string]any `json:"memory"`
	Input          map[string]any `json:"input,omitempty"`
	StepNumber     int            `json:"step_number"`
	StepsExecuted  int            `json:"steps_executed"`
	TotalTokens    int            `json:"total_tokens"`
	TotalLatencyMS int64          `json:"total_latency_ms"`
}

// Marshal serializes the bundle for storage between pause and resume.
func (b *PauseBundle) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalPauseBundle deserializes a bundle produced by Marshal.
func UnmarshalPauseBundle(data []byte) (*PauseBundle, error) {
	var b PauseBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, errors.Wrap(err, "unmarshaling pause bundle")
	}
	return &b, nil
}

// Executor walks a graph, invoking node executors, applying retries,
// committing memory on success, checkpointing progress, and detecting
// pause and terminal conditions. Each run advances on a single logical
// thread; independent runs may execute concurrently and never share memory.
type Executor struct {
	registry    NodeRegistry
	backend     ModelBackend
	checkpoints CheckpointStore
	journal     Journal
	emitter     *EventEmitter
	exprEval    *expression.Evaluator
	logger      *slog.Logger
	metrics     *Metrics
}

// NewExecutor creates a graph executor. The registry resolves each node id
// to its executor implementation; the backend is handed to node executors
// that call the model.
func NewExecutor(registry NodeRegistry, backend ModelBackend) *Executor {
	return &Executor{
		registry:    registry,
		backend:     backend,
		checkpoints: NopCheckpointStore{},
		journal:     NopJournal{},
		emitter:     NewEventEmitter(true),
		exprEval:    expression.New(),
		logger:      slog.Default(),
	}
}

// WithCheckpointStore sets the checkpoint store for the executor.
func (e *Executor) WithCheckpointStore(store CheckpointStore) *Executor {
	if store != nil {
		e.checkpoints = store
	}
	return e
}

// WithJournal sets the runtime journal for the executor.
func (e *Executor) WithJournal(j Journal) *Executor {
	if j != nil {
		e.journal = j
	}
	return e
}

// WithEmitter sets the lifecycle event emitter.
func (e *Executor) WithEmitter(emitter *EventEmitter) *Executor {
	if emitter != nil {
		e.emitter = emitter
	}
	return e
}

// WithLogger sets a custom logger for the executor.
func (e *Executor) WithLogger(logger *slog.Logger) *Executor {
	e.logger = logger
	return e
}

// WithMetrics sets the executor metrics collector.
func (e *Executor) WithMetrics(m *Metrics) *Executor {
	e.metrics = m
	return e
}

// Emitter returns the executor's event emitter for subscriber registration.
func (e *Executor) Emitter() *EventEmitter {
	return e.emitter
}

// runState is the mutable state of one run. It never escapes the single
// goroutine advancing the run.
type runState struct {
	runID     string
	spec      *Spec
	goal      Goal
	input     map[string]any
	mem       *Memory
	current   string
	path      []string
	step      int // checkpoint numbering: one per successfully completed node
	executed  int // budget accounting: every node execution, failed or not
	tokens    int
	latencyMS int64
	startedAt time.Time
}

// Run executes the graph from its entry node with the given initial input.
func (e *Executor) Run(ctx context.Context, spec *Spec, goal Goal, input map[string]any) (*RunResult, error) {
	st := &runState{
		runID:     uuid.NewString(),
		spec:      spec,
		goal:      goal,
		input:     copyMap(input),
		mem:       NewMemory(input),
		current:   spec.EntryNode,
		startedAt: time.Now(),
	}

	if err := e.journal.StartRun(ctx, st.runID, goal.ID, goal.Description, st.input); err != nil {
		e.logger.Warn("journal start_run failed", "run_id", st.runID, "error", err)
	}
	e.emitter.Emit(ctx, &Event{
		Type:    EventRunStarted,
		RunID:   st.runID,
		GraphID: spec.ID,
		Data:    map[string]any{"goal_id": goal.ID, "entry_node": spec.EntryNode},
	})

	return e.loop(ctx, st)
}

// Resume continues a paused run from its serialized bundle. Human input is
// merged into committed memory under KeyHumanInput before the next node runs;
// given identical inputs, a resumed run produces the same final output as an
// equivalent run that never paused.
func (e *Executor) Resume(ctx context.Context, spec *Spec, bundle *PauseBundle, humanInput map[string]any) (*RunResult, error) {
	if bundle == nil {
		return nil, &errors.ValidationError{Field: "bundle", Message: "pause bundle is required"}
	}
	if bundle.GraphID != spec.ID {
		return nil, &errors.ValidationError{
			Field:      "bundle",
			Message:    fmt.Sprintf("bundle belongs to graph %q, not %q", bundle.GraphID, spec.ID),
			Suggestion: "resume against the graph the run was paused on",
		}
	}

	st := &runState{
		runID:     bundle.RunID,
		spec:      spec,
		goal:      Goal{ID: bundle.GoalID},
		input:     copyMap(bundle.Input),
		mem:       NewMemory(bundle.Memory),
		current:   bundle.NextNode,
		path:      append([]string(nil), bundle.Path...),
		step:      bundle.StepNumber,
		executed:  bundle.StepsExecuted,
		tokens:    bundle.TotalTokens,
		latencyMS: bundle.TotalLatencyMS,
		startedAt: time.Now(),
	}
	if humanInput != nil {
		st.mem.inject(KeyHumanInput, humanInput)
	}

	e.emitter.Emit(ctx, &Event{
		Type:    EventRunStarted,
		RunID:   st.runID,
		GraphID: spec.ID,
		Data:    map[string]any{"resumed": true, "next_node": bundle.NextNode},
	})

	return e.loop(ctx, st)
}

// RunFromCheckpoint restarts a crashed run from its latest checkpoint.
func (e *Executor) RunFromCheckpoint(ctx context.Context, spec *Spec, cp *Checkpoint) (*RunResult, error) {
	if cp == nil {
		return nil, &errors.ValidationError{Field: "checkpoint", Message: "checkpoint is required"}
	}
	if cp.GraphID != spec.ID {
		return nil, &errors.ValidationError{
			Field:   "checkpoint",
			Message: fmt.Sprintf("checkpoint belongs to graph %q, not %q", cp.GraphID, spec.ID),
		}
	}

	st := &runState{
		runID:     cp.RunID,
		spec:      spec,
		goal:      Goal{ID: cp.GoalID},
		input:     copyMap(cp.InputData),
		mem:       NewMemory(cp.MemoryState),
		current:   cp.NextNodeID,
		path:      append([]string(nil), cp.Path...),
		step:      cp.StepNumber,
		executed:  len(cp.Path),
		tokens:    cp.TotalTokens,
		latencyMS: cp.TotalLatencyMS,
		startedAt: time.Now(),
	}

	// The last completed node was terminal; nothing remains to execute.
	if st.current == "" {
		return e.complete(ctx, st)
	}

	e.emitter.Emit(ctx, &Event{
		Type:    EventRunStarted,
		RunID:   st.runID,
		GraphID: spec.ID,
		Data:    map[string]any{"restored": true, "next_node": st.current},
	})

	return e.loop(ctx, st)
}

// loop drives the per-step algorithm until a terminal, pause, or failure
// condition is reached.
func (e *Executor) loop(ctx context.Context, st *runState) (*RunResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, st, errors.Wrap(err, "run cancelled"))
		}
		if st.executed >= st.spec.StepBudget() {
			return e.fail(ctx, st, fmt.Errorf("run exceeded max steps (%d)", st.spec.StepBudget()))
		}

		node := st.spec.Node(st.current)
		if node == nil {
			return e.fail(ctx, st, &errors.NotFoundError{Resource: "node", ID: st.current})
		}

		st.path = append(st.path, node.ID)
		st.executed++
		e.metrics.observeStep()
		e.emitter.Emit(ctx, &Event{
			Type:    EventNodeStarted,
			RunID:   st.runID,
			GraphID: st.spec.ID,
			Data:    map[string]any{"node_id": node.ID, "node_type": string(node.Type)},
		})

		result, attempts, execErr := e.attempt(ctx, st, node)
		if execErr != nil {
			e.emitter.Emit(ctx, &Event{
				Type:    EventNodeFailed,
				RunID:   st.runID,
				GraphID: st.spec.ID,
				Data:    map[string]any{"node_id": node.ID, "attempts": attempts, "error": execErr.Error()},
			})

			// Retries are local to the node; committed memory is left
			// exactly as it was before the node's first attempt. An
			// on_failure edge, when declared, keeps the run alive as an
			// error-handling path. Capability errors never take it.
			if !errors.IsCapability(execErr) {
				if next := e.failureEdge(ctx, st, node, execErr); next != "" {
					st.current = next
					continue
				}
			}
			return e.fail(ctx, st, execErr)
		}

		st.step++
		st.tokens += result.TokensUsed
		st.latencyMS += result.Latency.Milliseconds()

		if st.spec.MaxTokens > 0 && st.tokens > st.spec.MaxTokens {
			return e.fail(ctx, st, fmt.Errorf("run exceeded token budget (%d > %d) at node %q",
				st.tokens, st.spec.MaxTokens, node.DisplayName()))
		}

		terminal := st.spec.IsTerminal(node.ID)
		var next string
		if !terminal {
			next = e.selectNext(ctx, st, node, result.Output, true)
		}

		e.saveCheckpoint(ctx, st, node.ID, next)
		e.emitter.Emit(ctx, &Event{
			Type:    EventNodeCompleted,
			RunID:   st.runID,
			GraphID: st.spec.ID,
			Data: map[string]any{
				"node_id":     node.ID,
				"attempts":    attempts,
				"tokens_used": result.TokensUsed,
				"duration_ms": result.Latency.Milliseconds(),
			},
		})

		if terminal {
			return e.complete(ctx, st)
		}

		if st.spec.IsPause(node.ID) {
			// Nothing to resume into; treat like a terminal node.
			if next == "" {
				return e.complete(ctx, st)
			}
			return e.pause(ctx, st, node, next)
		}

		// No matching edge is an implicit terminal.
		if next == "" {
			return e.complete(ctx, st)
		}
		st.current = next
	}
}

// attempt runs the node's retry loop: up to max_retries attempts, each
// against a fresh transaction over a private copy of committed memory.
// Only a fully successful attempt is committed; everything else is
// discarded, never partially merged.
func (e *Executor) attempt(ctx context.Context, st *runState, node *NodeSpec) (*NodeResult, int, error) {
	exec, err := e.registry.Get(node.ID)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "resolving executor for node %q", node.ID)
	}

	logger := e.logger.With("run_id", st.runID, "node_id", node.ID)
	maxRetries := node.Retries()

	var lastErr error
	for attemptNo := 1; attemptNo <= maxRetries; attemptNo++ {
		if attemptNo > 1 {
			e.metrics.observeRetry()
		}

		txn := st.mem.Begin(ScopeFor(node))
		ec := &ExecutionContext{
			RunID:   st.runID,
			Node:    node,
			Memory:  txn,
			Inputs:  txn.Inputs(),
			Backend: e.backend,
			Goal:    st.goal,
		}

		start := time.Now()
		result, execErr := exec.Execute(ctx, ec)
		if execErr == nil && result == nil {
			// Returning (nil, nil) is a contract violation.
			execErr = errors.New("node executor returned nil result without error")
		}

		if execErr == nil {
			// Merge the returned output through the scoped view so the
			// write grant is enforced uniformly.
			for k, v := range result.Output {
				if werr := txn.Write(k, v); werr != nil {
					execErr = werr
					break
				}
			}
		}
		if execErr == nil {
			if missing := txn.MissingOutputs(); len(missing) > 0 {
				execErr = &errors.ValidationError{
					Field:      "output_keys",
					Message:    fmt.Sprintf("node %q did not produce required outputs: %v", node.ID, missing),
					Suggestion: "declare optional keys in nullable_output_keys",
				}
			}
		}
		if execErr == nil && len(node.OutputSchema) > 0 {
			execErr = checkOutputSchema(node, txn.Writes())
		}

		if execErr == nil {
			if cerr := st.mem.Commit(txn); cerr != nil {
				execErr = cerr
			} else {
				result.Latency = time.Since(start)
				return result, attemptNo, nil
			}
		}

		txn.Discard()
		lastErr = execErr
		logger.Warn("node attempt failed",
			"attempt", attemptNo,
			"max_retries", maxRetries,
			"error", execErr,
		)

		// Capability errors are fatal to the node immediately: the node's
		// declaration is wrong and retrying cannot fix it.
		if errors.IsCapability(execErr) {
			return nil, attemptNo, &errors.ExecutionError{
				NodeID: node.ID, NodeName: node.Name, Attempts: attemptNo, Cause: execErr,
			}
		}
		if ctx.Err() != nil {
			return nil, attemptNo, ctx.Err()
		}
	}

	return nil, maxRetries, &errors.ExecutionError{
		NodeID: node.ID, NodeName: node.Name, Attempts: maxRetries, Cause: lastErr,
	}
}

// selectNext evaluates outgoing edges in declaration order and returns the
// target of the first edge whose condition holds, or "" when none match.
func (e *Executor) selectNext(ctx context.Context, st *runState, node *NodeSpec, output map[string]any, lastSuccess bool) string {
	edges := st.spec.EdgesFrom(node.ID)
	if len(edges) == 0 {
		return ""
	}

	evalCtx := expression.BuildContext(st.mem.Snapshot(), output)

	options := make([]string, 0, len(edges))
	for _, edge := range edges {
		options = append(options, edge.Target)
	}

	for _, edge := range edges {
		taken := false
		switch edge.Kind() {
		case ConditionAlways:
			taken = true
		case ConditionOnSuccess:
			taken = lastSuccess
		case ConditionOnFailure:
			taken = !lastSuccess
		case ConditionExpression:
			ok, err := e.exprEval.Evaluate(edge.Expression, evalCtx)
			if err != nil {
				// Evaluation errors never raise out of the executor;
				// the condition is simply false.
				e.logger.Warn("edge condition evaluation failed",
					"run_id", st.runID,
					"edge_id", edge.ID,
					"expression", edge.Expression,
					"error", err,
				)
			}
			taken = err == nil && ok
		case ConditionModelDecide:
			chosen, _ := output[KeyNextNode].(string)
			taken = chosen == edge.Target
		}

		if taken {
			e.journalDecision(ctx, st, node, options, edge.Target)
			return edge.Target
		}
	}
	return ""
}

// failureEdge returns the target of the first on_failure edge declared on
// the node, or "" when the failure must end the run.
func (e *Executor) failureEdge(ctx context.Context, st *runState, node *NodeSpec, cause error) string {
	for _, edge := range st.spec.EdgesFrom(node.ID) {
		if edge.Kind() == ConditionOnFailure {
			e.logger.Info("taking failure edge",
				"run_id", st.runID,
				"node_id", node.ID,
				"target", edge.Target,
			)
			if err := e.journal.ReportProblem(ctx, st.runID, "warning",
				fmt.Sprintf("node %q failed, continuing via %q: %v", node.ID, edge.Target, cause)); err != nil {
				e.logger.Warn("journal report_problem failed", "run_id", st.runID, "error", err)
			}
			return edge.Target
		}
	}
	return ""
}

// journalDecision records an edge selection in the journal and emits the
// decision event. Journal failures are logged, never fatal.
func (e *Executor) journalDecision(ctx context.Context, st *runState, node *NodeSpec, options []string, chosen string) {
	decisionID, err := e.journal.Decide(ctx, Decision{
		RunID:   st.runID,
		Intent:  fmt.Sprintf("select next node after %q", node.ID),
		Options: options,
		Chosen:  chosen,
	})
	if err != nil {
		e.logger.Warn("journal decide failed", "run_id", st.runID, "error", err)
		return
	}
	if err := e.journal.RecordOutcome(ctx, decisionID, Outcome{Success: true}); err != nil {
		e.logger.Warn("journal record_outcome failed", "run_id", st.runID, "error", err)
	}

	e.emitter.Emit(ctx, &Event{
		Type:    EventDecisionMade,
		RunID:   st.runID,
		GraphID: st.spec.ID,
		Data:    map[string]any{"node_id": node.ID, "options": options, "chosen": chosen},
	})
}

// saveCheckpoint persists one checkpoint for the just-completed node.
// Persistence failures are non-fatal unless the store requires durability.
func (e *Executor) saveCheckpoint(ctx context.Context, st *runState, completedNode, nextNode string) {
	cp := &Checkpoint{
		ID:              uuid.NewString(),
		RunID:           st.runID,
		GraphID:         st.spec.ID,
		StepNumber:      st.step,
		CompletedNodeID: completedNode,
		NextNodeID:      nextNode,
		Path:            append([]string(nil), st.path...),
		MemoryState:     st.mem.Snapshot(),
		TotalTokens:     st.tokens,
		TotalLatencyMS:  st.latencyMS,
		CreatedAt:       time.Now(),
		InputData:       copyMap(st.input),
		GoalID:          st.goal.ID,
	}
	if err := e.checkpoints.Save(ctx, cp); err != nil {
		if e.checkpoints.Required() {
			e.logger.Error("required checkpoint write failed", "run_id", st.runID, "step", st.step, "error", err)
		} else {
			e.logger.Warn("checkpoint write failed, continuing without durability",
				"run_id", st.runID, "step", st.step, "error", err)
		}
	}
}

// complete ends the run successfully with the final committed memory.
func (e *Executor) complete(ctx context.Context, st *runState) (*RunResult, error) {
	if err := e.checkpoints.MarkStatus(ctx, st.runID, RunStatusCompleted, ""); err != nil {
		e.logger.Warn("marking run completed failed", "run_id", st.runID, "error", err)
	}
	if err := e.journal.EndRun(ctx, st.runID, true,
		fmt.Sprintf("completed after %d steps via %v", st.executed, st.path)); err != nil {
		e.logger.Warn("journal end_run failed", "run_id", st.runID, "error", err)
	}

	result := &RunResult{
		RunID:         st.runID,
		GraphID:       st.spec.ID,
		Status:        RunStatusCompleted,
		Output:        st.mem.Snapshot(),
		Path:          st.path,
		StepsExecuted: st.executed,
		TotalTokens:   st.tokens,
		TotalLatency:  time.Duration(st.latencyMS) * time.Millisecond,
	}

	e.metrics.observeRun(RunStatusCompleted, time.Since(st.startedAt).Seconds())
	e.emitter.Emit(ctx, &Event{
		Type:    EventRunCompleted,
		RunID:   st.runID,
		GraphID: st.spec.ID,
		Data:    map[string]any{"success": true, "steps": st.executed, "tokens": st.tokens},
	})
	return result, nil
}

// fail ends the run with a nameable cause. The last checkpoint is retained
// for recovery.
func (e *Executor) fail(ctx context.Context, st *runState, cause error) (*RunResult, error) {
	if err := e.checkpoints.MarkStatus(ctx, st.runID, RunStatusFailed, cause.Error()); err != nil {
		e.logger.Warn("marking run failed failed", "run_id", st.runID, "error", err)
	}
	if err := e.journal.EndRun(ctx, st.runID, false, cause.Error()); err != nil {
		e.logger.Warn("journal end_run failed", "run_id", st.runID, "error", err)
	}

	result := &RunResult{
		RunID:         st.runID,
		GraphID:       st.spec.ID,
		Status:        RunStatusFailed,
		Output:        st.mem.Snapshot(),
		Path:          st.path,
		StepsExecuted: st.executed,
		TotalTokens:   st.tokens,
		TotalLatency:  time.Duration(st.latencyMS) * time.Millisecond,
		Error:         cause.Error(),
	}

	e.metrics.observeRun(RunStatusFailed, time.Since(st.startedAt).Seconds())
	e.emitter.Emit(ctx, &Event{
		Type:    EventRunCompleted,
		RunID:   st.runID,
		GraphID: st.spec.ID,
		Data:    map[string]any{"success": false, "steps": st.executed, "error": cause.Error()},
	})
	return result, cause
}

// pause suspends the run cooperatively: state is serialized into a bundle
// and the call returns immediately. The index keeps the run in progress so
// resumability checks succeed.
func (e *Executor) pause(ctx context.Context, st *runState, node *NodeSpec, next string) (*RunResult, error) {
	if err := e.checkpoints.MarkStatus(ctx, st.runID, RunStatusInProgress, ""); err != nil {
		e.logger.Warn("marking run paused failed", "run_id", st.runID, "error", err)
	}

	bundle := &PauseBundle{
		RunID:          st.runID,
		GraphID:        st.spec.ID,
		GoalID:         st.goal.ID,
		PausedNode:     node.ID,
		NextNode:       next,
		Path:           append([]string(nil), st.path...),
		Memory:         st.mem.Snapshot(),
		Input:          copyMap(st.input),
		StepNumber:     st.step,
		StepsExecuted:  st.executed,
		TotalTokens:    st.tokens,
		TotalLatencyMS: st.latencyMS,
	}

	e.logger.Info("run paused for human input",
		"run_id", st.runID,
		"node_id", node.ID,
		"next_node", next,
	)
	e.metrics.observeRun(RunStatusPaused, time.Since(st.startedAt).Seconds())

	return &RunResult{
		RunID:         st.runID,
		GraphID:       st.spec.ID,
		Status:        RunStatusPaused,
		Output:        st.mem.Snapshot(),
		Path:          st.path,
		StepsExecuted: st.executed,
		TotalTokens:   st.tokens,
		TotalLatency:  time.Duration(st.latencyMS) * time.Millisecond,
		Pause:         bundle,
	}, nil
}

// checkOutputSchema verifies committed outputs against the node's declared
// structured-output contract.
func checkOutputSchema(node *NodeSpec, writes map[string]any) error {
	for key, want := range node.OutputSchema {
		v, ok := writes[key]
		if !ok {
			continue // absence is governed by nullable_output_keys
		}
		if !matchesType(v, want) {
			return &errors.ValidationError{
				Field:      key,
				Message:    fmt.Sprintf("node %q output %q is %T, schema expects %s", node.ID, key, v, want),
				Suggestion: "align the node output with its output_schema",
			}
		}
	}
	return nil
}

func matchesType(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "list":
		_, ok := v.([]any)
		return ok
	case "map":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true // unknown schema types are not enforced
	}
}
