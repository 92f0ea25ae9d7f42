package evolution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/axon/pkg/errors"
	"github.com/tombee/axon/pkg/graph"
)

// Policy bounds what a candidate graph must survive before promotion.
type Policy struct {
	// ProbationRuns is how many probation runs the candidate must pass.
	// Zero means 1.
	ProbationRuns int

	// MaxProbationSteps caps each probation run regardless of the
	// candidate's own max_steps, so a runaway candidate cannot stall the
	// guard. Zero means 25.
	MaxProbationSteps int

	// ProbationInput seeds each probation run.
	ProbationInput map[string]any

	// Timeout bounds the whole probation phase. Zero means 2 minutes.
	Timeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.ProbationRuns <= 0 {
		p.ProbationRuns = 1
	}
	if p.MaxProbationSteps <= 0 {
		p.MaxProbationSteps = 25
	}
	if p.Timeout <= 0 {
		p.Timeout = 2 * time.Minute
	}
	return p
}

// ValidationResult is the outcome of judging one candidate.
type ValidationResult struct {
	// Passed is true when the candidate was promoted.
	Passed bool `json:"passed"`

	// Violations lists everything that disqualified the candidate.
	Violations []string `json:"violations,omitempty"`

	// ProbationRuns is the run results gathered during probation.
	ProbationRuns []*graph.RunResult `json:"probation_runs,omitempty"`
}

// Runner executes probation runs against a candidate graph. The production
// implementation wraps a graph.Executor; tests substitute stubs.
type Runner interface {
	ProbationRun(ctx context.Context, candidate *graph.Spec, input map[string]any) (*graph.RunResult, error)
}

// ExecutorRunner adapts a graph.Executor into a probation Runner.
type ExecutorRunner struct {
	exec *graph.Executor
}

// NewExecutorRunner wraps an executor for probation use.
func NewExecutorRunner(exec *graph.Executor) *ExecutorRunner {
	return &ExecutorRunner{exec: exec}
}

// ProbationRun implements Runner.
func (r *ExecutorRunner) ProbationRun(ctx context.Context, candidate *graph.Spec, input map[string]any) (*graph.RunResult, error) {
	return r.exec.Run(ctx, candidate, graph.Goal{ID: candidate.GoalID}, input)
}

// Guard mediates every graph replacement: validate, probation, promote or
// reject, audit. Proposals are serialized; the live graph only ever changes
// through Propose and Rollback.
type Guard struct {
	runtime *Runtime
	runner  Runner
	policy  Policy
	audit   AuditLog
	emitter *graph.EventEmitter
	logger  *slog.Logger

	proposals chan struct{} // capacity 1; serializes proposals
}

// NewGuard creates a guard over the runtime's live graph.
func NewGuard(runtime *Runtime, runner Runner, policy Policy) *Guard {
	g := &Guard{
		runtime:   runtime,
		runner:    runner,
		policy:    policy.withDefaults(),
		audit:     NopAudit{},
		logger:    slog.Default(),
		proposals: make(chan struct{}, 1),
	}
	g.proposals <- struct{}{}
	return g
}

// WithAudit sets the audit log. Every proposal is recorded, promoted or not.
func (g *Guard) WithAudit(audit AuditLog) *Guard {
	if audit != nil {
		g.audit = audit
	}
	return g
}

// WithEmitter sets the lifecycle event emitter for evolution events.
func (g *Guard) WithEmitter(emitter *graph.EventEmitter) *Guard {
	g.emitter = emitter
	return g
}

// WithLogger sets a custom logger.
func (g *Guard) WithLogger(logger *slog.Logger) *Guard {
	g.logger = logger
	return g
}

// Propose judges a candidate graph and promotes it when it survives
// validation and probation. The live graph is untouched until the moment of
// promotion; a crash or rejection anywhere before that leaves it exactly as
// it was. Exactly one evolution event is emitted per proposal.
func (g *Guard) Propose(ctx context.Context, candidate *graph.Spec) (*ValidationResult, error) {
	select {
	case <-g.proposals:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { g.proposals <- struct{}{} }()

	proposalID := uuid.NewString()
	snapshot := g.runtime.Graph()
	result := &ValidationResult{}

	defer func() {
		entry := &AuditEntry{
			ProposalID: proposalID,
			GraphID:    candidateID(candidate),
			FromID:     snapshot.ID,
			Promoted:   result.Passed,
			Violations: result.Violations,
			Timestamp:  time.Now().UTC(),
		}
		if err := g.audit.Record(entry); err != nil {
			g.logger.Warn("evolution audit write failed", "proposal_id", proposalID, "error", err)
		}
	}()

	if candidate == nil {
		result.Violations = append(result.Violations, "candidate graph is nil")
		g.reject(ctx, proposalID, candidate, result)
		return result, &errors.ValidationError{Field: "candidate", Message: "candidate graph is required"}
	}
	if err := candidate.Validate(); err != nil {
		result.Violations = append(result.Violations, err.Error())
		g.reject(ctx, proposalID, candidate, result)
		return result, nil
	}

	probationCtx, cancel := context.WithTimeout(ctx, g.policy.Timeout)
	defer cancel()

	// Probation runs use a bounded copy of the candidate so a runaway
	// graph cannot exceed the guard's step budget.
	bounded := *candidate
	if bounded.MaxSteps <= 0 || bounded.MaxSteps > g.policy.MaxProbationSteps {
		bounded.MaxSteps = g.policy.MaxProbationSteps
	}

	for i := 0; i < g.policy.ProbationRuns; i++ {
		run, err := g.runner.ProbationRun(probationCtx, &bounded, g.policy.ProbationInput)
		if run != nil {
			result.ProbationRuns = append(result.ProbationRuns, run)
		}
		if err != nil {
			result.Violations = append(result.Violations,
				fmt.Sprintf("probation run %d failed: %v", i+1, err))
			g.reject(ctx, proposalID, candidate, result)
			return result, nil
		}
		if run.Status != graph.RunStatusCompleted {
			result.Violations = append(result.Violations,
				fmt.Sprintf("probation run %d ended %s", i+1, run.Status))
			g.reject(ctx, proposalID, candidate, result)
			return result, nil
		}
	}

	g.runtime.promote(candidate)
	result.Passed = true

	g.logger.Info("graph promoted",
		"proposal_id", proposalID,
		"graph_id", candidate.ID,
		"replaced", snapshot.ID,
	)
	g.emit(ctx, &graph.Event{
		Type:    graph.EventGraphEvolved,
		GraphID: candidate.ID,
		Data: map[string]any{
			"proposal_id": proposalID,
			"replaced":    snapshot.ID,
		},
	})
	return result, nil
}

// Rollback restores the graph that was live before the last promotion.
func (g *Guard) Rollback(ctx context.Context) error {
	prev := g.runtime.Previous()
	if !g.runtime.rollback() {
		return &errors.NotFoundError{Resource: "previous graph", ID: "rollback"}
	}

	g.logger.Info("graph rolled back", "graph_id", prev.ID)
	if err := g.audit.Record(&AuditEntry{
		ProposalID: uuid.NewString(),
		GraphID:    prev.ID,
		Rollback:   true,
		Promoted:   true,
		Timestamp:  time.Now().UTC(),
	}); err != nil {
		g.logger.Warn("evolution audit write failed", "error", err)
	}
	g.emit(ctx, &graph.Event{
		Type:    graph.EventGraphEvolved,
		GraphID: prev.ID,
		Data:    map[string]any{"rollback": true},
	})
	return nil
}

// reject emits the single rejection event for a failed proposal.
func (g *Guard) reject(ctx context.Context, proposalID string, candidate *graph.Spec, result *ValidationResult) {
	g.logger.Warn("graph candidate rejected",
		"proposal_id", proposalID,
		"graph_id", candidateID(candidate),
		"violations", result.Violations,
	)
	g.emit(ctx, &graph.Event{
		Type:    graph.EventGraphEvolutionRejected,
		GraphID: candidateID(candidate),
		Data: map[string]any{
			"proposal_id": proposalID,
			"violations":  result.Violations,
		},
	})
}

func (g *Guard) emit(ctx context.Context, ev *graph.Event) {
	if g.emitter != nil {
		g.emitter.Emit(ctx, ev)
	}
}

func candidateID(candidate *graph.Spec) string {
	if candidate == nil {
		return ""
	}
	return candidate.ID
}
