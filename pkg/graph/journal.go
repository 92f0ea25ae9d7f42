package graph

import "context"

// Decision records an edge-selection or node-dispatch choice for audit.
type Decision struct {
	RunID   string
	Intent  string
	Options []string
	Chosen  string
}

// Outcome records the result of a journaled decision.
type Outcome struct {
	Success    bool
	TokensUsed int
	LatencyMS  int64
}

// Journal is the run audit trail consumed by the executor. Entries are
// written once per decision point and never mutated after creation.
// Implementations must be safe for use by concurrent runs.
type Journal interface {
	// StartRun opens the journal record for a run.
	StartRun(ctx context.Context, runID, goalID, description string, initialState map[string]any) error

	// Decide appends a decision and returns its id for outcome correlation.
	Decide(ctx context.Context, d Decision) (string, error)

	// RecordOutcome attaches success/failure and cost to a prior decision.
	RecordOutcome(ctx context.Context, decisionID string, o Outcome) error

	// ReportProblem records a non-fatal anomaly observed during the run.
	ReportProblem(ctx context.Context, runID, severity, message string) error

	// EndRun closes the run record with an explicit status and narrative.
	EndRun(ctx context.Context, runID string, success bool, narrative string) error
}

// NopJournal discards all entries. Used when auditing is not configured.
type NopJournal struct{}

// StartRun implements Journal.
func (NopJournal) StartRun(ctx context.Context, runID, goalID, description string, initialState map[string]any) error {
	return nil
}

// Decide implements Journal.
func (NopJournal) Decide(ctx context.Context, d Decision) (string, error) { return "", nil }

// RecordOutcome implements Journal.
func (NopJournal) RecordOutcome(ctx context.Context, decisionID string, o Outcome) error {
	return nil
}

// ReportProblem implements Journal.
func (NopJournal) ReportProblem(ctx context.Context, runID, severity, message string) error {
	return nil
}

// EndRun implements Journal.
func (NopJournal) EndRun(ctx context.Context, runID string, success bool, narrative string) error {
	return nil
}
