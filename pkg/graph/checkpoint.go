package graph

import (
	"context"
	"time"
)

// RunStatus is the lifecycle status of a run, persisted in the checkpoint
// index and reported in run results.
type RunStatus string

const (
	// RunStatusInProgress marks a run that can still be resumed. Paused
	// runs keep this status so resumability checks stay a single lookup.
	RunStatusInProgress RunStatus = "in_progress"
	// RunStatusCompleted marks a successfully terminated run.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed marks a run that ended with a nameable cause.
	RunStatusFailed RunStatus = "failed"
	// RunStatusPaused marks a run suspended for human input.
	RunStatusPaused RunStatus = "paused"
)

// Checkpoint is a durable snapshot of run progress recorded after one
// successfully completed node. Checkpoints are append-only within a run;
// StepNumber values are strictly increasing with no gaps.
type Checkpoint struct {
	ID              string         `json:"id"`
	RunID           string         `json:"run_id"`
	GraphID         string         `json:"graph_id"`
	StepNumber      int            `json:"step_number"`
	CompletedNodeID string         `json:"completed_node_id"`
	NextNodeID      string         `json:"next_node_id,omitempty"`
	Path            []string       `json:"path"`
	MemoryState     map[string]any `json:"memory_state"`
	TotalTokens     int            `json:"total_tokens"`
	TotalLatencyMS  int64          `json:"total_latency_ms"`
	CreatedAt       time.Time      `json:"created_at"`
	InputData       map[string]any `json:"input_data,omitempty"`
	GoalID          string         `json:"goal_id,omitempty"`
}

// CheckpointStore persists run progress. The executor treats persistence
// failures as non-fatal (logged, run continues) unless the store reports
// itself as required.
type CheckpointStore interface {
	// Save durably records one checkpoint. Writes must be atomic so a
	// crash mid-write never corrupts the last good checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error

	// MarkStatus updates the run's index record. Marking a run completed
	// may trigger checkpoint cleanup depending on store configuration;
	// failed and paused runs retain their checkpoints.
	MarkStatus(ctx context.Context, runID string, status RunStatus, errMsg string) error

	// Required reports whether persistence failures should fail the run.
	Required() bool
}

// NopCheckpointStore discards checkpoints. Used when durability is not
// configured.
type NopCheckpointStore struct{}

// Save implements CheckpointStore.
func (NopCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error { return nil }

// MarkStatus implements CheckpointStore.
func (NopCheckpointStore) MarkStatus(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	return nil
}

// Required implements CheckpointStore.
func (NopCheckpointStore) Required() bool { return false }
