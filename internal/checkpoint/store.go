// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package checkpoint persists run checkpoints as JSON files so crashed runs
// can restart from their last completed node. Every write is atomic: the
// record is written to a temp file in the same directory and renamed into
// place, so a crash mid-write never leaves a torn checkpoint behind.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tombee/axon/pkg/errors"
	"github.com/tombee/axon/pkg/graph"
)

const (
	stepFilePattern = "step_%06d.json"
	indexFileName   = "index.json"
)

// Index summarizes one run's checkpoint history. It is rewritten after
// every checkpoint and consulted for resumability checks without loading
// any checkpoint payloads.
type Index struct {
	RunID             string          `json:"run_id"`
	GraphID           string          `json:"graph_id"`
	TotalCheckpoints  int             `json:"total_checkpoints"`
	LastCheckpointID  string          `json:"last_checkpoint_id"`
	LastCompletedNode string          `json:"last_completed_node"`
	LastStepNumber    int             `json:"last_step_number"`
	Status            graph.RunStatus `json:"status"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Config tunes a file checkpoint store.
type Config struct {
	// Dir is the root directory; each run gets a subdirectory under it.
	Dir string

	// AutoCleanup removes a run's checkpoints once it completes
	// successfully. Failed and in-progress runs are always retained.
	AutoCleanup bool

	// Required escalates persistence failures: when true the executor
	// logs them at error level instead of continuing quietly.
	Required bool
}

// Store is a file-backed checkpoint store. One Store may serve concurrent
// runs; per-store locking serializes index rewrites.
type Store struct {
	mu  sync.Mutex
	cfg Config
}

// New creates a checkpoint store rooted at cfg.Dir, creating the directory
// if needed.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, &errors.ConfigError{Key: "checkpoint.dir", Reason: "directory is required"}
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, &errors.PersistenceError{Store: "checkpoint", Cause: err}
	}
	return &Store{cfg: cfg}, nil
}

// Required implements graph.CheckpointStore.
func (s *Store) Required() bool { return s.cfg.Required }

// Save implements graph.CheckpointStore. The checkpoint and the refreshed
// index are both written atomically.
func (s *Store) Save(ctx context.Context, cp *graph.Checkpoint) error {
	if cp == nil || cp.RunID == "" {
		return &errors.ValidationError{Field: "checkpoint", Message: "checkpoint with a run id is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.runDir(cp.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &errors.PersistenceError{Store: "checkpoint", RunID: cp.RunID, Cause: err}
	}

	name := fmt.Sprintf(stepFilePattern, cp.StepNumber)
	if err := writeJSONAtomic(filepath.Join(dir, name), cp); err != nil {
		return &errors.PersistenceError{Store: "checkpoint", RunID: cp.RunID, Cause: err}
	}

	idx, err := s.readIndex(cp.RunID)
	if err != nil {
		idx = &Index{RunID: cp.RunID, GraphID: cp.GraphID, Status: graph.RunStatusInProgress}
	}
	idx.GraphID = cp.GraphID
	idx.TotalCheckpoints++
	idx.LastCheckpointID = cp.ID
	idx.LastCompletedNode = cp.CompletedNodeID
	idx.LastStepNumber = cp.StepNumber
	idx.UpdatedAt = time.Now()

	if err := writeJSONAtomic(filepath.Join(dir, indexFileName), idx); err != nil {
		return &errors.PersistenceError{Store: "checkpoint", RunID: cp.RunID, Cause: err}
	}
	return nil
}

// MarkStatus implements graph.CheckpointStore. Marking a run completed with
// auto-cleanup enabled removes its checkpoint directory.
func (s *Store) MarkStatus(ctx context.Context, runID string, status graph.RunStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex(runID)
	if err != nil {
		// A run that failed before its first checkpoint has no index yet;
		// record the outcome so the run is still discoverable.
		idx = &Index{RunID: runID, Status: graph.RunStatusInProgress}
		if mkErr := os.MkdirAll(s.runDir(runID), 0o755); mkErr != nil {
			return &errors.PersistenceError{Store: "checkpoint", RunID: runID, Cause: mkErr}
		}
	}
	idx.Status = status
	idx.ErrorMessage = message
	idx.UpdatedAt = time.Now()

	if err := writeJSONAtomic(filepath.Join(s.runDir(runID), indexFileName), idx); err != nil {
		return &errors.PersistenceError{Store: "checkpoint", RunID: runID, Cause: err}
	}

	if status == graph.RunStatusCompleted && s.cfg.AutoCleanup {
		return s.cleanupLocked(runID)
	}
	return nil
}

// LoadLatest returns the most recent checkpoint for a run.
func (s *Store) LoadLatest(runID string) (*graph.Checkpoint, error) {
	steps, err := s.stepFiles(runID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, &errors.NotFoundError{Resource: "checkpoint", ID: runID}
	}

	var cp graph.Checkpoint
	if err := readJSON(steps[len(steps)-1], &cp); err != nil {
		return nil, &errors.PersistenceError{Store: "checkpoint", RunID: runID, Cause: err}
	}
	return &cp, nil
}

// List returns all of a run's checkpoints in step order.
func (s *Store) List(runID string) ([]*graph.Checkpoint, error) {
	steps, err := s.stepFiles(runID)
	if err != nil {
		return nil, err
	}

	out := make([]*graph.Checkpoint, 0, len(steps))
	for _, path := range steps {
		var cp graph.Checkpoint
		if err := readJSON(path, &cp); err != nil {
			return nil, &errors.PersistenceError{Store: "checkpoint", RunID: runID, Cause: err}
		}
		out = append(out, &cp)
	}
	return out, nil
}

// CanResume reports whether a run has at least one checkpoint and is still
// in progress. It reads only the index.
func (s *Store) CanResume(runID string) (bool, error) {
	idx, err := s.readIndex(runID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return idx.Status == graph.RunStatusInProgress && idx.TotalCheckpoints > 0, nil
}

// LoadIndex returns a run's index record.
func (s *Store) LoadIndex(runID string) (*Index, error) {
	return s.readIndex(runID)
}

// ListRuns returns the indexes of all known runs, most recently updated
// first.
func (s *Store) ListRuns() ([]*Index, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errors.PersistenceError{Store: "checkpoint", Cause: err}
	}

	var runs []*Index
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		idx, err := s.readIndex(entry.Name())
		if err != nil {
			continue // a directory without an index is not a run
		}
		runs = append(runs, idx)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].UpdatedAt.After(runs[j].UpdatedAt)
	})
	return runs, nil
}

// Cleanup removes all checkpoint state for a run.
func (s *Store) Cleanup(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked(runID)
}

func (s *Store) cleanupLocked(runID string) error {
	if err := os.RemoveAll(s.runDir(runID)); err != nil {
		return &errors.PersistenceError{Store: "checkpoint", RunID: runID, Cause: err}
	}
	return nil
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.cfg.Dir, runID)
}

func (s *Store) readIndex(runID string) (*Index, error) {
	var idx Index
	if err := readJSON(filepath.Join(s.runDir(runID), indexFileName), &idx); err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, &errors.PersistenceError{Store: "checkpoint", RunID: runID, Cause: err}
	}
	return &idx, nil
}

// stepFiles returns a run's checkpoint file paths sorted by step number.
// The zero-padded naming makes lexical order equal numeric order.
func (s *Store) stepFiles(runID string) ([]string, error) {
	entries, err := os.ReadDir(s.runDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errors.PersistenceError{Store: "checkpoint", RunID: runID, Cause: err}
	}

	var steps []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "step_") && strings.HasSuffix(name, ".json") {
			steps = append(steps, filepath.Join(s.runDir(runID), name))
		}
	}
	sort.Strings(steps)
	return steps, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
