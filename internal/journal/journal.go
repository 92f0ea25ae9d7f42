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

// Package journal records run history, decisions, and problems in SQLite so
// past behavior stays queryable across process restarts.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/axon/pkg/errors"
	"github.com/tombee/axon/pkg/graph"
)

// Journal is a SQLite-backed implementation of graph.Journal.
type Journal struct {
	db *sql.DB
}

// Open opens (and migrates) a journal database at path. The special path
// ":memory:" keeps the journal in memory, for tests.
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, &errors.ConfigError{Key: "journal.path", Reason: "database path is required"}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &errors.PersistenceError{Store: "journal", Cause: err}
	}

	// modernc.org/sqlite serializes at the driver level; a single
	// connection avoids SQLITE_BUSY under concurrent runs.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, &errors.PersistenceError{Store: "journal", Cause: fmt.Errorf("applying %s: %w", pragma, err)}
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func migrate(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	goal_id      TEXT,
	goal         TEXT,
	input        TEXT,
	success      INTEGER,
	summary      TEXT,
	started_at   TIMESTAMP NOT NULL,
	ended_at     TIMESTAMP
);

CREATE TABLE IF NOT EXISTS decisions (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	intent      TEXT,
	options     TEXT,
	chosen      TEXT,
	success     INTEGER,
	tokens_used INTEGER,
	latency_ms  INTEGER,
	created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS problems (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	severity    TEXT NOT NULL,
	description TEXT,
	created_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_run ON decisions(run_id);
CREATE INDEX IF NOT EXISTS idx_problems_run ON problems(run_id);
CREATE INDEX IF NOT EXISTS idx_runs_goal ON runs(goal_id);
`
	if _, err := db.Exec(schema); err != nil {
		return &errors.PersistenceError{Store: "journal", Cause: fmt.Errorf("applying schema: %w", err)}
	}
	return nil
}

// StartRun implements graph.Journal.
func (j *Journal) StartRun(ctx context.Context, runID, goalID, goal string, input map[string]any) error {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return &errors.PersistenceError{Store: "journal", RunID: runID, Cause: err}
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO runs (id, goal_id, goal, input, started_at) VALUES (?, ?, ?, ?, ?)`,
		runID, goalID, goal, string(inputJSON), time.Now().UTC())
	if err != nil {
		return &errors.PersistenceError{Store: "journal", RunID: runID, Cause: err}
	}
	return nil
}

// Decide implements graph.Journal. It returns the decision id for the
// follow-up outcome record.
func (j *Journal) Decide(ctx context.Context, d graph.Decision) (string, error) {
	optionsJSON, err := json.Marshal(d.Options)
	if err != nil {
		return "", &errors.PersistenceError{Store: "journal", RunID: d.RunID, Cause: err}
	}

	id := uuid.NewString()
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO decisions (id, run_id, intent, options, chosen, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, d.RunID, d.Intent, string(optionsJSON), d.Chosen, time.Now().UTC())
	if err != nil {
		return "", &errors.PersistenceError{Store: "journal", RunID: d.RunID, Cause: err}
	}
	return id, nil
}

// RecordOutcome implements graph.Journal.
func (j *Journal) RecordOutcome(ctx context.Context, decisionID string, o graph.Outcome) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE decisions SET success = ?, tokens_used = ?, latency_ms = ? WHERE id = ?`,
		o.Success, o.TokensUsed, o.LatencyMS, decisionID)
	if err != nil {
		return &errors.PersistenceError{Store: "journal", Cause: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &errors.PersistenceError{Store: "journal", Cause: err}
	}
	if affected == 0 {
		return &errors.NotFoundError{Resource: "decision", ID: decisionID}
	}
	return nil
}

// ReportProblem implements graph.Journal.
func (j *Journal) ReportProblem(ctx context.Context, runID, severity, description string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO problems (id, run_id, severity, description, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), runID, severity, description, time.Now().UTC())
	if err != nil {
		return &errors.PersistenceError{Store: "journal", RunID: runID, Cause: err}
	}
	return nil
}

// EndRun implements graph.Journal.
func (j *Journal) EndRun(ctx context.Context, runID string, success bool, summary string) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE runs SET success = ?, summary = ?, ended_at = ? WHERE id = ?`,
		success, summary, time.Now().UTC(), runID)
	if err != nil {
		return &errors.PersistenceError{Store: "journal", RunID: runID, Cause: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &errors.PersistenceError{Store: "journal", RunID: runID, Cause: err}
	}
	if affected == 0 {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return nil
}

// RunRecord is one journaled run.
type RunRecord struct {
	ID        string
	GoalID    string
	Goal      string
	Success   *bool
	Summary   string
	StartedAt time.Time
	EndedAt   *time.Time
}

// DecisionRecord is one journaled decision with its outcome, if recorded.
type DecisionRecord struct {
	ID         string
	RunID      string
	Intent     string
	Options    []string
	Chosen     string
	Success    *bool
	TokensUsed int
	LatencyMS  int64
	CreatedAt  time.Time
}

// Run returns one run's record.
func (j *Journal) Run(ctx context.Context, runID string) (*RunRecord, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT id, goal_id, goal, success, summary, started_at, ended_at FROM runs WHERE id = ?`, runID)

	var r RunRecord
	var success sql.NullBool
	var summary sql.NullString
	var endedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.GoalID, &r.Goal, &success, &summary, &r.StartedAt, &endedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, &errors.PersistenceError{Store: "journal", RunID: runID, Cause: err}
	}
	if success.Valid {
		r.Success = &success.Bool
	}
	r.Summary = summary.String
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}
	return &r, nil
}

// Decisions returns a run's decisions in creation order.
func (j *Journal) Decisions(ctx context.Context, runID string) ([]*DecisionRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, run_id, intent, options, chosen, success, tokens_used, latency_ms, created_at
		 FROM decisions WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, &errors.PersistenceError{Store: "journal", RunID: runID, Cause: err}
	}
	defer rows.Close()

	var out []*DecisionRecord
	for rows.Next() {
		var d DecisionRecord
		var options sql.NullString
		var success sql.NullBool
		var tokens sql.NullInt64
		var latency sql.NullInt64
		if err := rows.Scan(&d.ID, &d.RunID, &d.Intent, &options, &d.Chosen, &success, &tokens, &latency, &d.CreatedAt); err != nil {
			return nil, &errors.PersistenceError{Store: "journal", RunID: runID, Cause: err}
		}
		if options.Valid {
			if err := json.Unmarshal([]byte(options.String), &d.Options); err != nil {
				return nil, &errors.PersistenceError{Store: "journal", RunID: runID, Cause: err}
			}
		}
		if success.Valid {
			d.Success = &success.Bool
		}
		d.TokensUsed = int(tokens.Int64)
		d.LatencyMS = latency.Int64
		out = append(out, &d)
	}
	return out, rows.Err()
}

// Stats aggregates run history, optionally filtered by goal id.
type Stats struct {
	TotalRuns     int
	SucceededRuns int
	FailedRuns    int
	Decisions     int
	TokensUsed    int
	Problems      int
}

// StatsFor aggregates journaled history for a goal. An empty goalID
// aggregates everything.
func (j *Journal) StatsFor(ctx context.Context, goalID string) (*Stats, error) {
	var s Stats

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
	FROM runs`
	args := []any{}
	if goalID != "" {
		query += ` WHERE goal_id = ?`
		args = append(args, goalID)
	}
	if err := j.db.QueryRowContext(ctx, query, args...).Scan(&s.TotalRuns, &s.SucceededRuns, &s.FailedRuns); err != nil {
		return nil, &errors.PersistenceError{Store: "journal", Cause: err}
	}

	decQuery := `SELECT COUNT(*), COALESCE(SUM(d.tokens_used), 0) FROM decisions d JOIN runs r ON r.id = d.run_id`
	probQuery := `SELECT COUNT(*) FROM problems p JOIN runs r ON r.id = p.run_id`
	if goalID != "" {
		decQuery += ` WHERE r.goal_id = ?`
		probQuery += ` WHERE r.goal_id = ?`
	}
	if err := j.db.QueryRowContext(ctx, decQuery, args...).Scan(&s.Decisions, &s.TokensUsed); err != nil {
		return nil, &errors.PersistenceError{Store: "journal", Cause: err}
	}
	if err := j.db.QueryRowContext(ctx, probQuery, args...).Scan(&s.Problems); err != nil {
		return nil, &errors.PersistenceError{Store: "journal", Cause: err}
	}
	return &s, nil
}
