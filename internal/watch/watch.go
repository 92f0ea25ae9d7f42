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

// Package watch proposes candidate graph files to the evolution guard when
// they change on disk. Editors often produce several filesystem events per
// save, so events are debounced before a proposal fires.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/axon/pkg/errors"
	"github.com/tombee/axon/pkg/evolution"
	"github.com/tombee/axon/pkg/graph"
)

// DefaultDebounce is how long the watcher waits for the event burst of a
// single save to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher proposes a graph definition file to the guard whenever the file
// changes.
type Watcher struct {
	path     string
	guard    *evolution.Guard
	debounce time.Duration
	logger   *slog.Logger
}

// New creates a watcher for the candidate definition at path.
func New(path string, guard *evolution.Guard) (*Watcher, error) {
	if path == "" {
		return nil, &errors.ConfigError{Key: "evolution.watch_path", Reason: "candidate file path is required"}
	}
	if guard == nil {
		return nil, &errors.ConfigError{Key: "evolution.watch_path", Reason: "guard is required"}
	}
	return &Watcher{
		path:     path,
		guard:    guard,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
	}, nil
}

// WithDebounce overrides the settle window.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	if d > 0 {
		w.debounce = d
	}
	return w
}

// WithLogger sets a custom logger.
func (w *Watcher) WithLogger(logger *slog.Logger) *Watcher {
	w.logger = logger
	return w
}

// Run watches until the context is cancelled. The parent directory is
// watched rather than the file itself: editors that write via rename would
// otherwise detach the watch on every save.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating file watcher")
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %s", dir)
	}

	w.logger.Info("watching for graph candidates", "path", w.path, "debounce", w.debounce)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.propose(ctx)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// propose loads the candidate and hands it to the guard. Load and proposal
// failures are logged, never fatal to the watch loop; the next save gets a
// fresh chance.
func (w *Watcher) propose(ctx context.Context) {
	candidate, err := graph.LoadDefinition(w.path)
	if err != nil {
		w.logger.Warn("candidate graph failed to load", "path", w.path, "error", err)
		return
	}

	result, err := w.guard.Propose(ctx, candidate)
	if err != nil {
		w.logger.Warn("candidate proposal errored", "graph_id", candidate.ID, "error", err)
		return
	}
	if result.Passed {
		w.logger.Info("candidate promoted", "graph_id", candidate.ID)
	} else {
		w.logger.Warn("candidate rejected", "graph_id", candidate.ID, "violations", result.Violations)
	}
}
