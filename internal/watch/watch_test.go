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

package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/axon/pkg/evolution"
	"github.com/tombee/axon/pkg/graph"
)

const liveDefinition = `
id: live-v1
entry_node: work
terminal_nodes: [work]
nodes:
  - id: work
`

const candidateDefinition = `
id: candidate-v2
entry_node: work
terminal_nodes: [work]
nodes:
  - id: work
`

type okExec struct{}

func (okExec) Execute(ctx context.Context, ec *graph.ExecutionContext) (*graph.NodeResult, error) {
	return &graph.NodeResult{}, nil
}

type okRegistry struct{}

func (okRegistry) Get(nodeID string) (graph.NodeExecutor, error) { return okExec{}, nil }

func TestWatcherPromotesOnSave(t *testing.T) {
	live, err := graph.ParseDefinition([]byte(liveDefinition))
	require.NoError(t, err)
	rt, err := evolution.NewRuntime(live)
	require.NoError(t, err)

	exec := graph.NewExecutor(okRegistry{}, nil)
	guard := evolution.NewGuard(rt, evolution.NewExecutorRunner(exec), evolution.Policy{})

	dir := t.TempDir()
	path := filepath.Join(dir, "candidate.yaml")

	w, err := New(path, guard)
	require.NoError(t, err)
	w = w.WithDebounce(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to attach before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(candidateDefinition), 0o644))

	require.Eventually(t, func() bool {
		return rt.Graph().ID == "candidate-v2"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatcherIgnoresBrokenCandidate(t *testing.T) {
	live, err := graph.ParseDefinition([]byte(liveDefinition))
	require.NoError(t, err)
	rt, err := evolution.NewRuntime(live)
	require.NoError(t, err)

	exec := graph.NewExecutor(okRegistry{}, nil)
	guard := evolution.NewGuard(rt, evolution.NewExecutorRunner(exec), evolution.Policy{})

	dir := t.TempDir()
	path := filepath.Join(dir, "candidate.yaml")

	w, err := New(path, guard)
	require.NoError(t, err)
	w = w.WithDebounce(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("nodes: ["), 0o644))

	// The live graph must stay put; give the debounce time to fire.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, "live-v1", rt.Graph().ID)
}

func TestNewValidation(t *testing.T) {
	_, err := New("", nil)
	assert.Error(t, err)

	_, err = New("/tmp/x.yaml", nil)
	assert.Error(t, err)
}
