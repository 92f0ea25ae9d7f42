// Package evolution lets a running system replace its own task graph
// safely. Candidate graphs never touch live traffic until they survive
// validation and probation; promotion is a single atomic pointer swap, so
// in-flight runs keep the graph they started with and new runs pick up the
// promoted one.
package evolution

import (
	"sync/atomic"

	"github.com/tombee/axon/pkg/errors"
	"github.com/tombee/axon/pkg/graph"
)

// Runtime holds the live graph behind an atomic pointer. Readers never
// block writers and vice versa; a reader sees either the old graph or the
// new one, never a partially updated state.
type Runtime struct {
	current  atomic.Pointer[graph.Spec]
	previous atomic.Pointer[graph.Spec]
}

// NewRuntime creates a runtime serving the given graph.
func NewRuntime(spec *graph.Spec) (*Runtime, error) {
	if spec == nil {
		return nil, &errors.ValidationError{Field: "graph", Message: "initial graph is required"}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	rt := &Runtime{}
	rt.current.Store(spec)
	return rt, nil
}

// Graph returns the live graph. The returned spec is shared and must be
// treated as immutable; execution never mutates a spec.
func (r *Runtime) Graph() *graph.Spec {
	return r.current.Load()
}

// Previous returns the graph that was live before the last promotion, or
// nil when nothing has been promoted yet.
func (r *Runtime) Previous() *graph.Spec {
	return r.previous.Load()
}

// promote swaps the candidate in and retains the outgoing graph for
// rollback.
func (r *Runtime) promote(candidate *graph.Spec) {
	r.previous.Store(r.current.Load())
	r.current.Store(candidate)
}

// rollback restores the previously live graph. Returns false when there is
// no previous graph to restore.
func (r *Runtime) rollback() bool {
	prev := r.previous.Load()
	if prev == nil {
		return false
	}
	r.current.Store(prev)
	r.previous.Store(nil)
	return true
}
