package graph

import (
	"sort"
	"sync"

	"github.com/tombee/axon/pkg/errors"
)

// Memory is a run's accumulated key/value state. It is mutated only by
// committing a Transaction opened for a successfully completed node attempt;
// failed attempts discard their transaction and leave committed state
// untouched. Values are expected to be plain JSON-like data (maps, slices,
// scalars) so snapshots can deep-copy them.
type Memory struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewMemory creates committed memory seeded from the run's initial input.
// The input is deep-copied; the caller's map is never aliased.
func NewMemory(initial map[string]any) *Memory {
	return &Memory{data: copyMap(initial)}
}

// Get returns the committed value for key.
func (m *Memory) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// Keys returns the committed keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a deep copy of committed state.
func (m *Memory) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyMap(m.data)
}

// inject writes a value directly into committed memory. Reserved for the
// executor's resume path (human input under KeyHumanInput); nodes go through
// transactions.
func (m *Memory) inject(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = copyValue(value)
}

// Scope declares the capability grant for one node attempt.
type Scope struct {
	// NodeID names the node, for capability error messages.
	NodeID string

	// ReadKeys are the memory keys the attempt may read.
	ReadKeys []string

	// WriteKeys are the memory keys the attempt may write.
	WriteKeys []string

	// NullableKeys is the subset of WriteKeys allowed to be absent on success.
	NullableKeys []string
}

// ScopeFor builds the capability grant declared by a node spec.
func ScopeFor(n *NodeSpec) Scope {
	return Scope{
		NodeID:       n.ID,
		ReadKeys:     n.InputKeys,
		WriteKeys:    n.OutputKeys,
		NullableKeys: n.NullableOutputKeys,
	}
}

// Transaction is a private copy of committed memory taken for one node
// attempt, restricted to the attempt's declared read and write sets.
// Writes stay local until Memory.Commit; Discard throws them away.
type Transaction struct {
	mem       *Memory
	scope     Scope
	base      map[string]any
	writes    map[string]any
	readSet   map[string]bool
	writeSet  map[string]bool
	discarded bool
	committed bool
}

// Begin opens a transaction against a private copy of committed state.
func (m *Memory) Begin(scope Scope) *Transaction {
	t := &Transaction{
		mem:      m,
		scope:    scope,
		base:     m.Snapshot(),
		writes:   make(map[string]any),
		readSet:  make(map[string]bool, len(scope.ReadKeys)),
		writeSet: make(map[string]bool, len(scope.WriteKeys)),
	}
	for _, k := range scope.ReadKeys {
		t.readSet[k] = true
	}
	for _, k := range scope.WriteKeys {
		t.writeSet[k] = true
	}
	return t
}

// Read returns the value for key, preferring uncommitted writes. Reading a
// key outside the granted read set is a capability error.
func (t *Transaction) Read(key string) (any, error) {
	if !t.readSet[key] {
		return nil, &errors.CapabilityError{NodeID: t.scope.NodeID, Key: key, Op: "read"}
	}
	if v, ok := t.writes[key]; ok {
		return v, nil
	}
	v, ok := t.base[key]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "memory key", ID: key}
	}
	return v, nil
}

// Write stages a value for key. Writing a key outside the granted write set
// is a capability error.
func (t *Transaction) Write(key string, value any) error {
	if !t.writeSet[key] {
		return &errors.CapabilityError{NodeID: t.scope.NodeID, Key: key, Op: "write"}
	}
	t.writes[key] = copyValue(value)
	return nil
}

// Inputs returns a snapshot of the declared input keys present in the view,
// in scope declaration order semantics (missing keys are simply absent).
func (t *Transaction) Inputs() map[string]any {
	out := make(map[string]any, len(t.scope.ReadKeys))
	for _, k := range t.scope.ReadKeys {
		if v, ok := t.writes[k]; ok {
			out[k] = copyValue(v)
			continue
		}
		if v, ok := t.base[k]; ok {
			out[k] = copyValue(v)
		}
	}
	return out
}

// MissingOutputs returns the required (non-nullable) output keys the attempt
// has not written yet.
func (t *Transaction) MissingOutputs() []string {
	nullable := make(map[string]bool, len(t.scope.NullableKeys))
	for _, k := range t.scope.NullableKeys {
		nullable[k] = true
	}
	var missing []string
	for _, k := range t.scope.WriteKeys {
		if nullable[k] {
			continue
		}
		if _, ok := t.writes[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// Writes returns a copy of the staged writes.
func (t *Transaction) Writes() map[string]any {
	return copyMap(t.writes)
}

// Discard abandons the transaction. Committing it afterwards is an error.
func (t *Transaction) Discard() {
	t.discarded = true
}

// Commit merges the transaction's staged writes into committed memory.
// This is the only mutation path for committed state; a transaction commits
// at most once.
func (m *Memory) Commit(t *Transaction) error {
	if t.mem != m {
		return errors.New("transaction belongs to a different memory")
	}
	if t.discarded {
		return errors.New("cannot commit a discarded transaction")
	}
	if t.committed {
		return errors.New("transaction already committed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range t.writes {
		m.data[k] = copyValue(v)
	}
	t.committed = true
	return nil
}

// copyMap deep-copies a JSON-like map. A nil input yields an empty map.
func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

// copyValue deep-copies JSON-like values. Scalars and unknown types are
// returned as-is; callers keep memory values to plain data.
func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
