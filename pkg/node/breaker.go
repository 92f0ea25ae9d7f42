package node

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/axon/pkg/errors"
	"github.com/tombee/axon/pkg/graph"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	// BreakerClosed passes requests through and counts failures.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects requests until the cooldown elapses.
	BreakerOpen

	// BreakerHalfOpen admits probe requests to test recovery.
	BreakerHalfOpen
)

// String implements fmt.Stringer.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a request.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	// FailureThreshold opens the breaker after this many consecutive
	// failures while closed. Zero means 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before admitting
	// probes. Zero means 30 seconds.
	Cooldown time.Duration

	// ProbeSuccesses closes the breaker after this many consecutive
	// probe successes while half-open. Zero means 1.
	ProbeSuccesses int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.ProbeSuccesses <= 0 {
		c.ProbeSuccesses = 1
	}
	return c
}

// Breaker is a three-state circuit breaker. Closed counts consecutive
// failures and opens at the threshold. Open rejects until the cooldown
// elapses, then admits probes half-open. Half-open closes after enough
// consecutive probe successes and reopens on any probe failure.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	state    BreakerState
	failures int
	probes   int
	openedAt time.Time

	// now is swappable in tests.
	now func() time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), now: time.Now}
}

// State reports the current state, accounting for cooldown expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Allow reports whether a request may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state != BreakerOpen
}

// RecordSuccess notes a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.probes++
		if b.probes >= b.cfg.ProbeSuccesses {
			b.state = BreakerClosed
			b.failures = 0
			b.probes = 0
		}
	}
}

// RecordFailure notes a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case BreakerHalfOpen:
		b.open()
	}
}

// Do runs fn under the breaker, recording the outcome. Returns
// ErrCircuitOpen without invoking fn when the breaker is open.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// open transitions to the open state. Callers hold b.mu.
func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	b.probes = 0
}

// refresh moves open to half-open once the cooldown has elapsed.
// Callers hold b.mu.
func (b *Breaker) refresh() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = BreakerHalfOpen
		b.probes = 0
	}
}

// BreakerBackend wraps a model backend with a circuit breaker so a
// misbehaving provider fails fast instead of burning retries.
type BreakerBackend struct {
	backend graph.ModelBackend
	breaker *Breaker
}

// NewBreakerBackend wraps backend with a breaker tuned by cfg.
func NewBreakerBackend(backend graph.ModelBackend, cfg BreakerConfig) *BreakerBackend {
	return &BreakerBackend{backend: backend, breaker: NewBreaker(cfg)}
}

// Breaker exposes the underlying breaker for inspection.
func (b *BreakerBackend) Breaker() *Breaker { return b.breaker }

// Generate implements graph.ModelBackend.
func (b *BreakerBackend) Generate(ctx context.Context, req graph.ModelRequest) (*graph.ModelResponse, error) {
	if !b.breaker.Allow() {
		return nil, ErrCircuitOpen
	}
	resp, err := b.backend.Generate(ctx, req)
	if err != nil {
		b.breaker.RecordFailure()
		return nil, err
	}
	b.breaker.RecordSuccess()
	return resp, nil
}
