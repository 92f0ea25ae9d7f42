package node

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/tombee/axon/pkg/graph"
)

// RateLimitedBackend throttles calls to a model backend with a token
// bucket. Wait blocks until the limiter grants a token or the context is
// cancelled, so budget pressure surfaces as latency rather than errors.
type RateLimitedBackend struct {
	backend graph.ModelBackend
	limiter *rate.Limiter
}

// NewRateLimitedBackend wraps backend at rps requests per second with the
// given burst. A non-positive rps disables throttling.
func NewRateLimitedBackend(backend graph.ModelBackend, rps float64, burst int) *RateLimitedBackend {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedBackend{
		backend: backend,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Generate implements graph.ModelBackend.
func (r *RateLimitedBackend) Generate(ctx context.Context, req graph.ModelRequest) (*graph.ModelResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.backend.Generate(ctx, req)
}
