package extract

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/synthesis-cli/internal/resilience"
)

// RateLimited throttles calls to the wrapped extractor.
type RateLimited struct {
	next    Extractor
	limiter *rate.Limiter
}

// WithRateLimit wraps next with a token-bucket limiter. A non-positive rps
// returns next unchanged.
func WithRateLimit(next Extractor, rps float64, burst int) Extractor {
	if rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Name implements Extractor.
func (r *RateLimited) Name() string { return r.next.Name() }

// Extract implements Extractor.
func (r *RateLimited) Extract(ctx context.Context, req Request) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, Transient(eris.Wrap(err, "extract: rate limit wait"))
	}
	return r.next.Extract(ctx, req)
}

// Guarded routes calls through a circuit breaker shared by every run that
// uses the same backend.
type Guarded struct {
	next Extractor
	cb   *resilience.CircuitBreaker
}

// WithBreaker wraps next with cb. A nil cb returns next unchanged.
func WithBreaker(next Extractor, cb *resilience.CircuitBreaker) Extractor {
	if cb == nil {
		return next
	}
	return &Guarded{next: next, cb: cb}
}

// Name implements Extractor.
func (g *Guarded) Name() string { return g.next.Name() }

// Extract implements Extractor.
func (g *Guarded) Extract(ctx context.Context, req Request) (*Response, error) {
	return resilience.ExecuteVal(ctx, g.cb, func(ctx context.Context) (*Response, error) {
		return g.next.Extract(ctx, req)
	})
}
