package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimitedGenerator struct {
	base    Generator
	limiter *rate.Limiter
}

// WithRateLimit throttles gen to rps calls per second. A non-positive rps
// returns gen unchanged; a burst below 1 is coerced to 1.
func WithRateLimit(gen Generator, rps float64, burst int) Generator {
	if rps <= 0 {
		return gen
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedGenerator{
		base:    gen,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (g *rateLimitedGenerator) Generate(ctx context.Context, prompt string, opts Options) (*Completion, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return g.base.Generate(ctx, prompt, opts)
}
