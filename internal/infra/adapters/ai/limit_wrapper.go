package ai

import (
	"context"

	"crm-draft-queue/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.ContentGenerator = (*limitedGenerator)(nil)

type limitedGenerator struct {
	inner adapter.ContentGenerator
	sem   chan struct{}
}

// NewLimitedGenerator caps concurrent provider calls across the process.
func NewLimitedGenerator(inner adapter.ContentGenerator, maxConcurrent int) adapter.ContentGenerator {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedGenerator{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedGenerator) Generate(ctx context.Context, req adapter.GenerationRequest) (adapter.Generation, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return adapter.Generation{}, ctx.Err()
	}
	defer func() { <-l.sem }()
	return l.inner.Generate(ctx, req)
}
