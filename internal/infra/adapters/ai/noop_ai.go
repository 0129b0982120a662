package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crm-draft-queue/internal/domain/ports/adapter"
)

var _ adapter.ContentGenerator = (*NoopGenerator)(nil)

// NoopGenerator is the dev-mode generator. It never calls a provider and
// answers with a canned reply after a short delay.
type NoopGenerator struct {
	log   *zerolog.Logger
	delay time.Duration
}

func NewNoopGenerator(logger *zerolog.Logger) *NoopGenerator {
	return &NoopGenerator{log: logger, delay: 100 * time.Millisecond}
}

func (a *NoopGenerator) Generate(ctx context.Context, req adapter.GenerationRequest) (adapter.Generation, error) {
	// Simulate slight processing time and respect ctx
	select {
	case <-time.After(a.delay):
	case <-ctx.Done():
		return adapter.Generation{}, ctx.Err()
	}
	a.log.Debug().Str("subject", req.Subject).Msg("noop generation")

	name := req.SenderName
	if name == "" {
		name = "there"
	}
	return adapter.Generation{
		Content: fmt.Sprintf("Hi %s,\n\nThanks for your message about %q. I'll get back to you shortly.", name, req.Subject),
		Model:   "noop",
	}, nil
}
