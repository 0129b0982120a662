// File: internal/infra/adapters/ai/multi_adapter.go
package ai

import (
	"context"
	"fmt"
	"strings"

	"crm-draft-queue/internal/domain"
	"crm-draft-queue/internal/domain/ports/adapter"
)

var _ adapter.ContentGenerator = (*MultiGenerator)(nil)

// MultiGenerator routes a request to a provider by the model named in the
// job's generator settings.
type MultiGenerator struct {
	defaultProvider string // e.g., "openai" or "gemini"
	byProvider      map[string]adapter.ContentGenerator
	modelToProvider map[string]string // model -> provider ("openai" | "gemini")
}

func NewMultiGenerator(
	defaultProvider string,
	byProvider map[string]adapter.ContentGenerator,
	modelToProvider map[string]string,
) *MultiGenerator {
	return &MultiGenerator{
		defaultProvider: strings.ToLower(defaultProvider),
		byProvider:      byProvider,
		modelToProvider: modelToProvider,
	}
}

func (m *MultiGenerator) resolveProvider(model string) string {
	if p := m.modelToProvider[model]; p != "" {
		return strings.ToLower(p)
	}
	l := strings.ToLower(model)
	switch {
	case strings.HasPrefix(l, "gemini"):
		return "gemini"
	case strings.HasPrefix(l, "gpt"), strings.HasPrefix(l, "o1"), strings.HasPrefix(l, "o3"), strings.HasPrefix(l, "o4"):
		return "openai"
	default:
		return m.defaultProvider
	}
}

func (m *MultiGenerator) pick(model string) adapter.ContentGenerator {
	if g := m.byProvider[m.resolveProvider(model)]; g != nil {
		return g
	}
	return m.byProvider[m.defaultProvider]
}

func (m *MultiGenerator) Generate(ctx context.Context, req adapter.GenerationRequest) (adapter.Generation, error) {
	g := m.pick(settingsModel(req))
	if g == nil {
		return adapter.Generation{}, fmt.Errorf("%w: no provider for model %q", domain.ErrGeneration, settingsModel(req))
	}
	return g.Generate(ctx, req)
}
