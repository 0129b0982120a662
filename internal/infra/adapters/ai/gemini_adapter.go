// File: .\internal\infra\adapters\ai\gemini_adapter.go
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"crm-draft-queue/internal/domain"
	"crm-draft-queue/internal/domain/ports/adapter"
	"crm-draft-queue/internal/infra/metrics"
)

var _ adapter.ContentGenerator = (*GeminiGenerator)(nil)

type GeminiGenerator struct {
	client       *genai.Client
	defaultModel string
	maxOut       int
	prompts      *PromptBuilder
}

// NewGeminiGenerator creates a Gemini generator using the official SDK.
func NewGeminiGenerator(ctx context.Context, apiKey, baseURL, defaultModel string, maxOut int, prompts *PromptBuilder) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}
	return &GeminiGenerator{client: c, defaultModel: defaultModel, maxOut: maxOut, prompts: prompts}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, req adapter.GenerationRequest) (adapter.Generation, error) {
	model := modelOrDefault(settingsModel(req), g.defaultModel)
	system, user := g.prompts.Build(req)

	// Gemini has no system role in contents; it goes in the config.
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
	}
	if g.maxOut > 0 {
		cfg.MaxOutputTokens = int32(g.maxOut)
	}
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: user}},
	}}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		metrics.ObserveGeneration("gemini", model, 0, 0, latency, false)
		return adapter.Generation{}, fmt.Errorf("%w: gemini: %v", domain.ErrGeneration, err)
	}

	// Extract text
	text := ""
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		var sb strings.Builder
		for _, p := range resp.Candidates[0].Content.Parts {
			if p != nil {
				sb.WriteString(p.Text)
			}
		}
		text = strings.TrimSpace(sb.String())
	}
	// Usage (if present)
	u := adapter.Usage{}
	if resp != nil && resp.UsageMetadata != nil {
		u.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		u.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		u.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	metrics.ObserveGeneration("gemini", model, u.PromptTokens, u.CompletionTokens, latency, text != "")
	if text == "" {
		return adapter.Generation{}, fmt.Errorf("%w: gemini: empty candidate", domain.ErrGeneration)
	}
	return adapter.Generation{Content: text, Model: model, Usage: u}, nil
}
