package adapter

import (
	"context"

	"crm-draft-queue/internal/domain/model"
)

// GenerationRequest is the conversation context handed to the generator.
type GenerationRequest struct {
	Subject       string
	SenderName    string
	SenderAddress string
	Body          string
	Settings      *model.GeneratorSettings
}

// Usage as reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Generation is the normalized generator output.
type Generation struct {
	Content string
	Model   string
	Usage   Usage
}

// ContentGenerator is the port for reply text generation. It never retries;
// failures wrap domain.ErrGeneration.
type ContentGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) (Generation, error)
}
