package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"crm-draft-queue/internal/domain"
	"crm-draft-queue/internal/domain/ports/adapter"
	"crm-draft-queue/internal/infra/metrics"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.ContentGenerator = (*OpenAIGenerator)(nil)

// OpenAIGenerator implements adapter.ContentGenerator on the Chat Completions API.
type OpenAIGenerator struct {
	client       openai.Client
	defaultModel string
	maxOut       int
	prompts      *PromptBuilder
}

// NewOpenAIGenerator builds the client with SDK retries disabled: a failed
// call is booked as one attempt on the job.
func NewOpenAIGenerator(apiKey, baseURL, defaultModel string, maxOut int, prompts *PromptBuilder) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIGenerator{
		client:       openai.NewClient(opts...),
		defaultModel: defaultModel,
		maxOut:       maxOut,
		prompts:      prompts,
	}, nil
}

func (o *OpenAIGenerator) Generate(ctx context.Context, req adapter.GenerationRequest) (adapter.Generation, error) {
	model := modelOrDefault(settingsModel(req), o.defaultModel)
	system, user := o.prompts.Build(req)

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	}
	if o.maxOut > 0 {
		params.MaxCompletionTokens = openai.Int(int64(o.maxOut))
	}

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, params)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		metrics.ObserveGeneration("openai", model, 0, 0, latency, false)
		return adapter.Generation{}, fmt.Errorf("%w: openai: %v", domain.ErrGeneration, err)
	}

	var content string
	for _, c := range resp.Choices {
		if strings.TrimSpace(c.Message.Content) != "" {
			content = c.Message.Content
			break
		}
	}
	usage := adapter.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	metrics.ObserveGeneration("openai", model, usage.PromptTokens, usage.CompletionTokens, latency, content != "")
	if content == "" {
		return adapter.Generation{}, fmt.Errorf("%w: openai: no choice content", domain.ErrGeneration)
	}
	return adapter.Generation{Content: strings.TrimSpace(content), Model: model, Usage: usage}, nil
}
