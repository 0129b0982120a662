package ai

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"crm-draft-queue/internal/domain/ports/adapter"
)

const defaultSystemPrompt = "You are an assistant that drafts email replies on behalf of a sales representative. " +
	"Write only the reply body: no subject line, no placeholders, no signature block unless the persona asks for one."

type tokenCodec interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type tiktokenCodec struct{ enc *tiktoken.Tiktoken }

func (c tiktokenCodec) Encode(text string) []int { return c.enc.Encode(text, nil, nil) }
func (c tiktokenCodec) Decode(tokens []int) string { return c.enc.Decode(tokens) }

// runeCodec approximates tokens as runes; used when no BPE table is available.
type runeCodec struct{}

func (runeCodec) Encode(text string) []int {
	rs := []rune(text)
	out := make([]int, len(rs))
	for i, r := range rs {
		out[i] = int(r)
	}
	return out
}

func (runeCodec) Decode(tokens []int) string {
	rs := make([]rune, len(tokens))
	for i, t := range tokens {
		rs[i] = rune(t)
	}
	return string(rs)
}

// PromptBuilder renders a GenerationRequest into system and user prompts and
// keeps the original body inside the prompt token budget.
type PromptBuilder struct {
	systemPrompt string
	maxTokens    int
	model        string

	once  sync.Once
	codec tokenCodec
}

func NewPromptBuilder(systemPrompt, model string, maxTokens int) *PromptBuilder {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &PromptBuilder{systemPrompt: systemPrompt, model: model, maxTokens: maxTokens}
}

func newPromptBuilderWithCodec(systemPrompt string, maxTokens int, codec tokenCodec) *PromptBuilder {
	b := NewPromptBuilder(systemPrompt, "", maxTokens)
	b.once.Do(func() { b.codec = codec })
	return b
}

func (b *PromptBuilder) tokens() tokenCodec {
	b.once.Do(func() {
		enc, err := tiktoken.EncodingForModel(b.model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err != nil {
			b.codec = runeCodec{}
			return
		}
		b.codec = tiktokenCodec{enc: enc}
	})
	return b.codec
}

// Build returns (system, user) prompts.
func (b *PromptBuilder) Build(req adapter.GenerationRequest) (string, string) {
	var sys strings.Builder
	sys.WriteString(b.systemPrompt)
	if s := req.Settings; s != nil {
		if s.SystemInstruction != "" {
			sys.WriteString("\n\n")
			sys.WriteString(s.SystemInstruction)
		}
		if s.Persona != "" {
			fmt.Fprintf(&sys, "\n\nWrite as: %s.", s.Persona)
		}
		if s.Tone != "" {
			fmt.Fprintf(&sys, "\nTone: %s.", s.Tone)
		}
	}

	var head strings.Builder
	head.WriteString("Draft a reply to the following email.\n\n")
	if req.SenderName != "" || req.SenderAddress != "" {
		fmt.Fprintf(&head, "From: %s\n", formatSender(req.SenderName, req.SenderAddress))
	}
	if req.Subject != "" {
		fmt.Fprintf(&head, "Subject: %s\n", req.Subject)
	}
	head.WriteString("\n")

	body := b.truncate(req.Body, b.maxTokens-b.count(sys.String())-b.count(head.String()))
	return sys.String(), head.String() + body
}

func (b *PromptBuilder) count(s string) int {
	if b.maxTokens <= 0 {
		return 0
	}
	return len(b.tokens().Encode(s))
}

func (b *PromptBuilder) truncate(body string, budget int) string {
	if b.maxTokens <= 0 {
		return body
	}
	if budget <= 0 {
		return ""
	}
	codec := b.tokens()
	toks := codec.Encode(body)
	if len(toks) <= budget {
		return body
	}
	// a token boundary may fall inside a multibyte rune
	return strings.ToValidUTF8(codec.Decode(toks[:budget]), "")
}

func formatSender(name, address string) string {
	switch {
	case name == "":
		return address
	case address == "":
		return name
	default:
		return fmt.Sprintf("%s <%s>", name, address)
	}
}

func modelOrDefault(model, def string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return def
}

func settingsModel(req adapter.GenerationRequest) string {
	if req.Settings == nil {
		return ""
	}
	return req.Settings.Model
}
