package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"crm-draft-queue/internal/domain"
	"crm-draft-queue/internal/domain/model"
	"crm-draft-queue/internal/domain/ports/adapter"
)

func TestPromptBuilder_IncludesSettingsAndSender(t *testing.T) {
	b := newPromptBuilderWithCodec("", 0, runeCodec{})
	sys, user := b.Build(adapter.GenerationRequest{
		Subject:       "Quote for 20 seats",
		SenderName:    "Dana",
		SenderAddress: "dana@client.io",
		Body:          "Can you send a quote?",
		Settings:      &model.GeneratorSettings{Tone: "friendly", Persona: "Account executive", SystemInstruction: "Mention the annual discount."},
	})

	for _, want := range []string{defaultSystemPrompt, "Mention the annual discount.", "Account executive", "friendly"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	for _, want := range []string{"From: Dana <dana@client.io>", "Subject: Quote for 20 seats", "Can you send a quote?"} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q", want)
		}
	}
}

func TestPromptBuilder_TruncatesBodyToBudget(t *testing.T) {
	b := newPromptBuilderWithCodec("sys", 200, runeCodec{})
	body := strings.Repeat("x", 1000)
	sys, user := b.Build(adapter.GenerationRequest{Subject: "s", Body: body})

	total := len([]rune(sys)) + len([]rune(user))
	if total > 200 {
		t.Fatalf("prompt exceeds budget: %d runes", total)
	}
	if !strings.Contains(user, "xxx") {
		t.Fatalf("expected part of the body to survive")
	}
}

// byteCodec maps every byte to one token, so a cut can land inside a rune.
type byteCodec struct{}

func (byteCodec) Encode(text string) []int {
	out := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int(text[i])
	}
	return out
}

func (byteCodec) Decode(tokens []int) string {
	b := make([]byte, len(tokens))
	for i, t := range tokens {
		b[i] = byte(t)
	}
	return string(b)
}

func TestPromptBuilder_TruncateKeepsValidUTF8(t *testing.T) {
	b := newPromptBuilderWithCodec("", 100, byteCodec{})

	got := b.truncate("aé€", 2)
	if !utf8.ValidString(got) || got != "a" {
		t.Fatalf("expected the split rune to be dropped, got %q", got)
	}
	if got := b.truncate("aé€", 3); got != "aé" {
		t.Fatalf("expected whole runes to survive, got %q", got)
	}
}

func newChatServer(t *testing.T, status int, content string, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" || body.Messages[1].Role != "user" {
			t.Errorf("unexpected messages: %+v", body.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"upstream broke","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   body.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19},
		})
	}))
}

func TestOpenAIGenerator_Generate(t *testing.T) {
	var calls int32
	srv := newChatServer(t, http.StatusOK, "Thanks, a quote is attached.", &calls)
	defer srv.Close()

	g, err := NewOpenAIGenerator("test-key", srv.URL+"/v1/", "gpt-4o-mini", 256, newPromptBuilderWithCodec("", 0, runeCodec{}))
	if err != nil {
		t.Fatalf("NewOpenAIGenerator: %v", err)
	}
	out, err := g.Generate(context.Background(), adapter.GenerationRequest{
		Subject:  "Quote",
		Body:     "Please quote",
		Settings: &model.GeneratorSettings{Model: "gpt-4.1"},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out.Content != "Thanks, a quote is attached." {
		t.Errorf("unexpected content %q", out.Content)
	}
	if out.Model != "gpt-4.1" {
		t.Errorf("expected settings model to win, got %q", out.Model)
	}
	if out.Usage.TotalTokens != 19 {
		t.Errorf("expected usage to be mapped, got %+v", out.Usage)
	}
}

func TestOpenAIGenerator_ErrorsWrapGenerationAndDoNotRetry(t *testing.T) {
	var calls int32
	srv := newChatServer(t, http.StatusInternalServerError, "", &calls)
	defer srv.Close()

	g, _ := NewOpenAIGenerator("test-key", srv.URL+"/v1/", "", 0, newPromptBuilderWithCodec("", 0, runeCodec{}))
	_, err := g.Generate(context.Background(), adapter.GenerationRequest{Body: "hi"})
	if !errors.Is(err, domain.ErrGeneration) {
		t.Fatalf("expected ErrGeneration, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", n)
	}
}

func TestOpenAIGenerator_EmptyContentIsAnError(t *testing.T) {
	var calls int32
	srv := newChatServer(t, http.StatusOK, "   ", &calls)
	defer srv.Close()

	g, _ := NewOpenAIGenerator("test-key", srv.URL+"/v1/", "", 0, newPromptBuilderWithCodec("", 0, runeCodec{}))
	if _, err := g.Generate(context.Background(), adapter.GenerationRequest{Body: "hi"}); !errors.Is(err, domain.ErrGeneration) {
		t.Fatalf("expected ErrGeneration for blank content, got %v", err)
	}
}

type blockingGen struct {
	inFlight, peak int32
	release        chan struct{}
}

func (b *blockingGen) Generate(ctx context.Context, req adapter.GenerationRequest) (adapter.Generation, error) {
	n := atomic.AddInt32(&b.inFlight, 1)
	for {
		p := atomic.LoadInt32(&b.peak)
		if n <= p || atomic.CompareAndSwapInt32(&b.peak, p, n) {
			break
		}
	}
	<-b.release
	atomic.AddInt32(&b.inFlight, -1)
	return adapter.Generation{Content: "ok"}, nil
}

func TestLimitedGenerator_CapsConcurrency(t *testing.T) {
	inner := &blockingGen{release: make(chan struct{})}
	g := NewLimitedGenerator(inner, 2)

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			_, _ = g.Generate(context.Background(), adapter.GenerationRequest{})
			done <- struct{}{}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(inner.release)
	for i := 0; i < 5; i++ {
		<-done
	}
	if p := atomic.LoadInt32(&inner.peak); p > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", p)
	}
}

func TestLimitedGenerator_HonorsContext(t *testing.T) {
	inner := &blockingGen{release: make(chan struct{})}
	defer close(inner.release)
	g := NewLimitedGenerator(inner, 1)

	go func() { _, _ = g.Generate(context.Background(), adapter.GenerationRequest{}) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Generate(ctx, adapter.GenerationRequest{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while waiting for a slot, got %v", err)
	}
}

func TestNoopGenerator(t *testing.T) {
	l := zerolog.Nop()
	g := NewNoopGenerator(&l)
	g.delay = 0
	out, err := g.Generate(context.Background(), adapter.GenerationRequest{SenderName: "Sam", Subject: "Renewal"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.Content, "Sam") || !strings.Contains(out.Content, "Renewal") {
		t.Errorf("unexpected content %q", out.Content)
	}
}
