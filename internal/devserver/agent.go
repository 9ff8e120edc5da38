package devserver

import (
	"context"
	"fmt"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Responder produces the assistant's answer to a user message as an
// ordered list of stream chunks.
type Responder interface {
	Respond(ctx context.Context, prompt string) ([]string, error)
}

// CannedResponder streams a deterministic answer. It is the default so
// tests and local development never need network access.
type CannedResponder struct {
	// Chunks overrides the generated response when non-empty.
	Chunks []string
}

func (c *CannedResponder) Respond(ctx context.Context, prompt string) ([]string, error) {
	if len(c.Chunks) > 0 {
		return append([]string{}, c.Chunks...), nil
	}
	return []string{
		"Thanks — reviewing your question about: " + truncate(prompt, 80) + ". ",
		"For a medical device submission, start by confirming the device classification ",
		"and the applicable predicate devices before drafting the 510(k) sections.",
	}, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

const assistantSystemPrompt = `You are a regulatory affairs assistant for medical device manufacturers.
Answer questions about device classification, predicate devices, and FDA submission workflow.
Be concise and practical. Plain text or light markdown only.`

// AnthropicMessager is the subset of the Anthropic client we use. It
// exists so tests can inject a mock.
type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicClientCreator creates the Anthropic client for a key.
type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &client.Messages
}

// newAnthropicClient is the package-level creator, overridable in tests.
var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

// AnthropicResponder answers through the Claude API and splits the reply
// into stream-sized chunks.
type AnthropicResponder struct {
	apiKey string
}

func NewAnthropicResponder(apiKey string) (*AnthropicResponder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic responder: API key is required")
	}
	return &AnthropicResponder{apiKey: apiKey}, nil
}

func (a *AnthropicResponder) Respond(ctx context.Context, prompt string) ([]string, error) {
	messages := newAnthropicClient(a.apiKey)
	resp, err := messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.ModelClaudeSonnet4_20250514,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: assistantSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("empty response from Claude API")
	}
	return chunkText(text.String(), 120), nil
}

// chunkText splits text into chunks of roughly size bytes, breaking on
// word boundaries.
func chunkText(text string, size int) []string {
	words := strings.Fields(text)
	var chunks []string
	var current strings.Builder
	for _, w := range words {
		if current.Len() > 0 && current.Len()+len(w)+1 > size {
			chunks = append(chunks, current.String()+" ")
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(w)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// NewResponderFromEnv returns the Anthropic responder when an API key is
// configured, the canned responder otherwise.
func NewResponderFromEnv() Responder {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		if r, err := NewAnthropicResponder(key); err == nil {
			return r
		}
	}
	return &CannedResponder{}
}
