// Package genai provides GenAI-enhanced operations using the OpenAI API:
// structured name extraction and conversational response rendering.
//
// The response path only ever sees pre-masked values; nothing in this package
// is handed a plaintext code or an unmasked phone number.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mlground/onboard/internal/models"
	"github.com/mlground/onboard/internal/validators"
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat  chatService
	model string
}

// NewClient initializes a GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable when not provided via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	slog.Debug("genai.NewClient: client created", "model", cfg.Model)

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: &cli.Chat.Completions, model: cfg.Model}, nil
}

const nameSystemPrompt = `You extract a person's name from a chat message.
Reply with only a JSON object of the form {"first_name": "...", "last_name": "..."}.
Use an empty string for any part that is not present. Do not invent names.`

// ParseName implements validators.NameParser using structured extraction.
func (c *Client) ParseName(ctx context.Context, text string) (validators.ParsedName, error) {
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(nameSystemPrompt),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return validators.ParsedName{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return validators.ParsedName{}, fmt.Errorf("no choices returned")
	}

	var parsed validators.ParsedName
	content := stripCodeFence(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		slog.Warn("genai.ParseName: response was not valid JSON")
		return validators.ParsedName{}, fmt.Errorf("failed to decode name extraction: %w", err)
	}
	return parsed, nil
}

const responseSystemPrompt = `You are a warm, concise onboarding assistant for a scheduling service.
Write a short reply (1-3 sentences) that tells the user exactly what to do next.
Never mention internal step names, versions, or error codes. Never ask for
information out of order. Use only the details provided in the context block.`

// RenderResponse generates the user-facing reply from the response context.
// All values in the context are already masked where masking applies. The
// session token and user ID are for the caller, not the model; they are
// stripped before anything leaves the process.
func (c *Client) RenderResponse(ctx context.Context, rc models.ResponseContext) (string, error) {
	rc.SessionToken = ""
	rc.UserID = ""
	contextBlock, err := json.Marshal(rc)
	if err != nil {
		return "", fmt.Errorf("failed to encode response context: %w", err)
	}

	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(responseSystemPrompt),
			openai.UserMessage(string(contextBlock)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// stripCodeFence removes a surrounding markdown code fence, which chat models
// sometimes wrap JSON in despite instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
