// Package llm adapts the OpenAI chat completion and transcription APIs and a
// tiktoken tokenizer to the conversation ports.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

// Config holds the provider settings.
type Config struct {
	APIKey             string
	BaseURL            string // empty = api.openai.com
	ChatModel          string
	TranscriptionModel string
	Temperature        float64
	Timeout            time.Duration // 0 = transport default
}

// Client implements ports.Completer on the OpenAI chat completions API and
// transcribes inbound audio. Calls are never retried.
type Client struct {
	api    openai.Client
	cfg    Config
	logger zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = string(openai.AudioModelWhisper1)
	}

	return &Client{
		api:    openai.NewClient(opts...),
		cfg:    cfg,
		logger: logger.With().Str("component", "openai").Logger(),
	}
}

// Complete sends prompt and returns the first choice.
func (c *Client) Complete(ctx context.Context, prompt []ports.PromptMessage, maxResponseTokens int) (ports.Completion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(prompt))
	for _, m := range prompt {
		switch m.Role {
		case ports.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case ports.RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case ports.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			return ports.Completion{}, fmt.Errorf("unsupported prompt role %q", m.Role)
		}
	}

	start := time.Now()
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.cfg.ChatModel),
		Messages:    messages,
		MaxTokens:   openai.Int(int64(maxResponseTokens)),
		Temperature: openai.Float(c.cfg.Temperature),
	})
	if err != nil {
		return ports.Completion{}, transportError("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return ports.Completion{}, &ports.TransportError{Op: "chat completion", StatusCode: 200, Err: errors.New("response has no choices")}
	}

	usage := ports.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	c.logger.Debug().
		Str("model", resp.Model).
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Dur("latency", time.Since(start)).
		Msg("chat completion")

	return ports.Completion{Text: resp.Choices[0].Message.Content, Usage: usage}, nil
}

// Transcribe converts an audio note to text.
func (c *Client) Transcribe(ctx context.Context, audio io.Reader, filename, contentType string) (string, error) {
	if filename == "" {
		filename = "audio.ogg"
	}
	resp, err := c.api.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(audio, filepath.Base(filename), contentType),
		Model: openai.AudioModel(c.cfg.TranscriptionModel),
	})
	if err != nil {
		return "", transportError("transcription", err)
	}
	return resp.Text, nil
}

// transportError keeps the provider's status and raw body for logging.
func transportError(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &ports.TransportError{Op: op, StatusCode: apiErr.StatusCode, Body: apiErr.RawJSON(), Err: err}
	}
	return &ports.TransportError{Op: op, Err: err}
}

// Ensure Client implements the Completer interface.
var _ ports.Completer = (*Client)(nil)
