package conversationports

import (
	"context"
)

// Role is the speaker of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PromptMessage represents a single chat message used to build prompts.
type PromptMessage struct {
	Role    Role
	Content string
}

// Usage captures token accounting for cost/telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the provider's non-streaming response.
type Completion struct {
	Text  string
	Usage Usage
}

// Completer is the abstraction for the generation backend.
type Completer interface {
	Complete(ctx context.Context, prompt []PromptMessage, maxResponseTokens int) (Completion, error)
}

// Tokenizer counts and trims text in the completion model's token units.
// Both operations are deterministic for a fixed model.
type Tokenizer interface {
	Count(text string) int
	// TruncateToTrailingTokens keeps the last n tokens of text.
	TruncateToTrailingTokens(text string, n int) string
}
