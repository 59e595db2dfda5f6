// Package llmprovider defines the vendor-agnostic LLM completion capability
// the orchestrator depends on. It is a thin generalization of the teacher's
// agent.LLMProvider/CompletionRequest/CompletionChunk trio into a standalone
// package: the orchestrator only ever sees this interface, never a concrete
// vendor SDK, so provider.go must stay free of any vendor-specific import.
package llmprovider

import (
	"context"

	"github.com/first-fluke/cratos/pkg/models"
)

// Provider is the capability every LLM backend must satisfy. Concrete
// vendor bindings (Anthropic, OpenAI, Bedrock, ...) are out of scope for
// this repository; callers compose a Provider from whatever client library
// they choose and adapt it to this interface at the edge.
type Provider interface {
	// Complete sends a request and returns a channel of streamed chunks.
	// The channel is closed after a chunk with Done set to true, or after
	// a chunk carrying a non-nil Err.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name identifies the provider for logging, metrics, and circuit
	// breaker bookkeeping.
	Name() string

	// Models lists the models this provider can serve.
	Models() []Model

	// SupportsTools reports whether the provider can accept tool schemas
	// and return tool-call chunks.
	SupportsTools() bool
}

// CompletionRequest mirrors agent.CompletionRequest: the full set of
// parameters needed to drive a single LLM turn.
type CompletionRequest struct {
	Model                string               `json:"model"`
	System               string               `json:"system,omitempty"`
	Messages             []CompletionMessage  `json:"messages"`
	Tools                []ToolSchema         `json:"tools,omitempty"`
	MaxTokens            int                  `json:"max_tokens,omitempty"`
	EnableThinking       bool                 `json:"enable_thinking,omitempty"`
	ThinkingBudgetTokens int                  `json:"thinking_budget_tokens,omitempty"`
}

// CompletionMessage is one turn of conversation history.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// ToolSchema describes a tool the model may call, in the provider-neutral
// shape every vendor's function-calling API can be mapped to.
type ToolSchema struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schema      []byte `json:"schema"`
}

// Model describes one model a Provider can serve.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// CompletionChunk is one piece of a streamed response.
type CompletionChunk struct {
	Text          string           `json:"text,omitempty"`
	ToolCall      *models.ToolCall `json:"tool_call,omitempty"`
	Thinking      string           `json:"thinking,omitempty"`
	ThinkingStart bool             `json:"thinking_start,omitempty"`
	ThinkingEnd   bool             `json:"thinking_end,omitempty"`
	Done          bool             `json:"done,omitempty"`
	Err           error            `json:"-"`
	InputTokens   int              `json:"input_tokens,omitempty"`
	OutputTokens  int              `json:"output_tokens,omitempty"`
}
