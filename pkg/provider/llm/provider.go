// Package llm defines the Provider interface for Large Language Model backends.
//
// Calldeck drives every flow-control decision — journey activation, state
// transitions, guideline relevance, and response validation — through
// structured model calls. A Provider wraps a remote model API (e.g., OpenAI
// GPT-4o) and exposes a uniform completion interface so the engines never
// couple to a specific SDK.
//
// Implementors must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Message represents a single message in a model conversation.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call
	// this message responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned identifier for this tool call.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in model prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// Usage holds token accounting returned by the model backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically
	// from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation.
	SystemPrompt string

	// Tools is the set of tool definitions offered to the model.
	Tools []ToolDefinition

	// Temperature controls output randomness. Calldeck uses 0 for all
	// classification and scoring calls and 0.3 for the correction call.
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int

	// JSONResponse requests a JSON-object response contract from the
	// provider. All structured flow-control calls set this.
	JSONResponse bool
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the
	// model responds exclusively with tool calls.
	Content string

	// ToolCalls lists tool invocations requested by the model. The caller
	// executes them and appends the results to the conversation.
	ToolCalls []ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any model backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Complete must return promptly when ctx is cancelled; the caller then falls
// back to the conservative default for that call site.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
