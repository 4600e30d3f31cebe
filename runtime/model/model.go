// Package model defines the provider-agnostic contract for chat completion
// clients. The orchestrator invokes models through this interface so reactive
// and proactive flows never couple to a specific SDK; the features/model
// packages translate these normalized types to and from OpenAI, Anthropic,
// and Bedrock wire formats.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Client is the contract the orchestrator uses to invoke chat models.
	// Implementations wrap provider SDKs and must be safe for concurrent use
	// across sessions.
	Client interface {
		// Complete sends a chat completion request and returns the full
		// response. Implementations map provider failures to gwerrors kinds so
		// the orchestrator can distinguish retryable upstream faults from
		// terminal request errors.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a chat completion request and returns a Streamer that
		// yields incremental chunks (text deltas, tool calls, usage). The
		// returned Streamer must be closed by the caller. Providers without
		// streaming support return ErrStreamingUnsupported; callers fall back
		// to Complete.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Recv returns chunks until
	// io.EOF. Implementations are driven from a single goroutine and release
	// their transport on Close.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close terminates the stream and releases its resources.
		Close() error
	}

	// Request is a normalized model invocation. Fields map to common provider
	// parameters; providers ignore what they cannot express.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// Messages is the ordered chat history, system prompt first.
		Messages []Message
		// Tools lists the tool schemas exposed for function calling. Empty
		// when the model must answer in text only.
		Tools []ToolDefinition
		// Temperature controls sampling. Zero uses the provider default.
		Temperature float64
		// MaxTokens caps completion length. Zero uses the provider default.
		MaxTokens int
	}

	// Response is the complete model output for a non-streaming call.
	Response struct {
		// Content is the assistant text, empty when the model only requested
		// tool calls.
		Content string
		// ToolCalls lists tool invocations requested by the model, in the
		// order the model emitted them.
		ToolCalls []ToolCall
		// Usage reports token counts when the provider supplies them.
		Usage TokenUsage
		// StopReason is the provider's termination reason ("stop",
		// "max_tokens", "tool_calls"). Values are provider-specific.
		StopReason string
	}

	// Message is one chat turn.
	Message struct {
		// Role is one of "system", "user", "assistant", or "tool".
		Role string
		// Content is the message text. Empty for pure tool-call turns.
		Content string
		// ToolCalls carries the tool invocations of an assistant turn so the
		// provider can correlate the tool results that follow.
		ToolCalls []ToolCall
		// ToolCallID links a "tool" role message to the assistant tool call it
		// answers.
		ToolCallID string
	}

	// ToolDefinition is a tool schema presented to the model.
	ToolDefinition struct {
		// Name is the identifier the model uses to request the tool. Composite
		// catalog ids are passed through unchanged.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON-Schema object describing the arguments.
		InputSchema map[string]any
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call identifier, used to correlate the
		// eventual result message.
		ID string
		// Name is the requested tool name.
		Name string
		// Arguments is the raw JSON argument object as emitted by the model.
		// It is validated against the catalog schema before dispatch.
		Arguments json.RawMessage
	}

	// Chunk is one streaming event. Type selects which field is populated.
	Chunk struct {
		// Type is one of the ChunkType constants.
		Type string
		// Text is the content delta when Type == ChunkTypeText.
		Text string
		// ToolCall is the completed tool invocation when Type ==
		// ChunkTypeToolCall. Providers accumulate argument fragments
		// internally and emit one chunk per finished call.
		ToolCall *ToolCall
		// Usage reports token counts when Type == ChunkTypeUsage.
		Usage *TokenUsage
		// StopReason explains termination when Type == ChunkTypeStop.
		StopReason string
	}

	// TokenUsage records token counts when the provider reports them.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}
)

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Chunk type values for Chunk.Type.
const (
	ChunkTypeText     = "text"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeUsage    = "usage"
	ChunkTypeStop     = "stop"
)

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model or parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// SchemaObject converts a tool definition's input schema into the generic
// JSON-Schema map shape provider SDKs expect. A nil schema yields an empty
// object schema, which every provider accepts for zero-argument tools.
func SchemaObject(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schema
}
