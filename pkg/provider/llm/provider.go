// Package llm defines the Provider interface for chat-model backends.
//
// The proxy instantiates this interface twice with independent endpoint
// configurations: once for user-visible chat and once for the memory
// extraction pipeline, which frequently runs a cheaper model. Implementations
// wrap a remote or local chat API and expose unary and streaming completion
// without coupling callers to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"
	"encoding/json"

	"github.com/mnemohq/mnemo/pkg/types"
)

// CompletionRequest carries everything the LM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history, memory block already
	// injected. The last message is typically from the "user" role.
	Messages []types.Message

	// Model overrides the provider's configured default model for this
	// request. Empty means use the default. Set when the public model name
	// carried an explicit upstream model ("persona/gpt-4o").
	Model string

	// Tools is the set of function/tool definitions offered to the model.
	Tools []types.ToolDefinition

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int

	// JSONResponse requests a JSON-object response format. Used by the
	// extraction gate and the structured extractor.
	JSONResponse bool
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental assistant content of this chunk. May be empty
	// when the chunk carries only tool-call deltas or a finish signal.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", "tool_calls",
	// or "" for non-final chunks. The sentinel "error" reports a mid-stream
	// failure, with the error message in Text.
	FinishReason string

	// Raw is the provider's unmodified chunk JSON. The chat handler forwards
	// it byte-for-byte so provider-specific fields (tool-call deltas, usage
	// blocks) survive the proxy untouched. Nil on synthetic chunks.
	Raw json.RawMessage
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// FinishReason reports why generation stopped ("stop", "tool_calls", …).
	FinishReason string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []types.ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage types.Usage

	// Raw is the provider's unmodified response JSON, forwarded verbatim by
	// the unary chat path. Nil for providers that cannot supply it.
	Raw json.RawMessage
}

// Provider is the abstraction over any chat-model backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must propagate context cancellation promptly.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened surface as a Chunk with FinishReason
	// "error"; the initial error return is non-nil only for failures that
	// prevent the stream from starting.
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ListModels returns the model identifiers available at this endpoint.
	// Providers without a listing API return their configured default model.
	ListModels(ctx context.Context) ([]string, error)
}
