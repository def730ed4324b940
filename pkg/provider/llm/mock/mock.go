// Package mock provides a mock implementation of the llm.Provider interface
// for testing.
package mock

import (
	"context"
	"sync"

	"github.com/mnemohq/mnemo/pkg/provider/llm"
)

// Ensure Provider implements the llm.Provider interface.
var _ llm.Provider = (*Provider)(nil)

// Call records a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Provider is a configurable mock LLM provider.
type Provider struct {
	mu    sync.Mutex
	calls []Call

	// StreamChunks are emitted in order by StreamCompletion.
	StreamChunks []llm.Chunk
	// StreamErr, when set, is returned by StreamCompletion before any chunk
	// is emitted.
	StreamErr error

	// CompleteResponse is returned by Complete. When nil a minimal "ok"
	// response with FinishReason "stop" is returned instead.
	CompleteResponse *llm.CompletionResponse
	// CompleteErr, when set, is returned by Complete.
	CompleteErr error

	// CompleteFn, when set, overrides CompleteResponse/CompleteErr entirely.
	// Useful for returning different payloads per call (gate then extract).
	CompleteFn func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// ModelsResult is returned by ListModels.
	ModelsResult []string
	// ModelsErr, when set, is returned by ListModels.
	ModelsErr error
}

func (p *Provider) record(method string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded calls.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of recorded calls to the given method.
func (p *Provider) CallCount(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.record("StreamCompletion", req)
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}

	ch := make(chan llm.Chunk, len(p.StreamChunks))
	go func() {
		defer close(ch)
		for _, c := range p.StreamChunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.record("Complete", req)
	if p.CompleteFn != nil {
		return p.CompleteFn(ctx, req)
	}
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if p.CompleteResponse != nil {
		return p.CompleteResponse, nil
	}
	return &llm.CompletionResponse{Content: "ok", FinishReason: "stop"}, nil
}

// ListModels implements llm.Provider.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	p.record("ListModels")
	if p.ModelsErr != nil {
		return nil, p.ModelsErr
	}
	if p.ModelsResult != nil {
		return p.ModelsResult, nil
	}
	return []string{"mock-model"}, nil
}
