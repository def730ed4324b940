// Package mock provides a mock implementation of the embeddings.Provider
// interface for testing.
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/mnemohq/mnemo/pkg/provider/embeddings"
)

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Call records a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Provider is a configurable mock embeddings provider. Unless EmbedFn is
// set, vectors are derived deterministically from the input text, so the
// same text always embeds to the same vector and different texts (almost
// always) differ.
type Provider struct {
	mu    sync.Mutex
	calls []Call

	// Dims is the vector length reported and produced. Zero defaults to 4.
	Dims int

	// Model is the value returned by ModelID. Empty defaults to "mock-embed".
	Model string

	// EmbedFn, when set, overrides the deterministic vector derivation.
	EmbedFn func(text string) []float32

	// EmbedErr, when set, is returned by Embed and EmbedBatch.
	EmbedErr error
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

func (p *Provider) dims() int {
	if p.Dims > 0 {
		return p.Dims
	}
	return 4
}

func (p *Provider) vector(text string) []float32 {
	if p.EmbedFn != nil {
		return p.EmbedFn(text)
	}
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, p.dims())
	for i := range vec {
		off := (i * 4) % (len(sum) - 4)
		bits := binary.BigEndian.Uint32(sum[off : off+4])
		vec[i] = float32(bits%1000) / 1000
	}
	return vec
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.record("Embed", text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.vector(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.record("EmbedBatch", texts)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return p.dims()
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	if p.Model != "" {
		return p.Model
	}
	return "mock-embed"
}
