// Package cached wraps any embeddings.Provider with an in-memory TTL cache.
//
// Identical texts hit the same cache entry, keyed by SHA-256 of the model ID
// and the input text. The extraction pipeline embeds the same candidate text
// twice (once for dedup search, once for storage), so even a short TTL cuts
// the embedding call volume roughly in half.
package cached

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/mnemohq/mnemo/pkg/provider/embeddings"
)

// DefaultTTL is the cache entry lifetime used when none is configured.
const DefaultTTL = time.Hour

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

type entry struct {
	vec     []float32
	expires time.Time
}

// Provider decorates an embeddings.Provider with a TTL cache. Safe for
// concurrent use.
type Provider struct {
	inner embeddings.Provider
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[[32]byte]entry
	hits    uint64
	misses  uint64
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithTTL sets the cache entry lifetime. Zero or negative falls back to
// DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// New wraps inner with a TTL cache.
func New(inner embeddings.Provider, opts ...Option) *Provider {
	p := &Provider{
		inner:   inner,
		ttl:     DefaultTTL,
		now:     time.Now,
		entries: make(map[[32]byte]entry),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) key(text string) [32]byte {
	h := sha256.New()
	h.Write([]byte(p.inner.ModelID()))
	h.Write([]byte{0})
	h.Write([]byte(text))
	var k [32]byte
	copy(k[:], h.Sum(nil))
	return k
}

// lookup returns a cached vector if present and unexpired. Expired entries
// are evicted lazily on access rather than by a background sweeper.
func (p *Provider) lookup(k [32]byte) ([]float32, bool) {
	p.mu.RLock()
	e, ok := p.entries[k]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if p.now().After(e.expires) {
		p.mu.Lock()
		delete(p.entries, k)
		p.mu.Unlock()
		return nil, false
	}
	return e.vec, true
}

func (p *Provider) store(k [32]byte, vec []float32) {
	p.mu.Lock()
	p.entries[k] = entry{vec: vec, expires: p.now().Add(p.ttl)}
	p.mu.Unlock()
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	k := p.key(text)
	if vec, ok := p.lookup(k); ok {
		p.count(true)
		return vec, nil
	}
	p.count(false)

	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.store(k, vec)
	return vec, nil
}

// EmbedBatch implements embeddings.Provider. Cached texts are served from
// memory; only the misses are forwarded to the inner provider, in their
// original order.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		k := p.key(t)
		if vec, ok := p.lookup(k); ok {
			p.count(true)
			result[i] = vec
			continue
		}
		p.count(false)
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) > 0 {
		vecs, err := p.inner.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, i := range missIdx {
			result[i] = vecs[j]
			p.store(p.key(texts[i]), vecs[j])
		}
	}
	return result, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return p.inner.Dimensions()
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.inner.ModelID()
}

func (p *Provider) count(hit bool) {
	p.mu.Lock()
	if hit {
		p.hits++
	} else {
		p.misses++
	}
	p.mu.Unlock()
}

// Stats returns the cumulative cache hit and miss counts.
func (p *Provider) Stats() (hits, misses uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hits, p.misses
}

// Len returns the current number of cached entries, including any that have
// expired but not yet been evicted.
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
