package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mnemohq/mnemo/internal/settings"
	"github.com/mnemohq/mnemo/pkg/memory"
	"github.com/mnemohq/mnemo/pkg/provider/embeddings"
)

// graphConcurrency caps parallel neighborhood queries per retrieval.
const graphConcurrency = 4

// Scored is one memory selected for injection, carrying both the raw vector
// similarity and the composite final score it was ranked by.
type Scored struct {
	Memory memory.Memory

	Similarity float64
	FinalScore float64
}

// Retriever runs the read side of the memory pipeline: embed the query,
// search the semantic index, enrich hits with metadata and graph context,
// rescore, and return the top results.
//
// Retrieval is deliberately non-fatal: any store or provider failure logs a
// warning and degrades to an empty result so the chat request proceeds
// without memories rather than erroring out.
type Retriever struct {
	embedder embeddings.Provider
	vectors  memory.SemanticIndex
	graph    memory.KnowledgeGraph
	metadata memory.MetadataStore
	settings *settings.Registry

	logger *slog.Logger
	now    func() time.Time
}

// Option is a functional option for Retriever.
type Option func(*Retriever)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) {
		if l != nil {
			r.logger = l
		}
	}
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(r *Retriever) {
		r.now = now
	}
}

// New creates a Retriever over the three stores and the embedding provider.
func New(embedder embeddings.Provider, vectors memory.SemanticIndex, graph memory.KnowledgeGraph, metadata memory.MetadataStore, reg *settings.Registry, opts ...Option) *Retriever {
	r := &Retriever{
		embedder: embedder,
		vectors:  vectors,
		graph:    graph,
		metadata: metadata,
		settings: reg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Retrieve returns up to limit memories for personaID ranked against query.
// A limit of 0 falls back to the memory_system max_long_term setting; when
// that is also 0, retrieval is skipped entirely.
//
// Results are sorted by final score descending, ties broken by similarity
// then by newer creation time. Access counters for the returned memories are
// bumped asynchronously in both stores.
func (r *Retriever) Retrieve(ctx context.Context, personaID, query string, limit int) ([]Scored, error) {
	sys, err := r.settings.MemorySystemSettings(ctx)
	if err != nil {
		r.logger.Warn("retrieval: load settings failed", "err", err)
		return []Scored{}, nil
	}
	if !sys.Enabled {
		return []Scored{}, nil
	}
	if limit <= 0 {
		limit = sys.MaxLongTerm
	}
	if limit <= 0 {
		return []Scored{}, nil
	}

	scoring, err := r.settings.MemoryScoringSettings(ctx)
	if err != nil {
		r.logger.Warn("retrieval: load scoring settings failed", "err", err)
		return []Scored{}, nil
	}
	vs, err := r.settings.VectorStoreSettings(ctx)
	if err != nil {
		r.logger.Warn("retrieval: load vector settings failed", "err", err)
		return []Scored{}, nil
	}
	gs, err := r.settings.GraphStoreSettings(ctx)
	if err != nil {
		r.logger.Warn("retrieval: load graph settings failed", "err", err)
		return []Scored{}, nil
	}

	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("retrieval: embed query failed", "persona", personaID, "err", err)
		return []Scored{}, nil
	}

	topK := vs.TopK
	if topK <= 0 {
		topK = 10
	}
	hits, err := r.vectors.Search(ctx, personaID, embedding, topK)
	if err != nil {
		r.logger.Warn("retrieval: vector search failed", "persona", personaID, "err", err)
		return []Scored{}, nil
	}
	if len(hits) == 0 {
		return []Scored{}, nil
	}

	vectorIDs := make([]string, len(hits))
	for i, h := range hits {
		vectorIDs[i] = h.Record.ID
	}
	rows, err := r.metadata.MemoriesByVectorIDs(ctx, personaID, vectorIDs)
	if err != nil {
		r.logger.Warn("retrieval: metadata lookup failed", "persona", personaID, "err", err)
		return []Scored{}, nil
	}

	// Hits without a metadata row are orphaned vectors (a crashed write
	// between the two inserts). Skip them rather than injecting content the
	// management API cannot see.
	var scored []Scored
	for _, h := range hits {
		row, ok := rows[h.Record.ID]
		if !ok {
			r.logger.Warn("retrieval: orphaned vector skipped", "vector_id", h.Record.ID, "persona", personaID)
			continue
		}
		scored = append(scored, Scored{Memory: row, Similarity: h.Similarity})
	}
	if len(scored) == 0 {
		return []Scored{}, nil
	}

	densities := r.graphDensities(ctx, personaID, scored, gs.NeighborhoodDepth)

	now := r.now()
	for i := range scored {
		// Recency decays from the last access, not creation: memories the
		// conversation keeps returning to stay warm. Rows that were never
		// accessed fall back to their creation time.
		last := scored[i].Memory.LastAccessedAt
		if last.IsZero() {
			last = scored[i].Memory.CreatedAt
		}
		age := now.Sub(last)
		if age < 0 {
			age = 0
		}
		scored[i].FinalScore = FinalScore(scoring, scored[i].Similarity, scored[i].Memory.AccessCount, age, densities[i])
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].FinalScore != scored[j].FinalScore {
			return scored[i].FinalScore > scored[j].FinalScore
		}
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Memory.CreatedAt.After(scored[j].Memory.CreatedAt)
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}

	r.markAccessed(ctx, scored)
	return scored, nil
}

// graphDensities computes the graph density signal for each scored memory.
// Memories without a linked entity score 0; graph failures log and score 0.
func (r *Retriever) graphDensities(ctx context.Context, personaID string, scored []Scored, depth int) []float64 {
	if depth <= 0 {
		depth = 2
	}
	densities := make([]float64, len(scored))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(graphConcurrency)
	for i := range scored {
		entity := scored[i].Memory.EntityID
		if entity == "" {
			continue
		}
		g.Go(func() error {
			sg, err := r.graph.Neighborhood(gctx, personaID, entity, depth)
			if err != nil {
				if !errors.Is(err, memory.ErrNotFound) {
					r.logger.Warn("retrieval: graph neighborhood failed", "entity", entity, "err", err)
				}
				return nil
			}
			densities[i] = GraphDensity(sg)
			return nil
		})
	}
	// Workers only return nil; Wait is for synchronization.
	_ = g.Wait()
	return densities
}

// markAccessed bumps access counters for the returned memories in both
// stores. Fire and forget: the bump must not delay or fail the request, and
// it survives client disconnects via a detached context.
func (r *Retriever) markAccessed(ctx context.Context, scored []Scored) {
	memoryIDs := make([]string, len(scored))
	vectorIDs := make([]string, len(scored))
	for i, s := range scored {
		memoryIDs[i] = s.Memory.ID
		vectorIDs[i] = s.Memory.VectorID
	}

	bg := context.WithoutCancel(ctx)
	at := r.now()
	go func() {
		if err := r.metadata.MarkAccessed(bg, memoryIDs, at); err != nil {
			r.logger.Warn("retrieval: mark accessed (metadata) failed", "err", err)
		}
		if err := r.vectors.MarkAccessed(bg, vectorIDs, at); err != nil {
			r.logger.Warn("retrieval: mark accessed (vectors) failed", "err", err)
		}
	}()
}
