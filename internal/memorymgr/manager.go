// Package memorymgr coordinates writes across the semantic index, the
// knowledge graph, and the metadata store so the three stay consistent
// without distributed transactions.
//
// Write order is fixed: embed, insert the vector, insert the metadata row.
// A metadata failure triggers a compensating delete of the just-inserted
// vector; the graph is intentionally not rolled back, since stray nodes only
// inflate the density signal slightly and are reconciled by later upserts.
package memorymgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mnemohq/mnemo/pkg/memory"
	"github.com/mnemohq/mnemo/pkg/provider/embeddings"
)

// Manager is the single write path for memories. All mutations issued by the
// HTTP API, the MCP tools, and the extraction pipeline go through it.
type Manager struct {
	embedder embeddings.Provider
	vectors  memory.SemanticIndex
	graph    memory.KnowledgeGraph
	metadata memory.MetadataStore

	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option is a functional option for Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// withIDs overrides the id generator. Test hook.
func withIDs(newID func() string) Option {
	return func(m *Manager) {
		m.newID = newID
	}
}

// New creates a Manager over the three stores and the embedding provider.
func New(embedder embeddings.Provider, vectors memory.SemanticIndex, graph memory.KnowledgeGraph, metadata memory.MetadataStore, opts ...Option) *Manager {
	m := &Manager{
		embedder: embedder,
		vectors:  vectors,
		graph:    graph,
		metadata: metadata,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CreateRequest carries the inputs for a new memory.
type CreateRequest struct {
	PersonaID string
	Content   string

	// EventTime is the in-content time the remembered event occurred. Nil
	// when the source carried no time anchor.
	EventTime *time.Time

	// EntityID optionally links the memory to a knowledge-graph entity.
	EntityID string

	Metadata map[string]any
}

// Create embeds and persists a new memory. The vector record is written
// first; if the metadata insert then fails, the vector is deleted again so
// no unreachable content lingers in the index.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*memory.Memory, error) {
	if req.PersonaID == "" {
		return nil, &memory.ValidationError{Field: "persona_id", Reason: "must not be empty"}
	}
	if req.Content == "" {
		return nil, &memory.ValidationError{Field: "content", Reason: "must not be empty"}
	}

	persona, err := m.metadata.GetPersona(ctx, req.PersonaID)
	if err != nil {
		return nil, fmt.Errorf("memorymgr: load persona: %w", err)
	}
	if persona == nil {
		return nil, fmt.Errorf("memorymgr: persona %q: %w", req.PersonaID, memory.ErrNotFound)
	}

	embedding, err := m.embedder.Embed(ctx, req.Content)
	if err != nil {
		return nil, fmt.Errorf("memorymgr: embed content: %w", err)
	}

	now := m.now()
	mem := memory.Memory{
		ID:             m.newID(),
		PersonaID:      req.PersonaID,
		VectorID:       m.newID(),
		EntityID:       req.EntityID,
		Type:           memory.MemoryTypeLongTerm,
		Content:        req.Content,
		CreatedAt:      now,
		EventTime:      req.EventTime,
		LastAccessedAt: now,
		Metadata:       req.Metadata,
	}

	rec := memory.VectorRecord{
		ID:             mem.VectorID,
		PersonaID:      mem.PersonaID,
		Content:        mem.Content,
		Embedding:      embedding,
		EntityID:       mem.EntityID,
		CreatedAt:      now,
		LastAccessedAt: now,
		Metadata:       req.Metadata,
	}
	if err := m.vectors.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("memorymgr: insert vector: %w", err)
	}

	if err := m.metadata.InsertMemory(ctx, mem); err != nil {
		// Compensate so the index holds no content the metadata store
		// cannot account for.
		if delErr := m.vectors.Delete(ctx, mem.VectorID); delErr != nil {
			m.logger.Error("memorymgr: compensating vector delete failed; orphaned vector remains",
				"vector_id", mem.VectorID, "persona", mem.PersonaID, "err", delErr)
		}
		return nil, fmt.Errorf("memorymgr: insert metadata: %w", err)
	}

	return &mem, nil
}

// Get returns a memory by id, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*memory.Memory, error) {
	mem, err := m.metadata.GetMemory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("memorymgr: get memory: %w", err)
	}
	if mem == nil {
		return nil, fmt.Errorf("memorymgr: memory %q: %w", id, memory.ErrNotFound)
	}
	return mem, nil
}

// UpdateRequest carries the mutable fields of a memory. Nil fields are left
// unchanged.
type UpdateRequest struct {
	Content   *string
	EventTime *time.Time

	// ClearEventTime removes the event time. Takes precedence over EventTime.
	ClearEventTime bool

	Metadata map[string]any
}

// Update modifies a memory's content, event time, or metadata. Identity
// fields (id, persona, vector id, created_at, access counters) never change.
// A content change re-embeds and updates the vector record in place under
// the same vector id.
func (m *Manager) Update(ctx context.Context, id string, req UpdateRequest) (*memory.Memory, error) {
	mem, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Content != nil && *req.Content != mem.Content {
		if *req.Content == "" {
			return nil, &memory.ValidationError{Field: "content", Reason: "must not be empty"}
		}
		embedding, err := m.embedder.Embed(ctx, *req.Content)
		if err != nil {
			return nil, fmt.Errorf("memorymgr: embed updated content: %w", err)
		}
		if err := m.vectors.Update(ctx, mem.VectorID, *req.Content, embedding); err != nil {
			return nil, fmt.Errorf("memorymgr: update vector: %w", err)
		}
		mem.Content = *req.Content
	}

	if req.ClearEventTime {
		mem.EventTime = nil
	} else if req.EventTime != nil {
		mem.EventTime = req.EventTime
	}
	if req.Metadata != nil {
		mem.Metadata = req.Metadata
	}

	if err := m.metadata.UpdateMemory(ctx, *mem); err != nil {
		return nil, fmt.Errorf("memorymgr: update metadata: %w", err)
	}
	return mem, nil
}

// Delete removes a memory. The metadata row is the source of truth and is
// deleted first; a failing vector delete is logged, not fatal, since an
// orphaned vector can no longer be surfaced once its metadata row is gone.
func (m *Manager) Delete(ctx context.Context, id string) error {
	vectorID, err := m.metadata.DeleteMemory(ctx, id)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return fmt.Errorf("memorymgr: memory %q: %w", id, memory.ErrNotFound)
		}
		return fmt.Errorf("memorymgr: delete metadata: %w", err)
	}
	if err := m.vectors.Delete(ctx, vectorID); err != nil {
		m.logger.Warn("memorymgr: vector delete failed after metadata delete",
			"memory_id", id, "vector_id", vectorID, "err", err)
	}
	return nil
}

// List returns memories matching filter, newest first.
func (m *Manager) List(ctx context.Context, filter memory.MemoryFilter) ([]memory.Memory, error) {
	out, err := m.metadata.ListMemories(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("memorymgr: list memories: %w", err)
	}
	return out, nil
}

// SearchResult pairs a memory with its similarity to the search query.
type SearchResult struct {
	Memory     memory.Memory
	Similarity float64
}

// Search embeds query and returns the persona's topK most similar memories.
// Unlike retrieval, search is a direct API operation: failures surface as
// errors and access counters are not bumped.
func (m *Manager) Search(ctx context.Context, personaID, query string, topK int) ([]SearchResult, error) {
	if personaID == "" {
		return nil, &memory.ValidationError{Field: "persona_id", Reason: "must not be empty"}
	}
	if query == "" {
		return nil, &memory.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if topK <= 0 {
		topK = 5
	}

	embedding, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memorymgr: embed query: %w", err)
	}

	hits, err := m.vectors.Search(ctx, personaID, embedding, topK)
	if err != nil {
		return nil, fmt.Errorf("memorymgr: vector search: %w", err)
	}
	if len(hits) == 0 {
		return []SearchResult{}, nil
	}

	vectorIDs := make([]string, len(hits))
	for i, h := range hits {
		vectorIDs[i] = h.Record.ID
	}
	rows, err := m.metadata.MemoriesByVectorIDs(ctx, personaID, vectorIDs)
	if err != nil {
		return nil, fmt.Errorf("memorymgr: metadata lookup: %w", err)
	}

	results := []SearchResult{}
	for _, h := range hits {
		row, ok := rows[h.Record.ID]
		if !ok {
			continue
		}
		results = append(results, SearchResult{Memory: row, Similarity: h.Similarity})
	}
	return results, nil
}

// Graph exposes the knowledge graph for entity and relation upserts issued
// alongside memory writes.
func (m *Manager) Graph() memory.KnowledgeGraph {
	return m.graph
}
