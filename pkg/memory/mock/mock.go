// Package mock provides in-memory test doubles for the memory store
// interfaces.
//
// Each mock records every method call for assertion in tests, keeps a small
// in-memory state so create/read/delete sequences behave realistically, and
// exposes exported *Err fields that inject failures. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	idx := &mock.SemanticIndex{}
//	meta := &mock.MetadataStore{InsertMemoryErr: errors.New("boom")}
//
//	// inject into the system under test …
//
//	if got := idx.CallCount("Delete"); got != 1 {
//	    t.Errorf("expected 1 compensating Delete, got %d", got)
//	}
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// ─────────────────────────────────────────────────────────────────────────────
// SemanticIndex mock
// ─────────────────────────────────────────────────────────────────────────────

// SemanticIndex is a configurable test double for [memory.SemanticIndex].
// Inserted records are kept in an internal map so Search, Delete, and
// invariant assertions see consistent state.
type SemanticIndex struct {
	mu sync.Mutex

	calls   []Call
	records map[string]memory.VectorRecord

	// InsertErr is returned by Insert when non-nil. The record is not stored.
	InsertErr error

	// SearchResult, when non-nil, overrides the state-derived search result.
	SearchResult []memory.VectorHit

	// SearchErr is returned by Search when non-nil.
	SearchErr error

	// UpdateErr is returned by Update when non-nil.
	UpdateErr error

	// MarkAccessedErr is returned by MarkAccessed when non-nil.
	MarkAccessedErr error

	// DeleteErr is returned by Delete when non-nil. The record is kept.
	DeleteErr error

	// SimilarityFn, when set, computes the similarity reported for a stored
	// record during state-derived searches. Defaults to 0.
	SimilarityFn func(rec memory.VectorRecord, embedding []float32) float64
}

// Calls returns a copy of all recorded method invocations.
func (m *SemanticIndex) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *SemanticIndex) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and stored records without altering the
// response configuration.
func (m *SemanticIndex) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.records = nil
}

// Records returns a copy of all currently stored records keyed by id.
func (m *SemanticIndex) Records() map[string]memory.VectorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]memory.VectorRecord, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out
}

// Insert implements [memory.SemanticIndex].
func (m *SemanticIndex) Insert(_ context.Context, rec memory.VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Insert", Args: []any{rec}})
	if m.InsertErr != nil {
		return m.InsertErr
	}
	if m.records == nil {
		m.records = map[string]memory.VectorRecord{}
	}
	m.records[rec.ID] = rec
	return nil
}

// Search implements [memory.SemanticIndex].
func (m *SemanticIndex) Search(_ context.Context, personaID string, embedding []float32, topK int) ([]memory.VectorHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{personaID, embedding, topK}})
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	if m.SearchResult != nil {
		out := make([]memory.VectorHit, len(m.SearchResult))
		copy(out, m.SearchResult)
		return out, nil
	}

	hits := []memory.VectorHit{}
	for _, rec := range m.records {
		if rec.PersonaID != personaID {
			continue
		}
		sim := 0.0
		if m.SimilarityFn != nil {
			sim = m.SimilarityFn(rec, embedding)
		}
		hits = append(hits, memory.VectorHit{Record: rec, Similarity: sim})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Record.ID < hits[j].Record.ID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Update implements [memory.SemanticIndex].
func (m *SemanticIndex) Update(_ context.Context, id string, content string, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Update", Args: []any{id, content, embedding}})
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	rec, ok := m.records[id]
	if !ok {
		return memory.ErrNotFound
	}
	rec.Content = content
	rec.Embedding = embedding
	m.records[id] = rec
	return nil
}

// MarkAccessed implements [memory.SemanticIndex].
func (m *SemanticIndex) MarkAccessed(_ context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "MarkAccessed", Args: []any{ids, at}})
	if m.MarkAccessedErr != nil {
		return m.MarkAccessedErr
	}
	for _, id := range ids {
		if rec, ok := m.records[id]; ok {
			rec.LastAccessedAt = at
			rec.AccessCount++
			m.records[id] = rec
		}
	}
	return nil
}

// Delete implements [memory.SemanticIndex].
func (m *SemanticIndex) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Delete", Args: []any{id}})
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.records, id)
	return nil
}

var _ memory.SemanticIndex = (*SemanticIndex)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// KnowledgeGraph mock
// ─────────────────────────────────────────────────────────────────────────────

// KnowledgeGraph is a configurable test double for [memory.KnowledgeGraph].
type KnowledgeGraph struct {
	mu sync.Mutex

	calls []Call
	nodes map[string]memory.GraphNode
	edges []memory.GraphEdge

	// UpsertNodeErr is returned by UpsertNode when non-nil.
	UpsertNodeErr error

	// UpsertRelationErr is returned by UpsertRelation when non-nil.
	UpsertRelationErr error

	// NeighborhoodResult, when non-nil, overrides the state-derived result.
	NeighborhoodResult *memory.Subgraph

	// NeighborhoodErr is returned by Neighborhood when non-nil.
	NeighborhoodErr error

	// PersonaGraphErr is returned by PersonaGraph when non-nil.
	PersonaGraphErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *KnowledgeGraph) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *KnowledgeGraph) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls, nodes, and edges.
func (m *KnowledgeGraph) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.nodes = nil
	m.edges = nil
}

func nodeKey(personaID, name string) string { return personaID + "\x00" + name }

// UpsertNode implements [memory.KnowledgeGraph].
func (m *KnowledgeGraph) UpsertNode(_ context.Context, node memory.GraphNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpsertNode", Args: []any{node}})
	if m.UpsertNodeErr != nil {
		return m.UpsertNodeErr
	}
	if m.nodes == nil {
		m.nodes = map[string]memory.GraphNode{}
	}
	m.nodes[nodeKey(node.PersonaID, node.Name)] = node
	return nil
}

// UpsertRelation implements [memory.KnowledgeGraph].
func (m *KnowledgeGraph) UpsertRelation(_ context.Context, edge memory.GraphEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpsertRelation", Args: []any{edge}})
	if m.UpsertRelationErr != nil {
		return m.UpsertRelationErr
	}
	switch edge.Kind {
	case memory.RelMentions, memory.RelRelatedTo, memory.RelBelongsTo:
	default:
		edge.Kind = memory.RelRelatedTo
	}
	m.edges = append(m.edges, edge)
	return nil
}

// Neighborhood implements [memory.KnowledgeGraph]. The state-derived result
// contains every node and edge of the persona reachable from entityName,
// ignoring depth (sufficient for the small fixtures used in tests).
func (m *KnowledgeGraph) Neighborhood(_ context.Context, personaID, entityName string, depth int) (*memory.Subgraph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Neighborhood", Args: []any{personaID, entityName, depth}})
	if m.NeighborhoodErr != nil {
		return nil, m.NeighborhoodErr
	}
	if m.NeighborhoodResult != nil {
		return m.NeighborhoodResult, nil
	}
	if _, ok := m.nodes[nodeKey(personaID, entityName)]; !ok {
		return nil, memory.ErrNotFound
	}
	return m.personaSubgraphLocked(personaID), nil
}

// PersonaGraph implements [memory.KnowledgeGraph].
func (m *KnowledgeGraph) PersonaGraph(_ context.Context, personaID string) (*memory.Subgraph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "PersonaGraph", Args: []any{personaID}})
	if m.PersonaGraphErr != nil {
		return nil, m.PersonaGraphErr
	}
	return m.personaSubgraphLocked(personaID), nil
}

func (m *KnowledgeGraph) personaSubgraphLocked(personaID string) *memory.Subgraph {
	sub := &memory.Subgraph{Nodes: []memory.GraphNode{}, Edges: []memory.GraphEdge{}}
	for _, n := range m.nodes {
		if n.PersonaID == personaID {
			sub.Nodes = append(sub.Nodes, n)
		}
	}
	sort.Slice(sub.Nodes, func(i, j int) bool { return sub.Nodes[i].Name < sub.Nodes[j].Name })
	for _, e := range m.edges {
		if e.PersonaID == personaID {
			sub.Edges = append(sub.Edges, e)
		}
	}
	return sub
}

var _ memory.KnowledgeGraph = (*KnowledgeGraph)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// MetadataStore mock
// ─────────────────────────────────────────────────────────────────────────────

// MetadataStore is a configurable test double for [memory.MetadataStore].
type MetadataStore struct {
	mu sync.Mutex

	calls    []Call
	personas map[string]memory.Persona
	memories map[string]memory.Memory
	config   map[string][]byte

	// CreatePersonaErr is returned by CreatePersona when non-nil.
	CreatePersonaErr error

	// GetPersonaErr is returned by GetPersona when non-nil.
	GetPersonaErr error

	// UpdatePersonaErr is returned by UpdatePersona when non-nil.
	UpdatePersonaErr error

	// DeletePersonaErr is returned by DeletePersona when non-nil.
	DeletePersonaErr error

	// InsertMemoryErr is returned by InsertMemory when non-nil. The row is
	// not stored, which makes it the natural lever for rollback tests.
	InsertMemoryErr error

	// GetMemoryErr is returned by GetMemory when non-nil.
	GetMemoryErr error

	// ListMemoriesErr is returned by ListMemories when non-nil.
	ListMemoriesErr error

	// UpdateMemoryErr is returned by UpdateMemory when non-nil.
	UpdateMemoryErr error

	// MarkAccessedErr is returned by MarkAccessed when non-nil.
	MarkAccessedErr error

	// DeleteMemoryErr is returned by DeleteMemory when non-nil.
	DeleteMemoryErr error

	// ConfigErr is returned by GetConfig, SetConfig, DeleteConfig, and
	// ListConfig when non-nil.
	ConfigErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *MetadataStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *MetadataStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and all stored state.
func (m *MetadataStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.personas = nil
	m.memories = nil
	m.config = nil
}

// Memories returns a copy of all stored memory rows keyed by id.
func (m *MetadataStore) Memories() map[string]memory.Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]memory.Memory, len(m.memories))
	for k, v := range m.memories {
		out[k] = v
	}
	return out
}

// CreatePersona implements [memory.MetadataStore].
func (m *MetadataStore) CreatePersona(_ context.Context, p memory.Persona) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "CreatePersona", Args: []any{p}})
	if m.CreatePersonaErr != nil {
		return m.CreatePersonaErr
	}
	if m.personas == nil {
		m.personas = map[string]memory.Persona{}
	}
	if _, exists := m.personas[p.ID]; !exists {
		m.personas[p.ID] = p
	}
	return nil
}

// GetPersona implements [memory.MetadataStore].
func (m *MetadataStore) GetPersona(_ context.Context, id string) (*memory.Persona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetPersona", Args: []any{id}})
	if m.GetPersonaErr != nil {
		return nil, m.GetPersonaErr
	}
	p, ok := m.personas[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// ListPersonas implements [memory.MetadataStore].
func (m *MetadataStore) ListPersonas(_ context.Context) ([]memory.Persona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ListPersonas", Args: nil})
	out := []memory.Persona{}
	for _, p := range m.personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdatePersona implements [memory.MetadataStore].
func (m *MetadataStore) UpdatePersona(_ context.Context, p memory.Persona) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpdatePersona", Args: []any{p}})
	if m.UpdatePersonaErr != nil {
		return m.UpdatePersonaErr
	}
	existing, ok := m.personas[p.ID]
	if !ok {
		return memory.ErrNotFound
	}
	existing.Description = p.Description
	existing.SystemPrompt = p.SystemPrompt
	existing.UpdatedAt = p.UpdatedAt
	m.personas[p.ID] = existing
	return nil
}

// DeletePersona implements [memory.MetadataStore].
func (m *MetadataStore) DeletePersona(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "DeletePersona", Args: []any{id}})
	if m.DeletePersonaErr != nil {
		return nil, m.DeletePersonaErr
	}
	if _, ok := m.personas[id]; !ok {
		return nil, memory.ErrNotFound
	}
	delete(m.personas, id)
	vectorIDs := []string{}
	for mid, mem := range m.memories {
		if mem.PersonaID == id {
			vectorIDs = append(vectorIDs, mem.VectorID)
			delete(m.memories, mid)
		}
	}
	sort.Strings(vectorIDs)
	return vectorIDs, nil
}

// InsertMemory implements [memory.MetadataStore].
func (m *MetadataStore) InsertMemory(_ context.Context, mem memory.Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "InsertMemory", Args: []any{mem}})
	if m.InsertMemoryErr != nil {
		return m.InsertMemoryErr
	}
	if m.memories == nil {
		m.memories = map[string]memory.Memory{}
	}
	m.memories[mem.ID] = mem
	return nil
}

// GetMemory implements [memory.MetadataStore].
func (m *MetadataStore) GetMemory(_ context.Context, id string) (*memory.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetMemory", Args: []any{id}})
	if m.GetMemoryErr != nil {
		return nil, m.GetMemoryErr
	}
	mem, ok := m.memories[id]
	if !ok {
		return nil, nil
	}
	return &mem, nil
}

// MemoriesByVectorIDs implements [memory.MetadataStore].
func (m *MetadataStore) MemoriesByVectorIDs(_ context.Context, personaID string, vectorIDs []string) (map[string]memory.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "MemoriesByVectorIDs", Args: []any{personaID, vectorIDs}})
	out := map[string]memory.Memory{}
	for _, vid := range vectorIDs {
		for _, mem := range m.memories {
			if mem.PersonaID == personaID && mem.VectorID == vid {
				out[vid] = mem
			}
		}
	}
	return out, nil
}

// ListMemories implements [memory.MetadataStore].
func (m *MetadataStore) ListMemories(_ context.Context, filter memory.MemoryFilter) ([]memory.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ListMemories", Args: []any{filter}})
	if m.ListMemoriesErr != nil {
		return nil, m.ListMemoriesErr
	}
	out := []memory.Memory{}
	for _, mem := range m.memories {
		if filter.PersonaID != "" && mem.PersonaID != filter.PersonaID {
			continue
		}
		if filter.Type != "" && mem.Type != filter.Type {
			continue
		}
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []memory.Memory{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateMemory implements [memory.MetadataStore].
func (m *MetadataStore) UpdateMemory(_ context.Context, mem memory.Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpdateMemory", Args: []any{mem}})
	if m.UpdateMemoryErr != nil {
		return m.UpdateMemoryErr
	}
	existing, ok := m.memories[mem.ID]
	if !ok {
		return memory.ErrNotFound
	}
	existing.Content = mem.Content
	existing.EventTime = mem.EventTime
	existing.Metadata = mem.Metadata
	m.memories[mem.ID] = existing
	return nil
}

// MarkAccessed implements [memory.MetadataStore].
func (m *MetadataStore) MarkAccessed(_ context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "MarkAccessed", Args: []any{ids, at}})
	if m.MarkAccessedErr != nil {
		return m.MarkAccessedErr
	}
	for _, id := range ids {
		if mem, ok := m.memories[id]; ok {
			mem.LastAccessedAt = at
			mem.AccessCount++
			m.memories[id] = mem
		}
	}
	return nil
}

// DeleteMemory implements [memory.MetadataStore].
func (m *MetadataStore) DeleteMemory(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "DeleteMemory", Args: []any{id}})
	if m.DeleteMemoryErr != nil {
		return "", m.DeleteMemoryErr
	}
	mem, ok := m.memories[id]
	if !ok {
		return "", memory.ErrNotFound
	}
	delete(m.memories, id)
	return mem.VectorID, nil
}

// GetConfig implements [memory.MetadataStore].
func (m *MetadataStore) GetConfig(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetConfig", Args: []any{key}})
	if m.ConfigErr != nil {
		return nil, m.ConfigErr
	}
	v, ok := m.config[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// SetConfig implements [memory.MetadataStore].
func (m *MetadataStore) SetConfig(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SetConfig", Args: []any{key, value}})
	if m.ConfigErr != nil {
		return m.ConfigErr
	}
	if m.config == nil {
		m.config = map[string][]byte{}
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.config[key] = v
	return nil
}

// DeleteConfig implements [memory.MetadataStore].
func (m *MetadataStore) DeleteConfig(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "DeleteConfig", Args: []any{key}})
	if m.ConfigErr != nil {
		return m.ConfigErr
	}
	delete(m.config, key)
	return nil
}

// ListConfig implements [memory.MetadataStore].
func (m *MetadataStore) ListConfig(_ context.Context) ([]memory.ConfigEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ListConfig", Args: nil})
	if m.ConfigErr != nil {
		return nil, m.ConfigErr
	}
	out := []memory.ConfigEntry{}
	for k, v := range m.config {
		val := make([]byte, len(v))
		copy(val, v)
		out = append(out, memory.ConfigEntry{Key: k, Value: val})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

var _ memory.MetadataStore = (*MetadataStore)(nil)
