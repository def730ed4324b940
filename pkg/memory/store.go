// Package memory defines the three coordinated stores behind the memory
// pipeline:
//
//   - [SemanticIndex]: a vector store for embedding-based similarity search
//     over memory content, scoped by persona.
//   - [KnowledgeGraph]: a graph of named entities, concepts, and users with
//     typed relations, supporting k-hop neighborhood expansion.
//   - [MetadataStore]: the relational source of truth for personas, memory
//     rows, access counters, and persisted runtime configuration.
//
// All interfaces are public so that external packages can supply alternative
// storage backends without depending on internals. The bundled implementation
// lives in the postgres subpackage; call-recording test doubles live in mock.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookups whose subject does not exist and whose
// contract requires the subject to exist (updates, focused graph queries).
// Plain getters return (nil, nil) on absence instead.
var ErrNotFound = errors.New("memory: not found")

// ValidationError reports input rejected at the store boundary before any
// write happened (oversized graph identifiers, empty keys, …).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("memory: invalid %s: %s", e.Field, e.Reason)
}

// ─────────────────────────────────────────────────────────────────────────────
// Semantic index (vector store)
// ─────────────────────────────────────────────────────────────────────────────

// SemanticIndex is the vector store. Callers produce embeddings before
// inserting or searching; the index never calls an embedding provider itself.
//
// Implementations must be safe for concurrent use.
type SemanticIndex interface {
	// Insert stores a record. If a record with the same ID already exists it
	// is completely replaced (upsert).
	Insert(ctx context.Context, rec VectorRecord) error

	// Search finds the topK records of personaID whose embeddings are closest
	// to the query embedding by cosine similarity. Results are ordered by
	// descending Similarity and never include records of another persona.
	// Returns an empty (non-nil) slice when nothing matches; topK larger than
	// the persona's corpus returns the whole corpus.
	Search(ctx context.Context, personaID string, embedding []float32, topK int) ([]VectorHit, error)

	// Update replaces content and embedding of an existing record, preserving
	// CreatedAt and AccessCount. Returns [ErrNotFound] when absent.
	Update(ctx context.Context, id string, content string, embedding []float32) error

	// MarkAccessed sets last_accessed_at = at and increments access_count for
	// every listed record. Missing ids are ignored.
	MarkAccessed(ctx context.Context, ids []string, at time.Time) error

	// Delete removes a record. Deleting a non-existent record is not an error.
	Delete(ctx context.Context, id string) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Knowledge graph
// ─────────────────────────────────────────────────────────────────────────────

// KnowledgeGraph is the graph store. Nodes are keyed by (persona id, name)
// within their kind; mutations are upserts and never fail on duplicates.
//
// There is deliberately no delete path: entities and concepts are long-lived
// knowledge that outlives individual memories and even persona cascades.
//
// Implementations must be safe for concurrent use.
type KnowledgeGraph interface {
	// UpsertNode creates the node if absent, otherwise refreshes its type,
	// description, and UpdatedAt. Identifier limits (name ≤ 100, type ≤ 50)
	// are enforced with a [ValidationError]; descriptions are truncated.
	UpsertNode(ctx context.Context, node GraphNode) error

	// UpsertRelation creates or refreshes a directed edge. Both endpoints are
	// created as Entity nodes if absent. An unrecognized Kind is downgraded
	// to RELATED_TO with a warning log.
	UpsertRelation(ctx context.Context, edge GraphEdge) error

	// Neighborhood returns the subgraph reachable from the named entity
	// within depth hops, scoped to personaID. Returns [ErrNotFound] when the
	// focus entity does not exist.
	Neighborhood(ctx context.Context, personaID, entityName string, depth int) (*Subgraph, error)

	// PersonaGraph returns every node and edge of one persona.
	PersonaGraph(ctx context.Context, personaID string) (*Subgraph, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Metadata store
// ─────────────────────────────────────────────────────────────────────────────

// MetadataStore is the relational source of truth for personas, memory rows,
// and persisted configuration. Write operations are transactional per call:
// they either fully apply or leave no trace.
//
// Implementations must be safe for concurrent use.
type MetadataStore interface {
	// CreatePersona inserts a persona. Creating an already-existing id is a
	// no-op so that repeated bootstrap calls are idempotent.
	CreatePersona(ctx context.Context, p Persona) error

	// GetPersona returns (nil, nil) when the persona does not exist.
	GetPersona(ctx context.Context, id string) (*Persona, error)

	// ListPersonas returns all personas ordered by id.
	// Returns an empty (non-nil) slice when none exist.
	ListPersonas(ctx context.Context) ([]Persona, error)

	// UpdatePersona replaces description and system prompt.
	// Returns [ErrNotFound] when absent.
	UpdatePersona(ctx context.Context, p Persona) error

	// DeletePersona removes the persona row and every memory row it owns in
	// one transaction, returning the VectorIDs of the removed memories so the
	// caller can issue the vector-store deletes. Deleting a non-existent
	// persona returns [ErrNotFound].
	DeletePersona(ctx context.Context, id string) (vectorIDs []string, err error)

	// InsertMemory inserts a memory row. The persona must exist.
	InsertMemory(ctx context.Context, m Memory) error

	// GetMemory returns (nil, nil) when the memory does not exist.
	GetMemory(ctx context.Context, id string) (*Memory, error)

	// MemoriesByVectorIDs resolves vector-store handles back to memory rows,
	// keyed by VectorID. Unknown handles are simply absent from the map.
	MemoriesByVectorIDs(ctx context.Context, personaID string, vectorIDs []string) (map[string]Memory, error)

	// ListMemories returns memories matching filter, newest first.
	// Returns an empty (non-nil) slice when nothing matches.
	ListMemories(ctx context.Context, filter MemoryFilter) ([]Memory, error)

	// UpdateMemory replaces content, event time, and metadata of an existing
	// row, preserving ID, CreatedAt, and AccessCount.
	// Returns [ErrNotFound] when absent.
	UpdateMemory(ctx context.Context, m Memory) error

	// MarkAccessed sets last_accessed_at = at and increments access_count for
	// every listed memory id. Missing ids are ignored.
	MarkAccessed(ctx context.Context, ids []string, at time.Time) error

	// DeleteMemory removes one memory row and reports the VectorID it carried
	// so the caller can delete the vector record.
	// Returns [ErrNotFound] when absent.
	DeleteMemory(ctx context.Context, id string) (vectorID string, err error)

	// GetConfig returns the raw JSON value stored under key, or (nil, nil)
	// when the key has never been written.
	GetConfig(ctx context.Context, key string) ([]byte, error)

	// SetConfig upserts the raw JSON value stored under key.
	SetConfig(ctx context.Context, key string, value []byte) error

	// DeleteConfig removes a persisted value so the key falls back to
	// compiled defaults. Deleting a missing key is not an error.
	DeleteConfig(ctx context.Context, key string) error

	// ListConfig returns all persisted entries ordered by key.
	// Returns an empty (non-nil) slice when none exist.
	ListConfig(ctx context.Context) ([]ConfigEntry, error)
}
