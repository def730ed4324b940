package memory

import "time"

// MemoryTypeLongTerm is the only memory type currently produced by the
// extraction pipeline. The column exists so future types (episodic,
// procedural, …) do not require a migration.
const MemoryTypeLongTerm = "long_term"

// Persona is the identity of an isolated memory space. Every memory, vector
// record, and graph node carries exactly one persona id; deleting a persona
// cascades to all owned records.
type Persona struct {
	// ID is the opaque primary key. It is also surfaced to API clients as the
	// persona half of the public model name ("<persona>/<model>").
	ID string

	// Description is free text shown in persona listings.
	Description string

	// SystemPrompt, when non-empty, is concatenated into the system turn of
	// every conversation routed through this persona.
	SystemPrompt string

	// CreatedAt is when the persona was first created.
	CreatedAt time.Time

	// UpdatedAt is when the persona was last modified.
	UpdatedAt time.Time
}

// Memory is a single unit of remembered content. The row lives in the
// metadata store; its embedding lives in the semantic index under VectorID.
type Memory struct {
	// ID is the stable identifier, unchanged across restarts and updates.
	ID string

	// PersonaID scopes the memory to one persona.
	PersonaID string

	// VectorID is the handle of the corresponding record in the semantic
	// index. Exactly one vector record exists per memory; VectorID is unique.
	VectorID string

	// EntityID optionally names a knowledge-graph entity (same persona)
	// associated with this memory. Empty when no entity was extracted.
	EntityID string

	// Type is currently always [MemoryTypeLongTerm].
	Type string

	// Content is the remembered text.
	Content string

	// CreatedAt is the wall-clock instant of ingestion.
	CreatedAt time.Time

	// EventTime is the in-content time the remembered event occurred, as
	// extracted by the LM. May predate CreatedAt ("last weekend"). Nil when
	// the conversation carried no time anchor.
	EventTime *time.Time

	// LastAccessedAt is bumped every time retrieval returns this memory.
	LastAccessedAt time.Time

	// AccessCount counts how often retrieval returned this memory.
	AccessCount int

	// Score is persisted as 0.0 at creation and never updated; ranking uses
	// the transient final score computed during retrieval.
	Score float64

	// Metadata is a free-form map persisted as JSONB.
	Metadata map[string]any
}

// VectorRecord is one entry in the semantic index. It mirrors the memory's
// content so persona-scoped similarity search needs no metadata join.
type VectorRecord struct {
	// ID is the vector-store handle referenced by [Memory.VectorID].
	ID string

	// PersonaID scopes the record; every search filters on it.
	PersonaID string

	// Content is the embedded text.
	Content string

	// Embedding must match the dimension fixed at index creation.
	Embedding []float32

	// EntityID optionally names an associated graph entity.
	EntityID string

	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
	Score          float64
	Metadata       map[string]any
}

// VectorHit pairs a retrieved record with its cosine similarity to the query
// embedding, normalised to [0,1] (1 = identical direction).
type VectorHit struct {
	Record VectorRecord

	Similarity float64
}

// MemoryFilter narrows a metadata-store memory listing.
// All non-zero fields are applied as AND conditions.
type MemoryFilter struct {
	// PersonaID restricts results to one persona. Required by the HTTP
	// surface; an empty string lists across personas (internal use only).
	PersonaID string

	// Type restricts results to one memory type. Empty matches all.
	Type string

	// Limit caps the number of results. 0 means the implementation default.
	Limit int

	// Offset skips that many rows (newest first ordering).
	Offset int
}

// GraphNodeKind distinguishes the three node tables of the knowledge graph.
type GraphNodeKind string

const (
	NodeUser    GraphNodeKind = "User"
	NodeEntity  GraphNodeKind = "Entity"
	NodeConcept GraphNodeKind = "Concept"
)

// Relation kinds understood by the knowledge graph. Anything else is
// downgraded to [RelRelatedTo] with a warning at the adapter.
const (
	RelMentions  = "MENTIONS"
	RelRelatedTo = "RELATED_TO"
	RelBelongsTo = "BELONGS_TO"
)

// GraphNode is a node in the persona's knowledge graph, keyed by
// (persona id, name) within its kind.
type GraphNode struct {
	PersonaID string

	// Name is the canonical display name and half of the primary key.
	Name string

	// Kind selects the node table (User, Entity, Concept).
	Kind GraphNodeKind

	// Type classifies Entity nodes (person, place, organization, …).
	// Empty for User and Concept nodes.
	Type string

	// Description is free text, truncated by the adapter at 1000 runes.
	Description string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GraphEdge is a directed, typed edge between two nodes of one persona.
type GraphEdge struct {
	PersonaID string

	// From and To are node names.
	From string
	To   string

	// Kind is one of RelMentions, RelRelatedTo, RelBelongsTo.
	Kind string

	// Weight is meaningful for RELATED_TO edges (default 1.0).
	Weight float64

	CreatedAt time.Time
}

// Subgraph is the result of a neighborhood or whole-persona graph query.
type Subgraph struct {
	Nodes []GraphNode
	Edges []GraphEdge
}

// ConfigEntry is one persisted runtime-configuration value.
type ConfigEntry struct {
	// Key is the configuration section name ("llm", "memory_system", …).
	Key string

	// Value is the raw JSON document for the section.
	Value []byte

	UpdatedAt time.Time
}
