// Package postgres provides the PostgreSQL-backed implementation of the three
// memory stores (semantic index, knowledge graph, metadata store).
//
// All three stores share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Vectors().Insert(ctx, rec)
//	_ = store.Graph().UpsertNode(ctx, node)
//	_ = store.Metadata().InsertMemory(ctx, mem)
package postgres

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TableNames selects the physical table names of the knowledge graph. The
// names are configurable because deployments migrating from other graph
// engines keep their original table vocabulary.
type TableNames struct {
	User    string
	Entity  string
	Concept string

	Mentions  string
	RelatedTo string
	BelongsTo string
}

// DefaultTableNames are used when no override is configured.
func DefaultTableNames() TableNames {
	return TableNames{
		User:      "graph_users",
		Entity:    "graph_entities",
		Concept:   "graph_concepts",
		Mentions:  "graph_mentions",
		RelatedTo: "graph_related_to",
		BelongsTo: "graph_belongs_to",
	}
}

// identRe matches safe SQL identifiers. Table names are interpolated into
// DDL and queries, so anything else is rejected up front.
var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// Validate rejects empty or unsafe identifiers.
func (t TableNames) Validate() error {
	for _, name := range []string{t.User, t.Entity, t.Concept, t.Mentions, t.RelatedTo, t.BelongsTo} {
		if !identRe.MatchString(name) {
			return fmt.Errorf("postgres: invalid graph table name %q", name)
		}
	}
	return nil
}

func (t TableNames) nodeTables() []string { return []string{t.User, t.Entity, t.Concept} }

func (t TableNames) edgeTables() []string { return []string{t.Mentions, t.RelatedTo, t.BelongsTo} }

// ─────────────────────────────────────────────────────────────────────────────
// Metadata DDL — personas, memories, configurations
// ─────────────────────────────────────────────────────────────────────────────

const ddlMetadata = `
CREATE TABLE IF NOT EXISTS personas (
    id            TEXT         PRIMARY KEY,
    description   TEXT         NOT NULL DEFAULT '',
    system_prompt TEXT         NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS memories (
    id               TEXT         PRIMARY KEY,
    persona_id       TEXT         NOT NULL REFERENCES personas (id),
    vector_id        TEXT         NOT NULL UNIQUE,
    entity_id        TEXT         NOT NULL DEFAULT '',
    type             TEXT         NOT NULL DEFAULT 'long_term',
    content          TEXT         NOT NULL,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    event_time       TIMESTAMPTZ,
    last_accessed_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    access_count     INTEGER      NOT NULL DEFAULT 0,
    score            DOUBLE PRECISION NOT NULL DEFAULT 0,
    metadata         JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_memories_persona_type
    ON memories (persona_id, type);

CREATE INDEX IF NOT EXISTS idx_memories_persona_created
    ON memories (persona_id, created_at);

CREATE INDEX IF NOT EXISTS idx_memories_vector_entity
    ON memories (vector_id, entity_id);

CREATE INDEX IF NOT EXISTS idx_memories_event_time_persona
    ON memories (event_time, persona_id);

CREATE TABLE IF NOT EXISTS configurations (
    key        TEXT         PRIMARY KEY,
    value      JSONB        NOT NULL,
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Vector DDL — semantic index
// ─────────────────────────────────────────────────────────────────────────────

// ddlVectors returns the semantic-index DDL with the embedding dimension
// substituted. The dimension is baked into the column type at schema creation
// time; changing it later requires a manual migration.
func ddlVectors(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_vectors (
    id               TEXT         PRIMARY KEY,
    persona_id       TEXT         NOT NULL,
    content          TEXT         NOT NULL,
    embedding        vector(%d),
    entity_id        TEXT         NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_accessed_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    access_count     INTEGER      NOT NULL DEFAULT 0,
    score            DOUBLE PRECISION NOT NULL DEFAULT 0,
    metadata         JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_memory_vectors_persona
    ON memory_vectors (persona_id);

CREATE INDEX IF NOT EXISTS idx_memory_vectors_embedding
    ON memory_vectors USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// ─────────────────────────────────────────────────────────────────────────────
// Graph DDL — node and relation tables
// ─────────────────────────────────────────────────────────────────────────────

// ddlGraph returns the knowledge-graph DDL for the configured table names.
// Node tables are keyed (persona_id, name); edge tables
// (persona_id, from_name, to_name). Table names pass [TableNames.Validate]
// before they reach this function.
func ddlGraph(t TableNames) string {
	var ddl string
	for _, table := range t.nodeTables() {
		ddl += fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    persona_id  TEXT         NOT NULL,
    name        TEXT         NOT NULL,
    type        TEXT         NOT NULL DEFAULT '',
    description TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (persona_id, name)
);
`, table)
	}
	for _, table := range t.edgeTables() {
		ddl += fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    persona_id  TEXT             NOT NULL,
    from_name   TEXT             NOT NULL,
    to_name     TEXT             NOT NULL,
    weight      DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    created_at  TIMESTAMPTZ      NOT NULL DEFAULT now(),
    PRIMARY KEY (persona_id, from_name, to_name)
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_to
    ON %[1]s (persona_id, to_name);
`, table)
	}
	return ddl
}

// Migrate creates or ensures all required tables, indexes, and extensions
// exist. It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT
// EXISTS) and safe to call on every application start.
//
// embeddingDimensions must match the output dimension of the configured
// embedding model (e.g. 1536 for text-embedding-3-small, 1024 for bge-m3).
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int, tables TableNames) error {
	if err := tables.Validate(); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}

	statements := []string{
		ddlMetadata,
		ddlVectors(embeddingDimensions),
		ddlGraph(tables),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
