package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// SemanticIndexImpl is the vector store backed by a PostgreSQL memory_vectors
// table with a pgvector HNSW index for fast approximate nearest-neighbour
// search.
//
// Obtain one via [Store.Vectors] rather than constructing directly.
// All methods are safe for concurrent use.
type SemanticIndexImpl struct {
	pool *pgxpool.Pool
}

// Insert implements [memory.SemanticIndex]. It upserts a record into the
// memory_vectors table. A record with the same ID is completely replaced.
func (s *SemanticIndexImpl) Insert(ctx context.Context, rec memory.VectorRecord) error {
	metaJSON, err := json.Marshal(orEmptyMap(rec.Metadata))
	if err != nil {
		return fmt.Errorf("semantic index: marshal metadata: %w", err)
	}

	const q = `
		INSERT INTO memory_vectors
		    (id, persona_id, content, embedding, entity_id, created_at,
		     last_accessed_at, access_count, score, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
		    persona_id       = EXCLUDED.persona_id,
		    content          = EXCLUDED.content,
		    embedding        = EXCLUDED.embedding,
		    entity_id        = EXCLUDED.entity_id,
		    last_accessed_at = EXCLUDED.last_accessed_at,
		    score            = EXCLUDED.score,
		    metadata         = EXCLUDED.metadata`

	_, err = s.pool.Exec(ctx, q,
		rec.ID,
		rec.PersonaID,
		rec.Content,
		pgvector.NewVector(rec.Embedding),
		rec.EntityID,
		orNow(rec.CreatedAt),
		orNow(rec.LastAccessedAt),
		rec.AccessCount,
		rec.Score,
		metaJSON,
	)
	if err != nil {
		return fmt.Errorf("semantic index: insert: %w", err)
	}
	return nil
}

// Search implements [memory.SemanticIndex]. It finds the topK records of
// personaID closest to the query embedding by cosine distance and reports
// similarity as 1 − distance, clamped to [0,1].
func (s *SemanticIndexImpl) Search(ctx context.Context, personaID string, embedding []float32, topK int) ([]memory.VectorHit, error) {
	const q = `
		SELECT id, persona_id, content, embedding, entity_id, created_at,
		       last_accessed_at, access_count, score, metadata,
		       embedding <=> $2 AS distance
		FROM   memory_vectors
		WHERE  persona_id = $1
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, personaID, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("semantic index: search: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.VectorHit, error) {
		var (
			hit      memory.VectorHit
			vec      pgvector.Vector
			metaJSON []byte
			distance float64
		)
		if err := row.Scan(
			&hit.Record.ID,
			&hit.Record.PersonaID,
			&hit.Record.Content,
			&vec,
			&hit.Record.EntityID,
			&hit.Record.CreatedAt,
			&hit.Record.LastAccessedAt,
			&hit.Record.AccessCount,
			&hit.Record.Score,
			&metaJSON,
			&distance,
		); err != nil {
			return memory.VectorHit{}, err
		}
		hit.Record.Embedding = vec.Slice()
		if err := json.Unmarshal(metaJSON, &hit.Record.Metadata); err != nil {
			return memory.VectorHit{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
		hit.Similarity = clamp01(1 - distance)
		return hit, nil
	})
	if err != nil {
		return nil, fmt.Errorf("semantic index: scan rows: %w", err)
	}
	if hits == nil {
		hits = []memory.VectorHit{}
	}
	return hits, nil
}

// Update implements [memory.SemanticIndex]. It replaces content and embedding
// of an existing record, preserving created_at and access_count.
func (s *SemanticIndexImpl) Update(ctx context.Context, id string, content string, embedding []float32) error {
	const q = `
		UPDATE memory_vectors
		SET    content = $2, embedding = $3
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, content, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("semantic index: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrNotFound
	}
	return nil
}

// MarkAccessed implements [memory.SemanticIndex].
func (s *SemanticIndexImpl) MarkAccessed(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `
		UPDATE memory_vectors
		SET    last_accessed_at = $2, access_count = access_count + 1
		WHERE  id = ANY($1::text[])`

	if _, err := s.pool.Exec(ctx, q, ids, at); err != nil {
		return fmt.Errorf("semantic index: mark accessed: %w", err)
	}
	return nil
}

// Delete implements [memory.SemanticIndex]. Deleting a non-existent record is
// not an error.
func (s *SemanticIndexImpl) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM memory_vectors WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("semantic index: delete: %w", err)
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
