package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// MetadataStoreImpl is the relational source of truth for personas, memory
// rows, and persisted configuration. Multi-statement writes run inside a
// transaction that is committed or rolled back before the call returns.
//
// Obtain one via [Store.Metadata] rather than constructing directly.
// All methods are safe for concurrent use.
type MetadataStoreImpl struct {
	pool *pgxpool.Pool
}

// CreatePersona implements [memory.MetadataStore]. Creating an existing id is
// a no-op so repeated bootstrap calls are idempotent.
func (m *MetadataStoreImpl) CreatePersona(ctx context.Context, p memory.Persona) error {
	if p.ID == "" {
		return &memory.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	const q = `
		INSERT INTO personas (id, description, system_prompt)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`

	if _, err := m.pool.Exec(ctx, q, p.ID, p.Description, p.SystemPrompt); err != nil {
		return fmt.Errorf("metadata store: create persona: %w", err)
	}
	return nil
}

// GetPersona implements [memory.MetadataStore].
// Returns (nil, nil) when the persona does not exist.
func (m *MetadataStoreImpl) GetPersona(ctx context.Context, id string) (*memory.Persona, error) {
	const q = `
		SELECT id, description, system_prompt, created_at, updated_at
		FROM   personas
		WHERE  id = $1`

	rows, err := m.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("metadata store: get persona: %w", err)
	}
	personas, err := pgx.CollectRows(rows, scanPersona)
	if err != nil {
		return nil, fmt.Errorf("metadata store: get persona: %w", err)
	}
	if len(personas) == 0 {
		return nil, nil
	}
	return &personas[0], nil
}

// ListPersonas implements [memory.MetadataStore].
func (m *MetadataStoreImpl) ListPersonas(ctx context.Context) ([]memory.Persona, error) {
	const q = `
		SELECT id, description, system_prompt, created_at, updated_at
		FROM   personas
		ORDER  BY id`

	rows, err := m.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("metadata store: list personas: %w", err)
	}
	personas, err := pgx.CollectRows(rows, scanPersona)
	if err != nil {
		return nil, fmt.Errorf("metadata store: list personas: %w", err)
	}
	if personas == nil {
		personas = []memory.Persona{}
	}
	return personas, nil
}

// UpdatePersona implements [memory.MetadataStore].
func (m *MetadataStoreImpl) UpdatePersona(ctx context.Context, p memory.Persona) error {
	const q = `
		UPDATE personas
		SET    description = $2, system_prompt = $3, updated_at = now()
		WHERE  id = $1`

	tag, err := m.pool.Exec(ctx, q, p.ID, p.Description, p.SystemPrompt)
	if err != nil {
		return fmt.Errorf("metadata store: update persona: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrNotFound
	}
	return nil
}

// DeletePersona implements [memory.MetadataStore]. The persona row and all
// owned memory rows are removed in one transaction; the vector-store handles
// of the removed memories are returned so the caller can delete them too.
func (m *MetadataStoreImpl) DeletePersona(ctx context.Context, id string) (vectorIDs []string, err error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("metadata store: delete persona: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `DELETE FROM memories WHERE persona_id = $1 RETURNING vector_id`, id)
	if err != nil {
		return nil, fmt.Errorf("metadata store: delete persona: delete memories: %w", err)
	}
	vectorIDs, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var vid string
		err := row.Scan(&vid)
		return vid, err
	})
	if err != nil {
		return nil, fmt.Errorf("metadata store: delete persona: collect vector ids: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM personas WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("metadata store: delete persona: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, memory.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("metadata store: delete persona: commit: %w", err)
	}
	if vectorIDs == nil {
		vectorIDs = []string{}
	}
	return vectorIDs, nil
}

// InsertMemory implements [memory.MetadataStore].
func (m *MetadataStoreImpl) InsertMemory(ctx context.Context, mem memory.Memory) error {
	metaJSON, err := json.Marshal(orEmptyMap(mem.Metadata))
	if err != nil {
		return fmt.Errorf("metadata store: marshal metadata: %w", err)
	}
	memType := mem.Type
	if memType == "" {
		memType = memory.MemoryTypeLongTerm
	}

	const q = `
		INSERT INTO memories
		    (id, persona_id, vector_id, entity_id, type, content, created_at,
		     event_time, last_accessed_at, access_count, score, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = m.pool.Exec(ctx, q,
		mem.ID,
		mem.PersonaID,
		mem.VectorID,
		mem.EntityID,
		memType,
		mem.Content,
		orNow(mem.CreatedAt),
		mem.EventTime,
		orNow(mem.LastAccessedAt),
		mem.AccessCount,
		mem.Score,
		metaJSON,
	)
	if err != nil {
		return fmt.Errorf("metadata store: insert memory: %w", err)
	}
	return nil
}

// GetMemory implements [memory.MetadataStore].
// Returns (nil, nil) when the memory does not exist.
func (m *MetadataStoreImpl) GetMemory(ctx context.Context, id string) (*memory.Memory, error) {
	rows, err := m.pool.Query(ctx, selectMemory+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("metadata store: get memory: %w", err)
	}
	memories, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, fmt.Errorf("metadata store: get memory: %w", err)
	}
	if len(memories) == 0 {
		return nil, nil
	}
	return &memories[0], nil
}

// MemoriesByVectorIDs implements [memory.MetadataStore].
func (m *MetadataStoreImpl) MemoriesByVectorIDs(ctx context.Context, personaID string, vectorIDs []string) (map[string]memory.Memory, error) {
	if len(vectorIDs) == 0 {
		return map[string]memory.Memory{}, nil
	}
	rows, err := m.pool.Query(ctx,
		selectMemory+` WHERE persona_id = $1 AND vector_id = ANY($2::text[])`,
		personaID, vectorIDs)
	if err != nil {
		return nil, fmt.Errorf("metadata store: memories by vector ids: %w", err)
	}
	memories, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, fmt.Errorf("metadata store: memories by vector ids: %w", err)
	}
	out := make(map[string]memory.Memory, len(memories))
	for _, mem := range memories {
		out[mem.VectorID] = mem
	}
	return out, nil
}

// ListMemories implements [memory.MetadataStore]. Results are ordered newest
// first.
func (m *MetadataStoreImpl) ListMemories(ctx context.Context, filter memory.MemoryFilter) ([]memory.Memory, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	q := selectMemory + ` WHERE 1=1`
	if filter.PersonaID != "" {
		q += ` AND persona_id = ` + next(filter.PersonaID)
	}
	if filter.Type != "" {
		q += ` AND type = ` + next(filter.Type)
	}
	q += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ` + next(limit)
	if filter.Offset > 0 {
		q += ` OFFSET ` + next(filter.Offset)
	}

	rows, err := m.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("metadata store: list memories: %w", err)
	}
	memories, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, fmt.Errorf("metadata store: list memories: %w", err)
	}
	if memories == nil {
		memories = []memory.Memory{}
	}
	return memories, nil
}

// UpdateMemory implements [memory.MetadataStore]. It replaces content, event
// time, and metadata, preserving id, created_at, and access_count.
func (m *MetadataStoreImpl) UpdateMemory(ctx context.Context, mem memory.Memory) error {
	metaJSON, err := json.Marshal(orEmptyMap(mem.Metadata))
	if err != nil {
		return fmt.Errorf("metadata store: marshal metadata: %w", err)
	}

	const q = `
		UPDATE memories
		SET    content = $2, event_time = $3, metadata = $4
		WHERE  id = $1`

	tag, err := m.pool.Exec(ctx, q, mem.ID, mem.Content, mem.EventTime, metaJSON)
	if err != nil {
		return fmt.Errorf("metadata store: update memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrNotFound
	}
	return nil
}

// MarkAccessed implements [memory.MetadataStore].
func (m *MetadataStoreImpl) MarkAccessed(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `
		UPDATE memories
		SET    last_accessed_at = $2, access_count = access_count + 1
		WHERE  id = ANY($1::text[])`

	if _, err := m.pool.Exec(ctx, q, ids, at); err != nil {
		return fmt.Errorf("metadata store: mark accessed: %w", err)
	}
	return nil
}

// DeleteMemory implements [memory.MetadataStore].
func (m *MetadataStoreImpl) DeleteMemory(ctx context.Context, id string) (string, error) {
	const q = `DELETE FROM memories WHERE id = $1 RETURNING vector_id`

	var vectorID string
	err := m.pool.QueryRow(ctx, q, id).Scan(&vectorID)
	if err == pgx.ErrNoRows {
		return "", memory.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("metadata store: delete memory: %w", err)
	}
	return vectorID, nil
}

// GetConfig implements [memory.MetadataStore].
// Returns (nil, nil) when the key has never been written.
func (m *MetadataStoreImpl) GetConfig(ctx context.Context, key string) ([]byte, error) {
	const q = `SELECT value FROM configurations WHERE key = $1`

	var value []byte
	err := m.pool.QueryRow(ctx, q, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metadata store: get config: %w", err)
	}
	return value, nil
}

// SetConfig implements [memory.MetadataStore].
func (m *MetadataStoreImpl) SetConfig(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return &memory.ValidationError{Field: "key", Reason: "must not be empty"}
	}
	if !json.Valid(value) {
		return &memory.ValidationError{Field: "value", Reason: "must be valid JSON"}
	}
	const q = `
		INSERT INTO configurations (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET
		    value = EXCLUDED.value, updated_at = now()`

	if _, err := m.pool.Exec(ctx, q, key, value); err != nil {
		return fmt.Errorf("metadata store: set config: %w", err)
	}
	return nil
}

// DeleteConfig implements [memory.MetadataStore]. Deleting a missing key is
// not an error.
func (m *MetadataStoreImpl) DeleteConfig(ctx context.Context, key string) error {
	const q = `DELETE FROM configurations WHERE key = $1`
	if _, err := m.pool.Exec(ctx, q, key); err != nil {
		return fmt.Errorf("metadata store: delete config: %w", err)
	}
	return nil
}

// ListConfig implements [memory.MetadataStore].
func (m *MetadataStoreImpl) ListConfig(ctx context.Context) ([]memory.ConfigEntry, error) {
	const q = `SELECT key, value, updated_at FROM configurations ORDER BY key`

	rows, err := m.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("metadata store: list config: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.ConfigEntry, error) {
		var e memory.ConfigEntry
		err := row.Scan(&e.Key, &e.Value, &e.UpdatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("metadata store: list config: %w", err)
	}
	if entries == nil {
		entries = []memory.ConfigEntry{}
	}
	return entries, nil
}

const selectMemory = `
	SELECT id, persona_id, vector_id, entity_id, type, content, created_at,
	       event_time, last_accessed_at, access_count, score, metadata
	FROM   memories`

func scanPersona(row pgx.CollectableRow) (memory.Persona, error) {
	var p memory.Persona
	err := row.Scan(&p.ID, &p.Description, &p.SystemPrompt, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func scanMemory(row pgx.CollectableRow) (memory.Memory, error) {
	var (
		mem      memory.Memory
		metaJSON []byte
	)
	if err := row.Scan(
		&mem.ID,
		&mem.PersonaID,
		&mem.VectorID,
		&mem.EntityID,
		&mem.Type,
		&mem.Content,
		&mem.CreatedAt,
		&mem.EventTime,
		&mem.LastAccessedAt,
		&mem.AccessCount,
		&mem.Score,
		&metaJSON,
	); err != nil {
		return memory.Memory{}, err
	}
	if err := json.Unmarshal(metaJSON, &mem.Metadata); err != nil {
		return memory.Memory{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return mem, nil
}
