package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/mnemohq/mnemo/pkg/memory"
	"github.com/mnemohq/mnemo/pkg/memory/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if MNEMO_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MNEMO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MNEMO_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	tables := []string{
		"memories", "personas", "configurations", "memory_vectors",
		"graph_mentions", "graph_related_to", "graph_belongs_to",
		"graph_users", "graph_entities", "graph_concepts",
	}
	for _, table := range tables {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}
}

func mustCreatePersona(t *testing.T, store *postgres.Store, id string) {
	t.Helper()
	if err := store.Metadata().CreatePersona(context.Background(), memory.Persona{ID: id}); err != nil {
		t.Fatalf("CreatePersona(%q): %v", id, err)
	}
}

func TestPersonaCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	meta := store.Metadata()

	t.Run("create then get", func(t *testing.T) {
		p := memory.Persona{ID: "alice", Description: "test persona", SystemPrompt: "be brief"}
		if err := meta.CreatePersona(ctx, p); err != nil {
			t.Fatalf("CreatePersona: %v", err)
		}
		got, err := meta.GetPersona(ctx, "alice")
		if err != nil {
			t.Fatalf("GetPersona: %v", err)
		}
		if got == nil || got.Description != "test persona" || got.SystemPrompt != "be brief" {
			t.Errorf("unexpected persona: %+v", got)
		}
	})

	t.Run("create is idempotent", func(t *testing.T) {
		if err := meta.CreatePersona(ctx, memory.Persona{ID: "alice", Description: "overwrite attempt"}); err != nil {
			t.Fatalf("second CreatePersona: %v", err)
		}
		got, _ := meta.GetPersona(ctx, "alice")
		if got.Description != "test persona" {
			t.Errorf("repeated create must be a no-op, got description %q", got.Description)
		}
	})

	t.Run("get missing returns nil nil", func(t *testing.T) {
		got, err := meta.GetPersona(ctx, "nobody")
		if err != nil || got != nil {
			t.Errorf("expected (nil, nil), got (%v, %v)", got, err)
		}
	})

	t.Run("update", func(t *testing.T) {
		err := meta.UpdatePersona(ctx, memory.Persona{ID: "alice", Description: "updated"})
		if err != nil {
			t.Fatalf("UpdatePersona: %v", err)
		}
		got, _ := meta.GetPersona(ctx, "alice")
		if got.Description != "updated" {
			t.Errorf("description = %q, want %q", got.Description, "updated")
		}
	})

	t.Run("update missing returns ErrNotFound", func(t *testing.T) {
		err := meta.UpdatePersona(ctx, memory.Persona{ID: "nobody"})
		if !errors.Is(err, memory.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestMemoryCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	meta := store.Metadata()
	mustCreatePersona(t, store, "alice")

	eventTime := time.Date(2025, 3, 8, 14, 0, 0, 0, time.UTC)
	mem := memory.Memory{
		ID:        "m1",
		PersonaID: "alice",
		VectorID:  "v1",
		EntityID:  "Kyoto",
		Content:   "Visited Kyoto last weekend",
		EventTime: &eventTime,
		Metadata:  map[string]any{"source": "test"},
	}

	t.Run("insert then get round-trips", func(t *testing.T) {
		if err := meta.InsertMemory(ctx, mem); err != nil {
			t.Fatalf("InsertMemory: %v", err)
		}
		got, err := meta.GetMemory(ctx, "m1")
		if err != nil {
			t.Fatalf("GetMemory: %v", err)
		}
		if got == nil {
			t.Fatal("expected memory, got nil")
		}
		if got.Content != mem.Content || got.VectorID != "v1" || got.EntityID != "Kyoto" {
			t.Errorf("unexpected memory: %+v", got)
		}
		if got.Type != memory.MemoryTypeLongTerm {
			t.Errorf("type = %q, want %q", got.Type, memory.MemoryTypeLongTerm)
		}
		if got.EventTime == nil || !got.EventTime.Equal(eventTime) {
			t.Errorf("event time = %v, want %v", got.EventTime, eventTime)
		}
		if got.Score != 0 {
			t.Errorf("score = %v, want 0", got.Score)
		}
	})

	t.Run("resolve by vector id", func(t *testing.T) {
		byVec, err := meta.MemoriesByVectorIDs(ctx, "alice", []string{"v1", "v-missing"})
		if err != nil {
			t.Fatalf("MemoriesByVectorIDs: %v", err)
		}
		if len(byVec) != 1 || byVec["v1"].ID != "m1" {
			t.Errorf("unexpected map: %+v", byVec)
		}
	})

	t.Run("update preserves id created_at access_count", func(t *testing.T) {
		before, _ := meta.GetMemory(ctx, "m1")
		updated := *before
		updated.Content = "Visited Kyoto and Nara"
		updated.EventTime = nil
		if err := meta.UpdateMemory(ctx, updated); err != nil {
			t.Fatalf("UpdateMemory: %v", err)
		}
		after, _ := meta.GetMemory(ctx, "m1")
		if after.Content != "Visited Kyoto and Nara" {
			t.Errorf("content not updated: %q", after.Content)
		}
		if !after.CreatedAt.Equal(before.CreatedAt) || after.AccessCount != before.AccessCount {
			t.Error("update must preserve created_at and access_count")
		}
		if after.EventTime != nil {
			t.Errorf("event time = %v, want nil", after.EventTime)
		}
	})

	t.Run("mark accessed bumps counter", func(t *testing.T) {
		at := time.Now().UTC()
		if err := meta.MarkAccessed(ctx, []string{"m1", "missing"}, at); err != nil {
			t.Fatalf("MarkAccessed: %v", err)
		}
		got, _ := meta.GetMemory(ctx, "m1")
		if got.AccessCount != 1 {
			t.Errorf("access count = %d, want 1", got.AccessCount)
		}
	})

	t.Run("list filters by persona and type", func(t *testing.T) {
		mustCreatePersona(t, store, "bob")
		_ = meta.InsertMemory(ctx, memory.Memory{ID: "m2", PersonaID: "bob", VectorID: "v2", Content: "bob's"})

		got, err := meta.ListMemories(ctx, memory.MemoryFilter{PersonaID: "alice"})
		if err != nil {
			t.Fatalf("ListMemories: %v", err)
		}
		if len(got) != 1 || got[0].ID != "m1" {
			t.Errorf("unexpected list: %+v", got)
		}
	})

	t.Run("delete returns vector id", func(t *testing.T) {
		vid, err := meta.DeleteMemory(ctx, "m1")
		if err != nil {
			t.Fatalf("DeleteMemory: %v", err)
		}
		if vid != "v1" {
			t.Errorf("vector id = %q, want v1", vid)
		}
		if _, err := meta.DeleteMemory(ctx, "m1"); !errors.Is(err, memory.ErrNotFound) {
			t.Errorf("second delete: expected ErrNotFound, got %v", err)
		}
	})
}

func TestPersonaCascade(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	meta := store.Metadata()
	mustCreatePersona(t, store, "carol")
	mustCreatePersona(t, store, "dave")

	for _, id := range []string{"c1", "c2", "c3"} {
		err := meta.InsertMemory(ctx, memory.Memory{ID: id, PersonaID: "carol", VectorID: "vec-" + id, Content: id})
		if err != nil {
			t.Fatalf("InsertMemory(%s): %v", id, err)
		}
	}
	_ = meta.InsertMemory(ctx, memory.Memory{ID: "d1", PersonaID: "dave", VectorID: "vec-d1", Content: "dave's"})

	vectorIDs, err := meta.DeletePersona(ctx, "carol")
	if err != nil {
		t.Fatalf("DeletePersona: %v", err)
	}
	if len(vectorIDs) != 3 {
		t.Errorf("expected 3 vector ids, got %v", vectorIDs)
	}

	left, _ := meta.ListMemories(ctx, memory.MemoryFilter{PersonaID: "carol"})
	if len(left) != 0 {
		t.Errorf("expected 0 memories under carol, got %d", len(left))
	}
	if p, _ := meta.GetPersona(ctx, "carol"); p != nil {
		t.Error("persona row should be gone")
	}
	other, _ := meta.ListMemories(ctx, memory.MemoryFilter{PersonaID: "dave"})
	if len(other) != 1 {
		t.Errorf("other personas must be unaffected, got %d memories", len(other))
	}

	if _, err := meta.DeletePersona(ctx, "carol"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("second cascade: expected ErrNotFound, got %v", err)
	}
}

func TestSemanticIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	idx := store.Vectors()

	recs := []memory.VectorRecord{
		{ID: "v1", PersonaID: "alice", Content: "emerald green", Embedding: []float32{1, 0, 0, 0}},
		{ID: "v2", PersonaID: "alice", Content: "crimson red", Embedding: []float32{0, 1, 0, 0}},
		{ID: "v3", PersonaID: "bob", Content: "bob's secret", Embedding: []float32{1, 0, 0, 0}},
	}
	for _, rec := range recs {
		if err := idx.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert(%s): %v", rec.ID, err)
		}
	}

	t.Run("search is persona scoped and similarity ordered", func(t *testing.T) {
		hits, err := idx.Search(ctx, "alice", []float32{1, 0, 0, 0}, 10)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(hits) != 2 {
			t.Fatalf("expected 2 hits (topK above corpus size returns corpus), got %d", len(hits))
		}
		if hits[0].Record.ID != "v1" {
			t.Errorf("best hit = %s, want v1", hits[0].Record.ID)
		}
		for _, h := range hits {
			if h.Record.PersonaID != "alice" {
				t.Errorf("hit from foreign persona: %+v", h.Record)
			}
			if h.Similarity < 0 || h.Similarity > 1 {
				t.Errorf("similarity %v out of [0,1]", h.Similarity)
			}
		}
		if hits[0].Similarity < 0.99 {
			t.Errorf("identical vector should have similarity ≈ 1, got %v", hits[0].Similarity)
		}
	})

	t.Run("update replaces content and embedding", func(t *testing.T) {
		if err := idx.Update(ctx, "v2", "sapphire blue", []float32{1, 0, 0, 0}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		hits, _ := idx.Search(ctx, "alice", []float32{1, 0, 0, 0}, 1)
		if len(hits) != 1 {
			t.Fatal("expected a hit")
		}
		if err := idx.Update(ctx, "missing", "x", []float32{0, 0, 0, 1}); !errors.Is(err, memory.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("mark accessed", func(t *testing.T) {
		if err := idx.MarkAccessed(ctx, []string{"v1"}, time.Now()); err != nil {
			t.Fatalf("MarkAccessed: %v", err)
		}
		hits, _ := idx.Search(ctx, "alice", []float32{1, 0, 0, 0}, 10)
		for _, h := range hits {
			if h.Record.ID == "v1" && h.Record.AccessCount != 1 {
				t.Errorf("access count = %d, want 1", h.Record.AccessCount)
			}
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		if err := idx.Delete(ctx, "v1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := idx.Delete(ctx, "v1"); err != nil {
			t.Errorf("second delete must not error: %v", err)
		}
		hits, _ := idx.Search(ctx, "alice", []float32{1, 0, 0, 0}, 10)
		for _, h := range hits {
			if h.Record.ID == "v1" {
				t.Error("deleted record still returned")
			}
		}
	})
}

func TestKnowledgeGraph(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	graph := store.Graph()

	t.Run("node validation", func(t *testing.T) {
		long := make([]byte, 101)
		for i := range long {
			long[i] = 'x'
		}
		err := graph.UpsertNode(ctx, memory.GraphNode{PersonaID: "p", Name: string(long), Kind: memory.NodeEntity})
		var verr *memory.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("expected ValidationError for oversized name, got %v", err)
		}
	})

	t.Run("relation upsert creates endpoints", func(t *testing.T) {
		err := graph.UpsertRelation(ctx, memory.GraphEdge{
			PersonaID: "p", From: "Kyoto", To: "Japan", Kind: memory.RelRelatedTo, Weight: 0.8,
		})
		if err != nil {
			t.Fatalf("UpsertRelation: %v", err)
		}
		sub, err := graph.PersonaGraph(ctx, "p")
		if err != nil {
			t.Fatalf("PersonaGraph: %v", err)
		}
		if len(sub.Nodes) != 2 || len(sub.Edges) != 1 {
			t.Errorf("expected 2 nodes / 1 edge, got %d / %d", len(sub.Nodes), len(sub.Edges))
		}
	})

	t.Run("unknown relation kind downgrades", func(t *testing.T) {
		err := graph.UpsertRelation(ctx, memory.GraphEdge{
			PersonaID: "p", From: "Kyoto", To: "Nara", Kind: "VISITED_WITH",
		})
		if err != nil {
			t.Fatalf("UpsertRelation: %v", err)
		}
		sub, _ := graph.PersonaGraph(ctx, "p")
		for _, e := range sub.Edges {
			if e.Kind != memory.RelMentions && e.Kind != memory.RelRelatedTo && e.Kind != memory.RelBelongsTo {
				t.Errorf("unexpected edge kind %q", e.Kind)
			}
		}
	})

	t.Run("neighborhood respects depth", func(t *testing.T) {
		// chain: a -> b -> c -> d
		for _, pair := range [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}} {
			err := graph.UpsertRelation(ctx, memory.GraphEdge{
				PersonaID: "chain", From: pair[0], To: pair[1], Kind: memory.RelRelatedTo,
			})
			if err != nil {
				t.Fatalf("UpsertRelation: %v", err)
			}
		}

		sub, err := graph.Neighborhood(ctx, "chain", "a", 2)
		if err != nil {
			t.Fatalf("Neighborhood: %v", err)
		}
		names := map[string]bool{}
		for _, n := range sub.Nodes {
			names[n.Name] = true
		}
		if !names["a"] || !names["b"] || !names["c"] {
			t.Errorf("expected a, b, c within 2 hops, got %v", names)
		}
		if names["d"] {
			t.Error("d is 3 hops away and must not be included at depth 2")
		}
	})

	t.Run("neighborhood of missing entity", func(t *testing.T) {
		_, err := graph.Neighborhood(ctx, "chain", "ghost", 2)
		if !errors.Is(err, memory.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("personas are isolated", func(t *testing.T) {
		sub, _ := graph.PersonaGraph(ctx, "chain")
		for _, n := range sub.Nodes {
			if n.PersonaID != "chain" {
				t.Errorf("foreign node leaked: %+v", n)
			}
		}
	})
}

func TestConfigStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	meta := store.Metadata()

	t.Run("miss returns nil nil", func(t *testing.T) {
		v, err := meta.GetConfig(ctx, "memory_system")
		if err != nil || v != nil {
			t.Errorf("expected (nil, nil), got (%s, %v)", v, err)
		}
	})

	t.Run("set get round-trip", func(t *testing.T) {
		doc := []byte(`{"enabled": true, "max_long_term": 5}`)
		if err := meta.SetConfig(ctx, "memory_system", doc); err != nil {
			t.Fatalf("SetConfig: %v", err)
		}
		v, err := meta.GetConfig(ctx, "memory_system")
		if err != nil {
			t.Fatalf("GetConfig: %v", err)
		}
		if v == nil {
			t.Fatal("expected value")
		}
	})

	t.Run("invalid json rejected", func(t *testing.T) {
		err := meta.SetConfig(ctx, "broken", []byte(`{not json`))
		var verr *memory.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})

	t.Run("delete falls back to miss", func(t *testing.T) {
		if err := meta.DeleteConfig(ctx, "memory_system"); err != nil {
			t.Fatalf("DeleteConfig: %v", err)
		}
		v, _ := meta.GetConfig(ctx, "memory_system")
		if v != nil {
			t.Error("expected miss after delete")
		}
		if err := meta.DeleteConfig(ctx, "memory_system"); err != nil {
			t.Errorf("deleting a missing key must not error: %v", err)
		}
	})
}
