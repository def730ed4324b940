package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mnemohq/mnemo/internal/settings"
	"github.com/mnemohq/mnemo/pkg/memory"
	memmock "github.com/mnemohq/mnemo/pkg/memory/mock"
	embmock "github.com/mnemohq/mnemo/pkg/provider/embeddings/mock"
)

type fixture struct {
	embedder *embmock.Provider
	vectors  *memmock.SemanticIndex
	graph    *memmock.KnowledgeGraph
	metadata *memmock.MetadataStore
	registry *settings.Registry
}

func newFixture() *fixture {
	return &fixture{
		embedder: &embmock.Provider{Dims: 8},
		vectors:  &memmock.SemanticIndex{},
		graph:    &memmock.KnowledgeGraph{},
		metadata: &memmock.MetadataStore{},
		registry: settings.NewRegistry(&memmock.MetadataStore{}, nil),
	}
}

func (f *fixture) retriever(opts ...Option) *Retriever {
	return New(f.embedder, f.vectors, f.graph, f.metadata, f.registry, opts...)
}

// seed stores a memory row plus its vector hit with the given similarity.
func (f *fixture) seed(t *testing.T, id string, similarity float64, createdAt time.Time, accessCount int) {
	t.Helper()
	mem := memory.Memory{
		ID:          "mem-" + id,
		PersonaID:   "alice",
		VectorID:    "vec-" + id,
		Type:        memory.MemoryTypeLongTerm,
		Content:     "content " + id,
		CreatedAt:   createdAt,
		AccessCount: accessCount,
	}
	if err := f.metadata.InsertMemory(context.Background(), mem); err != nil {
		t.Fatalf("seed memory %s: %v", id, err)
	}
	f.vectors.SearchResult = append(f.vectors.SearchResult, memory.VectorHit{
		Record: memory.VectorRecord{
			ID:        "vec-" + id,
			PersonaID: "alice",
			Content:   mem.Content,
			CreatedAt: createdAt,
		},
		Similarity: similarity,
	})
}

func waitForCalls(t *testing.T, count func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d calls, have %d", want, count())
}

func TestRetrieveRanksAndTruncates(t *testing.T) {
	f := newFixture()
	now := time.Now()

	// Similar ages and zero access counts keep similarity dominant.
	f.seed(t, "low", 0.2, now.Add(-time.Hour), 0)
	f.seed(t, "high", 0.9, now.Add(-time.Hour), 0)
	f.seed(t, "mid", 0.5, now.Add(-time.Hour), 0)
	f.seed(t, "mid2", 0.4, now.Add(-time.Hour), 0)

	got, err := f.retriever().Retrieve(context.Background(), "alice", "query", 3)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Retrieve() returned %d memories, want 3", len(got))
	}
	wantOrder := []string{"mem-high", "mem-mid", "mem-mid2"}
	for i, w := range wantOrder {
		if got[i].Memory.ID != w {
			t.Errorf("result[%d] = %s, want %s", i, got[i].Memory.ID, w)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].FinalScore > got[i-1].FinalScore {
			t.Errorf("final scores not descending: %v then %v", got[i-1].FinalScore, got[i].FinalScore)
		}
	}
}

func TestRetrieveTieBreaksByCreatedAt(t *testing.T) {
	f := newFixture()
	// Zero all weights so every final score ties, then tie-break on equal
	// similarity should fall through to creation time.
	err := f.registry.Put(context.Background(), settings.KeyMemoryScoring,
		[]byte(`{"similarity_weight":0,"access_weight":0,"recency_weight":0,"graph_weight":0,"recency_lambda":0}`))
	if err != nil {
		t.Fatalf("Put scoring: %v", err)
	}

	now := time.Now()
	f.seed(t, "older", 0.5, now.Add(-2*time.Hour), 0)
	f.seed(t, "newer", 0.5, now.Add(-1*time.Hour), 0)

	got, err := f.retriever().Retrieve(context.Background(), "alice", "query", 2)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(got) != 2 || got[0].Memory.ID != "mem-newer" {
		t.Errorf("tie should prefer the newer memory, got %+v", ids(got))
	}
}

func TestRetrieveRecencyFromLastAccess(t *testing.T) {
	f := newFixture()
	// Recency only, so the decay term decides the order outright.
	err := f.registry.Put(context.Background(), settings.KeyMemoryScoring,
		[]byte(`{"similarity_weight":0,"access_weight":0,"recency_weight":1,"graph_weight":0,"recency_lambda":1e-6}`))
	if err != nil {
		t.Fatalf("Put scoring: %v", err)
	}

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	seed := func(id string, createdAt, lastAccessedAt time.Time) {
		mem := memory.Memory{
			ID:             "mem-" + id,
			PersonaID:      "alice",
			VectorID:       "vec-" + id,
			Type:           memory.MemoryTypeLongTerm,
			Content:        "content " + id,
			CreatedAt:      createdAt,
			LastAccessedAt: lastAccessedAt,
		}
		if err := f.metadata.InsertMemory(context.Background(), mem); err != nil {
			t.Fatalf("seed memory %s: %v", id, err)
		}
		f.vectors.SearchResult = append(f.vectors.SearchResult, memory.VectorHit{
			Record:     memory.VectorRecord{ID: "vec-" + id, PersonaID: "alice"},
			Similarity: 0.5,
		})
	}
	// Created a year ago but returned a second ago, versus created a second
	// ago but untouched for a year.
	seed("warm", now.Add(-365*24*time.Hour), now.Add(-time.Second))
	seed("stale", now.Add(-time.Second), now.Add(-365*24*time.Hour))

	got, err := f.retriever(withClock(func() time.Time { return now })).Retrieve(context.Background(), "alice", "query", 2)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Retrieve() returned %d memories, want 2", len(got))
	}
	if got[0].Memory.ID != "mem-warm" {
		t.Errorf("recently accessed memory should rank first, got %v", ids(got))
	}
	if got[0].FinalScore <= got[1].FinalScore {
		t.Errorf("warm score %v should exceed stale score %v", got[0].FinalScore, got[1].FinalScore)
	}
}

func TestRetrieveEmptyOnVectorFailure(t *testing.T) {
	f := newFixture()
	f.vectors.SearchErr = errors.New("index offline")

	got, err := f.retriever().Retrieve(context.Background(), "alice", "query", 3)
	if err != nil {
		t.Fatalf("Retrieve() error = %v, want graceful degradation", err)
	}
	if len(got) != 0 {
		t.Errorf("Retrieve() = %v, want empty on vector failure", ids(got))
	}
}

func TestRetrieveEmptyOnEmbedFailure(t *testing.T) {
	f := newFixture()
	f.embedder.EmbedErr = errors.New("quota exceeded")

	got, err := f.retriever().Retrieve(context.Background(), "alice", "query", 3)
	if err != nil {
		t.Fatalf("Retrieve() error = %v, want graceful degradation", err)
	}
	if len(got) != 0 {
		t.Errorf("Retrieve() = %v, want empty on embed failure", ids(got))
	}
	if f.vectors.CallCount("Search") != 0 {
		t.Error("Search should not run when embedding failed")
	}
}

func TestRetrieveSkipsOrphanedVectors(t *testing.T) {
	f := newFixture()
	now := time.Now()
	f.seed(t, "whole", 0.6, now, 0)
	// A hit with no metadata row behind it.
	f.vectors.SearchResult = append(f.vectors.SearchResult, memory.VectorHit{
		Record:     memory.VectorRecord{ID: "vec-orphan", PersonaID: "alice"},
		Similarity: 0.99,
	})

	got, err := f.retriever().Retrieve(context.Background(), "alice", "query", 5)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(got) != 1 || got[0].Memory.ID != "mem-whole" {
		t.Errorf("Retrieve() = %v, want only mem-whole", ids(got))
	}
}

func TestRetrieveDisabledSystem(t *testing.T) {
	f := newFixture()
	err := f.registry.Put(context.Background(), settings.KeyMemorySystem,
		[]byte(`{"enabled":false,"auto_save":true,"max_long_term":3,"injection_mode":"system","dedup_threshold":0.85}`))
	if err != nil {
		t.Fatalf("Put memory_system: %v", err)
	}
	f.seed(t, "a", 0.9, time.Now(), 0)

	got, err := f.retriever().Retrieve(context.Background(), "alice", "query", 0)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("disabled system should retrieve nothing, got %v", ids(got))
	}
	if f.embedder.CallCount("Embed") != 0 {
		t.Error("disabled system should not embed the query")
	}
}

func TestRetrieveZeroMaxLongTerm(t *testing.T) {
	f := newFixture()
	err := f.registry.Put(context.Background(), settings.KeyMemorySystem,
		[]byte(`{"enabled":true,"auto_save":true,"max_long_term":0,"injection_mode":"system","dedup_threshold":0.85}`))
	if err != nil {
		t.Fatalf("Put memory_system: %v", err)
	}
	f.seed(t, "a", 0.9, time.Now(), 0)

	got, err := f.retriever().Retrieve(context.Background(), "alice", "query", 0)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("max_long_term=0 should retrieve nothing, got %v", ids(got))
	}
}

func TestRetrieveMarksAccessed(t *testing.T) {
	f := newFixture()
	f.seed(t, "a", 0.9, time.Now(), 0)

	got, err := f.retriever().Retrieve(context.Background(), "alice", "query", 3)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Retrieve() returned %d memories, want 1", len(got))
	}

	waitForCalls(t, func() int { return f.metadata.CallCount("MarkAccessed") }, 1)
	waitForCalls(t, func() int { return f.vectors.CallCount("MarkAccessed") }, 1)
}

func TestRetrieveUsesGraphDensity(t *testing.T) {
	f := newFixture()
	// Equal similarity; only one memory is linked to a dense entity.
	now := time.Now()
	f.seed(t, "plain", 0.5, now, 0)

	linked := memory.Memory{
		ID:        "mem-linked",
		PersonaID: "alice",
		VectorID:  "vec-linked",
		EntityID:  "Berlin",
		Type:      memory.MemoryTypeLongTerm,
		Content:   "linked content",
		CreatedAt: now,
	}
	if err := f.metadata.InsertMemory(context.Background(), linked); err != nil {
		t.Fatalf("seed linked memory: %v", err)
	}
	f.vectors.SearchResult = append(f.vectors.SearchResult, memory.VectorHit{
		Record:     memory.VectorRecord{ID: "vec-linked", PersonaID: "alice", EntityID: "Berlin", CreatedAt: now},
		Similarity: 0.5,
	})
	f.graph.NeighborhoodResult = &memory.Subgraph{
		Nodes: []memory.GraphNode{{Name: "Berlin"}, {Name: "Alice"}, {Name: "Germany"}},
		Edges: []memory.GraphEdge{
			{From: "Alice", To: "Berlin", Weight: 1},
			{From: "Berlin", To: "Germany", Weight: 1},
		},
	}

	got, err := f.retriever().Retrieve(context.Background(), "alice", "query", 2)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Retrieve() returned %d memories, want 2", len(got))
	}
	if got[0].Memory.ID != "mem-linked" {
		t.Errorf("graph-dense memory should rank first, got %v", ids(got))
	}
	if got[0].FinalScore <= got[1].FinalScore {
		t.Errorf("linked score %v should exceed plain score %v", got[0].FinalScore, got[1].FinalScore)
	}
}

func ids(scored []Scored) []string {
	out := make([]string, len(scored))
	for i, s := range scored {
		out[i] = s.Memory.ID
	}
	return out
}
