package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mnemohq/mnemo/internal/extract"
	"github.com/mnemohq/mnemo/internal/memorymgr"
	"github.com/mnemohq/mnemo/internal/retrieval"
	"github.com/mnemohq/mnemo/internal/settings"
	"github.com/mnemohq/mnemo/pkg/memory"
	memmock "github.com/mnemohq/mnemo/pkg/memory/mock"
	embmock "github.com/mnemohq/mnemo/pkg/provider/embeddings/mock"
	llmmock "github.com/mnemohq/mnemo/pkg/provider/llm/mock"
)

// extractEvent is one finished background extraction observed by the test
// hook.
type extractEvent struct {
	personaID string
	res       *extract.Result
	err       error
}

type fixture struct {
	chat       *llmmock.Provider
	extraction *llmmock.Provider
	vectors    *memmock.SemanticIndex
	graph      *memmock.KnowledgeGraph
	metadata   *memmock.MetadataStore
	registry   *settings.Registry
	manager    *memorymgr.Manager

	extracted chan extractEvent
	mux       *http.ServeMux
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		chat:       &llmmock.Provider{},
		extraction: &llmmock.Provider{},
		vectors:    &memmock.SemanticIndex{},
		graph:      &memmock.KnowledgeGraph{},
		metadata:   &memmock.MetadataStore{},
		extracted:  make(chan extractEvent, 8),
		mux:        http.NewServeMux(),
	}
	f.registry = settings.NewRegistry(f.metadata, nil)

	embedder := &embmock.Provider{Dims: 8}
	f.manager = memorymgr.New(embedder, f.vectors, f.graph, f.metadata)
	retriever := retrieval.New(embedder, f.vectors, f.graph, f.metadata, f.registry)
	extractor := extract.New(f.extraction, f.manager, f.registry)

	opts = append(opts, withExtractNotify(func(personaID string, res *extract.Result, err error) {
		f.extracted <- extractEvent{personaID, res, err}
	}))
	srv := New(f.chat, retriever, extractor, f.manager, f.registry, opts...)
	srv.Register(f.mux)

	if err := f.metadata.CreatePersona(context.Background(), memory.Persona{ID: "alice", SystemPrompt: "Be kind."}); err != nil {
		t.Fatalf("seed persona: %v", err)
	}
	return f
}

// do issues a request against the fixture mux and returns the recorder.
func (f *fixture) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

// seedMemory creates a memory and makes the vector search surface it.
func (f *fixture) seedMemory(t *testing.T, personaID, content string, similarity float64) *memory.Memory {
	t.Helper()
	mem, err := f.manager.Create(context.Background(), memorymgr.CreateRequest{
		PersonaID: personaID, Content: content,
	})
	if err != nil {
		t.Fatalf("seed memory: %v", err)
	}
	f.vectors.SearchResult = append(f.vectors.SearchResult, memory.VectorHit{
		Record:     memory.VectorRecord{ID: mem.VectorID, PersonaID: personaID},
		Similarity: similarity,
	})
	return mem
}

func (f *fixture) waitExtract(t *testing.T) extractEvent {
	t.Helper()
	select {
	case ev := <-f.extracted:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for background extraction")
		return extractEvent{}
	}
}

func (f *fixture) expectNoExtract(t *testing.T) {
	t.Helper()
	select {
	case ev := <-f.extracted:
		t.Fatalf("unexpected extraction dispatched: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Auth
// ─────────────────────────────────────────────────────────────────────────────

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, WithAPIKey("sesame"))

	if rec := f.do(t, "GET", "/v1/personas", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	if rec := f.do(t, "GET", "/v1/personas", "", "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}
	if rec := f.do(t, "GET", "/v1/personas", "", "Authorization", "Bearer sesame"); rec.Code != http.StatusOK {
		t.Errorf("good token: status = %d, want 200", rec.Code)
	}
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, "GET", "/v1/personas", ""); rec.Code != http.StatusOK {
		t.Errorf("anonymous access: status = %d, want 200", rec.Code)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Memories
// ─────────────────────────────────────────────────────────────────────────────

func TestMemoryCRUD(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/v1/memories", `{"persona_id": "alice", "content": "likes jazz"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body)
	}
	var created memoryJSON
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" || created.Type != memory.MemoryTypeLongTerm {
		t.Errorf("created = %+v", created)
	}

	rec = f.do(t, "GET", "/v1/memories/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	var got memoryJSON
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if got.Content != "likes jazz" || got.PersonaID != "alice" {
		t.Errorf("got = %+v", got)
	}

	rec = f.do(t, "PUT", "/v1/memories/"+created.ID, `{"content": "loves jazz"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = f.do(t, "DELETE", "/v1/memories/"+created.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	if rec = f.do(t, "GET", "/v1/memories/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", rec.Code)
	}
}

func TestCreateMemoryValidation(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, "POST", "/v1/memories", `{"persona_id": "alice"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing content: status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, "POST", "/v1/memories", `{"persona_id": "ghost", "content": "x"}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown persona: status = %d, want 404", rec.Code)
	}
	if rec := f.do(t, "POST", "/v1/memories", `{broken`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", rec.Code)
	}
}

func TestListMemoriesRequiresPersona(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, "GET", "/v1/memories", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	f.seedMemory(t, "alice", "fact", 0.9)
	rec := f.do(t, "GET", "/v1/memories?persona_id=alice&limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Memories []memoryJSON `json:"memories"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Memories) != 1 {
		t.Errorf("%d memories listed, want 1", len(body.Memories))
	}
}

func TestSearchMemories(t *testing.T) {
	f := newFixture(t)
	mem := f.seedMemory(t, "alice", "enjoys bouldering", 0.88)

	rec := f.do(t, "POST", "/v1/memories/search", `{"persona_id": "alice", "query": "climbing", "top_k": 3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body struct {
		Results []searchHitJSON `json:"results"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Results) != 1 || body.Results[0].ID != mem.ID || body.Results[0].Similarity != 0.88 {
		t.Errorf("results = %+v", body.Results)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Personas
// ─────────────────────────────────────────────────────────────────────────────

func TestPersonaCRUDAndCascade(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/v1/personas", `{"id": "carol", "description": "test"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body)
	}

	for range 3 {
		if rec := f.do(t, "POST", "/v1/memories", `{"persona_id": "carol", "content": "a carol fact"}`); rec.Code != http.StatusCreated {
			t.Fatalf("seed memory: status = %d", rec.Code)
		}
	}

	rec = f.do(t, "PUT", "/v1/personas/carol", `{"system_prompt": "Sing."}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d", rec.Code)
	}
	var p personaJSON
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.SystemPrompt != "Sing." {
		t.Errorf("SystemPrompt = %q", p.SystemPrompt)
	}

	if rec = f.do(t, "DELETE", "/v1/personas/carol", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	if rec = f.do(t, "GET", "/v1/personas/carol", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", rec.Code)
	}
	rec = f.do(t, "GET", "/v1/memories?persona_id=carol", "")
	var body struct {
		Memories []memoryJSON `json:"memories"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Memories) != 0 {
		t.Errorf("%d memories survived the cascade", len(body.Memories))
	}
}

func TestDeleteUnknownPersona(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, "DELETE", "/v1/personas/ghost", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Graph
// ─────────────────────────────────────────────────────────────────────────────

func TestGraphEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.graph.UpsertNode(ctx, memory.GraphNode{PersonaID: "alice", Name: "Berlin", Kind: memory.NodeEntity, Type: "place"}); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if err := f.graph.UpsertRelation(ctx, memory.GraphEdge{PersonaID: "alice", From: "Alice", To: "Berlin", Kind: memory.RelRelatedTo, Weight: 1}); err != nil {
		t.Fatalf("UpsertRelation: %v", err)
	}

	rec := f.do(t, "GET", "/v1/graph?persona_id=alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body struct {
		Nodes []graphNodeJSON `json:"nodes"`
		Edges []graphEdgeJSON `json:"edges"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Nodes) == 0 || len(body.Edges) != 1 {
		t.Errorf("graph = %+v", body)
	}

	// A focus entity without an explicit depth gets the 2-hop default.
	if rec := f.do(t, "GET", "/v1/graph?persona_id=alice&entity=Berlin", ""); rec.Code != http.StatusOK {
		t.Fatalf("neighborhood status = %d, body %s", rec.Code, rec.Body)
	}
	calls := f.graph.Calls()
	last := calls[len(calls)-1]
	if last.Method != "Neighborhood" || last.Args[2].(int) != 2 {
		t.Errorf("neighborhood call = %+v, want default depth 2", last)
	}

	if rec := f.do(t, "GET", "/v1/graph", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing persona_id: status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, "GET", "/v1/graph?persona_id=alice&entity=Nowhere", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown focus entity: status = %d, want 404", rec.Code)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Config
// ─────────────────────────────────────────────────────────────────────────────

func TestConfigEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/v1/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get all: status = %d", rec.Code)
	}
	var all map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(all) != len(settings.KnownKeys) {
		t.Errorf("%d keys returned, want %d", len(all), len(settings.KnownKeys))
	}

	rec = f.do(t, "PUT", "/v1/config/memory_system",
		`{"enabled": true, "auto_save": true, "max_long_term": 7, "injection_mode": "messages", "dedup_threshold": 0.9}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: status = %d, body %s", rec.Code, rec.Body)
	}

	sys, err := f.registry.MemorySystemSettings(context.Background())
	if err != nil {
		t.Fatalf("MemorySystemSettings: %v", err)
	}
	if sys.MaxLongTerm != 7 || sys.InjectionMode != "messages" {
		t.Errorf("settings not applied: %+v", sys)
	}

	if rec := f.do(t, "PUT", "/v1/config/memory_system", `{"bogus_field": 1}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, "GET", "/v1/config/not_a_key", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown key: status = %d, want 400", rec.Code)
	}

	if rec := f.do(t, "DELETE", "/v1/config/memory_system", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	sys, err = f.registry.MemorySystemSettings(context.Background())
	if err != nil {
		t.Fatalf("MemorySystemSettings: %v", err)
	}
	if sys.MaxLongTerm != 3 {
		t.Errorf("MaxLongTerm = %d after reset, want default 3", sys.MaxLongTerm)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Models and tools
// ─────────────────────────────────────────────────────────────────────────────

func TestListModels(t *testing.T) {
	f := newFixture(t)
	f.chat.ModelsResult = []string{"m-small", "m-large"}

	rec := f.do(t, "GET", "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Object string      `json:"object"`
		Data   []modelJSON `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Object != "list" {
		t.Errorf("object = %q", body.Object)
	}

	ids := make(map[string]bool, len(body.Data))
	for _, m := range body.Data {
		ids[m.ID] = true
	}
	for _, want := range []string{"alice", "alice/m-small", "alice/m-large"} {
		if !ids[want] {
			t.Errorf("model id %q missing from %v", want, ids)
		}
	}
}

func TestMemoryToolsListing(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/v1/memory-tools", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Tools []struct {
			Type     string `json:"type"`
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		} `json:"tools"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tools) != 4 {
		t.Fatalf("%d tools, want 4", len(body.Tools))
	}
	if body.Tools[0].Type != "function" || body.Tools[0].Function.Name != "save_memory" {
		t.Errorf("tools[0] = %+v", body.Tools[0])
	}
}
