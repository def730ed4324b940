package memtool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mnemohq/mnemo/internal/memorymgr"
	"github.com/mnemohq/mnemo/pkg/memory"
	memmock "github.com/mnemohq/mnemo/pkg/memory/mock"
	embmock "github.com/mnemohq/mnemo/pkg/provider/embeddings/mock"
)

func newTools(t *testing.T) (*memmock.MetadataStore, *memmock.SemanticIndex, []Tool) {
	t.Helper()
	metadata := &memmock.MetadataStore{}
	vectors := &memmock.SemanticIndex{}
	mgr := memorymgr.New(&embmock.Provider{Dims: 4}, vectors, &memmock.KnowledgeGraph{}, metadata)

	if err := metadata.CreatePersona(context.Background(), memory.Persona{ID: "alice"}); err != nil {
		t.Fatalf("seed persona: %v", err)
	}
	return metadata, vectors, NewTools(mgr)
}

func call(t *testing.T, tools []Tool, name, args string) (string, error) {
	t.Helper()
	tool := Find(tools, name)
	if tool == nil {
		t.Fatalf("tool %q not found", name)
	}
	return tool.Handler(context.Background(), args)
}

func TestToolRoster(t *testing.T) {
	_, _, tools := newTools(t)

	want := []string{"save_memory", "update_memory", "delete_memory", "search_memories"}
	defs := Definitions(tools)
	if len(defs) != len(want) {
		t.Fatalf("%d tools, want %d", len(defs), len(want))
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("tool[%d] = %q, want %q", i, defs[i].Name, name)
		}
		if defs[i].Parameters["type"] != "object" {
			t.Errorf("tool %q parameters should be an object schema", name)
		}
	}
}

func TestSaveMemory(t *testing.T) {
	metadata, vectors, tools := newTools(t)

	out, err := call(t, tools, "save_memory",
		`{"persona_id": "alice", "content": "Alice plays the cello", "event_time": "2026-07-01"}`)
	if err != nil {
		t.Fatalf("save_memory error = %v", err)
	}

	var res struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.ID == "" || res.Content != "Alice plays the cello" {
		t.Errorf("result = %+v", res)
	}

	row, ok := metadata.Memories()[res.ID]
	if !ok {
		t.Fatal("memory row not stored")
	}
	if row.EventTime == nil || row.EventTime.Format("2006-01-02") != "2026-07-01" {
		t.Errorf("EventTime = %v, want 2026-07-01", row.EventTime)
	}
	if len(vectors.Records()) != 1 {
		t.Errorf("%d vector records, want 1", len(vectors.Records()))
	}
}

func TestSaveMemoryUnknownPersona(t *testing.T) {
	_, _, tools := newTools(t)

	if _, err := call(t, tools, "save_memory", `{"persona_id": "ghost", "content": "x"}`); err == nil {
		t.Error("save_memory should fail for an unknown persona")
	}
}

func TestSaveMemoryBadEventTime(t *testing.T) {
	_, _, tools := newTools(t)

	_, err := call(t, tools, "save_memory",
		`{"persona_id": "alice", "content": "x", "event_time": "soonish"}`)
	if err == nil || !strings.Contains(err.Error(), "event_time") {
		t.Errorf("error = %v, want event_time rejection", err)
	}
}

func TestUpdateAndDeleteMemory(t *testing.T) {
	metadata, vectors, tools := newTools(t)

	out, err := call(t, tools, "save_memory", `{"persona_id": "alice", "content": "original"}`)
	if err != nil {
		t.Fatalf("save_memory error = %v", err)
	}
	var saved struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(out), &saved); err != nil {
		t.Fatalf("decode result: %v", err)
	}

	if _, err := call(t, tools, "update_memory",
		`{"memory_id": "`+saved.ID+`", "content": "rewritten"}`); err != nil {
		t.Fatalf("update_memory error = %v", err)
	}
	if metadata.Memories()[saved.ID].Content != "rewritten" {
		t.Errorf("content = %q, want rewritten", metadata.Memories()[saved.ID].Content)
	}

	if _, err := call(t, tools, "delete_memory", `{"memory_id": "`+saved.ID+`"}`); err != nil {
		t.Fatalf("delete_memory error = %v", err)
	}
	if len(metadata.Memories()) != 0 || len(vectors.Records()) != 0 {
		t.Error("delete_memory should remove both the row and the vector")
	}

	if _, err := call(t, tools, "delete_memory", `{"memory_id": "`+saved.ID+`"}`); err == nil {
		t.Error("deleting a missing memory should fail")
	}
}

func TestUpdateMemoryRequiresID(t *testing.T) {
	_, _, tools := newTools(t)

	if _, err := call(t, tools, "update_memory", `{"content": "x"}`); err == nil {
		t.Error("update_memory without memory_id should fail")
	}
}

func TestSearchMemories(t *testing.T) {
	_, vectors, tools := newTools(t)

	out, err := call(t, tools, "save_memory", `{"persona_id": "alice", "content": "likes tea"}`)
	if err != nil {
		t.Fatalf("save_memory error = %v", err)
	}
	var saved struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(out), &saved); err != nil {
		t.Fatalf("decode result: %v", err)
	}

	for id := range vectors.Records() {
		vectors.SearchResult = []memory.VectorHit{
			{Record: memory.VectorRecord{ID: id, PersonaID: "alice"}, Similarity: 0.77},
		}
	}

	res, err := call(t, tools, "search_memories", `{"persona_id": "alice", "query": "beverages"}`)
	if err != nil {
		t.Fatalf("search_memories error = %v", err)
	}

	var hits []struct {
		ID         string  `json:"id"`
		Similarity float64 `json:"similarity"`
	}
	if err := json.Unmarshal([]byte(res), &hits); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != saved.ID || hits[0].Similarity != 0.77 {
		t.Errorf("hits = %+v", hits)
	}
}

func TestMalformedArguments(t *testing.T) {
	_, _, tools := newTools(t)

	for _, name := range []string{"save_memory", "update_memory", "delete_memory", "search_memories"} {
		if _, err := call(t, tools, name, `{not json`); err == nil {
			t.Errorf("%s should reject malformed arguments", name)
		}
	}
}
