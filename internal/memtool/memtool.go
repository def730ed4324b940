// Package memtool exposes the memory pipeline as function-calling tools.
//
// Four tools are exported via [NewTools]:
//   - "save_memory"     — persist a new memory under a persona.
//   - "update_memory"   — rewrite an existing memory's content or event time.
//   - "delete_memory"   — remove a memory and its vector record.
//   - "search_memories" — semantic search over a persona's memories.
//
// The definitions are served raw at /v1/memory-tools so downstream agents can
// mount them, and the same handlers back the MCP server. All handlers are
// safe for concurrent use.
package memtool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mnemohq/mnemo/internal/memorymgr"
	"github.com/mnemohq/mnemo/pkg/types"
)

// defaultTopK is the default result limit for search_memories.
const defaultTopK = 5

// Tool pairs a function-calling definition with its handler. Arguments arrive
// as the raw JSON string the model produced; results are returned as JSON
// text.
type Tool struct {
	Definition types.ToolDefinition
	Handler    func(ctx context.Context, args string) (string, error)
}

// eventTimeLayouts accepted in tool arguments, most specific first.
var eventTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseEventTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized event_time %q", s)
}

// ─────────────────────────────────────────────────────────────────────────────
// save_memory
// ─────────────────────────────────────────────────────────────────────────────

type saveMemoryArgs struct {
	// PersonaID selects the memory space to write into.
	PersonaID string `json:"persona_id"`

	// Content is the text to remember.
	Content string `json:"content"`

	// EventTime optionally anchors when the remembered event happened
	// (RFC 3339 or "YYYY-MM-DD[ HH:MM[:SS]]").
	EventTime string `json:"event_time,omitempty"`
}

func makeSaveMemoryHandler(mgr *memorymgr.Manager) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a saveMemoryArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memtool: save_memory: failed to parse arguments: %w", err)
		}

		et, err := parseEventTime(a.EventTime)
		if err != nil {
			return "", fmt.Errorf("memtool: save_memory: %w", err)
		}

		mem, err := mgr.Create(ctx, memorymgr.CreateRequest{
			PersonaID: a.PersonaID,
			Content:   a.Content,
			EventTime: et,
		})
		if err != nil {
			return "", fmt.Errorf("memtool: save_memory: %w", err)
		}

		res, err := json.Marshal(map[string]any{
			"id":         mem.ID,
			"persona_id": mem.PersonaID,
			"content":    mem.Content,
			"created_at": mem.CreatedAt,
		})
		if err != nil {
			return "", fmt.Errorf("memtool: save_memory: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// update_memory
// ─────────────────────────────────────────────────────────────────────────────

type updateMemoryArgs struct {
	// MemoryID names the memory to modify.
	MemoryID string `json:"memory_id"`

	// Content, when non-empty, replaces the remembered text (re-embedded).
	Content string `json:"content,omitempty"`

	// EventTime, when non-empty, replaces the event anchor.
	EventTime string `json:"event_time,omitempty"`
}

func makeUpdateMemoryHandler(mgr *memorymgr.Manager) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a updateMemoryArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memtool: update_memory: failed to parse arguments: %w", err)
		}
		if a.MemoryID == "" {
			return "", fmt.Errorf("memtool: update_memory: memory_id must not be empty")
		}

		req := memorymgr.UpdateRequest{}
		if a.Content != "" {
			req.Content = &a.Content
		}
		et, err := parseEventTime(a.EventTime)
		if err != nil {
			return "", fmt.Errorf("memtool: update_memory: %w", err)
		}
		req.EventTime = et

		mem, err := mgr.Update(ctx, a.MemoryID, req)
		if err != nil {
			return "", fmt.Errorf("memtool: update_memory: %w", err)
		}

		res, err := json.Marshal(map[string]any{
			"id":      mem.ID,
			"content": mem.Content,
		})
		if err != nil {
			return "", fmt.Errorf("memtool: update_memory: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// delete_memory
// ─────────────────────────────────────────────────────────────────────────────

type deleteMemoryArgs struct {
	// MemoryID names the memory to remove.
	MemoryID string `json:"memory_id"`
}

func makeDeleteMemoryHandler(mgr *memorymgr.Manager) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a deleteMemoryArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memtool: delete_memory: failed to parse arguments: %w", err)
		}
		if a.MemoryID == "" {
			return "", fmt.Errorf("memtool: delete_memory: memory_id must not be empty")
		}

		if err := mgr.Delete(ctx, a.MemoryID); err != nil {
			return "", fmt.Errorf("memtool: delete_memory: %w", err)
		}
		return `{"deleted":true}`, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// search_memories
// ─────────────────────────────────────────────────────────────────────────────

type searchMemoriesArgs struct {
	// PersonaID selects the memory space to search.
	PersonaID string `json:"persona_id"`

	// Query is the text whose semantic neighbors are returned.
	Query string `json:"query"`

	// TopK caps the number of results. Defaults to 5 when ≤ 0.
	TopK int `json:"top_k,omitempty"`
}

func makeSearchMemoriesHandler(mgr *memorymgr.Manager) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a searchMemoriesArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memtool: search_memories: failed to parse arguments: %w", err)
		}

		topK := a.TopK
		if topK <= 0 {
			topK = defaultTopK
		}

		hits, err := mgr.Search(ctx, a.PersonaID, a.Query, topK)
		if err != nil {
			return "", fmt.Errorf("memtool: search_memories: %w", err)
		}

		out := make([]map[string]any, 0, len(hits))
		for _, h := range hits {
			out = append(out, map[string]any{
				"id":         h.Memory.ID,
				"content":    h.Memory.Content,
				"similarity": h.Similarity,
				"created_at": h.Memory.CreatedAt,
			})
		}
		res, err := json.Marshal(out)
		if err != nil {
			return "", fmt.Errorf("memtool: search_memories: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// NewTools
// ─────────────────────────────────────────────────────────────────────────────

// NewTools constructs the four memory tools wired to mgr.
func NewTools(mgr *memorymgr.Manager) []Tool {
	return []Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "save_memory",
				Description: "Persist a piece of information as a long-term memory under a persona. Use for durable facts about the user or the world, not for transient conversation state.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"persona_id": map[string]any{
							"type":        "string",
							"description": "Persona whose memory space receives the entry.",
						},
						"content": map[string]any{
							"type":        "string",
							"description": "The text to remember, phrased as a standalone fact.",
						},
						"event_time": map[string]any{
							"type":        "string",
							"description": "When the remembered event happened (RFC 3339 or YYYY-MM-DD). Omit when unknown.",
						},
					},
					"required": []string{"persona_id", "content"},
				},
			},
			Handler: makeSaveMemoryHandler(mgr),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "update_memory",
				Description: "Rewrite an existing memory's content or event time. The memory keeps its identity and access history; changed content is re-embedded.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"memory_id": map[string]any{
							"type":        "string",
							"description": "Identifier of the memory to modify.",
						},
						"content": map[string]any{
							"type":        "string",
							"description": "Replacement text. Omit to keep the current content.",
						},
						"event_time": map[string]any{
							"type":        "string",
							"description": "Replacement event time (RFC 3339 or YYYY-MM-DD).",
						},
					},
					"required": []string{"memory_id"},
				},
			},
			Handler: makeUpdateMemoryHandler(mgr),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "delete_memory",
				Description: "Remove a memory permanently, including its vector record. Use when the user asks to forget something or a stored fact is wrong.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"memory_id": map[string]any{
							"type":        "string",
							"description": "Identifier of the memory to delete.",
						},
					},
					"required": []string{"memory_id"},
				},
			},
			Handler: makeDeleteMemoryHandler(mgr),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "search_memories",
				Description: "Semantic search across a persona's stored memories. Returns the closest matches with similarity scores. Use a focused query for best results.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"persona_id": map[string]any{
							"type":        "string",
							"description": "Persona whose memory space is searched.",
						},
						"query": map[string]any{
							"type":        "string",
							"description": "Text whose semantic neighbors should be returned.",
						},
						"top_k": map[string]any{
							"type":        "integer",
							"description": "Maximum number of results. Defaults to 5.",
							"minimum":     1,
							"maximum":     50,
						},
					},
					"required": []string{"persona_id", "query"},
				},
			},
			Handler: makeSearchMemoriesHandler(mgr),
		},
	}
}

// Definitions returns just the tool definitions, in tool order.
func Definitions(tools []Tool) []types.ToolDefinition {
	defs := make([]types.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = t.Definition
	}
	return defs
}

// Find returns the tool with the given name, or nil.
func Find(tools []Tool, name string) *Tool {
	for i := range tools {
		if tools[i].Definition.Name == name {
			return &tools[i]
		}
	}
	return nil
}
