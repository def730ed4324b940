// Package mcpserver exposes the memory system as an MCP server.
//
// The four memory tools from [memtool] are published over the official MCP Go
// SDK's streamable-HTTP transport at /mcp, so MCP-speaking agents (IDEs,
// assistants, other services) can save and search memories without going
// through the OpenAI-compatible surface. Personas and their memories are
// additionally readable as MCP resources.
//
// Next to the protocol endpoint, three plain-JSON convenience endpoints serve
// the same catalogue for humans and non-MCP clients: GET /mcp/info,
// GET /mcp/tools, and GET /mcp/resources.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mnemohq/mnemo/internal/memorymgr"
	"github.com/mnemohq/mnemo/internal/memtool"
	"github.com/mnemohq/mnemo/pkg/memory"
)

const (
	serverName    = "mnemo"
	serverVersion = "1.0.0"

	personasResourceURI  = "memory://personas"
	memoriesURITemplate  = "memory://personas/{id}/memories"
	resourceJSONMIMEType = "application/json"
)

// Server wraps an MCP server around the memory tool set.
type Server struct {
	tools   []memtool.Tool
	manager *memorymgr.Manager
	mcp     *mcpsdk.Server
	logger  *slog.Logger
}

// Option is a functional option for Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds the MCP server and registers the tool and resource catalogue.
func New(tools []memtool.Tool, mgr *memorymgr.Manager, opts ...Option) *Server {
	s := &Server{
		tools:   tools,
		manager: mgr,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	s.mcp = mcpsdk.NewServer(
		&mcpsdk.Implementation{Name: serverName, Version: serverVersion},
		nil,
	)
	s.registerTools()
	s.registerResources()
	return s
}

// Register mounts the protocol endpoint and the convenience endpoints on mux.
// The streamable-HTTP handler owns everything at /mcp itself (POST for
// JSON-RPC, GET for the SSE channel, DELETE for session teardown).
func (s *Server) Register(mux *http.ServeMux) {
	streamable := mcpsdk.NewStreamableHTTPHandler(
		func(*http.Request) *mcpsdk.Server { return s.mcp },
		nil,
	)
	mux.Handle("/mcp", streamable)
	mux.HandleFunc("GET /mcp/info", s.handleInfo)
	mux.HandleFunc("GET /mcp/tools", s.handleTools)
	mux.HandleFunc("GET /mcp/resources", s.handleResources)
}

// Tool argument structs. The SDK derives the published input schemas from
// these; they mirror the JSON schemas served at /v1/memory-tools.

type saveMemoryArgs struct {
	PersonaID string `json:"persona_id" jsonschema:"Persona whose memory space receives the entry."`
	Content   string `json:"content" jsonschema:"The text to remember, phrased as a standalone fact."`
	EventTime string `json:"event_time,omitempty" jsonschema:"When the remembered event happened (RFC 3339 or YYYY-MM-DD). Omit when unknown."`
}

type updateMemoryArgs struct {
	MemoryID  string `json:"memory_id" jsonschema:"Identifier of the memory to modify."`
	Content   string `json:"content,omitempty" jsonschema:"Replacement text. Omit to keep the current content."`
	EventTime string `json:"event_time,omitempty" jsonschema:"Replacement event time (RFC 3339 or YYYY-MM-DD)."`
}

type deleteMemoryArgs struct {
	MemoryID string `json:"memory_id" jsonschema:"Identifier of the memory to delete."`
}

type searchMemoriesArgs struct {
	PersonaID string `json:"persona_id" jsonschema:"Persona whose memory space is searched."`
	Query     string `json:"query" jsonschema:"Text whose semantic neighbors should be returned."`
	TopK      int    `json:"top_k,omitempty" jsonschema:"Maximum number of results. Defaults to 5."`
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcp, s.toolMeta("save_memory"), bridge[saveMemoryArgs](s, "save_memory"))
	mcpsdk.AddTool(s.mcp, s.toolMeta("update_memory"), bridge[updateMemoryArgs](s, "update_memory"))
	mcpsdk.AddTool(s.mcp, s.toolMeta("delete_memory"), bridge[deleteMemoryArgs](s, "delete_memory"))
	mcpsdk.AddTool(s.mcp, s.toolMeta("search_memories"), bridge[searchMemoriesArgs](s, "search_memories"))
}

// toolMeta carries a tool's name and description over to its MCP listing.
func (s *Server) toolMeta(name string) *mcpsdk.Tool {
	t := memtool.Find(s.tools, name)
	if t == nil {
		return &mcpsdk.Tool{Name: name}
	}
	return &mcpsdk.Tool{Name: name, Description: t.Definition.Description}
}

// bridge adapts a memtool handler to the SDK's typed tool handler. Handler
// errors become IsError results so the session survives bad arguments; only
// encoding failures surface as protocol errors.
func bridge[A any](s *Server, name string) func(context.Context, *mcpsdk.CallToolRequest, A) (*mcpsdk.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, args A) (*mcpsdk.CallToolResult, any, error) {
		tool := memtool.Find(s.tools, name)
		if tool == nil {
			return nil, nil, fmt.Errorf("mcpserver: tool %q not registered", name)
		}

		raw, err := json.Marshal(args)
		if err != nil {
			return nil, nil, fmt.Errorf("mcpserver: encode %s arguments: %w", name, err)
		}

		out, err := tool.Handler(ctx, string(raw))
		if err != nil {
			s.logger.Warn("mcp tool call failed", "tool", name, "err", err)
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
			}, nil, nil
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: out}},
		}, nil, nil
	}
}

func (s *Server) registerResources() {
	s.mcp.AddResource(&mcpsdk.Resource{
		URI:         personasResourceURI,
		Name:        "personas",
		Description: "All personas with their descriptions and system prompts.",
		MIMEType:    resourceJSONMIMEType,
	}, s.readPersonas)

	s.mcp.AddResourceTemplate(&mcpsdk.ResourceTemplate{
		URITemplate: memoriesURITemplate,
		Name:        "persona-memories",
		Description: "Stored memories of one persona, newest first.",
		MIMEType:    resourceJSONMIMEType,
	}, s.readPersonaMemories)
}

func (s *Server) readPersonas(ctx context.Context, req *mcpsdk.ReadResourceRequest) (*mcpsdk.ReadResourceResult, error) {
	personas, err := s.manager.ListPersonas(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcpserver: list personas: %w", err)
	}

	type entry struct {
		ID           string `json:"id"`
		Description  string `json:"description,omitempty"`
		SystemPrompt string `json:"system_prompt,omitempty"`
	}
	out := make([]entry, 0, len(personas))
	for _, p := range personas {
		out = append(out, entry{ID: p.ID, Description: p.Description, SystemPrompt: p.SystemPrompt})
	}
	return jsonResource(req.Params.URI, out)
}

func (s *Server) readPersonaMemories(ctx context.Context, req *mcpsdk.ReadResourceRequest) (*mcpsdk.ReadResourceResult, error) {
	personaID, ok := personaFromURI(req.Params.URI)
	if !ok {
		return nil, mcpsdk.ResourceNotFoundError(req.Params.URI)
	}

	memories, err := s.manager.List(ctx, memory.MemoryFilter{PersonaID: personaID})
	if err != nil {
		return nil, fmt.Errorf("mcpserver: list memories for %q: %w", personaID, err)
	}

	type entry struct {
		ID        string `json:"id"`
		Content   string `json:"content"`
		CreatedAt string `json:"created_at"`
		EventTime string `json:"event_time,omitempty"`
	}
	out := make([]entry, 0, len(memories))
	for _, m := range memories {
		e := entry{ID: m.ID, Content: m.Content, CreatedAt: m.CreatedAt.Format("2006-01-02 15:04:05")}
		if m.EventTime != nil {
			e.EventTime = m.EventTime.Format("2006-01-02 15:04:05")
		}
		out = append(out, e)
	}
	return jsonResource(req.Params.URI, out)
}

// personaFromURI extracts the persona id from memory://personas/{id}/memories.
func personaFromURI(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, "memory://personas/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/memories")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func jsonResource(uri string, v any) (*mcpsdk.ReadResourceResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcpserver: encode resource %q: %w", uri, err)
	}
	return &mcpsdk.ReadResourceResult{
		Contents: []*mcpsdk.ResourceContents{
			{URI: uri, MIMEType: resourceJSONMIMEType, Text: string(data)},
		},
	}, nil
}

// Convenience endpoints. Plain JSON, no MCP session required.

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"name":      serverName,
		"version":   serverVersion,
		"protocol":  "mcp",
		"transport": "streamable-http",
		"endpoint":  "/mcp",
	})
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{"tools": memtool.Definitions(s.tools)})
}

func (s *Server) handleResources(w http.ResponseWriter, _ *http.Request) {
	type resourceJSON struct {
		URI         string `json:"uri,omitempty"`
		URITemplate string `json:"uri_template,omitempty"`
		Name        string `json:"name"`
		Description string `json:"description"`
		MIMEType    string `json:"mime_type"`
	}
	s.writeJSON(w, map[string]any{
		"resources": []resourceJSON{
			{
				URI:         personasResourceURI,
				Name:        "personas",
				Description: "All personas with their descriptions and system prompts.",
				MIMEType:    resourceJSONMIMEType,
			},
			{
				URITemplate: memoriesURITemplate,
				Name:        "persona-memories",
				Description: "Stored memories of one persona, newest first.",
				MIMEType:    resourceJSONMIMEType,
			},
		},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("mcpserver: response encoding failed", "err", err)
	}
}
