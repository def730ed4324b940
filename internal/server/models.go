package server

import (
	"net/http"
	"time"

	"github.com/mnemohq/mnemo/internal/memtool"
)

// modelJSON is one entry of the OpenAI-compatible model listing.
type modelJSON struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// handleListModels serves GET /v1/models: the cartesian product of personas
// and upstream models, as "persona/model" ids, plus each bare persona id
// (which selects the upstream default model).
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	personas, err := s.manager.ListPersonas(ctx)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	upstream, err := s.chat.ListModels(ctx)
	if err != nil {
		s.metrics.RecordProviderError(ctx, "chat", "models")
		s.logger.Warn("models: upstream listing failed, serving personas only", "err", err)
		upstream = nil
	}

	now := time.Now().Unix()
	data := make([]modelJSON, 0, len(personas)*(len(upstream)+1))
	for _, p := range personas {
		data = append(data, modelJSON{ID: p.ID, Object: "model", Created: now, OwnedBy: "mnemo"})
		for _, m := range upstream {
			data = append(data, modelJSON{ID: p.ID + "/" + m, Object: "model", Created: now, OwnedBy: "mnemo"})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

// handleMemoryTools serves GET /v1/memory-tools: the four memory tools as
// OpenAI function definitions, ready to mount into a downstream agent's tool
// list.
func (s *Server) handleMemoryTools(w http.ResponseWriter, r *http.Request) {
	defs := memtool.Definitions(s.tools)
	tools := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, map[string]any{
			"type":     "function",
			"function": d,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}
