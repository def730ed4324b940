package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mnemohq/mnemo/internal/memorymgr"
	"github.com/mnemohq/mnemo/pkg/memory"
)

// memoryJSON is the wire representation of a memory row.
type memoryJSON struct {
	ID             string         `json:"id"`
	PersonaID      string         `json:"persona_id"`
	VectorID       string         `json:"vector_id"`
	EntityID       string         `json:"entity_id,omitempty"`
	Type           string         `json:"type"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"created_at"`
	EventTime      *time.Time     `json:"event_time,omitempty"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	AccessCount    int            `json:"access_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func toMemoryJSON(m memory.Memory) memoryJSON {
	return memoryJSON{
		ID:             m.ID,
		PersonaID:      m.PersonaID,
		VectorID:       m.VectorID,
		EntityID:       m.EntityID,
		Type:           m.Type,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		EventTime:      m.EventTime,
		LastAccessedAt: m.LastAccessedAt,
		AccessCount:    m.AccessCount,
		Metadata:       m.Metadata,
	}
}

type createMemoryRequest struct {
	PersonaID string         `json:"persona_id"`
	Content   string         `json:"content"`
	EventTime *time.Time     `json:"event_time,omitempty"`
	EntityID  string         `json:"entity_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body: "+err.Error())
		return
	}

	mem, err := s.manager.Create(r.Context(), memorymgr.CreateRequest{
		PersonaID: req.PersonaID,
		Content:   req.Content,
		EventTime: req.EventTime,
		EntityID:  req.EntityID,
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.metrics.RecordMemoryWrite(r.Context(), "create")
	writeJSON(w, http.StatusCreated, toMemoryJSON(*mem))
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	personaID := q.Get("persona_id")
	if personaID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "persona_id query parameter is required")
		return
	}

	filter := memory.MemoryFilter{
		PersonaID: personaID,
		Type:      q.Get("type"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	memories, err := s.manager.List(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	out := make([]memoryJSON, 0, len(memories))
	for _, m := range memories {
		out = append(out, toMemoryJSON(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": out})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	mem, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemoryJSON(*mem))
}

type updateMemoryRequest struct {
	Content        *string        `json:"content,omitempty"`
	EventTime      *time.Time     `json:"event_time,omitempty"`
	ClearEventTime bool           `json:"clear_event_time,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	var req updateMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body: "+err.Error())
		return
	}

	mem, err := s.manager.Update(r.Context(), r.PathValue("id"), memorymgr.UpdateRequest{
		Content:        req.Content,
		EventTime:      req.EventTime,
		ClearEventTime: req.ClearEventTime,
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.metrics.RecordMemoryWrite(r.Context(), "update")
	writeJSON(w, http.StatusOK, toMemoryJSON(*mem))
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.metrics.RecordMemoryWrite(r.Context(), "delete")
	w.WriteHeader(http.StatusNoContent)
}

type searchMemoriesRequest struct {
	PersonaID string `json:"persona_id"`
	Query     string `json:"query"`
	TopK      int    `json:"top_k,omitempty"`
}

type searchHitJSON struct {
	memoryJSON
	Similarity float64 `json:"similarity"`
}

func (s *Server) handleSearchMemories(w http.ResponseWriter, r *http.Request) {
	var req searchMemoriesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body: "+err.Error())
		return
	}

	hits, err := s.manager.Search(r.Context(), req.PersonaID, req.Query, req.TopK)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	out := make([]searchHitJSON, 0, len(hits))
	for _, h := range hits {
		out = append(out, searchHitJSON{memoryJSON: toMemoryJSON(h.Memory), Similarity: h.Similarity})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}
