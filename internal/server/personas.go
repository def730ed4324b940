package server

import (
	"net/http"
	"time"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// personaJSON is the wire representation of a persona.
type personaJSON struct {
	ID           string    `json:"id"`
	Description  string    `json:"description,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toPersonaJSON(p memory.Persona) personaJSON {
	return personaJSON{
		ID:           p.ID,
		Description:  p.Description,
		SystemPrompt: p.SystemPrompt,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

type personaRequest struct {
	ID           string `json:"id"`
	Description  string `json:"description,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

func (s *Server) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	personas, err := s.manager.ListPersonas(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	out := make([]personaJSON, 0, len(personas))
	for _, p := range personas {
		out = append(out, toPersonaJSON(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"personas": out})
}

func (s *Server) handleCreatePersona(w http.ResponseWriter, r *http.Request) {
	var req personaRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body: "+err.Error())
		return
	}

	err := s.manager.CreatePersona(r.Context(), memory.Persona{
		ID:           req.ID,
		Description:  req.Description,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	// Creation is idempotent; return the stored row, which may predate this
	// request.
	p, err := s.manager.GetPersona(r.Context(), req.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPersonaJSON(*p))
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	p, err := s.manager.GetPersona(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPersonaJSON(*p))
}

func (s *Server) handleUpdatePersona(w http.ResponseWriter, r *http.Request) {
	var req personaRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body: "+err.Error())
		return
	}

	id := r.PathValue("id")
	err := s.manager.UpdatePersona(r.Context(), memory.Persona{
		ID:           id,
		Description:  req.Description,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	p, err := s.manager.GetPersona(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPersonaJSON(*p))
}

func (s *Server) handleDeletePersona(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeletePersona(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
