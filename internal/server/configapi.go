package server

import (
	"encoding/json"
	"io"
	"net/http"
)

// maxConfigBody caps a configuration document. Values are small JSON
// objects; anything bigger is a client error.
const maxConfigBody = 1 << 20

// handleGetAllConfig serves GET /v1/config: every known key with its
// effective value (persisted override or compiled default).
func (s *Server) handleGetAllConfig(w http.ResponseWriter, r *http.Request) {
	all, err := s.settings.GetAll(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	value, err := s.settings.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read body: "+err.Error())
		return
	}

	key := r.PathValue("key")
	if err := s.settings.Put(r.Context(), key, json.RawMessage(body)); err != nil {
		s.writeStoreError(w, err)
		return
	}

	value, err := s.settings.Get(r.Context(), key)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

// handleDeleteConfig removes a persisted override so the key falls back to
// its compiled default.
func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.settings.Delete(r.Context(), r.PathValue("key")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
