// Package server implements the OpenAI-compatible HTTP surface of the proxy:
// chat completions with memory injection, memory and persona CRUD, graph and
// configuration endpoints, and the memory-tools listing.
//
// Routing uses net/http method patterns; every handler writes JSON. Errors
// map onto status codes in one place (writeStoreError) so the store layer's
// sentinel errors stay out of the handlers.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mnemohq/mnemo/internal/extract"
	"github.com/mnemohq/mnemo/internal/memorymgr"
	"github.com/mnemohq/mnemo/internal/memtool"
	"github.com/mnemohq/mnemo/internal/observe"
	"github.com/mnemohq/mnemo/internal/retrieval"
	"github.com/mnemohq/mnemo/internal/settings"
	"github.com/mnemohq/mnemo/pkg/memory"
	"github.com/mnemohq/mnemo/pkg/provider/llm"
)

// extractionTimeout bounds one background extraction run. It has no caller
// left to cancel it, so the budget is generous but finite.
const extractionTimeout = 2 * time.Minute

// Server holds the wired pipeline behind the HTTP surface.
type Server struct {
	chat      llm.Provider
	retriever *retrieval.Retriever
	extractor *extract.Extractor
	manager   *memorymgr.Manager
	settings  *settings.Registry
	tools     []memtool.Tool

	keyMu  sync.RWMutex
	apiKey string

	logger  *slog.Logger
	metrics *observe.Metrics

	// onExtract, when set, observes every finished background extraction.
	// Test hook; also keeps Shutdown honest about in-flight work.
	onExtract func(personaID string, res *extract.Result, err error)
}

// Option is a functional option for Server.
type Option func(*Server)

// WithAPIKey enables bearer-token authentication on every route.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// withExtractNotify observes finished background extractions. Test hook.
func withExtractNotify(fn func(personaID string, res *extract.Result, err error)) Option {
	return func(s *Server) { s.onExtract = fn }
}

// New assembles the server around an already-wired pipeline.
func New(chat llm.Provider, retriever *retrieval.Retriever, extractor *extract.Extractor, manager *memorymgr.Manager, reg *settings.Registry, opts ...Option) *Server {
	s := &Server{
		chat:      chat,
		retriever: retriever,
		extractor: extractor,
		manager:   manager,
		settings:  reg,
		tools:     memtool.NewTools(manager),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register adds all /v1 routes to mux, wrapped in bearer auth when an API key
// is configured.
func (s *Server) Register(mux *http.ServeMux) {
	api := http.NewServeMux()

	api.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	api.HandleFunc("POST /v1/completions", s.handleCompletions)
	api.HandleFunc("GET /v1/models", s.handleListModels)
	api.HandleFunc("GET /v1/memory-tools", s.handleMemoryTools)

	api.HandleFunc("POST /v1/memories", s.handleCreateMemory)
	api.HandleFunc("GET /v1/memories", s.handleListMemories)
	api.HandleFunc("GET /v1/memories/{id}", s.handleGetMemory)
	api.HandleFunc("PUT /v1/memories/{id}", s.handleUpdateMemory)
	api.HandleFunc("DELETE /v1/memories/{id}", s.handleDeleteMemory)
	api.HandleFunc("POST /v1/memories/search", s.handleSearchMemories)

	api.HandleFunc("GET /v1/personas", s.handleListPersonas)
	api.HandleFunc("POST /v1/personas", s.handleCreatePersona)
	api.HandleFunc("GET /v1/personas/{id}", s.handleGetPersona)
	api.HandleFunc("PUT /v1/personas/{id}", s.handleUpdatePersona)
	api.HandleFunc("DELETE /v1/personas/{id}", s.handleDeletePersona)

	api.HandleFunc("GET /v1/graph", s.handleGraph)

	api.HandleFunc("GET /v1/config", s.handleGetAllConfig)
	api.HandleFunc("GET /v1/config/{key}", s.handleGetConfig)
	api.HandleFunc("PUT /v1/config/{key}", s.handlePutConfig)
	api.HandleFunc("DELETE /v1/config/{key}", s.handleDeleteConfig)

	mux.Handle("/v1/", s.requireAuth(api))
}

// SetAPIKey replaces the bearer token at runtime; the config watcher calls
// this on hot reload. An empty key disables authentication.
func (s *Server) SetAPIKey(key string) {
	s.keyMu.Lock()
	s.apiKey = key
	s.keyMu.Unlock()
}

// requireAuth enforces Authorization: Bearer <key> when an API key is set.
// The key is read per request so SetAPIKey takes effect without re-mounting
// routes; comparison is constant-time. Anonymous access is allowed when no
// key is configured.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.keyMu.RLock()
		key := s.apiKey
		s.keyMu.RUnlock()
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid_api_key", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiError is the OpenAI-style error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":{"message":"encoding failure","type":"server_error"}}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, typ, msg string) {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = typ
	writeJSON(w, status, e)
}

// writeStoreError maps pipeline errors onto HTTP statuses: validation → 400,
// not-found → 404, anything else → 500.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	var verr *memory.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "invalid_request_error", verr.Error())
	case errors.Is(err, memory.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found_error", err.Error())
	default:
		s.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

// decodeJSON decodes the request body into v. Unknown fields are deliberately
// not rejected: OpenAI clients send fields the proxy does not model, and they
// must pass through untouched.
func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

