package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mnemohq/mnemo/internal/config"
	memmock "github.com/mnemohq/mnemo/pkg/memory/mock"
	embmock "github.com/mnemohq/mnemo/pkg/provider/embeddings/mock"
	llmmock "github.com/mnemohq/mnemo/pkg/provider/llm/mock"
)

// newApp assembles an App on mock stores and providers.
func newApp(t *testing.T, cfg *config.Config, opts ...Option) (*App, *memmock.MetadataStore) {
	t.Helper()
	metadata := &memmock.MetadataStore{}
	opts = append([]Option{
		WithStores(&memmock.SemanticIndex{}, &memmock.KnowledgeGraph{}, metadata),
	}, opts...)

	a, err := New(context.Background(), cfg, &Providers{
		Chat:       &llmmock.Provider{},
		Embeddings: &embmock.Provider{Dims: 8},
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, metadata
}

func TestNewBootstrapsDefaultPersona(t *testing.T) {
	a, metadata := newApp(t, &config.Config{})

	p, err := metadata.GetPersona(context.Background(), defaultPersonaID)
	if err != nil {
		t.Fatalf("GetPersona: %v", err)
	}
	if p == nil {
		t.Fatal("default persona was not created")
	}

	// A second assembly over the same store must not fail on the existing
	// persona.
	b, err := New(context.Background(), &config.Config{}, &Providers{
		Chat:       &llmmock.Provider{},
		Embeddings: &embmock.Provider{Dims: 8},
	}, WithStores(a.vectors, a.graph, metadata))
	if err != nil {
		t.Fatalf("New over existing store: %v", err)
	}
	_ = b.Shutdown(context.Background())
}

func TestNewRejectsMissingProviders(t *testing.T) {
	if _, err := New(context.Background(), &config.Config{}, nil); err == nil {
		t.Error("nil providers accepted")
	}
	if _, err := New(context.Background(), &config.Config{}, &Providers{
		Embeddings: &embmock.Provider{Dims: 8},
	}); err == nil {
		t.Error("missing chat provider accepted")
	}
	if _, err := New(context.Background(), &config.Config{}, &Providers{
		Chat: &llmmock.Provider{},
	}); err == nil {
		t.Error("missing embeddings provider accepted")
	}
}

func TestHandlerRouteTable(t *testing.T) {
	a, _ := newApp(t, &config.Config{})
	h := a.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		return rec
	}

	if rec := get("/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d", rec.Code)
	}
	if rec := get("/readyz"); rec.Code != http.StatusOK {
		t.Errorf("/readyz status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := get("/metrics"); rec.Code != http.StatusOK {
		t.Errorf("/metrics status = %d", rec.Code)
	}
	if rec := get("/v1/personas"); rec.Code != http.StatusOK {
		t.Errorf("/v1/personas status = %d", rec.Code)
	}
	if rec := get("/mcp/tools"); rec.Code != http.StatusOK {
		t.Errorf("/mcp/tools status = %d", rec.Code)
	}
}

func TestReadyzReportsChatProviderFailure(t *testing.T) {
	metadata := &memmock.MetadataStore{}
	chat := &llmmock.Provider{ModelsErr: context.DeadlineExceeded}
	a, err := New(context.Background(), &config.Config{}, &Providers{
		Chat:       chat,
		Embeddings: &embmock.Provider{Dims: 8},
	}, WithStores(&memmock.SemanticIndex{}, &memmock.KnowledgeGraph{}, metadata))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz status = %d, want 503", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "fail" || body.Checks["chat_provider"] == "ok" {
		t.Errorf("body = %+v", body)
	}
}

func TestApplyConfigHotReload(t *testing.T) {
	lvl := new(slog.LevelVar)
	old := &config.Config{}
	old.Server.LogLevel = config.LogInfo
	a, _ := newApp(t, old, WithLogLevelVar(lvl))
	h := a.Handler()

	// Auth is off initially.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/personas", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unauthenticated request before reload: %d", rec.Code)
	}

	updated := &config.Config{}
	updated.Server.LogLevel = config.LogDebug
	updated.Server.APIKey = "sesame"
	a.ApplyConfig(old, updated)

	if lvl.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lvl.Level())
	}

	// The same handler now enforces the new key.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/personas", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated request after reload: %d", rec.Code)
	}
	req := httptest.NewRequest("GET", "/v1/personas", nil)
	req.Header.Set("Authorization", "Bearer sesame")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated request after reload: %d", rec.Code)
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"bogus":         slog.LevelInfo,
	}
	for in, want := range cases {
		if got := slogLevel(in); got != want {
			t.Errorf("slogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	a, _ := newApp(t, &config.Config{})
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
