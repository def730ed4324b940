// Package app wires the mnemo subsystems into a runnable server: the
// Postgres-backed memory stores, the settings registry, the retrieval and
// extraction pipelines, the OpenAI-compatible HTTP surface, the MCP endpoint,
// and the health and metrics routes.
//
// The package owns subsystem lifecycle. main constructs providers from
// configuration, hands them to [New], and calls [App.Run]; everything between
// those two calls (store migration, default persona bootstrap, route
// assembly) happens here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mnemohq/mnemo/internal/config"
	"github.com/mnemohq/mnemo/internal/extract"
	"github.com/mnemohq/mnemo/internal/health"
	"github.com/mnemohq/mnemo/internal/mcpserver"
	"github.com/mnemohq/mnemo/internal/memorymgr"
	"github.com/mnemohq/mnemo/internal/memtool"
	"github.com/mnemohq/mnemo/internal/observe"
	"github.com/mnemohq/mnemo/internal/retrieval"
	"github.com/mnemohq/mnemo/internal/server"
	"github.com/mnemohq/mnemo/internal/settings"
	"github.com/mnemohq/mnemo/pkg/memory"
	"github.com/mnemohq/mnemo/pkg/memory/postgres"
	"github.com/mnemohq/mnemo/pkg/provider/embeddings"
	"github.com/mnemohq/mnemo/pkg/provider/embeddings/cached"
	"github.com/mnemohq/mnemo/pkg/provider/llm"
)

// defaultListenAddr is used when server.listen_addr is unset.
const defaultListenAddr = ":8080"

// defaultEmbeddingDimensions is the fallback vector width when neither the
// configuration nor the embeddings provider can name one. It matches
// text-embedding-3-small.
const defaultEmbeddingDimensions = 1536

// defaultPersonaID is the persona created on startup so the proxy answers
// requests out of the box.
const defaultPersonaID = "default"

// Providers are the model endpoints the pipeline runs against. main builds
// them from the configuration's provider registry.
type Providers struct {
	// Chat serves user-visible completions.
	Chat llm.Provider

	// Extraction serves the memory-extraction pipeline. When nil, Chat is
	// reused.
	Extraction llm.Provider

	// Embeddings serves vector embedding for storage and retrieval.
	Embeddings embeddings.Provider
}

// App is the assembled mnemo server.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	logLevel *slog.LevelVar

	store    *postgres.Store
	vectors  memory.SemanticIndex
	graph    memory.KnowledgeGraph
	metadata memory.MetadataStore

	settings  *settings.Registry
	manager   *memorymgr.Manager
	retriever *retrieval.Retriever
	extractor *extract.Extractor
	srv       *server.Server
	mcp       *mcpserver.Server
	health    *health.Handler
	metrics   *observe.Metrics

	httpSrv *http.Server

	// closers tear down subsystems in Shutdown, in reverse registration
	// order.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for App.
type Option func(*App)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithLogLevelVar hands the App the level var behind its log handler so
// configuration reloads can adjust verbosity without a restart.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithStores injects memory store implementations directly, bypassing
// Postgres. Intended for tests.
func WithStores(vectors memory.SemanticIndex, graph memory.KnowledgeGraph, metadata memory.MetadataStore) Option {
	return func(a *App) {
		a.vectors = vectors
		a.graph = graph
		a.metadata = metadata
	}
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics(),
// which records against the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) {
		if m != nil {
			a.metrics = m
		}
	}
}

// New assembles the server. The returned App owns every subsystem it
// created; call [App.Shutdown] to release them.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if providers == nil || providers.Chat == nil {
		return nil, errors.New("app: chat provider is required")
	}
	if providers.Embeddings == nil {
		return nil, errors.New("app: embeddings provider is required")
	}

	a := &App{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStores(ctx, providers.Embeddings); err != nil {
		return nil, err
	}
	if err := a.initPipeline(ctx, providers); err != nil {
		a.runClosers()
		return nil, err
	}
	a.initHealth(providers.Chat)

	if err := a.bootstrapDefaultPersona(ctx); err != nil {
		a.runClosers()
		return nil, err
	}
	return a, nil
}

// initStores connects the Postgres memory stores unless test doubles were
// injected. Migration runs inside postgres.NewStore.
func (a *App) initStores(ctx context.Context, embedder embeddings.Provider) error {
	if a.metadata != nil {
		return nil
	}

	dims := a.cfg.Postgres.EmbeddingDimensions
	if dims == 0 {
		dims = embedder.Dimensions()
	}
	if dims == 0 {
		dims = defaultEmbeddingDimensions
	}

	storeOpts := []postgres.Option{postgres.WithLogger(a.logger)}
	if prefix := a.cfg.Postgres.GraphTablePrefix; prefix != "" {
		storeOpts = append(storeOpts, postgres.WithGraphTables(prefixedTableNames(prefix)))
	}

	store, err := postgres.NewStore(ctx, a.cfg.Postgres.DSN, dims, storeOpts...)
	if err != nil {
		return fmt.Errorf("app: connect postgres: %w", err)
	}
	a.store = store
	a.vectors = store.Vectors()
	a.graph = store.Graph()
	a.metadata = store.Metadata()
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	a.logger.Info("memory stores ready", "embedding_dimensions", dims)
	return nil
}

// prefixedTableNames applies the configured prefix to every graph table.
func prefixedTableNames(prefix string) postgres.TableNames {
	t := postgres.DefaultTableNames()
	t.User = prefix + t.User
	t.Entity = prefix + t.Entity
	t.Concept = prefix + t.Concept
	t.Mentions = prefix + t.Mentions
	t.RelatedTo = prefix + t.RelatedTo
	t.BelongsTo = prefix + t.BelongsTo
	return t
}

// initPipeline builds the memory manager, retriever, extractor, and the two
// HTTP surfaces on top of the stores.
func (a *App) initPipeline(ctx context.Context, providers *Providers) error {
	a.settings = settings.NewRegistry(a.metadata, a.logger)

	embedder := providers.Embeddings
	cacheCfg, err := a.settings.CacheSettings(ctx)
	if err != nil {
		return fmt.Errorf("app: load cache settings: %w", err)
	}
	if cacheCfg.TTLSeconds > 0 {
		embedder = cached.New(embedder, cached.WithTTL(time.Duration(cacheCfg.TTLSeconds)*time.Second))
	}

	a.manager = memorymgr.New(embedder, a.vectors, a.graph, a.metadata, memorymgr.WithLogger(a.logger))
	a.retriever = retrieval.New(embedder, a.vectors, a.graph, a.metadata, a.settings, retrieval.WithLogger(a.logger))

	extractionLLM := providers.Extraction
	if extractionLLM == nil {
		extractionLLM = providers.Chat
	}
	a.extractor = extract.New(extractionLLM, a.manager, a.settings, extract.WithLogger(a.logger))

	a.srv = server.New(providers.Chat, a.retriever, a.extractor, a.manager, a.settings,
		server.WithAPIKey(a.cfg.Server.APIKey),
		server.WithLogger(a.logger),
		server.WithMetrics(a.metrics),
	)
	a.mcp = mcpserver.New(memtool.NewTools(a.manager), a.manager, mcpserver.WithLogger(a.logger))
	return nil
}

// initHealth registers readiness checks for the dependencies requests cannot
// survive without.
func (a *App) initHealth(chat llm.Provider) {
	var checkers []health.Checker
	if a.store != nil {
		checkers = append(checkers, health.Checker{
			Name:  "postgres",
			Check: a.store.Ping,
		})
	}
	checkers = append(checkers, health.Checker{
		Name: "chat_provider",
		Check: func(ctx context.Context) error {
			_, err := chat.ListModels(ctx)
			return err
		},
	})
	a.health = health.New(checkers...)
}

// bootstrapDefaultPersona ensures the "default" persona exists so requests
// work before any persona has been created explicitly.
func (a *App) bootstrapDefaultPersona(ctx context.Context) error {
	p, err := a.manager.GetPersona(ctx, defaultPersonaID)
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		return fmt.Errorf("app: look up default persona: %w", err)
	}
	if p != nil {
		return nil
	}
	err = a.manager.CreatePersona(ctx, memory.Persona{
		ID:          defaultPersonaID,
		Description: "Default persona created on first startup.",
	})
	if err != nil {
		return fmt.Errorf("app: create default persona: %w", err)
	}
	a.logger.Info("created default persona", "persona_id", defaultPersonaID)
	return nil
}

// Handler assembles the full route table: the /v1 API, the MCP endpoint,
// health probes, and Prometheus metrics, all behind the request-metrics
// middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.srv.Register(mux)
	a.mcp.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// Run serves HTTP until ctx is cancelled or the listener fails. On
// cancellation the caller is expected to follow up with [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	a.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg := a.cfg.Server.TLS; tlsCfg != nil {
			a.logger.Info("listening", "addr", addr, "tls", true)
			err = a.httpSrv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			a.logger.Info("listening", "addr", addr, "tls", false)
			err = a.httpSrv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// ApplyConfig reacts to a configuration reload. Log level and API key changes
// take effect immediately; anything else is reported as needing a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		if a.logLevel != nil {
			a.logLevel.Set(slogLevel(d.NewLogLevel))
			a.logger.Info("log level changed", "level", d.NewLogLevel)
		} else {
			a.logger.Warn("log level changed but no level var is wired; restart to apply")
		}
	}
	if d.APIKeyChanged {
		a.srv.SetAPIKey(new.Server.APIKey)
		a.logger.Info("api key updated")
	}
	if d.RestartRequired {
		a.logger.Warn("configuration changes require a restart", "reasons", d.RestartReasons)
	}
	a.cfg = new
}

// slogLevel maps a configuration log level onto slog. Unknown values fall
// back to info.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Shutdown stops the HTTP listener and releases every subsystem, newest
// first. Safe to call more than once; only the first call does work.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
			}
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				errs = append(errs, ctx.Err())
				return
			}
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// runClosers releases partially-initialised subsystems when New fails after
// some of them came up.
func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("cleanup failed", "err", err)
		}
	}
}
