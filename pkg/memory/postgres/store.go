package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.SemanticIndex  = (*SemanticIndexImpl)(nil)
	_ memory.KnowledgeGraph = (*KnowledgeGraphImpl)(nil)
	_ memory.MetadataStore  = (*MetadataStoreImpl)(nil)
)

// Store is the central PostgreSQL-backed memory store. It holds a single
// [pgxpool.Pool] and exposes the three coordinated stores:
//
//   - [Store.Vectors] returns a [SemanticIndexImpl] implementing [memory.SemanticIndex]
//   - [Store.Graph] returns a [KnowledgeGraphImpl] implementing [memory.KnowledgeGraph]
//   - [Store.Metadata] returns a [MetadataStoreImpl] implementing [memory.MetadataStore]
//
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	vectors  *SemanticIndexImpl
	graph    *KnowledgeGraphImpl
	metadata *MetadataStoreImpl
}

// Option is a functional option for [NewStore].
type Option func(*options)

type options struct {
	tables TableNames
	logger *slog.Logger
}

// WithGraphTables overrides the physical graph table names. Names must be
// plain SQL identifiers; [NewStore] fails otherwise.
func WithGraphTables(t TableNames) Option {
	return func(o *options) { o.tables = t }
}

// WithLogger sets the logger used for degraded-path warnings (unknown
// relation kinds). Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// producing [memory.VectorRecord.Embedding] values. Changing this value after
// the first migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int, opts ...Option) (*Store, error) {
	o := options{
		tables: DefaultTableNames(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions, o.tables); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:     pool,
		vectors:  &SemanticIndexImpl{pool: pool},
		graph:    &KnowledgeGraphImpl{pool: pool, tables: o.tables, logger: o.logger},
		metadata: &MetadataStoreImpl{pool: pool},
	}, nil
}

// Vectors returns the semantic index implementation.
func (s *Store) Vectors() *SemanticIndexImpl { return s.vectors }

// Graph returns the knowledge graph implementation.
func (s *Store) Graph() *KnowledgeGraphImpl { return s.graph }

// Metadata returns the metadata store implementation.
func (s *Store) Metadata() *MetadataStoreImpl { return s.metadata }

// Ping verifies database connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
// It should be called when the Store is no longer needed, typically via defer.
func (s *Store) Close() {
	s.pool.Close()
}
