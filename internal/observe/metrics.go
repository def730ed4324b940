// Package observe provides application-wide observability primitives for
// Mnemo: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Mnemo metrics.
const meterName = "github.com/mnemohq/mnemo"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// RetrievalDuration tracks memory retrieval latency (embed + vector
	// search + scoring).
	RetrievalDuration metric.Float64Histogram

	// LLMDuration tracks upstream chat-completion latency.
	LLMDuration metric.Float64Histogram

	// EmbeddingDuration tracks embedding provider latency.
	EmbeddingDuration metric.Float64Histogram

	// ExtractionDuration tracks end-to-end post-turn extraction latency,
	// gate call included.
	ExtractionDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ExtractionOutcomes counts extraction pipeline results. Use with attribute:
	//   attribute.String("outcome", ...) — "saved", "skipped", or "gated"
	ExtractionOutcomes metric.Int64Counter

	// MemoryWrites counts memory store mutations. Use with attribute:
	//   attribute.String("op", ...) — "create", "update", or "delete"
	MemoryWrites metric.Int64Counter

	// CacheLookups counts embedding cache lookups. Use with attribute:
	//   attribute.String("result", ...) — "hit" or "miss"
	CacheLookups metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of in-flight streaming completions.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// everything from cache hits to slow upstream completions.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RetrievalDuration, err = m.Float64Histogram("mnemo.retrieval.duration",
		metric.WithDescription("Latency of memory retrieval."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("mnemo.llm.duration",
		metric.WithDescription("Latency of upstream chat completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("mnemo.embedding.duration",
		metric.WithDescription("Latency of embedding requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExtractionDuration, err = m.Float64Histogram("mnemo.extraction.duration",
		metric.WithDescription("End-to-end post-turn extraction latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("mnemo.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ExtractionOutcomes, err = m.Int64Counter("mnemo.extraction.outcomes",
		metric.WithDescription("Extraction pipeline results by outcome."),
	); err != nil {
		return nil, err
	}
	if met.MemoryWrites, err = m.Int64Counter("mnemo.memory.writes",
		metric.WithDescription("Memory store mutations by operation."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("mnemo.cache.lookups",
		metric.WithDescription("Embedding cache lookups by result."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("mnemo.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("mnemo.active_streams",
		metric.WithDescription("Number of in-flight streaming completions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("mnemo.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordExtractionOutcome is a convenience method that records extraction
// results by outcome.
func (m *Metrics) RecordExtractionOutcome(ctx context.Context, outcome string, n int64) {
	if n <= 0 {
		return
	}
	m.ExtractionOutcomes.Add(ctx, n,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordMemoryWrite is a convenience method that records a memory store
// mutation.
func (m *Metrics) RecordMemoryWrite(ctx context.Context, op string) {
	m.MemoryWrites.Add(ctx, 1,
		metric.WithAttributes(attribute.String("op", op)),
	)
}

// RecordCacheLookup is a convenience method that records an embedding cache
// lookup result.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
