package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// Registry resolves runtime settings against the configurations table,
// falling back to compiled defaults for absent keys. It is stateless between
// calls — every read hits the store — so updates written through Put are
// visible to the next request without any cache invalidation. Safe for
// concurrent use.
type Registry struct {
	store  memory.MetadataStore
	logger *slog.Logger
}

// NewRegistry creates a settings registry on top of the metadata store.
// logger may be nil, in which case slog.Default() is used.
func NewRegistry(store memory.MetadataStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger}
}

// IsKnown reports whether key is a recognised settings key.
func IsKnown(key string) bool {
	return slices.Contains(KnownKeys, key)
}

// Get returns the effective JSON document for key: the stored override when
// present, otherwise the compiled default. Unknown keys return a
// ValidationError.
func (r *Registry) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if !IsKnown(key) {
		return nil, &memory.ValidationError{Field: "key", Reason: fmt.Sprintf("unknown configuration key %q", key)}
	}

	stored, err := r.store.GetConfig(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("settings: get %q: %w", key, err)
	}
	if stored != nil {
		return json.RawMessage(stored), nil
	}

	raw, err := json.Marshal(Defaults(key))
	if err != nil {
		return nil, fmt.Errorf("settings: marshal default for %q: %w", key, err)
	}
	return raw, nil
}

// GetAll returns the effective document for every known key.
func (r *Registry) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(KnownKeys))
	for _, key := range KnownKeys {
		raw, err := r.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		out[key] = raw
	}
	return out, nil
}

// Put validates value against the key's schema and persists it. The value
// replaces the stored document wholesale; callers wanting a partial update
// should Get, modify, and Put. Changed keys are logged at info level.
func (r *Registry) Put(ctx context.Context, key string, value json.RawMessage) error {
	if !IsKnown(key) {
		return &memory.ValidationError{Field: "key", Reason: fmt.Sprintf("unknown configuration key %q", key)}
	}
	if err := validateShape(key, value); err != nil {
		return err
	}

	old, err := r.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := r.store.SetConfig(ctx, key, []byte(value)); err != nil {
		return fmt.Errorf("settings: put %q: %w", key, err)
	}

	if !jsonEqual(old, value) {
		r.logger.Info("runtime setting changed", "key", key)
	}
	return nil
}

// Delete removes the stored override for key, reverting it to the compiled
// default. Deleting a key that has no override is a no-op.
func (r *Registry) Delete(ctx context.Context, key string) error {
	if !IsKnown(key) {
		return &memory.ValidationError{Field: "key", Reason: fmt.Sprintf("unknown configuration key %q", key)}
	}
	if err := r.store.DeleteConfig(ctx, key); err != nil {
		return fmt.Errorf("settings: delete %q: %w", key, err)
	}
	r.logger.Info("runtime setting reset to default", "key", key)
	return nil
}

// validateShape decodes value into the key's schema struct with unknown
// fields rejected, surfacing typos before they are persisted.
func validateShape(key string, value json.RawMessage) error {
	target := Defaults(key)
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.DisallowUnknownFields()

	var err error
	switch target.(type) {
	case LLM:
		var v LLM
		err = dec.Decode(&v)
	case Embedding:
		var v Embedding
		err = dec.Decode(&v)
	case MemoryExtraction:
		var v MemoryExtraction
		err = dec.Decode(&v)
	case MemorySystem:
		var v MemorySystem
		err = dec.Decode(&v)
		if err == nil {
			err = validateMemorySystem(v)
		}
	case MemoryScoring:
		var v MemoryScoring
		err = dec.Decode(&v)
	case VectorStore:
		var v VectorStore
		err = dec.Decode(&v)
	case GraphStore:
		var v GraphStore
		err = dec.Decode(&v)
	case Cache:
		var v Cache
		err = dec.Decode(&v)
	}
	if err != nil {
		return &memory.ValidationError{Field: key, Reason: err.Error()}
	}
	return nil
}

func validateMemorySystem(v MemorySystem) error {
	switch v.InjectionMode {
	case "", "system", "messages", "mixed":
	default:
		return fmt.Errorf("injection_mode %q is invalid; valid values: system, messages, mixed", v.InjectionMode)
	}
	if v.MaxLongTerm < 0 {
		return fmt.Errorf("max_long_term %d must not be negative", v.MaxLongTerm)
	}
	if v.DedupThreshold < 0 || v.DedupThreshold > 1 {
		return fmt.Errorf("dedup_threshold %v is out of range [0, 1]", v.DedupThreshold)
	}
	return nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return bytes.Equal(a, b)
	}
	an, _ := json.Marshal(av)
	bn, _ := json.Marshal(bv)
	return bytes.Equal(an, bn)
}

// Typed accessors used by the pipeline. Each returns the stored override
// merged over the default; fields absent from the stored JSON keep their
// zero value, so overrides should be written as full documents (Put enforces
// whole-document semantics).

// MemorySystemSettings returns the effective memory_system settings.
func (r *Registry) MemorySystemSettings(ctx context.Context) (MemorySystem, error) {
	v := Defaults(KeyMemorySystem).(MemorySystem)
	err := r.load(ctx, KeyMemorySystem, &v)
	return v, err
}

// MemoryScoringSettings returns the effective memory_scoring settings.
func (r *Registry) MemoryScoringSettings(ctx context.Context) (MemoryScoring, error) {
	v := Defaults(KeyMemoryScoring).(MemoryScoring)
	err := r.load(ctx, KeyMemoryScoring, &v)
	return v, err
}

// ExtractionSettings returns the effective memory_extraction settings.
func (r *Registry) ExtractionSettings(ctx context.Context) (MemoryExtraction, error) {
	v := Defaults(KeyMemoryExtraction).(MemoryExtraction)
	err := r.load(ctx, KeyMemoryExtraction, &v)
	return v, err
}

// VectorStoreSettings returns the effective vector_store settings.
func (r *Registry) VectorStoreSettings(ctx context.Context) (VectorStore, error) {
	v := Defaults(KeyVectorStore).(VectorStore)
	err := r.load(ctx, KeyVectorStore, &v)
	return v, err
}

// GraphStoreSettings returns the effective graph_store settings.
func (r *Registry) GraphStoreSettings(ctx context.Context) (GraphStore, error) {
	v := Defaults(KeyGraphStore).(GraphStore)
	err := r.load(ctx, KeyGraphStore, &v)
	return v, err
}

// CacheSettings returns the effective cache settings.
func (r *Registry) CacheSettings(ctx context.Context) (Cache, error) {
	v := Defaults(KeyCache).(Cache)
	err := r.load(ctx, KeyCache, &v)
	return v, err
}

// LLMSettings returns the effective llm settings.
func (r *Registry) LLMSettings(ctx context.Context) (LLM, error) {
	v := Defaults(KeyLLM).(LLM)
	err := r.load(ctx, KeyLLM, &v)
	return v, err
}

// load overlays the stored override for key onto v when present.
func (r *Registry) load(ctx context.Context, key string, v any) error {
	stored, err := r.store.GetConfig(ctx, key)
	if err != nil {
		return fmt.Errorf("settings: get %q: %w", key, err)
	}
	if stored == nil {
		return nil
	}
	if err := json.Unmarshal(stored, v); err != nil {
		return fmt.Errorf("settings: decode stored %q: %w", key, err)
	}
	return nil
}
