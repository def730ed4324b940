// Package settings provides the database-backed runtime settings registry.
//
// Unlike the bootstrap file config, these values are tunable at runtime
// through the config API and take effect on the next request without a
// restart. Each key maps to a JSON document in the configurations table;
// absent keys fall back to compiled defaults.
package settings

// Known configuration keys.
const (
	KeyLLM              = "llm"
	KeyEmbedding        = "embedding"
	KeyMemoryExtraction = "memory_extraction"
	KeyMemorySystem     = "memory_system"
	KeyMemoryScoring    = "memory_scoring"
	KeyVectorStore      = "vector_store"
	KeyGraphStore       = "graph_store"
	KeyCache            = "cache"
)

// KnownKeys lists every key the registry accepts, in stable order.
var KnownKeys = []string{
	KeyLLM,
	KeyEmbedding,
	KeyMemoryExtraction,
	KeyMemorySystem,
	KeyMemoryScoring,
	KeyVectorStore,
	KeyGraphStore,
	KeyCache,
}

// LLM mirrors the chat endpoint's tunable parameters. Provider and model
// changes here affect which upstream model serves requests that carry no
// explicit model suffix.
type LLM struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	BaseURL     string  `json:"base_url,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Embedding mirrors the embedding endpoint's tunable parameters.
type Embedding struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	BaseURL    string `json:"base_url,omitempty"`
	Dimensions int    `json:"dimensions"`
}

// MemoryExtraction controls the post-turn extraction pipeline.
type MemoryExtraction struct {
	// Enabled gates the whole pipeline. Per-request memory_config can still
	// disable extraction for individual requests.
	Enabled bool `json:"enabled"`

	// GatePrompt is the template for the cheap should-extract check. It may
	// reference {current_time}, {current_date}, {conversation_text}, and
	// {injected_memories} — the memories injected into the turn under review.
	GatePrompt string `json:"gate_prompt"`

	// ExtractPrompt is the template for the structured extraction call. It may
	// reference {current_time}, {current_date}, and {conversation_text}.
	ExtractPrompt string `json:"extract_prompt"`

	GateTemperature    float64 `json:"gate_temperature"`
	GateMaxTokens      int     `json:"gate_max_tokens"`
	ExtractTemperature float64 `json:"extract_temperature"`
	ExtractMaxTokens   int     `json:"extract_max_tokens"`

	// WindowMessages is how many trailing conversation messages feed the
	// extraction prompts.
	WindowMessages int `json:"window_messages"`
}

// MemorySystem controls injection and write behaviour.
type MemorySystem struct {
	Enabled bool `json:"enabled"`

	// AutoSave enables post-turn extraction writes. Distinct from Enabled so
	// retrieval-only deployments can keep injection without growing the store.
	AutoSave bool `json:"auto_save"`

	// MaxLongTerm caps how many memories are injected per request. Zero
	// suppresses the memory block entirely.
	MaxLongTerm int `json:"max_long_term"`

	// InjectionMode is "system", "messages", or "mixed".
	InjectionMode string `json:"injection_mode"`

	// DedupThreshold is the cosine-similarity cutoff above which a candidate
	// memory is considered a duplicate and skipped.
	DedupThreshold float64 `json:"dedup_threshold"`
}

// MemoryScoring holds the retrieval ranking weights. The four weights are
// applied to similarity, access frequency, recency, and graph density in that
// order; they need not sum to 1 but the defaults do.
type MemoryScoring struct {
	SimilarityWeight float64 `json:"similarity_weight"`
	AccessWeight     float64 `json:"access_weight"`
	RecencyWeight    float64 `json:"recency_weight"`
	GraphWeight      float64 `json:"graph_weight"`

	// RecencyLambda is the decay constant applied to the memory age in
	// milliseconds: recency = exp(-lambda * age_ms).
	RecencyLambda float64 `json:"recency_lambda"`
}

// VectorStore controls the semantic search stage.
type VectorStore struct {
	// TopK is how many nearest neighbours the vector search returns before
	// rescoring and truncation to MaxLongTerm.
	TopK int `json:"top_k"`
}

// GraphStore controls the knowledge-graph enrichment stage.
type GraphStore struct {
	// NeighborhoodDepth is the BFS depth used when computing graph density
	// around an injected memory's entity.
	NeighborhoodDepth int `json:"neighborhood_depth"`
}

// Cache controls the embedding cache.
type Cache struct {
	// TTLSeconds is the embedding cache entry lifetime.
	TTLSeconds int `json:"ttl_seconds"`
}

// Defaults returns the compiled default for key, or nil for unknown keys.
func Defaults(key string) any {
	switch key {
	case KeyLLM:
		return LLM{Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.7, MaxTokens: 2048}
	case KeyEmbedding:
		return Embedding{Provider: "openai", Model: "text-embedding-3-small", Dimensions: 1536}
	case KeyMemoryExtraction:
		return MemoryExtraction{
			Enabled:            true,
			GatePrompt:         DefaultGatePrompt,
			ExtractPrompt:      DefaultExtractPrompt,
			GateTemperature:    0.1,
			GateMaxTokens:      100,
			ExtractTemperature: 0.3,
			ExtractMaxTokens:   500,
			WindowMessages:     5,
		}
	case KeyMemorySystem:
		return MemorySystem{
			Enabled:        true,
			AutoSave:       true,
			MaxLongTerm:    3,
			InjectionMode:  "system",
			DedupThreshold: 0.85,
		}
	case KeyMemoryScoring:
		return MemoryScoring{
			SimilarityWeight: 0.4,
			AccessWeight:     0.3,
			RecencyWeight:    0.2,
			GraphWeight:      0.1,
			RecencyLambda:    1e-6,
		}
	case KeyVectorStore:
		return VectorStore{TopK: 10}
	case KeyGraphStore:
		return GraphStore{NeighborhoodDepth: 2}
	case KeyCache:
		return Cache{TTLSeconds: 3600}
	}
	return nil
}

// DefaultGatePrompt is the built-in template for the should-extract check.
// The model must answer with a JSON object {"should_extract": bool, "reason": string}.
const DefaultGatePrompt = `You decide whether a conversation contains information worth remembering about the user.

Current date: {current_date}
Current time: {current_time}

Memories already stored about the user:
{injected_memories}

Conversation:
{conversation_text}

Worth remembering: stable facts, preferences, relationships, plans, and events tied to the user. Not worth remembering: small talk, generic questions, restatements of things an assistant said, or facts the stored memories above already cover.

Respond with only a JSON object: {"should_extract": true or false, "reason": "one short sentence"}`

// DefaultExtractPrompt is the built-in template for structured extraction.
// The model must answer with a JSON object carrying memories, entities, and
// relations.
const DefaultExtractPrompt = `You extract durable memories from a conversation.

Current date: {current_date}
Current time: {current_time}

Conversation:
{conversation_text}

Extract discrete facts about the user as memories. For each memory include an event_time ("YYYY-MM-DD HH:MM") when the conversation states or implies one, otherwise use the current time. Also extract named entities (type: "user", "entity", or "concept") and relations between them (type: "MENTIONS", "RELATED_TO", or "BELONGS_TO").

Respond with only a JSON object of this exact shape:
{"memories": [{"content": "...", "event_time": "YYYY-MM-DD HH:MM"}], "entities": [{"name": "...", "type": "..."}], "relations": [{"from": "...", "to": "...", "type": "..."}]}`
