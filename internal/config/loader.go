package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file-based configuration. Secrets
// usually arrive this way so the YAML file can be committed without them.
const (
	EnvAPIKey      = "MNEMO_API_KEY"
	EnvPostgresDSN = "MNEMO_POSTGRES_DSN"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"chat":       {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"extraction": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overwrites cfg fields from their corresponding environment
// variables when set.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		cfg.Postgres.DSN = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	if cfg.Postgres.DSN == "" {
		errs = append(errs, fmt.Errorf("postgres.dsn is required (or set %s)", EnvPostgresDSN))
	}
	if cfg.Postgres.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("postgres.embedding_dimensions %d must not be negative", cfg.Postgres.EmbeddingDimensions))
	}

	if cfg.Providers.Chat.Name == "" {
		errs = append(errs, errors.New("providers.chat.name is required; the proxy cannot serve completions without an upstream"))
	}
	if cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("providers.embeddings.name is required; memory storage and retrieval need an embedding model"))
	}

	validateProviderName("chat", cfg.Providers.Chat.Name)
	validateProviderName("extraction", cfg.Providers.Extraction.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.Embeddings.Name != "" && cfg.Postgres.EmbeddingDimensions == 0 {
		slog.Warn("postgres.embedding_dimensions is not set; defaulting to the embedding provider's model dimension")
	}
	if cfg.Providers.Extraction.Name == "" {
		slog.Info("providers.extraction is not configured; the chat endpoint will serve extraction calls")
	}
	if cfg.Server.APIKey == "" {
		slog.Warn("server.api_key is empty; the API will accept unauthenticated requests")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
