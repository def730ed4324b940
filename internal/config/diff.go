package config

import "reflect"

// ConfigDiff describes what changed between two bootstrap configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// Postgres changes require a restart and are reported so the watcher can
// warn about them.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	APIKeyChanged bool

	// RestartRequired is true when a field that cannot be hot-reloaded
	// changed (provider endpoints, Postgres settings, listen address, TLS).
	RestartRequired bool
	RestartReasons  []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.APIKey != new.Server.APIKey {
		d.APIKeyChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.restart("server.listen_addr")
	}
	if !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.restart("server.tls")
	}
	if old.Postgres != new.Postgres {
		d.restart("postgres")
	}
	if !entryEqual(old.Providers.Chat, new.Providers.Chat) {
		d.restart("providers.chat")
	}
	if !entryEqual(old.Providers.Extraction, new.Providers.Extraction) {
		d.restart("providers.extraction")
	}
	if !entryEqual(old.Providers.Embeddings, new.Providers.Embeddings) {
		d.restart("providers.embeddings")
	}

	return d
}

func (d *ConfigDiff) restart(field string) {
	d.RestartRequired = true
	d.RestartReasons = append(d.RestartReasons, field)
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// entryEqual compares two provider entries. Options may hold nested maps, so
// reflect.DeepEqual is used for that field.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	return reflect.DeepEqual(a.Options, b.Options)
}
