// Package config provides the configuration schema, loader, file watcher,
// and backend registry for the streamvox server.
package config

import (
	"log/slog"

	"github.com/MrWong99/streamvox/internal/pipeline"
)

// LogLevel controls log verbosity for the streamvox server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto the corresponding slog level. Unknown or empty levels map
// to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure for streamvox.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`

	// Engine is the primary synthesis backend.
	Engine EngineEntry `yaml:"engine"`

	// FallbackEngines are tried in order when the primary engine's circuit
	// is open. Empty means no fallback.
	FallbackEngines []EngineEntry `yaml:"fallback_engines"`

	// Source selects where session text comes from.
	Source SourceEntry `yaml:"source"`

	// Sink selects where audio for locally started sessions goes. Sessions
	// opened over the websocket endpoint always stream back over their own
	// connection.
	Sink SinkEntry `yaml:"sink"`

	// Pipeline holds the per-session pipeline tuning. Hot-reloadable.
	Pipeline pipeline.Config `yaml:"pipeline"`
}

// ServerConfig holds network and logging settings for the streamvox server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// EngineEntry configures one synthesis backend. The Name field selects the
// constructor registered in the [Registry].
type EngineEntry struct {
	// Name selects the registered engine implementation (e.g., "openai",
	// "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the backend's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default API endpoint.
	// Leave empty to use the built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the backend (e.g., "tts-1",
	// "eleven_turbo_v2").
	Model string `yaml:"model"`

	// Voice is the backend-specific default voice identifier.
	Voice string `yaml:"voice"`
}

// SourceEntry configures the text source for locally started sessions.
type SourceEntry struct {
	// Provider selects the LLM backend (e.g., "openai", "anthropic",
	// "ollama") or "static" for fixed text.
	Provider string `yaml:"provider"`

	// Model is the completion model for LLM providers.
	Model string `yaml:"model"`

	// APIKey is the provider API key. Empty falls back to the provider's
	// environment variable.
	APIKey string `yaml:"api_key"`

	// SystemPrompt is sent ahead of each session's user prompt.
	SystemPrompt string `yaml:"system_prompt"`
}

// SinkEntry configures the audio sink for locally started sessions.
type SinkEntry struct {
	// Name selects the registered sink implementation (e.g., "oto").
	Name string `yaml:"name"`
}
