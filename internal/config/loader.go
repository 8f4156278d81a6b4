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

// Known backend names per kind. Used by [Validate] to warn about
// unrecognised names; unknown names are not errors because the [Registry]
// accepts third-party registrations.
var (
	ValidEngineNames = []string{"openai", "elevenlabs", "mock"}
	ValidSourceNames = []string{"openai", "anthropic", "gemini", "ollama", "mistral", "groq", "llamacpp", "static"}
	ValidSinkNames   = []string{"oto", "mock"}
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown YAML fields are rejected so typos fail loudly instead of silently
// falling back to defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
		}
	}

	// Engines
	if cfg.Engine.Name == "" {
		errs = append(errs, fmt.Errorf("engine.name is required"))
	}
	validateBackendName("engine", cfg.Engine.Name, ValidEngineNames)
	for i, fb := range cfg.FallbackEngines {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("fallback_engines[%d].name is required", i))
		}
		validateBackendName("engine", fb.Name, ValidEngineNames)
	}

	// Source and sink
	validateBackendName("source", cfg.Source.Provider, ValidSourceNames)
	validateBackendName("sink", cfg.Sink.Name, ValidSinkNames)
	if cfg.Source.Provider != "" && cfg.Source.Provider != "static" && cfg.Source.Model == "" {
		errs = append(errs, fmt.Errorf("source.model is required for provider %q", cfg.Source.Provider))
	}

	// Pipeline tuning is validated after default substitution so a partial
	// block with sane overrides passes.
	if err := cfg.Pipeline.WithDefaults().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// the known list for the given kind.
func validateBackendName(kind, name string, known []string) {
	if name == "" || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name — may be a typo or third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
