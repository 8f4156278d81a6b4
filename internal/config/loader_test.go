package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/streamvox/internal/config"
)

const minimalYAML = `
server:
  listen_addr: ":8080"
  log_level: info
engine:
  name: openai
  api_key: sk-test
  model: tts-1
  voice: alloy
`

func TestLoadFromReader_Minimal(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.Name != "openai" {
		t.Errorf("engine.name: got %q, want %q", cfg.Engine.Name, "openai")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
engine:
  name: openai
  vioce: alloy
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
engine:
  name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_EngineNameRequired(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_addr: \":8080\"\n"))
	if err == nil {
		t.Fatal("expected error for missing engine name, got nil")
	}
	if !strings.Contains(err.Error(), "engine.name") {
		t.Errorf("error should mention engine.name, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/streamvox/cert.pem
engine:
  name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for TLS without key file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_LLMSourceRequiresModel(t *testing.T) {
	t.Parallel()
	yaml := `
engine:
  name: openai
source:
  provider: anthropic
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for LLM source without model, got nil")
	}
	if !strings.Contains(err.Error(), "source.model") {
		t.Errorf("error should mention source.model, got: %v", err)
	}
}

func TestValidate_PipelineErrorsBubbleUp(t *testing.T) {
	t.Parallel()
	yaml := `
engine:
  name: openai
pipeline:
  backpressure:
    min_token_budget: 10
    max_token_budget: 5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for inverted budget bounds, got nil")
	}
	if !strings.Contains(err.Error(), "max_token_budget") {
		t.Errorf("error should mention max_token_budget, got: %v", err)
	}
}

func TestValidate_PartialPipelineBlockIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
engine:
  name: elevenlabs
  api_key: el-test
pipeline:
  chunking:
    chunk_token_budget: 24
  sentence_mode: true
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pipeline.Chunking.ChunkTokenBudget != 24 {
		t.Errorf("chunk_token_budget: got %d, want 24", cfg.Pipeline.Chunking.ChunkTokenBudget)
	}
	if !cfg.Pipeline.SentenceMode {
		t.Error("sentence_mode should be true")
	}
}

func TestValidate_FallbackEngineNameRequired(t *testing.T) {
	t.Parallel()
	yaml := `
engine:
  name: openai
fallback_engines:
  - api_key: fallback-key
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unnamed fallback engine, got nil")
	}
	if !strings.Contains(err.Error(), "fallback_engines[0]") {
		t.Errorf("error should mention fallback_engines[0], got: %v", err)
	}
}
