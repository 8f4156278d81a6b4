package config_test

import (
	"testing"

	"github.com/MrWong99/streamvox/internal/config"
	"github.com/MrWong99/streamvox/internal/pipeline"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Engine: config.EngineEntry{Name: "openai", APIKey: "sk-test", Voice: "alloy"},
		Pipeline: pipeline.Config{
			Chunking:     pipeline.ChunkingConfig{ChunkTokenBudget: 16},
			Backpressure: pipeline.BackpressureConfig{LowWatermarkMs: 250, HighWatermarkMs: 1500},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	d := config.Diff(old, new)
	if d.PipelineChanged() || d.LogLevelChanged || d.RestartRequired {
		t.Errorf("identical configs produced a non-empty diff: %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want %q", d.NewLogLevel, config.LogDebug)
	}
	if d.RestartRequired {
		t.Error("log level change must not require a restart")
	}
}

func TestDiff_PipelineTuning(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Pipeline.Chunking.ChunkTokenBudget = 32
	new.Pipeline.Backpressure.HighWatermarkMs = 2000
	new.Pipeline.SentenceMode = true

	d := config.Diff(old, new)
	if !d.ChunkingChanged {
		t.Error("ChunkingChanged should be true")
	}
	if !d.BackpressureChanged {
		t.Error("BackpressureChanged should be true")
	}
	if d.CrossfadeChanged {
		t.Error("CrossfadeChanged should be false")
	}
	if !d.SentenceModeChanged {
		t.Error("SentenceModeChanged should be true")
	}
	if !d.PipelineChanged() {
		t.Error("PipelineChanged() should be true")
	}
	if d.RestartRequired {
		t.Error("pipeline tuning must not require a restart")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9090" }},
		{"engine", func(c *config.Config) { c.Engine.Name = "elevenlabs" }},
		{"fallbacks", func(c *config.Config) {
			c.FallbackEngines = append(c.FallbackEngines, config.EngineEntry{Name: "mock"})
		}},
		{"sink", func(c *config.Config) { c.Sink.Name = "oto" }},
		{"sample rate", func(c *config.Config) { c.Pipeline.SampleRate = 48000 }},
		{"tls", func(c *config.Config) {
			c.Server.TLS = &config.TLSConfig{CertFile: "c.pem", KeyFile: "k.pem"}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tc.mutate(new)
			if d := config.Diff(old, new); !d.RestartRequired {
				t.Errorf("RestartRequired should be true, diff: %+v", d)
			}
		})
	}
}
