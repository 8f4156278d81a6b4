// Command streamvox is the main entry point for the streamvox TTS server.
//
// In server mode (the default) it serves the HTTP/websocket API until
// interrupted. With -speak it instead runs one local playback session and
// exits, which is handy for smoke-testing an engine configuration:
//
//	streamvox -config configs/example.yaml -speak "Hello, world."
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/streamvox/internal/app"
	"github.com/MrWong99/streamvox/internal/config"
	"github.com/MrWong99/streamvox/internal/observe"
	"github.com/MrWong99/streamvox/pkg/sink"
	sinkoto "github.com/MrWong99/streamvox/pkg/sink/oto"
	"github.com/MrWong99/streamvox/pkg/source"
	sourcellm "github.com/MrWong99/streamvox/pkg/source/llm"
	"github.com/MrWong99/streamvox/pkg/synth"
	synthel "github.com/MrWong99/streamvox/pkg/synth/elevenlabs"
	synthmock "github.com/MrWong99/streamvox/pkg/synth/mock"
	synthoai "github.com/MrWong99/streamvox/pkg/synth/openai"
)

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	speak := flag.String("speak", "", "speak the given prompt through the configured sink and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "streamvox: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "streamvox: %v\n", err)
		}
		return 1
	}

	// Log level lives in a LevelVar so config hot-reloads can adjust it.
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("streamvox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	printStartupSummary(cfg)

	application, err := app.New(cfg, reg, app.WithLogLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── One-shot local playback mode ──────────────────────────────────────
	if *speak != "" {
		return speakOnce(ctx, application, reg, cfg, *speak)
	}

	// ── Config hot reload ─────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// speakOnce runs a single session from the configured source to the
// configured local sink and waits for it to finish.
func speakOnce(ctx context.Context, application *app.App, reg *config.Registry, cfg *config.Config, prompt string) int {
	src, err := reg.CreateSource(cfg.Source, prompt)
	if err != nil {
		slog.Error("create source", "provider", cfg.Source.Provider, "err", err)
		return 1
	}

	sinkEntry := cfg.Sink
	if sinkEntry.Name == "" {
		sinkEntry.Name = "oto"
	}
	snk, err := reg.CreateSink(sinkEntry, cfg.Pipeline.WithDefaults().SampleRate)
	if err != nil {
		slog.Error("create sink", "name", sinkEntry.Name, "err", err)
		return 1
	}

	id, err := application.Sessions().Start(ctx, src, snk)
	if err != nil {
		slog.Error("start session", "err", err)
		return 1
	}
	application.Sessions().Wait(id)
	return 0
}

// registerBuiltinBackends wires the engine, source, and sink factories that
// ship with streamvox into reg.
func registerBuiltinBackends(reg *config.Registry) {
	// ── Engines ───────────────────────────────────────────────────────────

	reg.RegisterEngine("openai", func(entry config.EngineEntry) (synth.Engine, error) {
		var opts []synthoai.Option
		if entry.BaseURL != "" {
			opts = append(opts, synthoai.WithBaseURL(entry.BaseURL))
		}
		return synthoai.New(entry.APIKey, entry.Model, entry.Voice, opts...)
	})

	reg.RegisterEngine("elevenlabs", func(entry config.EngineEntry) (synth.Engine, error) {
		var opts []synthel.Option
		if entry.Model != "" {
			opts = append(opts, synthel.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, synthel.WithBaseURL(entry.BaseURL))
		}
		return synthel.New(entry.APIKey, entry.Voice, opts...)
	})

	reg.RegisterEngine("mock", func(config.EngineEntry) (synth.Engine, error) {
		return &synthmock.Engine{SampleRate: 24000, SamplesPerCall: 2400}, nil
	})

	// ── Sources ───────────────────────────────────────────────────────────

	for _, providerName := range []string{
		"openai", "anthropic", "gemini", "ollama", "mistral", "groq", "llamacpp",
	} {
		reg.RegisterSource(providerName, func(entry config.SourceEntry, prompt string) (source.Source, error) {
			var backendOpts []anyllmlib.Option
			if entry.APIKey != "" {
				backendOpts = append(backendOpts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			var opts []sourcellm.Option
			if entry.SystemPrompt != "" {
				opts = append(opts, sourcellm.WithSystemPrompt(entry.SystemPrompt))
			}
			return sourcellm.New(providerName, entry.Model, prompt, backendOpts, opts...)
		})
	}

	reg.RegisterSource("static", func(_ config.SourceEntry, prompt string) (source.Source, error) {
		return &source.Static{Items: []source.Fragment{{SentenceID: "s0", Text: prompt}}}, nil
	})

	// ── Sinks ─────────────────────────────────────────────────────────────

	reg.RegisterSink("oto", func(_ config.SinkEntry, sampleRate int) (sink.Sink, error) {
		return sinkoto.New(sampleRate)
	})
}

// printStartupSummary prints a human-readable overview of the configuration.
func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        streamvox — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printBackend("Engine", cfg.Engine.Name, cfg.Engine.Model)
	for _, fb := range cfg.FallbackEngines {
		printBackend("Fallback", fb.Name, fb.Model)
	}
	printBackend("Source", cfg.Source.Provider, cfg.Source.Model)
	printBackend("Sink", cfg.Sink.Name, "")
	fmt.Printf("║  Sample rate     : %-19d ║\n", cfg.Pipeline.WithDefaults().SampleRate)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printBackend(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
