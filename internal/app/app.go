// Package app wires all streamvox subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the synthesis engine
// chain and the session manager from config, Run serves the HTTP API until
// the context is cancelled, and shutdown drains sessions before the listener
// closes.
//
// For testing, inject doubles via functional options (WithEngine,
// WithMetrics). When an option is not provided, New creates real
// implementations through the config registry.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/streamvox/internal/config"
	"github.com/MrWong99/streamvox/internal/health"
	"github.com/MrWong99/streamvox/internal/observe"
	"github.com/MrWong99/streamvox/internal/resilience"
	sinkws "github.com/MrWong99/streamvox/pkg/sink/ws"
	"github.com/MrWong99/streamvox/pkg/synth"
)

// shutdownTimeout bounds graceful teardown: session draining plus listener
// close must finish within this window.
const shutdownTimeout = 10 * time.Second

// App owns the HTTP server and the session manager.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	engine     synth.Engine
	engineName string
	metrics    *observe.Metrics
	logLevel   *slog.LevelVar

	sessions *SessionManager
	srv      *http.Server
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngine injects a synthesis engine instead of building one from the
// config registry.
func WithEngine(name string, e synth.Engine) Option {
	return func(a *App) {
		a.engine = e
		a.engineName = name
	}
}

// WithMetrics overrides the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevelVar wires the level var that config hot-reloads adjust.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// New creates an App by wiring the engine chain, session manager, and HTTP
// routes. The registry supplies engine and source constructors; main.go
// populates it before calling New.
func New(cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: registry,
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if a.engine == nil {
		eng, err := buildEngine(registry, cfg)
		if err != nil {
			return nil, fmt.Errorf("app: build engine: %w", err)
		}
		a.engine = eng
		a.engineName = cfg.Engine.Name
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Engine:     a.engine,
		EngineName: a.engineName,
		Pipeline:   cfg.Pipeline,
		Metrics:    a.metrics,
	})

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.srv = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(a.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// buildEngine constructs the primary engine and wraps it with fallbacks when
// configured. Every backend gets its own circuit breaker.
func buildEngine(registry *config.Registry, cfg *config.Config) (synth.Engine, error) {
	primary, err := registry.CreateEngine(cfg.Engine)
	if err != nil {
		return nil, err
	}
	if len(cfg.FallbackEngines) == 0 {
		return primary, nil
	}

	group := resilience.NewEngineFallback(primary, cfg.Engine.Name, resilience.FallbackConfig{})
	for _, entry := range cfg.FallbackEngines {
		fb, err := registry.CreateEngine(entry)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, fb)
	}
	return group, nil
}

// Sessions exposes the session manager, mainly for cmd/streamvox's one-shot
// local playback mode.
func (a *App) Sessions() *SessionManager {
	return a.sessions
}

// routes builds the HTTP mux.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	h := health.New(
		health.Checker{Name: "engine", Check: func(context.Context) error {
			if a.engine == nil {
				return errors.New("no synthesis engine configured")
			}
			// A fallback chain knows whether any backend can still voice
			// chunks; report not-ready while every breaker is open.
			if hc, ok := a.engine.(interface{ Healthy() error }); ok {
				return hc.Healthy()
			}
			return nil
		}},
	)
	h.Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/sessions", a.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/stream", a.handleStream)
	mux.HandleFunc("DELETE /v1/sessions/{id}", a.handleStopSession)
	mux.HandleFunc("POST /v1/sessions/{id}/revise", a.handleRevise)
	mux.HandleFunc("POST /v1/sessions/{id}/sentence_mode", a.handleSentenceMode)

	return mux
}

// Run serves the HTTP API until ctx is cancelled, then drains all sessions
// and shuts the listener down gracefully.
func (a *App) Run(ctx context.Context) error {
	slog.Info("server listening",
		"addr", a.srv.Addr,
		"engine", a.engineName,
		"fallbacks", len(a.cfg.FallbackEngines),
		"tls", a.cfg.Server.TLS != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.sessions.StopAll(shCtx); err != nil {
			slog.Warn("session drain incomplete", "err", err)
		}
		return a.srv.Shutdown(shCtx)
	})
	return g.Wait()
}

// ApplyConfig applies a hot reload. Pipeline tuning and the log level take
// effect immediately; changes to anything else are logged and need a
// restart. Wired as the config watcher's onChange callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	diff := config.Diff(old, new)

	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.Slog())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.PipelineChanged() {
		a.sessions.ApplyPipeline(diff, new.Pipeline)
		slog.Info("pipeline tuning applied to running sessions",
			"sessions", a.sessions.Active(),
			"chunking", diff.ChunkingChanged,
			"backpressure", diff.BackpressureChanged,
			"crossfade", diff.CrossfadeChanged,
			"sentence_mode", diff.SentenceModeChanged,
		)
	}
	if diff.RestartRequired {
		slog.Warn("config change requires a restart to take effect")
	}

	a.cfg = new
}

// ─── HTTP handlers ──────────────────────────────────────────────────────────

// handleListSessions returns metadata for all active sessions.
func (a *App) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": a.sessions.Sessions(),
	})
}

// handleStream upgrades to a websocket, starts a session streaming into it,
// and blocks until the session ends. Query parameters:
//
//   - prompt — the text (static source) or user prompt (LLM source). Required.
//   - opus=1 — enable Opus encoding of segment audio.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	prompt := r.URL.Query().Get("prompt")
	if prompt == "" {
		http.Error(w, `{"error":"prompt query parameter is required"}`, http.StatusBadRequest)
		return
	}

	src, err := a.registry.CreateSource(a.cfg.Source, prompt)
	if err != nil {
		slog.Error("create source", "provider", a.cfg.Source.Provider, "err", err)
		http.Error(w, `{"error":"source unavailable"}`, http.StatusBadGateway)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}

	var sinkOpts []sinkws.Option
	if r.URL.Query().Get("opus") == "1" {
		sinkOpts = append(sinkOpts, sinkws.WithOpus(a.cfg.Pipeline.WithDefaults().SampleRate))
	}
	snk := sinkws.New(conn, sinkOpts...)

	id, err := a.sessions.Start(r.Context(), src, snk)
	if err != nil {
		slog.Error("start session", "err", err)
		conn.Close(websocket.StatusInternalError, "session start failed")
		return
	}

	// The sink owns the connection from here; it is closed when the
	// session ends. Keep the handler (and r.Context) alive until then.
	a.sessions.Wait(id)
}

// handleStopSession cancels a running session.
func (a *App) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.sessions.Stop(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "session_id": id})
}

// reviseRequest is the body of POST /v1/sessions/{id}/revise.
type reviseRequest struct {
	SegmentID string `json:"segment_id"`
	Text      string `json:"text"`
	Reason    string `json:"reason"`
}

// handleRevise forwards a late text revision to a session. A revision the
// detector filters out still returns 202; rejection is a designed no-op.
func (a *App) handleRevise(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req reviseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SegmentID == "" || req.Text == "" {
		http.Error(w, `{"error":"segment_id and text are required"}`, http.StatusBadRequest)
		return
	}

	if err := a.sessions.Revise(r.Context(), id, req.SegmentID, req.Text, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// sentenceModeRequest is the body of POST /v1/sessions/{id}/sentence_mode.
type sentenceModeRequest struct {
	Enabled bool `json:"enabled"`
}

// handleSentenceMode toggles a session's chunking rollback mode.
func (a *App) handleSentenceMode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sentenceModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := a.sessions.SetSentenceMode(id, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sentence_mode": req.Enabled})
}

// writeError maps session manager errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrSessionNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "err", err)
	}
}
