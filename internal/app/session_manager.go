package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/streamvox/internal/config"
	"github.com/MrWong99/streamvox/internal/observe"
	"github.com/MrWong99/streamvox/internal/pipeline"
	"github.com/MrWong99/streamvox/pkg/sink"
	"github.com/MrWong99/streamvox/pkg/source"
	"github.com/MrWong99/streamvox/pkg/synth"
)

// ErrSessionNotFound is returned by session-scoped operations when no session
// exists under the given ID.
var ErrSessionNotFound = fmt.Errorf("app: session not found")

// sinkDrainTimeout bounds how long a naturally completed session may wait
// for its sink to play out buffered audio before closing it anyway.
const sinkDrainTimeout = 2 * time.Minute

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// StartedAt is when the session was started.
	StartedAt time.Time `json:"started_at"`

	// SentenceMode reports the session's current chunking mode.
	SentenceMode bool `json:"sentence_mode"`

	// TokenBudget is the session's adaptive chunk token budget at read time.
	TokenBudget int `json:"token_budget"`
}

// session pairs a running dispatcher with its lifecycle handles.
type session struct {
	id        string
	startedAt time.Time
	d         *pipeline.Dispatcher
	snk       sink.Sink
	cancel    context.CancelFunc
	done      chan struct{}
}

// SessionManagerConfig holds the shared dependencies every session uses.
type SessionManagerConfig struct {
	// Engine voices every session's chunks. Usually a resilience.EngineFallback.
	Engine synth.Engine

	// EngineName labels the engine in metrics and logs.
	EngineName string

	// Pipeline is the tuning applied to new sessions. Hot-reload updates go
	// through [SessionManager.ApplyPipeline].
	Pipeline pipeline.Config

	// Metrics is the shared metrics instance. Nil uses the default.
	Metrics *observe.Metrics
}

// SessionManager owns the lifecycle of all streaming sessions. Each session
// runs its own dispatcher pipeline; only metrics and the synthesis engine are
// shared. All exported methods are safe for concurrent use.
type SessionManager struct {
	engine     synth.Engine
	engineName string
	metrics    *observe.Metrics
	log        *slog.Logger

	mu       sync.Mutex
	pipeline pipeline.Config
	sessions map[string]*session
	nextID   uint64
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	name := cfg.EngineName
	if name == "" {
		name = "engine"
	}
	return &SessionManager{
		engine:     cfg.Engine,
		engineName: name,
		metrics:    m,
		log:        slog.Default(),
		pipeline:   cfg.Pipeline,
		sessions:   make(map[string]*session),
	}
}

// Start launches a new session streaming src through the pipeline into snk.
// It returns as soon as the pipeline is running; the session ends when the
// source closes, the session is stopped, or ctx is cancelled. The sink is
// closed when the session ends.
func (sm *SessionManager) Start(ctx context.Context, src source.Source, snk sink.Sink) (string, error) {
	sm.mu.Lock()
	sm.nextID++
	id := fmt.Sprintf("sess-%d", sm.nextID)
	cfg := sm.pipeline
	sm.mu.Unlock()

	d, err := pipeline.NewDispatcher(id, src, sm.engine, snk, cfg,
		pipeline.WithMetrics(sm.metrics),
		pipeline.WithEngineName(sm.engineName),
	)
	if err != nil {
		return "", fmt.Errorf("app: start session: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:        id,
		startedAt: time.Now().UTC(),
		d:         d,
		snk:       snk,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	sm.mu.Lock()
	sm.sessions[id] = s
	sm.mu.Unlock()

	sm.metrics.ActiveSessions.Add(ctx, 1)
	sm.log.Info("session started", "session_id", id, "engine", sm.engineName)

	go func() {
		defer close(s.done)
		err := d.Run(sctx)
		if err != nil && sctx.Err() == nil {
			sm.log.Error("session pipeline failed", "session_id", id, "err", err)
		}
		// The pipeline runs far ahead of real time: a local sink still holds
		// unplayed audio when the source ends. Let it finish unless the
		// session was cancelled.
		if dr, ok := snk.(sink.Drainer); ok && sctx.Err() == nil {
			dctx, dcancel := context.WithTimeout(context.Background(), sinkDrainTimeout)
			if derr := dr.Drain(dctx); derr != nil {
				sm.log.Warn("session sink drain incomplete", "session_id", id, "err", derr)
			}
			dcancel()
		}
		if cerr := snk.Close(); cerr != nil {
			sm.log.Warn("session sink close error", "session_id", id, "err", cerr)
		}

		sm.mu.Lock()
		delete(sm.sessions, id)
		sm.mu.Unlock()

		sm.metrics.ActiveSessions.Add(context.Background(), -1)
		sm.log.Info("session ended", "session_id", id)
	}()

	return id, nil
}

// Wait blocks until the session has fully ended. It returns immediately for
// unknown IDs (the session already ended).
func (sm *SessionManager) Wait(id string) {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		return
	}
	<-s.done
}

// Stop cancels a session and waits for its pipeline to wind down.
func (sm *SessionManager) Stop(id string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	s.cancel()
	<-s.done
	return nil
}

// StopAll cancels every session and waits for them to end, bounded by ctx.
func (sm *SessionManager) StopAll(ctx context.Context) error {
	sm.mu.Lock()
	all := make([]*session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		all = append(all, s)
	}
	sm.mu.Unlock()

	for _, s := range all {
		s.cancel()
	}
	for _, s := range all {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Active returns the number of running sessions.
func (sm *SessionManager) Active() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Sessions returns metadata for every active session.
func (sm *SessionManager) Sessions() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	infos := make([]SessionInfo, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		infos = append(infos, SessionInfo{
			SessionID:    s.id,
			StartedAt:    s.startedAt,
			SentenceMode: s.d.SentenceMode(),
			TokenBudget:  s.d.Budget(),
		})
	}
	return infos
}

// Revise forwards a late text revision to the session's dispatcher. A
// revision the detector or correction window rejects is a silent no-op.
func (sm *SessionManager) Revise(ctx context.Context, sessionID, segmentID, revisedText, reason string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[sessionID]
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	return s.d.Revise(ctx, segmentID, revisedText, reason)
}

// SetSentenceMode toggles sentence mode on one session.
func (sm *SessionManager) SetSentenceMode(sessionID string, on bool) error {
	sm.mu.Lock()
	s, ok := sm.sessions[sessionID]
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	s.d.SetSentenceMode(on)
	return nil
}

// ApplyPipeline hot-applies changed pipeline tuning to all running sessions
// and to sessions started afterwards. Invalid sections are rejected per
// session and logged; the session keeps its previous values.
func (sm *SessionManager) ApplyPipeline(diff config.ConfigDiff, cfg pipeline.Config) {
	sm.mu.Lock()
	sm.pipeline = cfg
	all := make([]*session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		all = append(all, s)
	}
	sm.mu.Unlock()

	for _, s := range all {
		if diff.ChunkingChanged {
			if err := s.d.UpdateChunking(cfg.Chunking); err != nil {
				sm.log.Warn("chunking update rejected", "session_id", s.id, "err", err)
			}
		}
		if diff.BackpressureChanged {
			if err := s.d.UpdateBackpressure(cfg.Backpressure); err != nil {
				sm.log.Warn("backpressure update rejected", "session_id", s.id, "err", err)
			}
		}
		if diff.CrossfadeChanged {
			if err := s.d.UpdateCrossfade(cfg.Crossfade); err != nil {
				sm.log.Warn("crossfade update rejected", "session_id", s.id, "err", err)
			}
		}
		if diff.SentenceModeChanged {
			s.d.SetSentenceMode(cfg.SentenceMode)
		}
	}
}
