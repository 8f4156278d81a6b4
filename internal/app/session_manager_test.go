package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/streamvox/internal/config"
	"github.com/MrWong99/streamvox/internal/pipeline"
	sinkmock "github.com/MrWong99/streamvox/pkg/sink/mock"
	"github.com/MrWong99/streamvox/pkg/source"
	synthmock "github.com/MrWong99/streamvox/pkg/synth/mock"
)

func newTestManager(eng *synthmock.Engine) *SessionManager {
	return NewSessionManager(SessionManagerConfig{
		Engine:     eng,
		EngineName: "mock",
		Pipeline:   pipeline.Config{MaxInFlight: 2},
	})
}

func staticSource(texts ...string) *source.Static {
	var items []source.Fragment
	for i, t := range texts {
		items = append(items, source.Fragment{SentenceID: "s" + string(rune('0'+i)), Text: t})
	}
	return &source.Static{Items: items}
}

func TestSessionManager_RunsToCompletion(t *testing.T) {
	sm := newTestManager(&synthmock.Engine{SampleRate: 24000})
	snk := sinkmock.New()

	id, err := sm.Start(context.Background(), staticSource("Hello there."), snk)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sm.Wait(id)

	if got := len(snk.Segments()); got != 1 {
		t.Errorf("segments = %d, want 1", got)
	}
	if sm.Active() != 0 {
		t.Errorf("Active() = %d after completion, want 0", sm.Active())
	}
}

func TestSessionManager_StopCancelsSession(t *testing.T) {
	sm := newTestManager(&synthmock.Engine{Delay: 10 * time.Second})
	snk := sinkmock.New()

	// A fragment channel that never closes keeps the session alive.
	frags := make(chan source.Fragment)
	id, err := sm.Start(context.Background(), chanSource{frags}, snk)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sm.Active() != 1 {
		t.Fatalf("Active() = %d, want 1", sm.Active())
	}

	if err := sm.Stop(id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sm.Active() != 0 {
		t.Errorf("Active() = %d after Stop, want 0", sm.Active())
	}
	if !snk.Closed() {
		t.Error("sink should be closed after Stop")
	}
}

// drainableSink wraps the mock sink and records Drain calls.
type drainableSink struct {
	*sinkmock.Sink

	mu                 sync.Mutex
	drains             int
	drainedBeforeClose bool
}

func (d *drainableSink) Drain(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drains++
	d.drainedBeforeClose = !d.Closed()
	return nil
}

func TestSessionManager_DrainsLocalSinkBeforeClose(t *testing.T) {
	sm := newTestManager(&synthmock.Engine{SampleRate: 24000})
	snk := &drainableSink{Sink: sinkmock.New()}

	id, err := sm.Start(context.Background(), staticSource("Hello there."), snk)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sm.Wait(id)

	snk.mu.Lock()
	defer snk.mu.Unlock()
	if snk.drains != 1 {
		t.Errorf("drains = %d, want 1", snk.drains)
	}
	if !snk.drainedBeforeClose {
		t.Error("sink must be drained before it is closed")
	}
}

func TestSessionManager_StopSkipsDrain(t *testing.T) {
	sm := newTestManager(&synthmock.Engine{})
	snk := &drainableSink{Sink: sinkmock.New()}

	frags := make(chan source.Fragment)
	id, err := sm.Start(context.Background(), chanSource{frags}, snk)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sm.Stop(id); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	snk.mu.Lock()
	defer snk.mu.Unlock()
	if snk.drains != 0 {
		t.Errorf("drains = %d, want 0 on a cancelled session", snk.drains)
	}
}

func TestSessionManager_StopUnknownSession(t *testing.T) {
	sm := newTestManager(&synthmock.Engine{})
	if err := sm.Stop("sess-404"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestSessionManager_StopAll(t *testing.T) {
	sm := newTestManager(&synthmock.Engine{})

	for i := 0; i < 3; i++ {
		frags := make(chan source.Fragment)
		if _, err := sm.Start(context.Background(), chanSource{frags}, sinkmock.New()); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
	}
	if sm.Active() != 3 {
		t.Fatalf("Active() = %d, want 3", sm.Active())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sm.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if sm.Active() != 0 {
		t.Errorf("Active() = %d after StopAll, want 0", sm.Active())
	}
}

func TestSessionManager_SessionInfo(t *testing.T) {
	sm := newTestManager(&synthmock.Engine{})

	frags := make(chan source.Fragment)
	id, err := sm.Start(context.Background(), chanSource{frags}, sinkmock.New())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sm.Stop(id)

	infos := sm.Sessions()
	if len(infos) != 1 {
		t.Fatalf("Sessions() = %d entries, want 1", len(infos))
	}
	if infos[0].SessionID != id {
		t.Errorf("SessionID = %q, want %q", infos[0].SessionID, id)
	}
	if infos[0].TokenBudget != pipeline.DefaultChunkTokenBudget {
		t.Errorf("TokenBudget = %d, want %d", infos[0].TokenBudget, pipeline.DefaultChunkTokenBudget)
	}
}

func TestSessionManager_SetSentenceMode(t *testing.T) {
	sm := newTestManager(&synthmock.Engine{})

	frags := make(chan source.Fragment)
	id, err := sm.Start(context.Background(), chanSource{frags}, sinkmock.New())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sm.Stop(id)

	if err := sm.SetSentenceMode(id, true); err != nil {
		t.Fatalf("SetSentenceMode: %v", err)
	}
	if infos := sm.Sessions(); !infos[0].SentenceMode {
		t.Error("sentence mode should be reported as on")
	}
}

func TestSessionManager_ApplyPipeline(t *testing.T) {
	sm := newTestManager(&synthmock.Engine{})

	frags := make(chan source.Fragment)
	id, err := sm.Start(context.Background(), chanSource{frags}, sinkmock.New())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sm.Stop(id)

	cfg := pipeline.Config{SentenceMode: true}
	sm.ApplyPipeline(config.ConfigDiff{SentenceModeChanged: true}, cfg)

	if infos := sm.Sessions(); !infos[0].SentenceMode {
		t.Error("hot reload should have enabled sentence mode")
	}

	// New sessions pick up the updated tuning too.
	frags2 := make(chan source.Fragment)
	id2, err := sm.Start(context.Background(), chanSource{frags2}, sinkmock.New())
	if err != nil {
		t.Fatalf("Start second: %v", err)
	}
	defer sm.Stop(id2)

	for _, info := range sm.Sessions() {
		if info.SessionID == id2 && !info.SentenceMode {
			t.Error("new session should start in sentence mode")
		}
	}
}

func TestSessionManager_ReviseUnknownSession(t *testing.T) {
	sm := newTestManager(&synthmock.Engine{})
	err := sm.Revise(context.Background(), "sess-404", "seg-0", "text", "test")
	if err == nil {
		t.Error("expected error for unknown session")
	}
}

// chanSource adapts a raw fragment channel to source.Source, letting tests
// keep a session open indefinitely.
type chanSource struct {
	ch chan source.Fragment
}

func (c chanSource) Fragments(ctx context.Context) (<-chan source.Fragment, error) {
	out := make(chan source.Fragment)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-c.ch:
				if !ok {
					return
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
