package config_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/streamvox/internal/config"
	"github.com/MrWong99/streamvox/pkg/synth"
	synthmock "github.com/MrWong99/streamvox/pkg/synth/mock"
)

func TestRegistry_CreateEngine(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	var gotEntry config.EngineEntry
	r.RegisterEngine("mock", func(entry config.EngineEntry) (synth.Engine, error) {
		gotEntry = entry
		return &synthmock.Engine{}, nil
	})

	eng, err := r.CreateEngine(config.EngineEntry{Name: "mock", Voice: "narrator"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng == nil {
		t.Fatal("CreateEngine returned nil engine")
	}
	if gotEntry.Voice != "narrator" {
		t.Errorf("factory entry voice: got %q, want %q", gotEntry.Voice, "narrator")
	}
}

func TestRegistry_UnregisteredEngine(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	_, err := r.CreateEngine(config.EngineEntry{Name: "nope"})
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got: %v", err)
	}
}

func TestRegistry_OverwriteKeepsLatest(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	first := &synthmock.Engine{}
	second := &synthmock.Engine{}
	r.RegisterEngine("mock", func(config.EngineEntry) (synth.Engine, error) { return first, nil })
	r.RegisterEngine("mock", func(config.EngineEntry) (synth.Engine, error) { return second, nil })

	eng, err := r.CreateEngine(config.EngineEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng != second {
		t.Error("later registration should win")
	}
}

func TestRegistry_UnregisteredSourceAndSink(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	if _, err := r.CreateSource(config.SourceEntry{Provider: "nope"}, "hello"); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("source: expected ErrNotRegistered, got: %v", err)
	}
	if _, err := r.CreateSink(config.SinkEntry{Name: "nope"}, 24000); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("sink: expected ErrNotRegistered, got: %v", err)
	}
}
