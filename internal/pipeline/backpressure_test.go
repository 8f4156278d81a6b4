package pipeline

import (
	"strings"
	"testing"

	"github.com/MrWong99/streamvox/internal/clock"
	"github.com/MrWong99/streamvox/pkg/audio"
)

func newTestController(t *testing.T, cfg BackpressureConfig) (*BackpressureController, *clock.Fake) {
	t.Helper()
	clk := &clock.Fake{}
	b, err := NewBackpressureController(cfg, clk)
	if err != nil {
		t.Fatalf("NewBackpressureController: %v", err)
	}
	return b, clk
}

func TestBackpressure_StartsAtNeutralBudget(t *testing.T) {
	b, _ := newTestController(t, BackpressureConfig{})
	if got := b.Budget(); got != DefaultNeutralTokenBudget {
		t.Errorf("initial budget = %d, want %d", got, DefaultNeutralTokenBudget)
	}
}

func TestBackpressure_GrowsMonotonicallyToCeiling(t *testing.T) {
	b, clk := newTestController(t, BackpressureConfig{})
	prev := b.Budget()

	for i := 0; i < 40; i++ {
		clk.Advance(100)
		b.Observe(audio.BufferTelemetry{BufferedMs: 1800, UnderrunCount: 0})
		got := b.Budget()
		if got < prev {
			t.Fatalf("budget shrank from %d to %d on a healthy buffer", prev, got)
		}
		if got > DefaultMaxTokenBudget {
			t.Fatalf("budget %d exceeded ceiling %d", got, DefaultMaxTokenBudget)
		}
		prev = got
	}
	if prev != DefaultMaxTokenBudget {
		t.Errorf("budget = %d, want ceiling %d", prev, DefaultMaxTokenBudget)
	}
}

func TestBackpressure_ShrinksMonotonicallyToFloor(t *testing.T) {
	b, clk := newTestController(t, BackpressureConfig{})
	prev := b.Budget()

	for i := 0; i < 40; i++ {
		clk.Advance(100)
		b.Observe(audio.BufferTelemetry{BufferedMs: 50, UnderrunCount: 3})
		got := b.Budget()
		if got > prev {
			t.Fatalf("budget grew from %d to %d on a starving buffer", prev, got)
		}
		if got < DefaultMinTokenBudget {
			t.Fatalf("budget %d fell below floor %d", got, DefaultMinTokenBudget)
		}
		prev = got
	}
	if prev != DefaultMinTokenBudget {
		t.Errorf("budget = %d, want floor %d", prev, DefaultMinTokenBudget)
	}
}

func TestBackpressure_OneStepPerObservation(t *testing.T) {
	b, clk := newTestController(t, BackpressureConfig{})
	start := b.Budget()

	clk.Advance(100)
	b.Observe(audio.BufferTelemetry{BufferedMs: 5000})
	if got := b.Budget(); got != start+DefaultBudgetStepTokens {
		t.Errorf("budget = %d after one observation, want %d", got, start+DefaultBudgetStepTokens)
	}

	clk.Advance(100)
	b.Observe(audio.BufferTelemetry{BufferedMs: 1})
	if got := b.Budget(); got != start {
		t.Errorf("budget = %d, want one step back to %d", got, start)
	}
}

func TestBackpressure_UnderrunBlocksGrowth(t *testing.T) {
	b, clk := newTestController(t, BackpressureConfig{})
	start := b.Budget()

	// High buffer but a fresh underrun: must shrink, not grow.
	clk.Advance(100)
	b.Observe(audio.BufferTelemetry{BufferedMs: 1800, UnderrunCount: 1})
	if got := b.Budget(); got != start-DefaultBudgetStepTokens {
		t.Fatalf("budget = %d, want one step down after underrun", got)
	}

	// Still inside the hold window: healthy buffer may not grow yet.
	clk.Advance(100)
	b.Observe(audio.BufferTelemetry{BufferedMs: 1800, UnderrunCount: 1})
	if got := b.Budget(); got != start-DefaultBudgetStepTokens {
		t.Fatalf("budget = %d, grew inside the underrun hold window", got)
	}

	// Past the hold window growth resumes.
	clk.Advance(DefaultUnderrunHoldMs)
	b.Observe(audio.BufferTelemetry{BufferedMs: 1800, UnderrunCount: 1})
	if got := b.Budget(); got != start {
		t.Errorf("budget = %d, want growth after hold window, start %d", got, start)
	}
}

func TestBackpressure_StaleTelemetryRevertsToDefault(t *testing.T) {
	b, clk := newTestController(t, BackpressureConfig{})

	for i := 0; i < 10; i++ {
		clk.Advance(100)
		b.Observe(audio.BufferTelemetry{BufferedMs: 1800})
	}
	tuned := b.Budget()
	if tuned <= DefaultNeutralTokenBudget {
		t.Fatalf("setup failed, budget = %d", tuned)
	}

	clk.Advance(DefaultStaleAfterMs + 1)
	if !b.Stale() {
		t.Fatal("controller should report stale telemetry")
	}
	if got := b.Budget(); got != DefaultNeutralTokenBudget {
		t.Errorf("stale budget = %d, want neutral %d", got, DefaultNeutralTokenBudget)
	}

	// The first observation after the gap steps from neutral.
	b.Observe(audio.BufferTelemetry{BufferedMs: 1800})
	if got := b.Budget(); got != DefaultNeutralTokenBudget+DefaultBudgetStepTokens {
		t.Errorf("budget after gap = %d, want %d", got, DefaultNeutralTokenBudget+DefaultBudgetStepTokens)
	}
}

func TestBackpressure_BandHoldsBudgetSteady(t *testing.T) {
	b, clk := newTestController(t, BackpressureConfig{})
	start := b.Budget()

	for i := 0; i < 5; i++ {
		clk.Advance(100)
		b.Observe(audio.BufferTelemetry{BufferedMs: 800})
	}
	if got := b.Budget(); got != start {
		t.Errorf("budget = %d inside the watermark band, want unchanged %d", got, start)
	}
}

func TestBackpressure_UpdateConfigClampsBudget(t *testing.T) {
	b, clk := newTestController(t, BackpressureConfig{})
	for i := 0; i < 40; i++ {
		clk.Advance(100)
		b.Observe(audio.BufferTelemetry{BufferedMs: 1800})
	}

	err := b.UpdateConfig(BackpressureConfig{MinTokenBudget: 4, MaxTokenBudget: 20, DefaultTokenBudget: 16})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if got := b.Budget(); got != 20 {
		t.Errorf("budget = %d, want clamped to new ceiling 20", got)
	}
}

func TestBackpressure_ConcurrentReloadKeepsBudgetInBounds(t *testing.T) {
	b, clk := newTestController(t, BackpressureConfig{})

	// Observations race against repeated hot-reloads that alternate between
	// a tight and a wide ceiling. Run with -race.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			clk.Advance(100)
			b.Observe(audio.BufferTelemetry{BufferedMs: 1800})
		}
	}()
	for i := 0; i < 200; i++ {
		ceiling := 10
		if i%2 == 1 {
			ceiling = 40
		}
		cfg := BackpressureConfig{MinTokenBudget: 4, MaxTokenBudget: ceiling, DefaultTokenBudget: 8}
		if err := b.UpdateConfig(cfg); err != nil {
			t.Fatalf("UpdateConfig: %v", err)
		}
	}
	<-done

	final := BackpressureConfig{MinTokenBudget: 4, MaxTokenBudget: 10, DefaultTokenBudget: 8}
	if err := b.UpdateConfig(final); err != nil {
		t.Fatalf("final UpdateConfig: %v", err)
	}
	if got := b.Budget(); got < 4 || got > 10 {
		t.Errorf("budget = %d, want within [4, 10]", got)
	}
}

func TestBackpressureConfig_Validate(t *testing.T) {
	bad := BackpressureConfig{
		LowWatermarkMs:     500,
		HighWatermarkMs:    100,
		MinTokenBudget:     10,
		MaxTokenBudget:     5,
		DefaultTokenBudget: 100,
	}
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"high_watermark_ms", "max_token_budget", "default_token_budget"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}
