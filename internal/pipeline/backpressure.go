package pipeline

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/MrWong99/streamvox/internal/clock"
	"github.com/MrWong99/streamvox/pkg/audio"
)

// Defaults for BackpressureConfig fields left at zero.
const (
	DefaultLowWatermarkMs     = 250
	DefaultHighWatermarkMs    = 1500
	DefaultMinTokenBudget     = 4
	DefaultMaxTokenBudget     = 48
	DefaultBudgetStepTokens   = 2
	DefaultStaleAfterMs       = 1000
	DefaultUnderrunHoldMs     = 1000
	DefaultNeutralTokenBudget = DefaultChunkTokenBudget
)

// BackpressureConfig tunes how the controller adapts the chunk token budget
// to playback buffer health. Hot-reloadable.
type BackpressureConfig struct {
	// LowWatermarkMs is the buffer level below which the budget shrinks.
	LowWatermarkMs int64 `yaml:"low_watermark_ms"`

	// HighWatermarkMs is the buffer level above which the budget grows.
	HighWatermarkMs int64 `yaml:"high_watermark_ms"`

	// MinTokenBudget is the floor of the adaptive budget.
	MinTokenBudget int `yaml:"min_token_budget"`

	// MaxTokenBudget is the ceiling of the adaptive budget.
	MaxTokenBudget int `yaml:"max_token_budget"`

	// DefaultTokenBudget is the neutral budget used at start and whenever
	// telemetry goes stale.
	DefaultTokenBudget int `yaml:"default_token_budget"`

	// StepTokens is the budget change per observation.
	StepTokens int `yaml:"step_tokens"`

	// StaleAfterMs is how long without telemetry before the controller
	// reverts to the neutral budget.
	StaleAfterMs int64 `yaml:"stale_after_ms"`

	// UnderrunHoldMs suppresses budget growth for this long after an
	// observed underrun.
	UnderrunHoldMs int64 `yaml:"underrun_hold_ms"`
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (c BackpressureConfig) WithDefaults() BackpressureConfig {
	if c.LowWatermarkMs == 0 {
		c.LowWatermarkMs = DefaultLowWatermarkMs
	}
	if c.HighWatermarkMs == 0 {
		c.HighWatermarkMs = DefaultHighWatermarkMs
	}
	if c.MinTokenBudget == 0 {
		c.MinTokenBudget = DefaultMinTokenBudget
	}
	if c.MaxTokenBudget == 0 {
		c.MaxTokenBudget = DefaultMaxTokenBudget
	}
	if c.DefaultTokenBudget == 0 {
		c.DefaultTokenBudget = DefaultNeutralTokenBudget
	}
	if c.StepTokens == 0 {
		c.StepTokens = DefaultBudgetStepTokens
	}
	if c.StaleAfterMs == 0 {
		c.StaleAfterMs = DefaultStaleAfterMs
	}
	if c.UnderrunHoldMs == 0 {
		c.UnderrunHoldMs = DefaultUnderrunHoldMs
	}
	return c
}

// Validate checks the configuration for invalid values.
func (c BackpressureConfig) Validate() error {
	var errs []error
	if c.LowWatermarkMs < 0 {
		errs = append(errs, fmt.Errorf("low_watermark_ms must not be negative, got %d", c.LowWatermarkMs))
	}
	if c.HighWatermarkMs <= c.LowWatermarkMs {
		errs = append(errs, fmt.Errorf("high_watermark_ms (%d) must be above low_watermark_ms (%d)",
			c.HighWatermarkMs, c.LowWatermarkMs))
	}
	if c.MinTokenBudget < 1 {
		errs = append(errs, fmt.Errorf("min_token_budget must be at least 1, got %d", c.MinTokenBudget))
	}
	if c.MaxTokenBudget < c.MinTokenBudget {
		errs = append(errs, fmt.Errorf("max_token_budget (%d) must not be below min_token_budget (%d)",
			c.MaxTokenBudget, c.MinTokenBudget))
	}
	if c.DefaultTokenBudget < c.MinTokenBudget || c.DefaultTokenBudget > c.MaxTokenBudget {
		errs = append(errs, fmt.Errorf("default_token_budget (%d) must lie within [%d, %d]",
			c.DefaultTokenBudget, c.MinTokenBudget, c.MaxTokenBudget))
	}
	if c.StepTokens < 1 {
		errs = append(errs, fmt.Errorf("step_tokens must be at least 1, got %d", c.StepTokens))
	}
	if c.StaleAfterMs < 1 {
		errs = append(errs, fmt.Errorf("stale_after_ms must be positive, got %d", c.StaleAfterMs))
	}
	if c.UnderrunHoldMs < 0 {
		errs = append(errs, fmt.Errorf("underrun_hold_ms must not be negative, got %d", c.UnderrunHoldMs))
	}
	return errors.Join(errs...)
}

// BackpressureController keeps the playback buffer inside a watermark band
// by adapting the chunk token budget: a starving buffer shrinks chunks for
// faster time-to-first-audio, a comfortable buffer grows them for smoother
// prosody and fewer synthesis calls.
//
// Observe is single-writer; Budget may be read concurrently.
type BackpressureController struct {
	cfg atomic.Pointer[BackpressureConfig]
	clk clock.Clock

	budget         atomic.Int64
	lastObservedMs atomic.Int64

	// Written by Observe only.
	lastUnderruns  int
	lastUnderrunMs int64
}

// NewBackpressureController creates a controller starting at the neutral
// budget.
func NewBackpressureController(cfg BackpressureConfig, clk clock.Clock) (*BackpressureController, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("backpressure config: %w", err)
	}
	b := &BackpressureController{clk: clk, lastUnderrunMs: -1 << 62}
	b.cfg.Store(&cfg)
	b.budget.Store(int64(cfg.DefaultTokenBudget))
	b.lastObservedMs.Store(clk.NowMs())
	return b, nil
}

// UpdateConfig swaps the configuration, clamping the current budget into the
// new bounds. Invalid configurations are rejected and the previous one stays
// in effect.
func (b *BackpressureController) UpdateConfig(cfg BackpressureConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("backpressure config: %w", err)
	}
	b.cfg.Store(&cfg)
	// CAS loop: Observe may step the budget concurrently, and a plain
	// load-clamp-store could resurrect a value outside the new bounds.
	for {
		cur := b.budget.Load()
		clamped := int64(clamp(int(cur), cfg.MinTokenBudget, cfg.MaxTokenBudget))
		if cur == clamped || b.budget.CompareAndSwap(cur, clamped) {
			return nil
		}
	}
}

// Observe feeds one telemetry sample and adjusts the budget by at most one
// step. Call from a single goroutine.
func (b *BackpressureController) Observe(t audio.BufferTelemetry) {
	cfg := b.cfg.Load()
	now := b.clk.NowMs()

	// Coming back from a stale gap, step from neutral rather than from a
	// budget tuned for conditions that no longer hold.
	if now-b.lastObservedMs.Load() > cfg.StaleAfterMs {
		b.budget.Store(int64(cfg.DefaultTokenBudget))
	}
	b.lastObservedMs.Store(now)

	underrunsRose := t.UnderrunCount > b.lastUnderruns
	b.lastUnderruns = t.UnderrunCount
	if underrunsRose {
		b.lastUnderrunMs = now
	}

	cur := int(b.budget.Load())
	switch {
	case t.BufferedMs < cfg.LowWatermarkMs || underrunsRose:
		cur -= cfg.StepTokens
	case t.BufferedMs > cfg.HighWatermarkMs && now-b.lastUnderrunMs > cfg.UnderrunHoldMs:
		cur += cfg.StepTokens
	}
	b.budget.Store(int64(clamp(cur, cfg.MinTokenBudget, cfg.MaxTokenBudget)))
}

// Budget returns the current token budget for the next chunking decision.
// While telemetry is stale it returns the neutral default.
func (b *BackpressureController) Budget() int {
	cfg := b.cfg.Load()
	if b.Stale() {
		return cfg.DefaultTokenBudget
	}
	return int(b.budget.Load())
}

// Stale reports whether no telemetry has arrived within the stale window.
func (b *BackpressureController) Stale() bool {
	cfg := b.cfg.Load()
	return b.clk.NowMs()-b.lastObservedMs.Load() > cfg.StaleAfterMs
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
