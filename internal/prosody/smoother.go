// Package prosody applies glitch-free corrections to already-synthesized
// audio. When late-arriving context changes how an utterance should sound,
// the smoother blends the corrected take over the original with a smoothstep
// crossfade instead of hard-cutting, under strict per-sentence rate limits
// and a short correction window.
package prosody

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/streamvox/internal/clock"
	"github.com/MrWong99/streamvox/pkg/audio"
)

// Defaults for CrossfadeConfig fields left at zero.
const (
	DefaultCrossfadeMs           = 50
	DefaultMaxRetimesPerSentence = 1
	DefaultRetimeThresholdMs     = 120
)

// CrossfadeConfig tunes correction blending and rate limits. The retime
// threshold and per-sentence limit are tuned heuristics, not physical
// constants; both are hot-reloadable.
type CrossfadeConfig struct {
	// CrossfadeMs is the blend window, capped at half the original
	// segment's duration.
	CrossfadeMs int64 `yaml:"crossfade_ms"`

	// MaxRetimesPerSentence caps successful corrections per sentence.
	MaxRetimesPerSentence int `yaml:"max_retimes_per_sentence"`

	// RetimeThresholdMs is how long after registration a segment remains
	// correctable. Segments older than twice this are evicted.
	RetimeThresholdMs int64 `yaml:"retime_threshold_ms"`
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (c CrossfadeConfig) WithDefaults() CrossfadeConfig {
	if c.CrossfadeMs == 0 {
		c.CrossfadeMs = DefaultCrossfadeMs
	}
	if c.MaxRetimesPerSentence == 0 {
		c.MaxRetimesPerSentence = DefaultMaxRetimesPerSentence
	}
	if c.RetimeThresholdMs == 0 {
		c.RetimeThresholdMs = DefaultRetimeThresholdMs
	}
	return c
}

// Validate checks the configuration for invalid values.
func (c CrossfadeConfig) Validate() error {
	var errs []error
	if c.CrossfadeMs < 0 {
		errs = append(errs, fmt.Errorf("crossfade_ms must not be negative, got %d", c.CrossfadeMs))
	}
	if c.MaxRetimesPerSentence < 0 {
		errs = append(errs, fmt.Errorf("max_retimes_per_sentence must not be negative, got %d", c.MaxRetimesPerSentence))
	}
	if c.RetimeThresholdMs < 1 {
		errs = append(errs, fmt.Errorf("retime_threshold_ms must be positive, got %d", c.RetimeThresholdMs))
	}
	return errors.Join(errs...)
}

// Correction records one successful prosody correction.
type Correction struct {
	OriginalSegmentID   string
	CorrectedSegmentID  string
	CrossfadeStartMs    int64
	CrossfadeDurationMs int64
	Reason              string
}

// Smoother owns the rolling registry of recent segments for one session.
// Registry methods must be called from a single goroutine (the session's
// dispatcher); UpdateConfig may be called concurrently.
type Smoother struct {
	cfg atomic.Pointer[CrossfadeConfig]
	clk clock.Clock
	log *slog.Logger

	segments    map[string]*audio.Segment
	corrections map[string]Correction

	sentenceID string
	retimes    int
	nCorr      int

	observer func(Correction)
}

// Option configures a Smoother during construction.
type Option func(*Smoother)

// WithObserver registers a callback invoked after every successful
// correction.
func WithObserver(f func(Correction)) Option {
	return func(s *Smoother) { s.observer = f }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Smoother) { s.log = l }
}

// NewSmoother creates a Smoother with the given configuration.
func NewSmoother(cfg CrossfadeConfig, clk clock.Clock, opts ...Option) (*Smoother, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("crossfade config: %w", err)
	}
	s := &Smoother{
		clk:         clk,
		log:         slog.Default(),
		segments:    make(map[string]*audio.Segment),
		corrections: make(map[string]Correction),
	}
	s.cfg.Store(&cfg)
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// UpdateConfig swaps the configuration. Invalid configurations are rejected
// and the previous one stays in effect.
func (s *Smoother) UpdateConfig(cfg CrossfadeConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("crossfade config: %w", err)
	}
	s.cfg.Store(&cfg)
	return nil
}

// Register adds a segment to the registry and purges segments older than
// twice the retime threshold. The per-sentence retime counter resets when
// the sentence changes.
func (s *Smoother) Register(seg *audio.Segment) {
	s.evict()
	if seg.SentenceID != s.sentenceID {
		s.sentenceID = seg.SentenceID
		s.retimes = 0
	}
	s.segments[seg.ID] = seg
}

// CanCorrect reports whether a correction for the segment would be accepted
// right now: the segment is still registered, younger than the retime
// threshold, and the sentence retime budget is not exhausted. Callers gate
// expensive re-synthesis behind this before producing corrected audio.
func (s *Smoother) CanCorrect(segmentID string) bool {
	cfg := s.cfg.Load()
	seg, ok := s.segments[segmentID]
	if !ok {
		return false
	}
	if s.clk.NowMs()-seg.StartTimeMs > cfg.RetimeThresholdMs {
		return false
	}
	return s.retimes < cfg.MaxRetimesPerSentence
}

// RequestCorrection blends corrected audio over the registered original and
// returns the correction record plus the full blended buffer. A rejected
// request returns (nil, nil) and is logged; rejection is a designed no-op,
// not an error.
//
// The blend copies samples before the crossfade window verbatim from the
// original, applies smoothstep fade weights inside the window, and takes the
// remainder from the corrected take. The output is as long as the longer of
// the two buffers.
func (s *Smoother) RequestCorrection(originalSegmentID string, corrected []float32, sampleRate int, reason string) (*Correction, []float32) {
	cfg := s.cfg.Load()

	orig, ok := s.segments[originalSegmentID]
	if !ok {
		s.log.Debug("correction rejected: unknown segment",
			"segment_id", originalSegmentID, "reason", reason)
		return nil, nil
	}
	if s.retimes >= cfg.MaxRetimesPerSentence {
		s.log.Debug("correction rejected: sentence retime budget exhausted",
			"segment_id", originalSegmentID, "sentence_id", orig.SentenceID,
			"max_retimes", cfg.MaxRetimesPerSentence)
		return nil, nil
	}
	if sampleRate != orig.SampleRate {
		s.log.Debug("correction rejected: sample rate mismatch",
			"segment_id", originalSegmentID, "got", sampleRate, "want", orig.SampleRate)
		return nil, nil
	}

	fadeMs := cfg.CrossfadeMs
	if half := orig.DurationMs / 2; fadeMs > half {
		fadeMs = half
	}
	fadeSamples := audio.SamplesForMs(fadeMs, orig.SampleRate)
	start := len(orig.Samples) - fadeSamples
	if start < 0 {
		start = 0
	}

	out := blend(orig.Samples, corrected, start, fadeSamples)

	s.retimes++
	corr := Correction{
		OriginalSegmentID:   originalSegmentID,
		CorrectedSegmentID:  fmt.Sprintf("%s-r%d", originalSegmentID, s.nCorr),
		CrossfadeStartMs:    audio.DurationMs(start, orig.SampleRate),
		CrossfadeDurationMs: fadeMs,
		Reason:              reason,
	}
	s.nCorr++
	s.corrections[originalSegmentID] = corr

	if s.observer != nil {
		s.observer(corr)
	}
	return &corr, out
}

// Correction returns the recorded correction for a segment, if any.
func (s *Smoother) Correction(segmentID string) (Correction, bool) {
	c, ok := s.corrections[segmentID]
	return c, ok
}

// Len returns the number of registered segments.
func (s *Smoother) Len() int {
	return len(s.segments)
}

// Reset clears all segments, corrections, and counters.
func (s *Smoother) Reset() {
	s.segments = make(map[string]*audio.Segment)
	s.corrections = make(map[string]Correction)
	s.sentenceID = ""
	s.retimes = 0
}

// evict purges segments past the retention window, along with their
// corrections.
func (s *Smoother) evict() {
	cfg := s.cfg.Load()
	cutoff := s.clk.NowMs() - 2*cfg.RetimeThresholdMs
	for id, seg := range s.segments {
		if seg.StartTimeMs < cutoff {
			delete(s.segments, id)
			delete(s.corrections, id)
		}
	}
}

// blend crossfades corrected over original starting at start for fadeSamples
// samples. The prefix is copied from the original bit for bit.
func blend(original, corrected []float32, start, fadeSamples int) []float32 {
	outLen := len(original)
	if len(corrected) > outLen {
		outLen = len(corrected)
	}
	out := make([]float32, outLen)
	copy(out, original[:min(start, len(original))])

	for i := 0; i < fadeSamples; i++ {
		idx := start + i
		if idx >= outLen {
			break
		}
		var o, c float32
		if idx < len(original) {
			o = original[idx]
		}
		if idx < len(corrected) {
			c = corrected[idx]
		}
		fadeIn := smoothstep(float64(i) / float64(fadeSamples))
		fadeOut := smoothstep(float64(fadeSamples-i) / float64(fadeSamples))
		out[idx] = o*float32(fadeOut) + c*float32(fadeIn)
	}

	for idx := start + fadeSamples; idx < outLen; idx++ {
		if idx < len(corrected) {
			out[idx] = corrected[idx]
		} else {
			out[idx] = original[idx]
		}
	}
	return out
}

// smoothstep is the classic 3t²−2t³ easing curve on [0, 1].
func smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}
