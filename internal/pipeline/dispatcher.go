package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/streamvox/internal/clock"
	"github.com/MrWong99/streamvox/internal/observe"
	"github.com/MrWong99/streamvox/internal/prosody"
	"github.com/MrWong99/streamvox/internal/revise"
	"github.com/MrWong99/streamvox/pkg/audio"
	"github.com/MrWong99/streamvox/pkg/sink"
	"github.com/MrWong99/streamvox/pkg/source"
	"github.com/MrWong99/streamvox/pkg/synth"
)

// Defaults for Config fields left at zero.
const (
	DefaultMaxInFlight = 3
	DefaultFillerMs    = 120
	DefaultSampleRate  = 24000

	// revisableTexts bounds how many emitted chunk texts are retained for
	// revision matching.
	revisableTexts = 128
)

// Config aggregates the per-session pipeline configuration.
type Config struct {
	Chunking     ChunkingConfig          `yaml:"chunking"`
	Backpressure BackpressureConfig      `yaml:"backpressure"`
	Crossfade    prosody.CrossfadeConfig `yaml:"crossfade"`

	// MaxInFlight bounds concurrent synthesis calls per session.
	MaxInFlight int `yaml:"max_in_flight"`

	// VoiceID is passed through to the synthesis engine.
	VoiceID string `yaml:"voice_id"`

	// SampleRate is the session's audio sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// FillerMs is the duration of the silence marker emitted when synthesis
	// fails for a chunk.
	FillerMs int64 `yaml:"filler_ms"`

	// SentenceMode starts the session in the rollback mode that flushes on
	// hard punctuation only.
	SentenceMode bool `yaml:"sentence_mode"`
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	c.Chunking = c.Chunking.WithDefaults()
	c.Backpressure = c.Backpressure.WithDefaults()
	if c.MaxInFlight == 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FillerMs == 0 {
		c.FillerMs = DefaultFillerMs
	}
	return c
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if err := c.Chunking.Validate(); err != nil {
		return err
	}
	if err := c.Backpressure.Validate(); err != nil {
		return err
	}
	if err := c.Crossfade.Validate(); err != nil {
		return err
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("max_in_flight must be at least 1, got %d", c.MaxInFlight)
	}
	if c.SampleRate < 1 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.FillerMs < 0 {
		return fmt.Errorf("filler_ms must not be negative, got %d", c.FillerMs)
	}
	return nil
}

// dispatchResult carries one finished synthesis back to the emit loop.
type dispatchResult struct {
	seg  *audio.Segment
	text string
}

// Dispatcher runs one session's pipeline: it drives the chunker over the
// fragment stream, keeps up to MaxInFlight synthesis calls running, and emits
// the resulting segments to the sink in strict sequence order no matter in
// which order synthesis completes. Late completions wait in a pending map
// until every lower sequence has been emitted.
type Dispatcher struct {
	sessionID  string
	engineName string

	src      source.Source
	engine   synth.Engine
	snk      sink.Sink
	chunker  *Chunker
	bp       *BackpressureController
	smoother *prosody.Smoother
	detector *revise.Detector

	clk     clock.Clock
	log     *slog.Logger
	metrics *observe.Metrics

	maxInFlight  int
	voiceID      string
	sampleRate   int
	fillerMs     int64
	timeBudgetMs atomic.Int64
	tick         time.Duration

	// mu serialises smoother access and the revisable text window between
	// the emit loop and Revise callers.
	mu        sync.Mutex
	texts     map[string]string
	textOrder []string

	startMs      int64
	firstEmitted bool
}

// DispatcherOption configures a Dispatcher during construction.
type DispatcherOption func(*Dispatcher)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics overrides the default metrics instance.
func WithMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides the monotonic clock, for deterministic tests.
func WithClock(clk clock.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clk = clk }
}

// WithEngineName sets the engine label used in metrics and logs.
func WithEngineName(name string) DispatcherOption {
	return func(d *Dispatcher) { d.engineName = name }
}

// WithReviseDetector overrides the revision detector.
func WithReviseDetector(det *revise.Detector) DispatcherOption {
	return func(d *Dispatcher) { d.detector = det }
}

// NewDispatcher wires a full pipeline for one session.
func NewDispatcher(sessionID string, src source.Source, eng synth.Engine, snk sink.Sink, cfg Config, opts ...DispatcherOption) (*Dispatcher, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}

	d := &Dispatcher{
		sessionID:   sessionID,
		engineName:  "engine",
		src:         src,
		engine:      eng,
		snk:         snk,
		clk:         clock.NewMonotonic(),
		log:         slog.Default(),
		detector:    revise.NewDetector(),
		maxInFlight: cfg.MaxInFlight,
		voiceID:     cfg.VoiceID,
		sampleRate:  cfg.SampleRate,
		fillerMs:    cfg.FillerMs,
		texts:       make(map[string]string),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	d.log = d.log.With("session_id", sessionID)

	bp, err := NewBackpressureController(cfg.Backpressure, d.clk)
	if err != nil {
		return nil, err
	}
	d.bp = bp

	chunker, err := NewChunker(cfg.Chunking, d.clk, WithBudgetFunc(bp.Budget))
	if err != nil {
		return nil, err
	}
	chunker.SetSentenceMode(cfg.SentenceMode)
	d.chunker = chunker

	smoother, err := prosody.NewSmoother(cfg.Crossfade, d.clk, prosody.WithLogger(d.log))
	if err != nil {
		return nil, err
	}
	d.smoother = smoother

	d.timeBudgetMs.Store(cfg.Chunking.TimeBudgetMs)

	// Tick fast enough that the force-flush timeout fires close to on time.
	tick := cfg.Chunking.ForceFlushTimeoutMs / 4
	if tick < 25 {
		tick = 25
	}
	d.tick = time.Duration(tick) * time.Millisecond

	return d, nil
}

// Run executes the session until the source ends or ctx is cancelled. On
// cancellation, in-flight synthesis is abandoned and nothing further is
// emitted; all component state is reset before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	frags, err := d.src.Fragments(ctx)
	if err != nil {
		return fmt.Errorf("start source: %w", err)
	}
	d.startMs = d.clk.NowMs()

	g, gctx := errgroup.WithContext(ctx)

	results := make(chan dispatchResult, 4*d.maxInFlight)
	sem := make(chan struct{}, d.maxInFlight)
	var workers sync.WaitGroup

	// Telemetry runs outside the group: it must not keep the session alive
	// once intake and emission are done.
	tctx, tcancel := context.WithCancel(ctx)
	telemetryDone := make(chan struct{})
	go func() {
		defer close(telemetryDone)
		d.telemetryLoop(tctx)
	}()

	// Intake: fragments through the chunker into synthesis workers.
	g.Go(func() error {
		defer func() {
			workers.Wait()
			close(results)
		}()

		ticker := time.NewTicker(d.tick)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := d.dispatch(gctx, d.chunker.Tick(), sem, &workers, results); err != nil {
					return err
				}
			case f, ok := <-frags:
				if !ok {
					return d.dispatch(gctx, d.chunker.Flush(), sem, &workers, results)
				}
				if err := d.dispatch(gctx, d.chunker.Append(f), sem, &workers, results); err != nil {
					return err
				}
			}
		}
	})

	// Emission: strictly ordered by sequence.
	g.Go(func() error {
		pending := make(map[uint64]dispatchResult)
		var next uint64
		for res := range results {
			pending[res.seg.Sequence] = res
			for {
				r, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				if gctx.Err() == nil {
					d.emit(gctx, r)
				}
				next++
			}
		}
		return nil
	})

	runErr := g.Wait()
	tcancel()
	<-telemetryDone

	d.chunker.Reset()
	d.mu.Lock()
	d.smoother.Reset()
	d.texts = make(map[string]string)
	d.textOrder = nil
	d.mu.Unlock()

	if runErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return runErr
}

// dispatch starts one bounded synthesis worker per chunk.
func (d *Dispatcher) dispatch(ctx context.Context, chunks []TextChunk, sem chan struct{}, workers *sync.WaitGroup, results chan<- dispatchResult) error {
	for _, ch := range chunks {
		d.metrics.RecordChunk(ctx, ch.Punctuation.String())
		d.log.Debug("chunk flushed",
			"chunk_id", ch.ID, "tokens", ch.TokenCount,
			"punctuation", ch.Punctuation.String(), "sentence_id", ch.SentenceID)

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		workers.Add(1)
		go func(ch TextChunk) {
			defer workers.Done()
			defer func() { <-sem }()

			d.metrics.InFlightSynthesis.Add(ctx, 1)
			seg := d.synthesize(ctx, ch)
			d.metrics.InFlightSynthesis.Add(ctx, -1)
			if seg == nil {
				return
			}
			select {
			case results <- dispatchResult{seg: seg, text: ch.Text}:
			case <-ctx.Done():
			}
		}(ch)
	}
	return nil
}

// synthesize turns one chunk into a segment, retrying once and falling back
// to a filler marker so a single engine failure never stalls the sequence.
// Returns nil only when ctx is cancelled.
func (d *Dispatcher) synthesize(ctx context.Context, ch TextChunk) *audio.Segment {
	// Whitespace-only chunks exist to keep the chunk-text concatenation
	// exact; there is nothing to voice, so they pass through as empty
	// segments without touching the engine.
	if strings.TrimSpace(ch.Text) == "" {
		return &audio.Segment{
			ID:         fmt.Sprintf("seg-%d", ch.Sequence),
			ChunkID:    ch.ID,
			SentenceID: ch.SentenceID,
			Sequence:   ch.Sequence,
			SampleRate: d.sampleRate,
		}
	}

	req := synth.Request{Text: ch.Text, VoiceID: d.voiceID, SampleRate: d.sampleRate}

	var res *synth.Result
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		res, err = d.synthesizeOnce(ctx, req)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		d.metrics.RecordSynthesisError(ctx, d.engineName)
		d.log.Warn("synthesis failed",
			"chunk_id", ch.ID, "attempt", attempt+1, "error", err)
	}

	seg := &audio.Segment{
		ID:         fmt.Sprintf("seg-%d", ch.Sequence),
		ChunkID:    ch.ID,
		SentenceID: ch.SentenceID,
		Sequence:   ch.Sequence,
	}
	if err != nil {
		seg.Samples = audio.Silence(audio.SamplesForMs(d.fillerMs, d.sampleRate))
		seg.SampleRate = d.sampleRate
		seg.Filler = true
		d.metrics.FillerSegments.Add(ctx, 1)
	} else {
		seg.Samples = res.Samples
		seg.SampleRate = res.SampleRate
	}
	seg.DurationMs = audio.DurationMs(len(seg.Samples), seg.SampleRate)
	return seg
}

// synthesizeOnce runs a single engine call under the chunk time budget.
func (d *Dispatcher) synthesizeOnce(ctx context.Context, req synth.Request) (*synth.Result, error) {
	cctx := ctx
	if budget := d.timeBudgetMs.Load(); budget > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, time.Duration(budget)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	res, err := d.engine.Synthesize(cctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	d.metrics.RecordSynthesis(ctx, d.engineName, status, time.Since(start).Seconds())
	return res, err
}

// emit registers the segment with the smoother and writes it to the sink.
func (d *Dispatcher) emit(ctx context.Context, r dispatchResult) {
	seg := r.seg
	seg.StartTimeMs = d.clk.NowMs()

	d.mu.Lock()
	d.smoother.Register(seg)
	d.texts[seg.ID] = r.text
	d.textOrder = append(d.textOrder, seg.ID)
	if len(d.textOrder) > revisableTexts {
		delete(d.texts, d.textOrder[0])
		d.textOrder = d.textOrder[1:]
	}
	d.mu.Unlock()

	if err := d.snk.WriteSegment(ctx, seg); err != nil {
		d.log.Warn("sink write failed", "segment_id", seg.ID, "error", err)
		return
	}
	if !d.firstEmitted {
		d.firstEmitted = true
		d.metrics.TimeToFirstAudio.Record(ctx,
			float64(d.clk.NowMs()-d.startMs)/1000)
	}
}

// telemetryLoop drains sink telemetry into the backpressure controller.
func (d *Dispatcher) telemetryLoop(ctx context.Context) {
	lastUnderruns := 0
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-d.snk.Telemetry():
			if !ok {
				return
			}
			if d.bp.Stale() {
				d.metrics.StaleTelemetry.Add(ctx, 1)
				d.log.Debug("telemetry resumed after stale window")
			}
			d.bp.Observe(t)
			if delta := t.UnderrunCount - lastUnderruns; delta > 0 {
				d.metrics.Underruns.Add(ctx, int64(delta))
			}
			lastUnderruns = t.UnderrunCount
			d.metrics.RecordChunkBudget(ctx, d.sessionID, d.bp.Budget())
		}
	}
}

// Revise evaluates a text revision against an already-emitted segment and,
// when warranted and still allowed, re-synthesizes the revised text and
// delivers the crossfaded result to the sink as a patch. A revision that is
// filtered or rejected is a logged no-op.
func (d *Dispatcher) Revise(ctx context.Context, segmentID, revisedText, reason string) error {
	d.mu.Lock()
	origText, known := d.texts[segmentID]
	d.mu.Unlock()
	if !known {
		d.log.Debug("revision for unknown segment ignored", "segment_id", segmentID)
		d.metrics.RecordCorrection(ctx, "rejected")
		return nil
	}

	dec := d.detector.Evaluate(origText, revisedText)
	if !dec.Resynthesize {
		d.log.Debug("revision filtered",
			"segment_id", segmentID, "reason", dec.Reason, "distance", dec.Distance)
		d.metrics.RecordCorrection(ctx, "rejected")
		return nil
	}

	// Cheap gate before paying for re-synthesis.
	d.mu.Lock()
	allowed := d.smoother.CanCorrect(segmentID)
	d.mu.Unlock()
	if !allowed {
		d.log.Debug("revision outside correction window", "segment_id", segmentID)
		d.metrics.RecordCorrection(ctx, "rejected")
		return nil
	}

	res, err := d.synthesizeOnce(ctx, synth.Request{
		Text: revisedText, VoiceID: d.voiceID, SampleRate: d.sampleRate,
	})
	if err != nil {
		d.metrics.RecordSynthesisError(ctx, d.engineName)
		return fmt.Errorf("re-synthesize revision for %s: %w", segmentID, err)
	}

	d.mu.Lock()
	corr, blended := d.smoother.RequestCorrection(segmentID, res.Samples, res.SampleRate, reason)
	d.mu.Unlock()
	if corr == nil {
		d.metrics.RecordCorrection(ctx, "rejected")
		return nil
	}
	d.metrics.RecordCorrection(ctx, "applied")

	tail := audio.SamplesForMs(corr.CrossfadeStartMs, res.SampleRate)
	if tail > len(blended) {
		tail = len(blended)
	}
	patch := &audio.Patch{
		SegmentID:           segmentID,
		CrossfadeStartMs:    corr.CrossfadeStartMs,
		CrossfadeDurationMs: corr.CrossfadeDurationMs,
		Samples:             blended[tail:],
		SampleRate:          res.SampleRate,
	}
	if err := d.snk.WritePatch(ctx, patch); err != nil {
		return fmt.Errorf("deliver patch for %s: %w", segmentID, err)
	}
	d.log.Info("prosody correction applied",
		"segment_id", segmentID,
		"crossfade_start_ms", corr.CrossfadeStartMs,
		"crossfade_ms", corr.CrossfadeDurationMs,
		"reason", reason)
	return nil
}

// SetSentenceMode toggles the hard-punctuation-only rollback mode.
func (d *Dispatcher) SetSentenceMode(on bool) {
	d.chunker.SetSentenceMode(on)
	d.log.Info("sentence mode changed", "enabled", on)
}

// SentenceMode reports whether sentence mode is active.
func (d *Dispatcher) SentenceMode() bool {
	return d.chunker.SentenceMode()
}

// UpdateChunking applies a new chunking configuration to future decisions.
func (d *Dispatcher) UpdateChunking(cfg ChunkingConfig) error {
	if err := d.chunker.UpdateConfig(cfg); err != nil {
		return err
	}
	d.timeBudgetMs.Store(cfg.WithDefaults().TimeBudgetMs)
	return nil
}

// UpdateBackpressure applies a new backpressure configuration.
func (d *Dispatcher) UpdateBackpressure(cfg BackpressureConfig) error {
	return d.bp.UpdateConfig(cfg)
}

// UpdateCrossfade applies a new crossfade configuration.
func (d *Dispatcher) UpdateCrossfade(cfg prosody.CrossfadeConfig) error {
	return d.smoother.UpdateConfig(cfg)
}

// Budget returns the current adaptive token budget.
func (d *Dispatcher) Budget() int {
	return d.bp.Budget()
}
