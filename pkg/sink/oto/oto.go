// Package oto implements a local playback sink on top of the ebitengine/oto
// audio context. Segments are queued into an in-memory PCM stream that the
// device drains in real time; telemetry is derived from the unplayed queue
// plus the device-side buffer, so backpressure reflects actual playback.
package oto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	oto "github.com/ebitengine/oto/v3"

	"github.com/MrWong99/streamvox/pkg/audio"
	"github.com/MrWong99/streamvox/pkg/sink"
)

// defaultTelemetryInterval is how often the sink reports buffer health.
const defaultTelemetryInterval = 150 * time.Millisecond

// drainPollInterval is how often Drain re-checks the unplayed queue.
const drainPollInterval = 25 * time.Millisecond

// devicePlayer is the subset of *oto.Player the sink uses, extracted so
// tests can substitute a fake device.
type devicePlayer interface {
	Play()
	Close() error
	BufferedSize() int
}

// Option configures a Sink during construction.
type Option func(*Sink)

// WithTelemetryInterval overrides the telemetry reporting period.
// The default is 150 ms.
func WithTelemetryInterval(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.interval = d
		}
	}
}

// segmentSpan records where a segment's bytes live in the absolute stream.
type segmentSpan struct {
	startByte int64 // absolute offset of the segment's first byte
	endByte   int64 // absolute offset one past the segment's last byte
}

// Sink plays audio on the local default output device.
type Sink struct {
	sampleRate int
	interval   time.Duration

	player devicePlayer

	mu        sync.Mutex
	queue     []byte                 // unplayed PCM bytes (s16le mono)
	consumed  int64                  // absolute offset of queue[0]
	spans     map[string]segmentSpan // segment ID → stream position
	underruns int
	starved   bool // true while the last Read found the queue empty
	served    bool // true once any audio byte has been served
	closed    bool

	start     time.Time
	telemetry chan audio.BufferTelemetry
	stop      chan struct{}
	stopOnce  sync.Once
}

// Compile-time interface assertions.
var (
	_ sink.Sink    = (*Sink)(nil)
	_ sink.Drainer = (*Sink)(nil)
)

// otoContext is created once per process; oto forbids multiple contexts.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

// New opens (or reuses) the process-wide audio context at the given sample
// rate and starts playback. All sessions sharing a process must use the same
// rate; oto supports exactly one context.
func New(sampleRate int, opts ...Option) (*Sink, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("oto sink: invalid sample rate %d", sampleRate)
	}

	otoOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
		}
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(op)
		if otoErr == nil {
			<-ready
		}
	})
	if otoErr != nil {
		return nil, fmt.Errorf("oto sink: create audio context: %w", otoErr)
	}

	s := &Sink{
		sampleRate: sampleRate,
		interval:   defaultTelemetryInterval,
		spans:      make(map[string]segmentSpan),
		start:      time.Now(),
		telemetry:  make(chan audio.BufferTelemetry, 16),
		stop:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.player = otoCtx.NewPlayer(&streamReader{s: s})
	s.player.Play()
	go s.telemetryLoop()
	return s, nil
}

// WriteSegment appends the segment's PCM to the playback queue.
func (s *Sink) WriteSegment(_ context.Context, seg *audio.Segment) error {
	if seg.SampleRate != s.sampleRate {
		return fmt.Errorf("oto sink: segment rate %d does not match device rate %d",
			seg.SampleRate, s.sampleRate)
	}
	pcm := audio.Float32ToInt16Bytes(seg.Samples)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("oto sink: closed")
	}
	start := s.consumed + int64(len(s.queue))
	s.queue = append(s.queue, pcm...)
	s.spans[seg.ID] = segmentSpan{startByte: start, endByte: start + int64(len(pcm))}
	return nil
}

// WritePatch splices corrected audio into the unplayed portion of the queue.
// If the patched region has already been played, the patch is dropped.
func (s *Sink) WritePatch(_ context.Context, p *audio.Patch) error {
	pcm := audio.Float32ToInt16Bytes(p.Samples)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("oto sink: closed")
	}

	span, ok := s.spans[p.SegmentID]
	if !ok {
		slog.Debug("oto sink: patch for unknown segment dropped", "segment_id", p.SegmentID)
		return nil
	}

	patchStart := span.startByte + 2*int64(audio.SamplesForMs(p.CrossfadeStartMs, s.sampleRate))
	if patchStart < s.consumed {
		slog.Debug("oto sink: patch region already played, dropped",
			"segment_id", p.SegmentID, "crossfade_start_ms", p.CrossfadeStartMs)
		return nil
	}

	// Overwrite in place. The patch may extend past the segment's original
	// end only when the segment is at the queue tail; otherwise the overflow
	// would corrupt the following segment and is trimmed.
	queueEnd := s.consumed + int64(len(s.queue))
	limit := queueEnd
	if span.endByte < queueEnd {
		limit = span.endByte
	}
	off := patchStart - s.consumed
	for i := 0; i < len(pcm); i++ {
		pos := off + int64(i)
		if s.consumed+pos < limit {
			s.queue[pos] = pcm[i]
		} else if s.consumed+pos == queueEnd && span.endByte == queueEnd {
			s.queue = append(s.queue, pcm[i:]...)
			s.spans[p.SegmentID] = segmentSpan{startByte: span.startByte, endByte: queueEnd + int64(len(pcm)-i)}
			break
		} else {
			break
		}
	}
	return nil
}

// Telemetry returns the buffer health channel.
func (s *Sink) Telemetry() <-chan audio.BufferTelemetry {
	return s.telemetry
}

// Drain blocks until all written audio has been played: first until the
// in-memory queue empties, then for the playback duration of whatever the
// device buffer still holds. The pipeline writes far ahead of real time, so
// callers that must not cut speech short (one-shot local playback) call
// Drain before Close. Returns ctx.Err() on cancellation and nil immediately
// when the sink is already closed.
func (s *Sink) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		closed := s.closed
		queued := len(s.queue)
		s.mu.Unlock()

		if closed {
			return nil
		}
		if queued == 0 {
			// The device buffer now ends with the real audio tail; the
			// silence the reader pads after it only rounds the wait up.
			tailMs := audio.DurationMs(s.player.BufferedSize()/2, s.sampleRate)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(tailMs) * time.Millisecond):
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops playback and telemetry. Queued audio is dropped; call Drain
// first when it must be heard.
func (s *Sink) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})

	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	return s.player.Close()
}

// telemetryLoop publishes buffer health every interval until Close.
func (s *Sink) telemetryLoop() {
	defer close(s.telemetry)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			queued := int64(len(s.queue))
			underruns := s.underruns
			s.mu.Unlock()

			buffered := queued + int64(s.player.BufferedSize())
			t := audio.BufferTelemetry{
				BufferedMs:    audio.DurationMs(int(buffered/2), s.sampleRate),
				UnderrunCount: underruns,
				TimestampMs:   time.Since(s.start).Milliseconds(),
			}
			select {
			case s.telemetry <- t:
			default:
			}
		}
	}
}

// streamReader adapts the sink's queue to the io.Reader oto drains.
// When the queue is empty it serves silence so playback never stalls, and
// counts one underrun per empty episode after audio has been served.
type streamReader struct {
	s *Sink
}

func (r *streamReader) Read(p []byte) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.EOF
	}

	if len(s.queue) == 0 {
		if s.served && !s.starved {
			s.underruns++
			s.starved = true
		}
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	s.starved = false
	s.served = true
	n := copy(p, s.queue)
	s.queue = s.queue[n:]
	s.consumed += int64(n)

	// Drop span records that have fully played.
	for id, span := range s.spans {
		if span.endByte <= s.consumed {
			delete(s.spans, id)
		}
	}
	return n, nil
}
