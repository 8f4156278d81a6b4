// Package ws implements a websocket playback sink. The server pushes audio
// segments and correction patches to a connected client and receives buffer
// telemetry from it, so the client's playback buffer drives backpressure.
//
// # Wire format
//
// Every segment or patch is a JSON text frame (the header) followed by one or
// more binary frames carrying audio:
//
//	{"type":"segment","id":"seg-3","chunk_id":"chunk-3","sentence_id":"s1",
//	 "sequence":3,"sample_rate":24000,"duration_ms":480,"filler":false,
//	 "encoding":"pcm_s16le","frames":1}
//
//	{"type":"patch","segment_id":"seg-3","crossfade_start_ms":360,
//	 "crossfade_duration_ms":120,"sample_rate":24000,"encoding":"pcm_s16le",
//	 "frames":1}
//
// With Opus enabled, segment audio is sent as one binary frame per 20 ms Opus
// packet ("frames" gives the packet count). Patches are always sent as PCM:
// a patch splices into already-delivered samples at an arbitrary offset,
// which is only well-defined on raw PCM.
//
// The client sends telemetry as JSON text frames:
//
//	{"type":"telemetry","buffered_ms":420,"underrun_count":0}
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"layeh.com/gopus"

	"github.com/MrWong99/streamvox/pkg/audio"
	"github.com/MrWong99/streamvox/pkg/sink"
)

// opusFrameMs is the Opus packet duration used for segment audio.
const opusFrameMs = 20

// telemetryBuf is the capacity of the telemetry channel. The controller
// consumes promptly; a small buffer absorbs scheduling jitter.
const telemetryBuf = 16

// Option configures a Sink during construction.
type Option func(*Sink)

// WithOpus enables Opus encoding of segment audio at the given sample rate.
// The rate must be one Opus supports natively (8, 12, 16, 24, or 48 kHz);
// segments at other rates fall back to PCM for that segment.
func WithOpus(sampleRate int) Option {
	return func(s *Sink) {
		s.opusRate = sampleRate
	}
}

// segmentHeader is the JSON header frame preceding segment audio.
type segmentHeader struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	ChunkID    string `json:"chunk_id"`
	SentenceID string `json:"sentence_id"`
	Sequence   uint64 `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	DurationMs int64  `json:"duration_ms"`
	Filler     bool   `json:"filler"`
	Encoding   string `json:"encoding"`
	Frames     int    `json:"frames"`
}

// patchHeader is the JSON header frame preceding patch audio.
type patchHeader struct {
	Type                string `json:"type"`
	SegmentID           string `json:"segment_id"`
	CrossfadeStartMs    int64  `json:"crossfade_start_ms"`
	CrossfadeDurationMs int64  `json:"crossfade_duration_ms"`
	SampleRate          int    `json:"sample_rate"`
	Encoding            string `json:"encoding"`
	Frames              int    `json:"frames"`
}

// telemetryMsg is the JSON telemetry frame received from the client.
type telemetryMsg struct {
	Type          string `json:"type"`
	BufferedMs    int64  `json:"buffered_ms"`
	UnderrunCount int    `json:"underrun_count"`
}

// Sink streams audio to a single websocket client. Writes are serialised
// internally; Sink is safe for concurrent use.
type Sink struct {
	conn  *websocket.Conn
	start time.Time

	opusRate int
	encMu    sync.Mutex
	enc      *gopus.Encoder

	writeMu sync.Mutex

	telemetry chan audio.BufferTelemetry
	readCtx   context.Context
	readStop  context.CancelFunc
	closeOnce sync.Once
}

// Compile-time interface assertion.
var _ sink.Sink = (*Sink)(nil)

// New wraps an accepted websocket connection as a playback sink and starts
// the telemetry read loop. The caller retains responsibility for the HTTP
// handshake; Close shuts the connection down.
func New(conn *websocket.Conn, opts ...Option) *Sink {
	s := &Sink{
		conn:      conn,
		start:     time.Now(),
		telemetry: make(chan audio.BufferTelemetry, telemetryBuf),
	}
	for _, o := range opts {
		o(s)
	}
	s.readCtx, s.readStop = context.WithCancel(context.Background())
	go s.readLoop()
	return s
}

// WriteSegment sends the header frame and the segment audio.
func (s *Sink) WriteSegment(ctx context.Context, seg *audio.Segment) error {
	encoding := "pcm_s16le"
	var frames [][]byte

	if s.opusRate != 0 && seg.SampleRate == s.opusRate {
		packets, err := s.encodeOpus(seg.Samples, seg.SampleRate)
		if err != nil {
			slog.Warn("ws sink: opus encode failed, falling back to pcm",
				"segment_id", seg.ID, "err", err)
		} else {
			encoding = "opus"
			frames = packets
		}
	}
	if frames == nil {
		frames = [][]byte{audio.Float32ToInt16Bytes(seg.Samples)}
	}

	header, err := json.Marshal(segmentHeader{
		Type:       "segment",
		ID:         seg.ID,
		ChunkID:    seg.ChunkID,
		SentenceID: seg.SentenceID,
		Sequence:   seg.Sequence,
		SampleRate: seg.SampleRate,
		DurationMs: seg.DurationMs,
		Filler:     seg.Filler,
		Encoding:   encoding,
		Frames:     len(frames),
	})
	if err != nil {
		return fmt.Errorf("ws sink: marshal segment header: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, header); err != nil {
		return fmt.Errorf("ws sink: write segment header: %w", err)
	}
	for _, f := range frames {
		if err := s.conn.Write(ctx, websocket.MessageBinary, f); err != nil {
			return fmt.Errorf("ws sink: write segment audio: %w", err)
		}
	}
	return nil
}

// WritePatch sends the patch header and its PCM payload.
func (s *Sink) WritePatch(ctx context.Context, p *audio.Patch) error {
	header, err := json.Marshal(patchHeader{
		Type:                "patch",
		SegmentID:           p.SegmentID,
		CrossfadeStartMs:    p.CrossfadeStartMs,
		CrossfadeDurationMs: p.CrossfadeDurationMs,
		SampleRate:          p.SampleRate,
		Encoding:            "pcm_s16le",
		Frames:              1,
	})
	if err != nil {
		return fmt.Errorf("ws sink: marshal patch header: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, header); err != nil {
		return fmt.Errorf("ws sink: write patch header: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, audio.Float32ToInt16Bytes(p.Samples)); err != nil {
		return fmt.Errorf("ws sink: write patch audio: %w", err)
	}
	return nil
}

// Telemetry returns the channel carrying client-reported buffer health.
func (s *Sink) Telemetry() <-chan audio.BufferTelemetry {
	return s.telemetry
}

// Close stops the read loop, closes the telemetry channel, and closes the
// websocket connection. Idempotent.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.readStop()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// readLoop consumes telemetry frames from the client until the connection or
// the sink is closed. Non-telemetry and malformed frames are ignored.
func (s *Sink) readLoop() {
	defer close(s.telemetry)
	for {
		typ, data, err := s.conn.Read(s.readCtx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg telemetryMsg
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "telemetry" {
			continue
		}
		t := audio.BufferTelemetry{
			BufferedMs:    msg.BufferedMs,
			UnderrunCount: msg.UnderrunCount,
			TimestampMs:   time.Since(s.start).Milliseconds(),
		}
		select {
		case s.telemetry <- t:
		default:
			// Controller fell behind; drop the oldest report.
			select {
			case <-s.telemetry:
			default:
			}
			select {
			case s.telemetry <- t:
			default:
			}
		}
	}
}

// encodeOpus splits samples into 20 ms frames and encodes each as one Opus
// packet. The final frame is zero-padded to the full frame size.
func (s *Sink) encodeOpus(samples []float32, rate int) ([][]byte, error) {
	s.encMu.Lock()
	defer s.encMu.Unlock()

	if s.enc == nil {
		enc, err := gopus.NewEncoder(rate, 1, gopus.Audio)
		if err != nil {
			return nil, fmt.Errorf("create encoder: %w", err)
		}
		s.enc = enc
	}

	frameSize := rate * opusFrameMs / 1000
	pcm := audio.Float32ToInt16(samples)

	var packets [][]byte
	for off := 0; off < len(pcm); off += frameSize {
		end := off + frameSize
		frame := pcm[off:min(end, len(pcm))]
		if len(frame) < frameSize {
			padded := make([]int16, frameSize)
			copy(padded, frame)
			frame = padded
		}
		pkt, err := s.enc.Encode(frame, frameSize, frameSize*2)
		if err != nil {
			return nil, fmt.Errorf("encode frame: %w", err)
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}
