// Package mock provides a test double for the sink.Sink interface.
//
// The mock records every segment and patch it receives and lets tests push
// scripted telemetry:
//
//	s := mock.New()
//	s.PushTelemetry(audio.BufferTelemetry{BufferedMs: 1800})
//	segs := s.Segments()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/streamvox/pkg/audio"
	"github.com/MrWong99/streamvox/pkg/sink"
)

// Sink is a mock implementation of sink.Sink.
type Sink struct {
	mu sync.Mutex

	// WriteSegmentErr, if non-nil, is returned by WriteSegment.
	WriteSegmentErr error

	// WritePatchErr, if non-nil, is returned by WritePatch.
	WritePatchErr error

	segments  []*audio.Segment
	patches   []*audio.Patch
	telemetry chan audio.BufferTelemetry
	closed    bool
}

// Compile-time interface assertion.
var _ sink.Sink = (*Sink)(nil)

// New creates a mock Sink with a buffered telemetry channel.
func New() *Sink {
	return &Sink{telemetry: make(chan audio.BufferTelemetry, 64)}
}

// WriteSegment records seg and returns WriteSegmentErr.
func (s *Sink) WriteSegment(_ context.Context, seg *audio.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteSegmentErr != nil {
		return s.WriteSegmentErr
	}
	s.segments = append(s.segments, seg)
	return nil
}

// WritePatch records p and returns WritePatchErr.
func (s *Sink) WritePatch(_ context.Context, p *audio.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WritePatchErr != nil {
		return s.WritePatchErr
	}
	s.patches = append(s.patches, p)
	return nil
}

// Telemetry returns the scripted telemetry channel.
func (s *Sink) Telemetry() <-chan audio.BufferTelemetry {
	return s.telemetry
}

// PushTelemetry makes t available on the Telemetry channel. No-op after Close.
func (s *Sink) PushTelemetry(t audio.BufferTelemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.telemetry <- t
}

// Close closes the telemetry channel. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.telemetry)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Segments returns a copy of all recorded segments in write order.
func (s *Sink) Segments() []*audio.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*audio.Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

// Patches returns a copy of all recorded patches in write order.
func (s *Sink) Patches() []*audio.Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*audio.Patch, len(s.patches))
	copy(out, s.patches)
	return out
}
