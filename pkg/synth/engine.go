// Package synth defines the Engine interface for speech synthesis backends.
//
// An Engine wraps a synthesis service (e.g., the OpenAI speech API, an
// ElevenLabs voice, or a local model server) behind a per-chunk
// request/response call: text in, mono float32 PCM out. The dispatcher keeps
// several chunks in flight concurrently, so implementations must be safe for
// concurrent use.
package synth

import "context"

// Request describes one chunk of text to synthesize.
type Request struct {
	// Text is the chunk text. Must be non-empty.
	Text string

	// VoiceID selects the backend-specific voice. Empty means the engine's
	// default voice.
	VoiceID string

	// SampleRate is the requested output rate in Hz. Engines that cannot
	// honour it return audio at their native rate; the Result reports the
	// actual rate.
	SampleRate int
}

// Result is the synthesized audio for one Request.
type Result struct {
	// Samples is mono float32 PCM in [-1, 1].
	Samples []float32

	// SampleRate is the actual rate of Samples in Hz.
	SampleRate int
}

// Engine is the abstraction over any speech synthesis backend.
//
// Synthesize blocks until the full audio for req.Text is available or ctx is
// cancelled. Implementations must be safe for concurrent use; the dispatcher
// issues overlapping calls for consecutive chunks.
type Engine interface {
	Synthesize(ctx context.Context, req Request) (*Result, error)
}
