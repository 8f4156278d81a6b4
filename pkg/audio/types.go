// Package audio provides the audio data types and PCM conversion helpers
// shared between the synthesis pipeline, playback sinks, and engine adapters.
//
// All audio inside the pipeline is mono float32 PCM in the range [-1, 1].
// Sinks and engine adapters convert to and from little-endian int16 PCM at
// the process boundary.
package audio

// Segment is a contiguous span of synthesized speech produced for exactly one
// text chunk. Segments are registered with the prosody smoother after
// synthesis and emitted to the playback sink in strict sequence order.
type Segment struct {
	// ID uniquely identifies this segment within its session.
	ID string

	// ChunkID is the ID of the text chunk this segment was synthesized from.
	// Every segment maps to exactly one chunk.
	ChunkID string

	// SentenceID groups segments belonging to the same sentence. Prosody
	// correction budgets are enforced per sentence.
	SentenceID string

	// Sequence is the chunk sequence number. Sinks receive segments in
	// strictly increasing sequence order.
	Sequence uint64

	// Samples is mono float32 PCM in [-1, 1].
	Samples []float32

	// SampleRate in Hz (e.g., 24000 for OpenAI speech, 16000 for ElevenLabs PCM).
	SampleRate int

	// StartTimeMs is the pipeline-monotonic time at which the segment was
	// registered, in milliseconds. Used for the correction retime window.
	StartTimeMs int64

	// DurationMs is the playback duration of Samples at SampleRate.
	DurationMs int64

	// Filler marks an error-marker segment emitted in place of audio that
	// could not be synthesized. Fillers preserve sequence ordering; sinks may
	// render them as silence.
	Filler bool
}

// Patch is an out-of-band correction delivered to the playback sink after its
// target segment has already been emitted. It replaces the tail of the
// segment's samples starting at CrossfadeStartMs.
//
// Splice contract: Samples covers the region [CrossfadeStartMs, end] of the
// corrected segment — the prefix before CrossfadeStartMs is bit-identical to
// the original and is never resent. A sink applies the patch only if that
// region has not yet been played; otherwise it drops the patch and logs.
type Patch struct {
	// SegmentID identifies the already-emitted segment being corrected.
	SegmentID string

	// CrossfadeStartMs is the offset within the segment, in milliseconds,
	// at which Samples replace the original audio.
	CrossfadeStartMs int64

	// CrossfadeDurationMs is the length of the blended crossfade window.
	CrossfadeDurationMs int64

	// Samples is the replacement tail: crossfade window plus any corrected
	// remainder beyond the original segment's length.
	Samples []float32

	// SampleRate matches the original segment's sample rate.
	SampleRate int
}

// BufferTelemetry is a point-in-time report of playback buffer health
// produced by the sink, expected roughly every 100–250 ms. It is consumed
// exactly once by the backpressure controller.
type BufferTelemetry struct {
	// BufferedMs is the amount of audio queued ahead of the play head.
	BufferedMs int64

	// UnderrunCount is the cumulative number of buffer underruns since the
	// sink was opened.
	UnderrunCount int

	// TimestampMs is the pipeline-monotonic time of the observation.
	TimestampMs int64
}

// DurationMs returns the playback duration in milliseconds of n mono samples
// at the given rate. Returns 0 for a non-positive rate.
func DurationMs(n int, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return int64(n) * 1000 / int64(sampleRate)
}

// SamplesForMs returns the number of mono samples covering ms milliseconds at
// the given rate.
func SamplesForMs(ms int64, sampleRate int) int {
	return int(ms * int64(sampleRate) / 1000)
}
