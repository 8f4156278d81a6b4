// Package sink defines the playback sink interface: the consumer side of the
// pipeline that receives strictly ordered audio segments, out-of-band
// correction patches, and reports buffer telemetry back to the backpressure
// controller.
//
// Implementations must tolerate segments arriving faster than real time — the
// whole point of the pipeline is to run ahead of playback — and must emit
// telemetry roughly every 100–250 ms while open.
package sink

import (
	"context"

	"github.com/MrWong99/streamvox/pkg/audio"
)

// Sink is the abstraction over any playback destination.
//
// WriteSegment is called with strictly increasing Sequence values; the
// dispatcher guarantees ordering. WritePatch may arrive at any time after the
// segment it targets. Both must be safe for use from the dispatcher goroutine
// concurrently with telemetry consumption.
type Sink interface {
	// WriteSegment delivers one ordered audio segment for playback.
	WriteSegment(ctx context.Context, seg *audio.Segment) error

	// WritePatch delivers a correction for an already-written segment.
	// Sinks that can no longer apply the patch (the region has played)
	// drop it silently; this is not an error.
	WritePatch(ctx context.Context, p *audio.Patch) error

	// Telemetry returns the channel on which the sink publishes periodic
	// buffer health reports. The channel is closed by Close.
	Telemetry() <-chan audio.BufferTelemetry

	// Close releases the sink. Pending audio may be dropped.
	Close() error
}

// Drainer is implemented by sinks that buffer audio past the write call —
// local playback runs at real time while the pipeline writes far ahead of
// it. Callers that want everything heard call Drain before Close; sinks
// without internal buffering simply do not implement it.
type Drainer interface {
	// Drain blocks until all written audio has been played or ctx is done.
	Drain(ctx context.Context) error
}
