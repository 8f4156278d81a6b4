// Package clock provides a monotonic millisecond clock with a controllable
// fake for deterministic tests.
//
// The pipeline's eviction and retime-window checks are all expressed as
// monotonic millisecond offsets from session start, never wall-clock time,
// so they are immune to NTP adjustments and trivially testable.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock reports elapsed time in milliseconds from an arbitrary fixed origin.
type Clock interface {
	// NowMs returns the current monotonic time in milliseconds.
	NowMs() int64
}

// monotonic is the production clock; it measures elapsed time from its
// creation using the runtime's monotonic reading.
type monotonic struct {
	start time.Time
}

// NewMonotonic returns a Clock anchored at the moment of the call.
func NewMonotonic() Clock {
	return &monotonic{start: time.Now()}
}

func (c *monotonic) NowMs() int64 {
	return time.Since(c.start).Milliseconds()
}

// Fake is a manually advanced Clock for tests. The zero value starts at 0 ms.
// All methods are safe for concurrent use.
type Fake struct {
	now atomic.Int64
}

// NowMs returns the fake's current time.
func (f *Fake) NowMs() int64 {
	return f.now.Load()
}

// Advance moves the fake clock forward by d milliseconds.
func (f *Fake) Advance(d int64) {
	f.now.Add(d)
}

// Set moves the fake clock to an absolute millisecond value.
func (f *Fake) Set(ms int64) {
	f.now.Store(ms)
}
