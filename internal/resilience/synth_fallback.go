package resilience

import (
	"context"

	"github.com/MrWong99/streamvox/pkg/synth"
)

// EngineFallback implements [synth.Engine] with automatic failover across
// multiple synthesis backends. Each backend has its own circuit breaker, so
// one rate-limited or unreachable service does not take the session down
// while an alternative can still speak.
//
// Failover happens per chunk: a chunk that fails on the primary may be voiced
// by a fallback, at the cost of a possible voice change mid-stream. That is
// the intended trade — degraded audio beats silence.
type EngineFallback struct {
	group *FallbackGroup[synth.Engine]
}

// Compile-time interface assertion.
var _ synth.Engine = (*EngineFallback)(nil)

// NewEngineFallback creates an [EngineFallback] with primary as the
// preferred backend.
func NewEngineFallback(primary synth.Engine, primaryName string, cfg FallbackConfig) *EngineFallback {
	return &EngineFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesis engine as a fallback.
func (f *EngineFallback) AddFallback(name string, engine synth.Engine) {
	f.group.AddFallback(name, engine)
}

// Healthy reports whether at least one backend can currently voice chunks.
// Readiness checks use it to pull the service out of rotation when every
// breaker is open.
func (f *EngineFallback) Healthy() error {
	return f.group.Healthy()
}

// Snapshots returns the breaker view of every backend, primary first.
func (f *EngineFallback) Snapshots() []Snapshot {
	return f.group.Snapshots()
}

// Synthesize voices one chunk using the first healthy backend.
func (f *EngineFallback) Synthesize(ctx context.Context, req synth.Request) (*synth.Result, error) {
	return ExecuteWithResult(f.group, func(e synth.Engine) (*synth.Result, error) {
		return e.Synthesize(ctx, req)
	})
}
