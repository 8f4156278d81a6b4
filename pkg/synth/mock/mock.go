// Package mock provides a test double for the synth.Engine interface.
//
// Use Engine to feed controlled audio to the dispatcher and to verify which
// text chunks reach the backend:
//
//	e := &mock.Engine{SampleRate: 16000, SamplesPerCall: 1600}
//	res, _ := e.Synthesize(ctx, synth.Request{Text: "hello"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/streamvox/pkg/synth"
)

// Call records a single invocation of Synthesize.
type Call struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the request passed to Synthesize.
	Req synth.Request
}

// Engine is a mock implementation of synth.Engine.
type Engine struct {
	mu sync.Mutex

	// --- Configurable behaviour ---

	// SampleRate of the returned audio. Defaults to 16000 when zero.
	SampleRate int

	// SamplesPerCall is the number of samples returned per call when
	// SynthesizeFunc is nil. Defaults to 160 when zero.
	SamplesPerCall int

	// Err, if non-nil, is returned by every Synthesize call. Errs (below)
	// takes precedence when non-empty.
	Err error

	// Errs is a queue of per-call errors consumed front to back; a nil entry
	// means that call succeeds. Once drained, Err applies.
	Errs []error

	// Delay, when positive, is slept (context-aware) before each call
	// completes. Used to exercise out-of-order completion handling.
	Delay time.Duration

	// SynthesizeFunc, if non-nil, fully overrides the response for each call.
	SynthesizeFunc func(ctx context.Context, req synth.Request) (*synth.Result, error)

	// --- Call records ---

	// Calls records every Synthesize invocation in order.
	Calls []Call
}

// Compile-time interface assertion.
var _ synth.Engine = (*Engine)(nil)

// Synthesize records the call and returns the configured audio or error.
func (e *Engine) Synthesize(ctx context.Context, req synth.Request) (*synth.Result, error) {
	e.mu.Lock()
	e.Calls = append(e.Calls, Call{Ctx: ctx, Req: req})
	var err error
	if len(e.Errs) > 0 {
		err = e.Errs[0]
		e.Errs = e.Errs[1:]
	} else {
		err = e.Err
	}
	fn := e.SynthesizeFunc
	rate := e.SampleRate
	if rate == 0 {
		rate = 16000
	}
	n := e.SamplesPerCall
	if n == 0 {
		n = 160
	}
	delay := e.Delay
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return &synth.Result{Samples: make([]float32, n), SampleRate: rate}, nil
}

// CallTexts returns the Text of every recorded request, in order.
func (e *Engine) CallTexts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	texts := make([]string, len(e.Calls))
	for i, c := range e.Calls {
		texts[i] = c.Req.Text
	}
	return texts
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = nil
}
