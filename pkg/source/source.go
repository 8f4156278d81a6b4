// Package source defines where streaming text enters the pipeline: an
// ordered, append-only sequence of text fragments tagged with sentence IDs.
//
// The canonical producer is a token-streaming LLM (see the llm subpackage);
// Static provides a deterministic source for tests and replay.
package source

import "context"

// Fragment is one append-only piece of the text stream.
type Fragment struct {
	// SentenceID groups fragments belonging to the same sentence. IDs are
	// opaque but stable: all fragments of one sentence carry the same ID.
	SentenceID string

	// Text is the fragment text, possibly a partial word. Concatenating
	// fragment texts in order reproduces the generated text exactly.
	Text string
}

// Source produces the ordered fragment stream for one session.
//
// The returned channel is closed at end of stream or when ctx is cancelled.
// A non-nil error means the stream could not be started at all.
type Source interface {
	Fragments(ctx context.Context) (<-chan Fragment, error)
}

// Static is a Source that replays a fixed fragment list. Used in tests.
type Static struct {
	// Items are emitted in order on every Fragments call.
	Items []Fragment
}

// Compile-time interface assertion.
var _ Source = (*Static)(nil)

// Fragments emits Items in order and closes the channel.
func (s *Static) Fragments(ctx context.Context) (<-chan Fragment, error) {
	ch := make(chan Fragment, len(s.Items))
	go func() {
		defer close(ch)
		for _, f := range s.Items {
			select {
			case ch <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
