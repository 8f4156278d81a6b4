// Package pipeline implements the micro-streaming synthesis pipeline: a
// budget-aware text chunker, a backpressure controller that adapts the chunk
// budget to playback buffer health, and the dispatcher that ties them to the
// synthesis engine, prosody smoother, and playback sink with strict
// sequence-ordered emission.
package pipeline

// PunctuationClass describes the boundary that caused a chunk to flush.
type PunctuationClass int

const (
	// PunctNone marks a forced flush with no punctuation boundary
	// (token cap or timeout).
	PunctNone PunctuationClass = iota

	// PunctSoft marks a clause boundary (, ; :).
	PunctSoft

	// PunctHard marks a sentence boundary (. ! ?).
	PunctHard
)

// String returns the human-readable name of the class.
func (p PunctuationClass) String() string {
	switch p {
	case PunctSoft:
		return "soft"
	case PunctHard:
		return "hard"
	default:
		return "none"
	}
}

// TextChunk is one synthesis unit cut from the incoming text stream.
// Chunks are immutable once emitted by the chunker.
type TextChunk struct {
	// ID uniquely identifies the chunk within its session.
	ID string

	// Text is the chunk text, an exact substring of the input stream.
	// Concatenating chunk texts in sequence order reproduces the input.
	Text string

	// TokenCount is the whitespace-token count of Text. Never exceeds
	// chunkTokenBudget + lookaheadTokens at creation time.
	TokenCount int

	// Punctuation is the boundary class that triggered the flush.
	Punctuation PunctuationClass

	// SentenceID is the sentence this chunk belongs to.
	SentenceID string

	// Sequence is the monotonically increasing emission order, starting at 0.
	Sequence uint64
}
