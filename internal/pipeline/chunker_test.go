package pipeline

import (
	"strings"
	"testing"

	"github.com/MrWong99/streamvox/internal/clock"
	"github.com/MrWong99/streamvox/pkg/source"
)

func newTestChunker(t *testing.T, cfg ChunkingConfig, opts ...ChunkerOption) (*Chunker, *clock.Fake) {
	t.Helper()
	clk := &clock.Fake{}
	c, err := NewChunker(cfg, clk, opts...)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	return c, clk
}

// feedPieces appends text in pieces of the given byte length under one
// sentence ID and returns all flushed chunks plus the end-of-stream flush.
func feedPieces(c *Chunker, text string, pieceLen int) []TextChunk {
	var chunks []TextChunk
	for i := 0; i < len(text); i += pieceLen {
		end := i + pieceLen
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, c.Append(source.Fragment{SentenceID: "s0", Text: text[i:end]})...)
	}
	return append(chunks, c.Flush()...)
}

func joinChunks(chunks []TextChunk) string {
	var b strings.Builder
	for _, ch := range chunks {
		b.WriteString(ch.Text)
	}
	return b.String()
}

func TestChunker_ConcatenationPreserved(t *testing.T) {
	texts := []string{
		"Yes.",
		"Yes. ",
		"Hello there.\n",
		"First part, second part; third part: final part.",
		"a stream with no boundaries at all flowing on and on",
		"trailing spaces after a forced flush   ",
		`He said "stop." Then he left, quietly.`,
	}
	for _, text := range texts {
		for _, pieceLen := range []int{1, 4, 9, len(text)} {
			c, _ := newTestChunker(t, ChunkingConfig{})
			got := joinChunks(feedPieces(c, text, pieceLen))
			if got != text {
				t.Errorf("text %q pieceLen %d: concatenation = %q", text, pieceLen, got)
			}
		}
	}
}

func TestChunker_TrailingWhitespaceSurvivesFlush(t *testing.T) {
	c, _ := newTestChunker(t, ChunkingConfig{})

	chunks := c.Append(source.Fragment{SentenceID: "s0", Text: "Yes. "})
	if len(chunks) != 1 || chunks[0].Text != "Yes." {
		t.Fatalf("chunks after append = %+v", chunks)
	}

	rest := c.Flush()
	if len(rest) != 1 {
		t.Fatalf("expected whitespace residue chunk, got %d chunks", len(rest))
	}
	if rest[0].Text != " " {
		t.Errorf("residue text = %q, want %q", rest[0].Text, " ")
	}
	if rest[0].TokenCount != 0 {
		t.Errorf("residue tokens = %d, want 0", rest[0].TokenCount)
	}
	if rest[0].Punctuation != PunctNone {
		t.Errorf("residue punctuation = %s, want none", rest[0].Punctuation)
	}
}

func TestChunker_HardPunctuationFlushesImmediately(t *testing.T) {
	c, _ := newTestChunker(t, ChunkingConfig{})

	chunks := c.Append(source.Fragment{SentenceID: "s0", Text: "Yes."})
	if len(chunks) != 1 {
		t.Fatalf("expected exactly one chunk, got %d", len(chunks))
	}
	if chunks[0].Text != "Yes." {
		t.Errorf("chunk text = %q, want %q", chunks[0].Text, "Yes.")
	}
	if chunks[0].Punctuation != PunctHard {
		t.Errorf("punctuation = %s, want hard", chunks[0].Punctuation)
	}
	if rest := c.Flush(); len(rest) != 0 {
		t.Errorf("expected empty buffer after hard flush, got %d chunks", len(rest))
	}
}

func TestChunker_SoftBoundariesYieldMultipleChunks(t *testing.T) {
	text := "First part, second part; third part: final part."
	cfg := ChunkingConfig{ChunkTokenBudget: 16, LookaheadTokens: 4}

	for _, pieceLen := range []int{3, len(text)} {
		c, _ := newTestChunker(t, cfg)
		chunks := feedPieces(c, text, pieceLen)
		if len(chunks) < 3 {
			t.Errorf("pieceLen %d: got %d chunks, want at least 3", pieceLen, len(chunks))
		}
		if joinChunks(chunks) != text {
			t.Errorf("pieceLen %d: concatenation mismatch", pieceLen)
		}
		var soft int
		for _, ch := range chunks {
			if ch.Punctuation == PunctSoft {
				soft++
			}
		}
		if soft == 0 {
			t.Errorf("pieceLen %d: expected soft-boundary chunks", pieceLen)
		}
	}
}

func TestChunker_TokenCapBoundsEveryChunk(t *testing.T) {
	cfg := ChunkingConfig{ChunkTokenBudget: 8, LookaheadTokens: 2}
	c, _ := newTestChunker(t, cfg)

	var chunks []TextChunk
	for i := 0; i < 25; i++ {
		chunks = append(chunks, c.Append(source.Fragment{SentenceID: "s0", Text: "word "})...)
	}
	chunks = append(chunks, c.Flush()...)

	if len(chunks) < 2 {
		t.Fatalf("expected forced flushes on punctuation-free text, got %d chunks", len(chunks))
	}
	for _, ch := range chunks {
		if ch.TokenCount > cfg.ChunkTokenBudget+cfg.LookaheadTokens {
			t.Errorf("chunk %s: tokens = %d, exceeds cap %d",
				ch.ID, ch.TokenCount, cfg.ChunkTokenBudget+cfg.LookaheadTokens)
		}
	}
}

func TestChunker_LiveBudgetShrinksChunks(t *testing.T) {
	budget := 16
	cfg := ChunkingConfig{ChunkTokenBudget: 16, LookaheadTokens: 2}
	c, _ := newTestChunker(t, cfg, WithBudgetFunc(func() int { return budget }))

	budget = 4
	var chunks []TextChunk
	for i := 0; i < 10; i++ {
		chunks = append(chunks, c.Append(source.Fragment{SentenceID: "s0", Text: "word "})...)
	}
	if len(chunks) == 0 {
		t.Fatal("expected a forced flush at the shrunken budget")
	}
	if got := chunks[0].TokenCount; got != 6 {
		t.Errorf("first chunk tokens = %d, want budget+lookahead = 6", got)
	}
}

func TestChunker_TimeoutFlush(t *testing.T) {
	cfg := ChunkingConfig{ForceFlushTimeoutMs: 100}
	c, clk := newTestChunker(t, cfg)

	if chunks := c.Append(source.Fragment{SentenceID: "s0", Text: "slow text"}); len(chunks) != 0 {
		t.Fatalf("unexpected early flush: %v", chunks)
	}
	clk.Advance(99)
	if chunks := c.Tick(); len(chunks) != 0 {
		t.Fatalf("flush before timeout: %v", chunks)
	}
	clk.Advance(2)
	chunks := c.Tick()
	if len(chunks) != 1 {
		t.Fatalf("expected timeout flush, got %d chunks", len(chunks))
	}
	if chunks[0].Text != "slow text" || chunks[0].Punctuation != PunctNone {
		t.Errorf("chunk = %+v", chunks[0])
	}
}

func TestChunker_SentenceMode(t *testing.T) {
	cfg := ChunkingConfig{ChunkTokenBudget: 16, LookaheadTokens: 4, ForceFlushTimeoutMs: 100}
	c, clk := newTestChunker(t, cfg)
	c.SetSentenceMode(true)

	chunks := c.Append(source.Fragment{SentenceID: "s0", Text: "one, two; three: four"})
	if len(chunks) != 0 {
		t.Fatalf("soft boundaries must not flush in sentence mode, got %d chunks", len(chunks))
	}

	clk.Advance(500)
	if chunks := c.Tick(); len(chunks) != 0 {
		t.Fatalf("timeout must not flush in sentence mode, got %d chunks", len(chunks))
	}

	chunks = c.Append(source.Fragment{SentenceID: "s0", Text: " and five."})
	if len(chunks) != 1 {
		t.Fatalf("expected one chunk on hard punctuation, got %d", len(chunks))
	}
	if chunks[0].Text != "one, two; three: four and five." {
		t.Errorf("chunk text = %q", chunks[0].Text)
	}
}

func TestChunker_SentenceChangeFlushes(t *testing.T) {
	c, _ := newTestChunker(t, ChunkingConfig{})

	c.Append(source.Fragment{SentenceID: "s0", Text: "unfinished thought"})
	chunks := c.Append(source.Fragment{SentenceID: "s1", Text: "Next sentence."})

	if len(chunks) != 2 {
		t.Fatalf("expected leftover flush plus hard flush, got %d chunks", len(chunks))
	}
	if chunks[0].SentenceID != "s0" || chunks[0].Text != "unfinished thought" {
		t.Errorf("leftover chunk = %+v", chunks[0])
	}
	if chunks[1].SentenceID != "s1" {
		t.Errorf("second chunk sentence = %q, want s1", chunks[1].SentenceID)
	}
}

func TestChunker_SequencesAreMonotonic(t *testing.T) {
	c, _ := newTestChunker(t, ChunkingConfig{})
	chunks := feedPieces(c, "One. Two. Three. Four.", 5)

	for i, ch := range chunks {
		if ch.Sequence != uint64(i) {
			t.Errorf("chunk %d has sequence %d", i, ch.Sequence)
		}
	}
}

func TestChunker_UpdateConfigRejectsInvalid(t *testing.T) {
	c, _ := newTestChunker(t, ChunkingConfig{})

	if err := c.UpdateConfig(ChunkingConfig{ChunkTokenBudget: -1}); err == nil {
		t.Fatal("expected error for negative budget")
	}

	// Previous configuration stays in effect.
	chunks := c.Append(source.Fragment{SentenceID: "s0", Text: "Still works."})
	if len(chunks) != 1 {
		t.Fatalf("chunker broken after rejected update, got %d chunks", len(chunks))
	}
}

func TestChunkingConfig_Validate(t *testing.T) {
	bad := ChunkingConfig{
		LookaheadTokens:     -1,
		ChunkTokenBudget:    -2,
		TimeBudgetMs:        -3,
		ForceFlushTimeoutMs: -4,
	}
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"lookahead_tokens", "chunk_token_budget", "time_budget_ms", "force_flush_timeout_ms"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestChunker_Reset(t *testing.T) {
	c, _ := newTestChunker(t, ChunkingConfig{})
	c.Append(source.Fragment{SentenceID: "s0", Text: "Something. pending"})
	c.Reset()

	if chunks := c.Flush(); len(chunks) != 0 {
		t.Fatalf("expected no chunks after reset, got %d", len(chunks))
	}
	chunks := c.Append(source.Fragment{SentenceID: "s1", Text: "Fresh."})
	if len(chunks) != 1 || chunks[0].Sequence != 0 {
		t.Fatalf("sequence should restart at 0 after reset, got %+v", chunks)
	}
}
