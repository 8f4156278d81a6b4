package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/MrWong99/streamvox/internal/clock"
	"github.com/MrWong99/streamvox/pkg/source"
)

// Defaults for ChunkingConfig fields left at zero.
const (
	DefaultLookaheadTokens     = 4
	DefaultChunkTokenBudget    = 16
	DefaultSoftMinTokens       = 2
	DefaultHardMinTokens       = 1
	DefaultTimeBudgetMs        = 2000
	DefaultForceFlushTimeoutMs = 1500
)

// ChunkingConfig controls how the chunker cuts the text stream. It is
// hot-reloadable; updates apply to future decisions only.
type ChunkingConfig struct {
	// LookaheadTokens is the slack past the budget before a forced cut.
	LookaheadTokens int `yaml:"lookahead_tokens"`

	// ChunkTokenBudget is the neutral token budget. The live budget comes
	// from the backpressure controller and moves around this value.
	ChunkTokenBudget int `yaml:"chunk_token_budget"`

	// SoftMinTokens is the minimum token count for a flush at a clause
	// boundary. Clauses shorter than this ride along to the next boundary.
	SoftMinTokens int `yaml:"soft_min_tokens"`

	// HardMinTokens is the minimum token count for a flush at a sentence
	// boundary.
	HardMinTokens int `yaml:"hard_min_tokens"`

	// TimeBudgetMs bounds how long a single chunk's synthesis may take.
	// Enforced by the dispatcher, not the chunker.
	TimeBudgetMs int64 `yaml:"time_budget_ms"`

	// ForceFlushTimeoutMs bounds how long pending text may sit unflushed
	// before it is forced out regardless of punctuation and budget.
	ForceFlushTimeoutMs int64 `yaml:"force_flush_timeout_ms"`
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (c ChunkingConfig) WithDefaults() ChunkingConfig {
	if c.LookaheadTokens == 0 {
		c.LookaheadTokens = DefaultLookaheadTokens
	}
	if c.ChunkTokenBudget == 0 {
		c.ChunkTokenBudget = DefaultChunkTokenBudget
	}
	if c.SoftMinTokens == 0 {
		c.SoftMinTokens = DefaultSoftMinTokens
	}
	if c.HardMinTokens == 0 {
		c.HardMinTokens = DefaultHardMinTokens
	}
	if c.TimeBudgetMs == 0 {
		c.TimeBudgetMs = DefaultTimeBudgetMs
	}
	if c.ForceFlushTimeoutMs == 0 {
		c.ForceFlushTimeoutMs = DefaultForceFlushTimeoutMs
	}
	return c
}

// Validate checks the configuration for invalid values. All findings are
// joined into one error.
func (c ChunkingConfig) Validate() error {
	var errs []error
	if c.LookaheadTokens < 0 {
		errs = append(errs, fmt.Errorf("lookahead_tokens must not be negative, got %d", c.LookaheadTokens))
	}
	if c.ChunkTokenBudget < 0 {
		errs = append(errs, fmt.Errorf("chunk_token_budget must not be negative, got %d", c.ChunkTokenBudget))
	}
	if c.SoftMinTokens < 0 {
		errs = append(errs, fmt.Errorf("soft_min_tokens must not be negative, got %d", c.SoftMinTokens))
	}
	if c.HardMinTokens < 0 {
		errs = append(errs, fmt.Errorf("hard_min_tokens must not be negative, got %d", c.HardMinTokens))
	}
	if c.TimeBudgetMs < 0 {
		errs = append(errs, fmt.Errorf("time_budget_ms must not be negative, got %d", c.TimeBudgetMs))
	}
	if c.ForceFlushTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("force_flush_timeout_ms must not be negative, got %d", c.ForceFlushTimeoutMs))
	}
	return errors.Join(errs...)
}

// BudgetFunc supplies the live token budget, typically from a
// [BackpressureController]. A nil BudgetFunc means the configured
// ChunkTokenBudget is used unchanged.
type BudgetFunc func() int

// Chunker converts an append-only stream of text fragments into an ordered
// sequence of TextChunks. All methods except UpdateConfig and
// SetSentenceMode must be called from a single goroutine.
//
// Cut points are found earliest-first in text order, so the emitted chunks
// do not depend on how the input happens to be split into fragments.
type Chunker struct {
	cfg          atomic.Pointer[ChunkingConfig]
	sentenceMode atomic.Bool

	budget BudgetFunc
	clk    clock.Clock

	buf            string
	sentenceID     string
	pendingSinceMs int64
	seq            uint64
}

// ChunkerOption configures a Chunker during construction.
type ChunkerOption func(*Chunker)

// WithBudgetFunc wires the live token budget supplier.
func WithBudgetFunc(f BudgetFunc) ChunkerOption {
	return func(c *Chunker) { c.budget = f }
}

// NewChunker creates a Chunker with the given configuration.
func NewChunker(cfg ChunkingConfig, clk clock.Clock, opts ...ChunkerOption) (*Chunker, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("chunking config: %w", err)
	}
	c := &Chunker{clk: clk}
	c.cfg.Store(&cfg)
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// UpdateConfig swaps the configuration. Invalid configurations are rejected
// and the previous configuration stays in effect.
func (c *Chunker) UpdateConfig(cfg ChunkingConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("chunking config: %w", err)
	}
	c.cfg.Store(&cfg)
	return nil
}

// SetSentenceMode toggles the rollback mode that flushes on hard punctuation
// only. Soft-boundary and timeout cuts are disabled; the token cap stays in
// force so a runaway sentence cannot buffer unboundedly.
func (c *Chunker) SetSentenceMode(on bool) {
	c.sentenceMode.Store(on)
}

// SentenceMode reports whether sentence mode is active.
func (c *Chunker) SentenceMode() bool {
	return c.sentenceMode.Load()
}

// Append adds a fragment to the pending buffer and returns any chunks it
// caused to flush, in order.
func (c *Chunker) Append(f source.Fragment) []TextChunk {
	cfg := c.cfg.Load()
	var out []TextChunk

	// A sentence change flushes whatever the previous sentence left behind;
	// a chunk never spans two sentences. Bare whitespace is not worth a
	// chunk and rides along as the next chunk's prefix.
	if strings.TrimSpace(c.buf) != "" && f.SentenceID != c.sentenceID {
		out = append(out, c.emit(cfg, c.buf, classifyTrailing(c.buf)))
		c.buf = ""
	}
	c.sentenceID = f.SentenceID

	if c.buf == "" && f.Text != "" {
		c.pendingSinceMs = c.clk.NowMs()
	}
	c.buf += f.Text

	out = append(out, c.drain(cfg)...)
	out = append(out, c.timeoutFlush(cfg)...)
	return out
}

// Tick applies the force-flush timeout. The dispatcher calls it periodically
// so slow-arriving text without punctuation still bounds latency.
func (c *Chunker) Tick() []TextChunk {
	return c.timeoutFlush(c.cfg.Load())
}

// Flush force-flushes residual text at end of stream. Whitespace-only
// residue is emitted as a zero-token chunk so the concatenated chunk texts
// reproduce the input byte for byte; the dispatcher voices such chunks as
// empty segments without calling the engine.
func (c *Chunker) Flush() []TextChunk {
	cfg := c.cfg.Load()
	out := c.drain(cfg)
	if c.buf != "" {
		out = append(out, c.emit(cfg, c.buf, classifyTrailing(c.buf)))
		c.buf = ""
	}
	return out
}

// Reset clears all session state, including the sequence counter.
func (c *Chunker) Reset() {
	c.buf = ""
	c.sentenceID = ""
	c.pendingSinceMs = 0
	c.seq = 0
}

// drain repeatedly cuts the buffer until no trigger fires.
func (c *Chunker) drain(cfg *ChunkingConfig) []TextChunk {
	var out []TextChunk
	for {
		end, class, ok := c.cut(cfg)
		if !ok {
			return out
		}
		out = append(out, c.emit(cfg, c.buf[:end], class))
		c.buf = c.buf[end:]
	}
}

// timeoutFlush force-flushes pending text that has waited too long.
func (c *Chunker) timeoutFlush(cfg *ChunkingConfig) []TextChunk {
	if c.sentenceMode.Load() {
		return nil
	}
	if strings.TrimSpace(c.buf) == "" {
		return nil
	}
	if c.clk.NowMs()-c.pendingSinceMs < cfg.ForceFlushTimeoutMs {
		return nil
	}
	ch := c.emit(cfg, c.buf, PunctNone)
	c.buf = ""
	return []TextChunk{ch}
}

// cut finds the next cut point, if any. Punctuation boundaries are taken
// earliest-first; the token cap applies when no boundary qualifies within it.
func (c *Chunker) cut(cfg *ChunkingConfig) (end int, class PunctuationClass, ok bool) {
	capTokens := c.liveBudget(cfg) + cfg.LookaheadTokens

	if end, class, ok := c.earliestBoundary(cfg); ok && countTokens(c.buf[:end]) <= capTokens {
		return end, class, true
	}
	// Cap cut waits for the cap-th token to complete so a word that is
	// still streaming in is never split.
	if countTokens(c.buf) >= capTokens {
		if end := tokenPrefixEnd(c.buf, capTokens); end < len(c.buf) {
			return end, PunctNone, true
		}
	}
	return 0, PunctNone, false
}

// earliestBoundary scans for the first punctuation boundary whose prefix
// meets its token floor. A mark only counts as a boundary when followed by
// whitespace, a closing character, or the end of the buffer, so "3:30" and
// "1,000" are not cut.
func (c *Chunker) earliestBoundary(cfg *ChunkingConfig) (end int, class PunctuationClass, ok bool) {
	sentence := c.sentenceMode.Load()
	for i, r := range c.buf {
		cl := classifyRune(r)
		if cl == PunctNone || (sentence && cl != PunctHard) {
			continue
		}
		next := i + len(string(r))
		if next < len(c.buf) && !boundaryFollower(c.buf[next]) {
			continue
		}
		// Keep trailing closers with the finished chunk.
		for next < len(c.buf) && isCloser(c.buf[next]) {
			next++
		}
		floor := cfg.SoftMinTokens
		if cl == PunctHard {
			floor = cfg.HardMinTokens
		}
		if countTokens(c.buf[:next]) >= floor {
			return next, cl, true
		}
	}
	return 0, PunctNone, false
}

// emit builds the chunk and resets the pending timer.
func (c *Chunker) emit(_ *ChunkingConfig, text string, class PunctuationClass) TextChunk {
	ch := TextChunk{
		ID:          fmt.Sprintf("chunk-%d", c.seq),
		Text:        text,
		TokenCount:  countTokens(text),
		Punctuation: class,
		SentenceID:  c.sentenceID,
		Sequence:    c.seq,
	}
	c.seq++
	c.pendingSinceMs = c.clk.NowMs()
	return ch
}

// liveBudget reads the controller budget, clamped to at least one token.
func (c *Chunker) liveBudget(cfg *ChunkingConfig) int {
	b := cfg.ChunkTokenBudget
	if c.budget != nil {
		b = c.budget()
	}
	if b < 1 {
		b = 1
	}
	return b
}

func classifyRune(r rune) PunctuationClass {
	switch r {
	case '.', '!', '?':
		return PunctHard
	case ',', ';', ':':
		return PunctSoft
	default:
		return PunctNone
	}
}

// classifyTrailing classifies a forced flush by the last meaningful rune.
func classifyTrailing(text string) PunctuationClass {
	trimmed := strings.TrimRightFunc(text, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t' ||
			r == '"' || r == '\'' || r == ')' || r == ']'
	})
	if trimmed == "" {
		return PunctNone
	}
	rs := []rune(trimmed)
	return classifyRune(rs[len(rs)-1])
}

func boundaryFollower(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || isCloser(b)
}

func isCloser(b byte) bool {
	return b == '"' || b == '\'' || b == ')' || b == ']'
}

// countTokens counts whitespace-delimited tokens.
func countTokens(s string) int {
	return len(strings.Fields(s))
}

// tokenPrefixEnd returns the byte offset just past the n-th token of s.
// If s has fewer than n tokens the full length is returned.
func tokenPrefixEnd(s string, n int) int {
	tokens := 0
	inTok := false
	for i := 0; i < len(s); i++ {
		white := s[i] == ' ' || s[i] == '\n' || s[i] == '\t'
		if !white && !inTok {
			inTok = true
		} else if white && inTok {
			inTok = false
			tokens++
			if tokens == n {
				return i
			}
		}
	}
	return len(s)
}
