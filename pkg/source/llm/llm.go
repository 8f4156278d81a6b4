// Package llm provides a source.Source backed by a streaming LLM completion
// via github.com/mozilla-ai/any-llm-go, covering OpenAI, Anthropic, Gemini,
// Ollama, DeepSeek, Mistral, Groq, and local llama.cpp/llamafile servers.
//
// Tokens are forwarded as fragments the moment they arrive. Sentence IDs are
// assigned by scanning the token stream for sentence-ending punctuation, so
// a fragment that spans a sentence boundary is split into two fragments with
// distinct IDs.
package llm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/streamvox/pkg/source"
)

// fragmentBuf is the buffer depth of the fragment channel. Sized to absorb a
// burst of tokens without blocking the backend reader.
const fragmentBuf = 64

// Source streams one completion per Fragments call.
type Source struct {
	backend      anyllmlib.Provider
	model        string
	systemPrompt string
	prompt       string
}

// Compile-time interface assertion.
var _ source.Source = (*Source)(nil)

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithSystemPrompt sets the system prompt sent ahead of the user prompt.
func WithSystemPrompt(s string) Option {
	return func(src *Source) { src.systemPrompt = s }
}

// New creates a Source that streams the completion of prompt from the named
// provider. providerName is one of: "openai", "anthropic", "gemini",
// "ollama", "mistral", "groq", "llamacpp".
//
// backendOpts are any-llm-go options (e.g., anyllmlib.WithAPIKey); without an
// API key option the provider falls back to its environment variable.
func New(providerName, model, prompt string, backendOpts []anyllmlib.Option, opts ...Option) (*Source, error) {
	if model == "" {
		return nil, fmt.Errorf("llm source: model must not be empty")
	}
	if prompt == "" {
		return nil, fmt.Errorf("llm source: prompt must not be empty")
	}
	backend, err := createBackend(providerName, backendOpts...)
	if err != nil {
		return nil, fmt.Errorf("llm source: create %q backend: %w", providerName, err)
	}
	s := &Source{backend: backend, model: model, prompt: prompt}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// createBackend creates the underlying any-llm-go provider.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", providerName)
	}
}

// Fragments starts the completion stream and returns the fragment channel.
func (s *Source) Fragments(ctx context.Context) (<-chan source.Fragment, error) {
	var messages []anyllmlib.Message
	if s.systemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: s.systemPrompt,
		})
	}
	messages = append(messages, anyllmlib.Message{
		Role:    anyllmlib.RoleUser,
		Content: s.prompt,
	})

	chunks, errs := s.backend.CompletionStream(ctx, anyllmlib.CompletionParams{
		Model:    s.model,
		Messages: messages,
	})

	out := make(chan source.Fragment, fragmentBuf)
	go func() {
		defer close(out)
		seg := newSentenceSegmenter()

		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			for _, f := range seg.split(text) {
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
		// Drain the error channel; a failed stream simply ends the session's
		// text early — the pipeline flushes what it has.
		<-errs
	}()
	return out, nil
}

// sentenceSegmenter assigns sentence IDs across token boundaries.
type sentenceSegmenter struct {
	n      int
	ended  bool // previous emitted rune was sentence-ending punctuation
	opened bool // non-punctuation text has been seen in the current sentence
}

func newSentenceSegmenter() *sentenceSegmenter {
	return &sentenceSegmenter{}
}

// split cuts text at sentence boundaries and tags each piece. A boundary is
// placed after a run of `.!?` once new non-space text follows it, so trailing
// quotes and whitespace stay attached to the finished sentence.
func (g *sentenceSegmenter) split(text string) []source.Fragment {
	var frags []source.Fragment
	start := 0

	for i, r := range text {
		switch {
		case r == '.' || r == '!' || r == '?':
			if g.opened {
				g.ended = true
			}
		case r == ' ' || r == '\n' || r == '\t' || r == '"' || r == '\'' || r == ')':
			// Trailing punctuation stays with the finished sentence.
		default:
			if g.ended {
				if i > start {
					frags = append(frags, source.Fragment{SentenceID: g.id(), Text: text[start:i]})
				}
				start = i
				g.n++
				g.ended = false
				g.opened = false
			}
			g.opened = true
		}
	}
	if start < len(text) {
		frags = append(frags, source.Fragment{SentenceID: g.id(), Text: text[start:]})
	}
	return frags
}

func (g *sentenceSegmenter) id() string {
	return fmt.Sprintf("sent-%d", g.n)
}
