// Package openai provides a synthesis engine backed by the OpenAI speech API.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/streamvox/pkg/audio"
	"github.com/MrWong99/streamvox/pkg/synth"
)

// DefaultModel is the default OpenAI speech model.
const DefaultModel = "gpt-4o-mini-tts"

// DefaultVoice is used when a request does not name a voice.
const DefaultVoice = "alloy"

// pcmSampleRate is the fixed rate of the OpenAI "pcm" response format:
// 24 kHz, 16-bit, mono, little-endian.
const pcmSampleRate = 24000

// Ensure Engine implements the synth.Engine interface.
var _ synth.Engine = (*Engine)(nil)

// Engine implements synth.Engine using the OpenAI audio/speech endpoint.
type Engine struct {
	client oai.Client
	model  string
	voice  string
}

// config holds optional configuration for the engine.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Engine.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs an OpenAI speech Engine. If model is empty, DefaultModel is
// used; if voice is empty, DefaultVoice is used.
func New(apiKey, model, voice string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai speech: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	if voice == "" {
		voice = DefaultVoice
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Engine{
		client: oai.NewClient(reqOpts...),
		model:  model,
		voice:  voice,
	}, nil
}

// Synthesize requests PCM audio for req.Text and returns it as float32
// samples at 24 kHz (the fixed rate of the OpenAI pcm response format;
// req.SampleRate is advisory and not honoured by this backend).
func (e *Engine) Synthesize(ctx context.Context, req synth.Request) (*synth.Result, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("openai speech: text must not be empty")
	}
	voice := req.VoiceID
	if voice == "" {
		voice = e.voice
	}

	resp, err := e.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(e.model),
		Input:          req.Text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: synthesize: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai speech: read audio body: %w", err)
	}
	if len(pcm) < 2 {
		return nil, fmt.Errorf("openai speech: empty audio response")
	}

	return &synth.Result{
		Samples:    audio.Int16BytesToFloat32(pcm),
		SampleRate: pcmSampleRate,
	}, nil
}
