// Package elevenlabs provides a synthesis engine backed by the ElevenLabs
// HTTP text-to-speech API, returning raw PCM suitable for the pipeline.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/MrWong99/streamvox/pkg/audio"
	"github.com/MrWong99/streamvox/pkg/synth"
)

const (
	endpointFmt  = "https://api.elevenlabs.io/v1/text-to-speech/%s?output_format=%s"
	defaultModel = "eleven_flash_v2_5"
)

// pcmRates maps the supported ElevenLabs PCM output formats to their sample
// rates. All are 16-bit mono little-endian.
var pcmRates = map[string]int{
	"pcm_16000": 16000,
	"pcm_22050": 22050,
	"pcm_24000": 24000,
	"pcm_44100": 44100,
}

// Option is a functional option for configuring the ElevenLabs Engine.
type Option func(*Engine)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(e *Engine) {
		e.model = model
	}
}

// WithHTTPClient replaces the default HTTP client, e.g. to set timeouts or to
// point tests at an httptest server via its Transport.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = c
	}
}

// WithBaseURL overrides the API endpoint, primarily for tests.
// The URL must contain two format verbs: voice ID and output format.
func WithBaseURL(urlFmt string) Option {
	return func(e *Engine) {
		e.endpointFmt = urlFmt
	}
}

// Engine implements synth.Engine backed by the ElevenLabs HTTP API.
type Engine struct {
	apiKey       string
	model        string
	defaultVoice string
	endpointFmt  string
	httpClient   *http.Client
}

// Compile-time interface assertion.
var _ synth.Engine = (*Engine)(nil)

// New creates a new ElevenLabs Engine. apiKey and defaultVoice must be
// non-empty; defaultVoice is used for requests without an explicit VoiceID.
func New(apiKey, defaultVoice string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if defaultVoice == "" {
		return nil, errors.New("elevenlabs: defaultVoice must not be empty")
	}
	e := &Engine{
		apiKey:       apiKey,
		model:        defaultModel,
		defaultVoice: defaultVoice,
		endpointFmt:  endpointFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// ttsRequest is the JSON body sent to the text-to-speech endpoint.
type ttsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize posts req.Text to ElevenLabs and decodes the PCM response.
// The output format is chosen from req.SampleRate when it matches a supported
// PCM rate; otherwise pcm_16000 is used.
func (e *Engine) Synthesize(ctx context.Context, req synth.Request) (*synth.Result, error) {
	if req.Text == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}
	voice := req.VoiceID
	if voice == "" {
		voice = e.defaultVoice
	}

	format := fmt.Sprintf("pcm_%d", req.SampleRate)
	rate, ok := pcmRates[format]
	if !ok {
		format, rate = "pcm_16000", 16000
	}

	body, err := json.Marshal(ttsRequest{Text: req.Text, ModelID: e.model})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	url := fmt.Sprintf(e.endpointFmt, voice, format)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("elevenlabs: synthesize: status %d: %s", resp.StatusCode, msg)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio body: %w", err)
	}
	if len(pcm) < 2 {
		return nil, errors.New("elevenlabs: empty audio response")
	}

	return &synth.Result{
		Samples:    audio.Int16BytesToFloat32(pcm),
		SampleRate: rate,
	}, nil
}
