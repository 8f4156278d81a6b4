package elevenlabs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/streamvox/pkg/audio"
	"github.com/MrWong99/streamvox/pkg/synth"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "voice"); err == nil {
		t.Error("expected error for empty apiKey")
	}
	if _, err := New("key", ""); err == nil {
		t.Error("expected error for empty defaultVoice")
	}
}

func TestSynthesize(t *testing.T) {
	pcm := audio.Float32ToInt16Bytes([]float32{0.1, 0.2, 0.3, 0.4})

	var gotPath, gotKey string
	var gotBody ttsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotKey = r.Header.Get("xi-api-key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write(pcm)
	}))
	defer srv.Close()

	e, err := New("test-key", "voice-a", WithBaseURL(srv.URL+"/v1/text-to-speech/%s?output_format=%s"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := e.Synthesize(context.Background(), synth.Request{Text: "hello", SampleRate: 16000})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.SampleRate != 16000 {
		t.Errorf("expected 16000 Hz, got %d", res.SampleRate)
	}
	if len(res.Samples) != 4 {
		t.Errorf("expected 4 samples, got %d", len(res.Samples))
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotBody.Text != "hello" {
		t.Errorf("request text = %q", gotBody.Text)
	}
	if gotPath != "/v1/text-to-speech/voice-a?output_format=pcm_16000" {
		t.Errorf("unexpected path %q", gotPath)
	}
}

func TestSynthesize_UnsupportedRateFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(audio.Float32ToInt16Bytes([]float32{0.1}))
	}))
	defer srv.Close()

	e, _ := New("k", "v", WithBaseURL(srv.URL+"/%s?f=%s"))
	res, err := e.Synthesize(context.Background(), synth.Request{Text: "x", SampleRate: 12345})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.SampleRate != 16000 {
		t.Errorf("expected fallback to 16000, got %d", res.SampleRate)
	}
}

func TestSynthesize_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad voice", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	e, _ := New("k", "v", WithBaseURL(srv.URL+"/%s?f=%s"))
	if _, err := e.Synthesize(context.Background(), synth.Request{Text: "x"}); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
