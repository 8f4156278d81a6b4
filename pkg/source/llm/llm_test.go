package llm

import (
	"strings"
	"testing"

	"github.com/MrWong99/streamvox/pkg/source"
)

// feed pushes text into the segmenter in pieces of the given size,
// simulating token granularity, and returns all emitted fragments.
func feed(t *testing.T, text string, pieceLen int) []source.Fragment {
	t.Helper()
	seg := newSentenceSegmenter()
	var frags []source.Fragment
	for i := 0; i < len(text); i += pieceLen {
		end := i + pieceLen
		if end > len(text) {
			end = len(text)
		}
		frags = append(frags, seg.split(text[i:end])...)
	}
	return frags
}

func TestSegmenter_ConcatenationPreserved(t *testing.T) {
	text := "Hello there. How are you? Fine! Thanks."
	for _, pieceLen := range []int{1, 3, 7, len(text)} {
		frags := feed(t, text, pieceLen)
		var b strings.Builder
		for _, f := range frags {
			b.WriteString(f.Text)
		}
		if b.String() != text {
			t.Errorf("pieceLen=%d: concatenation = %q, want %q", pieceLen, b.String(), text)
		}
	}
}

func TestSegmenter_AssignsDistinctSentenceIDs(t *testing.T) {
	frags := feed(t, "One. Two. Three.", 4)

	ids := make(map[string]bool)
	for _, f := range frags {
		ids[f.SentenceID] = true
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 distinct sentence ids, got %d (%v)", len(ids), ids)
	}
}

func TestSegmenter_TrailingPunctuationStaysWithSentence(t *testing.T) {
	frags := feed(t, `He said "stop." Then left.`, 5)

	// Rebuild per-sentence text.
	bySentence := map[string]string{}
	var order []string
	for _, f := range frags {
		if _, ok := bySentence[f.SentenceID]; !ok {
			order = append(order, f.SentenceID)
		}
		bySentence[f.SentenceID] += f.Text
	}
	if len(order) != 2 {
		t.Fatalf("expected 2 sentences, got %d: %v", len(order), bySentence)
	}
	if !strings.HasSuffix(strings.TrimRight(bySentence[order[0]], " "), `"`) {
		t.Errorf("closing quote should stay with first sentence, got %q", bySentence[order[0]])
	}
	if !strings.HasPrefix(bySentence[order[1]], "Then") {
		t.Errorf("second sentence should start at new text, got %q", bySentence[order[1]])
	}
}

func TestSegmenter_NoPunctuationSingleSentence(t *testing.T) {
	frags := feed(t, "a stream with no boundaries at all", 6)
	for _, f := range frags {
		if f.SentenceID != "sent-0" {
			t.Fatalf("expected all fragments in sent-0, got %q", f.SentenceID)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("openai", "", "hi", nil); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("openai", "gpt-4o-mini", "", nil); err == nil {
		t.Error("expected error for empty prompt")
	}
	if _, err := New("not-a-provider", "m", "p", nil); err == nil {
		t.Error("expected error for unknown provider")
	}
}
