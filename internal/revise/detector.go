// Package revise decides whether a late text revision warrants
// re-synthesizing audio that has already been produced. Re-synthesis is
// expensive and every correction consumes retime budget, so cosmetic edits
// and changes that sound the same when spoken are filtered out.
package revise

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// DefaultMinDistance is the edit distance below which a revision counts as
// cosmetic.
const DefaultMinDistance = 3

// Decision is the outcome of evaluating one revision.
type Decision struct {
	// Resynthesize is true when the revised text should be spoken again.
	Resynthesize bool

	// Distance is the Levenshtein distance between the two texts.
	Distance int

	// Reason names the rule that produced the decision.
	Reason string
}

// Detector evaluates text revisions.
type Detector struct {
	minDistance  int
	phoneticGate bool
}

// Option configures a Detector during construction.
type Option func(*Detector)

// WithMinDistance sets the edit distance under which revisions are ignored.
func WithMinDistance(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.minDistance = n
		}
	}
}

// WithoutPhoneticGate disables the sounds-alike filter, so any revision past
// the distance floor triggers re-synthesis.
func WithoutPhoneticGate() Option {
	return func(d *Detector) { d.phoneticGate = false }
}

// NewDetector creates a Detector with the default thresholds.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{minDistance: DefaultMinDistance, phoneticGate: true}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Evaluate compares the originally synthesized text with its revision.
func (d *Detector) Evaluate(original, revised string) Decision {
	if original == revised {
		return Decision{Reason: "identical"}
	}

	dist := matchr.Levenshtein(original, revised)
	if dist < d.minDistance {
		return Decision{Distance: dist, Reason: "cosmetic"}
	}

	if d.phoneticGate && soundsAlike(original, revised) {
		return Decision{Distance: dist, Reason: "sounds alike"}
	}

	return Decision{Resynthesize: true, Distance: dist, Reason: "changed"}
}

// soundsAlike compares the texts word by word using double metaphone
// primary codes. Texts with differing word counts never sound alike.
func soundsAlike(a, b string) bool {
	wa, wb := strings.Fields(a), strings.Fields(b)
	if len(wa) != len(wb) {
		return false
	}
	for i := range wa {
		pa, _ := matchr.DoubleMetaphone(stripPunct(wa[i]))
		pb, _ := matchr.DoubleMetaphone(stripPunct(wb[i]))
		if pa != pb || pa == "" {
			return false
		}
	}
	return true
}

func stripPunct(w string) string {
	return strings.TrimFunc(w, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	})
}
