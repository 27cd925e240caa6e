// Package transcript maintains the canonical transcript assembled from the
// heterogeneous outputs of all inference tiers.
//
// Chunk tiers emit [Segment] values pinned to absolute time intervals; the
// [Merger] integrates them under the dominance rule: a higher-tier segment
// evicts overlapping lower-tier segments, equal tiers favour the newer one,
// and a segment overlapped by a higher tier is rejected outright. Continuous
// tiers emit partials, which are only ever exported as the current
// hypothesis and never stored.
//
// Separator segments mark commit boundaries. They are zero-width, level 0,
// exempt from overlap tests, and never removed.
package transcript

import (
	"github.com/elvirab/echelon/pkg/asr"
)

// Epsilon is the maximum tolerated overlap, in seconds, between two stored
// non-separator segments.
const Epsilon = 0.1

// Segment is one entry of the transcript.
type Segment struct {
	// Start and End are absolute times in seconds from the session origin.
	Start float64 `json:"start_s"`
	End   float64 `json:"end_s"`

	// Text is the transcribed content. Empty text is meaningful for chunk
	// segments: it asserts that nothing was said in the interval.
	Text string `json:"text"`

	// Level is the emitting tier. Higher levels dominate lower ones.
	Level int `json:"level"`

	// Tokens is the raw token sequence behind Text, when available.
	Tokens []asr.Token `json:"tokens,omitempty"`

	// IsSeparator marks a zero-width commit boundary.
	IsSeparator bool `json:"is_separator,omitempty"`
}

// Overlap returns the length in seconds of the intersection of s and o, or
// zero when they do not intersect.
func (s Segment) Overlap(o Segment) float64 {
	lo := s.Start
	if o.Start > lo {
		lo = o.Start
	}
	hi := s.End
	if o.End < hi {
		hi = o.End
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// NewSeparator returns a separator segment pinned at time at.
func NewSeparator(at float64) Segment {
	return Segment{Start: at, End: at, Level: 0, IsSeparator: true}
}
