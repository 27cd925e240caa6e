// Package verify implements the speculative-decoding verifier.
//
// Given a chunk tier's features and a draft token sequence from the tier
// above, the verifier runs a single forward pass of the downstream model to
// measure how much of the draft the model's own argmax chain agrees with,
// then reuses the verified prefix as the decoder input for the final
// generation. The final output is exactly what the downstream model would
// have produced on its own starting from that prefix — speculation buys
// latency, never a different result.
package verify

import (
	"context"
	"log/slog"

	"github.com/elvirab/echelon/pkg/asr"
)

// Stats reports how much of a draft survived verification.
type Stats struct {
	// VerifiedCount is the number of draft tokens the downstream model's
	// argmax chain agreed with, in [0, TotalCount].
	VerifiedCount int `json:"verified_count"`

	// TotalCount is the number of verifiable draft tokens (the draft length
	// minus its leading anchor token).
	TotalCount int `json:"total_count"`

	// HitRate is VerifiedCount / max(1, TotalCount).
	HitRate float64 `json:"hit_rate"`
}

// Generate produces the final token sequence for feats, reusing as much of
// draft as the model's own predictions confirm.
//
// The draft's first token is the anchor (start-of-transcript marker) and is
// never itself verified; for a draft [d0…dn] the verifier checks whether
// argmax(logits[i]) == d(i+1) for i = 0…n-1, stopping at the first mismatch.
// With at least one verified token, generation is invoked with the decoder
// prefix [d0…dk]; otherwise generation runs normally.
//
// A failing forward pass counts as "verified 0 tokens": the error is logged
// and generation falls through to the normal path. Stats are nil only when
// no draft was offered at all.
func Generate(ctx context.Context, m asr.Model, feats asr.Features, draft []asr.Token, opts asr.GenOptions) ([]asr.Token, *Stats, error) {
	if len(draft) == 0 {
		tokens, err := m.Generate(ctx, feats, opts)
		return tokens, nil, err
	}

	n := len(draft) - 1
	stats := &Stats{TotalCount: n}
	if n > 0 {
		logits, err := m.Forward(ctx, feats, draft)
		if err != nil {
			slog.Debug("verify: forward pass failed, falling back to normal generation", "err", err)
		} else {
			verified := 0
			for i := 0; i < n && i < len(logits); i++ {
				if Argmax(logits[i]) != draft[i+1] {
					break
				}
				verified++
			}
			stats.VerifiedCount = verified
			stats.HitRate = float64(verified) / float64(max(1, n))
			if verified > 0 {
				opts.DecoderInputIDs = append([]asr.Token(nil), draft[:verified+1]...)
			}
		}
	}

	tokens, err := m.Generate(ctx, feats, opts)
	return tokens, stats, err
}

// Argmax returns the index of the largest score in row, as a token. Ties
// resolve to the lowest index. Returns -1 for an empty row.
func Argmax(row []float32) asr.Token {
	if len(row) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return asr.Token(best)
}
