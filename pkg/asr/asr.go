// Package asr defines the adapter interface over an automatic speech
// recognition model.
//
// The engine never touches model weights, tokenizers, or feature extractors
// directly — every tier talks to its model through [Model]. The interface
// exposes four capability groups: feature extraction, token generation,
// tokenizer decoding, and a low-level forward pass used by the speculative
// verifier. Concrete backends live in subpackages (whispercpp for the CGO
// bindings, mock for tests).
//
// A Model instance belongs to exactly one tier and is never shared; the
// owning tier serialises all calls, so implementations do not need to be
// safe for concurrent use.
package asr

import (
	"context"
	"errors"
)

// ErrForwardUnsupported is returned by backends that cannot run a raw
// decoder forward pass. The speculative verifier treats it as "verified 0
// tokens" and falls back to normal generation.
var ErrForwardUnsupported = errors.New("asr: forward pass not supported by this backend")

// Token is an index into the model's vocabulary.
type Token int

// Features is an opaque handle to extracted audio features. A Features value
// is only meaningful to the Model that produced it.
type Features interface{}

// Logits holds one row of vocabulary scores per decoder position, as
// returned by [Model.Forward].
type Logits [][]float32

// GenOptions configures a single generation call.
type GenOptions struct {
	// MaxNewTokens bounds the number of generated tokens. Zero means the
	// backend default.
	MaxNewTokens int

	// Language is the spoken-language hint (e.g. "en"). Empty lets the
	// backend auto-detect.
	Language string

	// Task selects the decoding task, e.g. "transcribe".
	Task string

	// Beams is the beam-search width. Values below 2 mean greedy decoding.
	Beams int

	// DoSample enables sampling instead of deterministic decoding.
	DoSample bool

	// EarlyStopping stops beam search as soon as all beams finish.
	EarlyStopping bool

	// DecoderInputIDs, when non-empty, is the forced decoder prefix the
	// generation continues from. Used by the speculative verifier to reuse
	// an already-verified draft prefix.
	DecoderInputIDs []Token
}

// Model is the engine's view of a loaded ASR model.
type Model interface {
	// ExtractFeatures converts raw 16 kHz mono samples into the model's
	// feature representation.
	ExtractFeatures(ctx context.Context, samples []float32) (Features, error)

	// Generate produces a token sequence for the given features. When
	// opts.DecoderInputIDs is set, the returned sequence starts with that
	// prefix and continues from it.
	Generate(ctx context.Context, feats Features, opts GenOptions) ([]Token, error)

	// Forward runs a single decoder forward pass with the given decoder
	// input and returns one logits row per input position. Backends without
	// logits access return [ErrForwardUnsupported].
	Forward(ctx context.Context, feats Features, decoderInputIDs []Token) (Logits, error)

	// Decode converts tokens to text. With skipSpecial set, special tokens
	// (headers, task markers, timestamps) are omitted.
	Decode(tokens []Token, skipSpecial bool) string

	// Close releases the model. No other method may be called afterwards.
	Close() error
}
