// Package mock provides scripted asr implementations for tests.
//
// [Model] records every call and delegates to replaceable behaviour
// functions, so tests can assert on generation options (draft prefixes in
// particular) without a real model. [Chain] builds deterministic
// argmax-chain behaviour for speculative-decoding tests: its Forward and
// Generate agree with each other by construction.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/elvirab/echelon/pkg/asr"
)

// Compile-time assertions.
var (
	_ asr.Model  = (*Model)(nil)
	_ asr.Loader = (*Loader)(nil)
)

// Model is a scripted [asr.Model]. Zero value is usable: ExtractFeatures
// returns the samples themselves, Generate returns nil, Forward reports
// [asr.ErrForwardUnsupported], and Decode renders token IDs as text.
// All methods are safe for concurrent use.
type Model struct {
	mu sync.Mutex

	// Behaviour overrides. Nil fields use the defaults described above.
	GenerateFunc func(feats asr.Features, opts asr.GenOptions) ([]asr.Token, error)
	ForwardFunc  func(feats asr.Features, ids []asr.Token) (asr.Logits, error)
	DecodeFunc   func(tokens []asr.Token, skipSpecial bool) string
	CloseErr     error

	// Call records.
	ExtractCalls  int
	GenerateCalls []asr.GenOptions
	ForwardCalls  [][]asr.Token
	Closed        bool
}

// ExtractFeatures returns a copy of samples as the opaque feature handle.
func (m *Model) ExtractFeatures(_ context.Context, samples []float32) (asr.Features, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExtractCalls++
	cp := make([]float32, len(samples))
	copy(cp, samples)
	return cp, nil
}

// Generate records opts and delegates to GenerateFunc.
func (m *Model) Generate(_ context.Context, feats asr.Features, opts asr.GenOptions) ([]asr.Token, error) {
	m.mu.Lock()
	rec := opts
	rec.DecoderInputIDs = append([]asr.Token(nil), opts.DecoderInputIDs...)
	m.GenerateCalls = append(m.GenerateCalls, rec)
	fn := m.GenerateFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(feats, opts)
}

// Forward records ids and delegates to ForwardFunc.
func (m *Model) Forward(_ context.Context, feats asr.Features, ids []asr.Token) (asr.Logits, error) {
	m.mu.Lock()
	m.ForwardCalls = append(m.ForwardCalls, append([]asr.Token(nil), ids...))
	fn := m.ForwardFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, asr.ErrForwardUnsupported
	}
	return fn(feats, ids)
}

// Decode delegates to DecodeFunc, defaulting to space-joined token IDs with
// special tokens honouring skipSpecial.
func (m *Model) Decode(tokens []asr.Token, skipSpecial bool) string {
	m.mu.Lock()
	fn := m.DecodeFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(tokens, skipSpecial)
	}
	var parts []string
	for _, t := range tokens {
		if skipSpecial && asr.IsSpecial(t) {
			continue
		}
		parts = append(parts, fmt.Sprintf("%d", int(t)))
	}
	return strings.Join(parts, " ")
}

// Close marks the model closed and returns CloseErr.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return m.CloseErr
}

// LastGenerate returns the options of the most recent Generate call, or
// false when Generate was never called.
func (m *Model) LastGenerate() (asr.GenOptions, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.GenerateCalls) == 0 {
		return asr.GenOptions{}, false
	}
	return m.GenerateCalls[len(m.GenerateCalls)-1], true
}

// Loader is a scripted [asr.Loader]. NewModel builds the model for each Load
// call; when nil, a zero-value [Model] is returned. FailFor simulates device
// initialisation failures for [asr.LoadWithFallback] tests.
type Loader struct {
	mu sync.Mutex

	NewModel func(cfg asr.LoadConfig) (asr.Model, error)
	FailFor  map[asr.Device]error

	Loads []asr.LoadConfig
}

// Load records cfg, simulates configured device failures, and builds a model.
func (l *Loader) Load(_ context.Context, cfg asr.LoadConfig) (asr.Model, error) {
	l.mu.Lock()
	l.Loads = append(l.Loads, cfg)
	fail := l.FailFor[cfg.Device]
	fn := l.NewModel
	l.mu.Unlock()

	if fail != nil {
		return nil, fail
	}
	if cfg.Progress != nil {
		cfg.Progress(1, cfg.ModelID)
	}
	if fn == nil {
		return &Model{}, nil
	}
	return fn(cfg)
}

// LoadCount returns the number of Load calls recorded so far.
func (l *Loader) LoadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Loads)
}

// Chain defines a deterministic next-token function and derives Forward and
// Generate behaviour from it, so a verifier test's "what would the model
// have produced" question has a single source of truth.
type Chain struct {
	// Vocab is the vocabulary size used for logits rows.
	Vocab int

	// Start is the decoder prompt used when Generate is called without a
	// forced prefix.
	Start []asr.Token

	// Next returns the argmax continuation of prefix.
	Next func(prefix []asr.Token) asr.Token

	// EOT terminates generation when produced.
	EOT asr.Token

	// MaxLen bounds the generated sequence length.
	MaxLen int
}

// Forward returns one-hot logits rows: row i is the argmax continuation of
// ids[:i+1], matching what Generate would produce at that position.
func (c Chain) Forward(_ asr.Features, ids []asr.Token) (asr.Logits, error) {
	logits := make(asr.Logits, len(ids))
	for i := range ids {
		row := make([]float32, c.Vocab)
		row[int(c.Next(ids[:i+1]))] = 1
		logits[i] = row
	}
	return logits, nil
}

// Generate walks the chain from opts.DecoderInputIDs (or Start) until EOT or
// MaxLen tokens.
func (c Chain) Generate(_ asr.Features, opts asr.GenOptions) ([]asr.Token, error) {
	seq := append([]asr.Token(nil), opts.DecoderInputIDs...)
	if len(seq) == 0 {
		seq = append(seq, c.Start...)
	}
	maxLen := c.MaxLen
	if maxLen <= 0 {
		maxLen = 64
	}
	for len(seq) < maxLen {
		next := c.Next(seq)
		seq = append(seq, next)
		if next == c.EOT {
			break
		}
	}
	return seq, nil
}

// Model returns a mock Model wired to the chain.
func (c Chain) Model() *Model {
	return &Model{
		GenerateFunc: c.Generate,
		ForwardFunc:  c.Forward,
	}
}
