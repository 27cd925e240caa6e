// Package whispercpp implements [asr.Model] on top of the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
//
// whisper.cpp fuses feature extraction into its Process call and exposes no
// logits-returning decoder forward pass, so [Model.Forward] always returns
// [asr.ErrForwardUnsupported]; the speculative verifier falls back to normal
// generation on that error. Tiers running on this backend therefore still
// produce correct segments — they just never benefit from draft reuse.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/elvirab/echelon/pkg/asr"
)

// Compile-time assertions.
var (
	_ asr.Model         = (*Model)(nil)
	_ asr.Loader        = (*Loader)(nil)
	_ asr.QuantReporter = (*Model)(nil)
)

// Loader implements [asr.Loader] for the whisper.cpp backend.
//
// The bindings run on whatever device whisper.cpp was compiled for; an
// explicit request for an accelerator this build does not support fails fast
// so [asr.LoadWithFallback] can retry on CPU.
type Loader struct{}

// NewLoader returns a Loader.
func NewLoader() *Loader { return &Loader{} }

// Load loads the model file named by cfg.ModelID.
func (l *Loader) Load(ctx context.Context, cfg asr.LoadConfig) (asr.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whispercpp: context already cancelled: %w", err)
	}
	if cfg.ModelID == "" {
		return nil, errors.New("whispercpp: model path must not be empty")
	}
	switch cfg.Device {
	case asr.DeviceAuto, asr.DeviceCPU, "":
	default:
		return nil, fmt.Errorf("whispercpp: device %q not available in this build", cfg.Device)
	}

	if cfg.Progress != nil {
		cfg.Progress(0, cfg.ModelID)
	}
	model, err := whisperlib.New(cfg.ModelID)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", cfg.ModelID, err)
	}
	if cfg.Progress != nil {
		cfg.Progress(1, cfg.ModelID)
	}

	// The bindings do not report the loaded dtype, so validation falls back
	// to the file name.
	quant := asr.ValidateQuantization(cfg.DType, "", filepath.Base(cfg.ModelID))

	return &Model{
		model:     model,
		sessionID: cfg.SessionID,
		quant:     quant,
	}, nil
}

// features wraps the raw samples; whisper.cpp extracts mel features
// internally during Process.
type features struct {
	samples []float32
}

// Model adapts a loaded whisper.cpp model to [asr.Model]. Calls are
// serialised by the owning tier; the internal mutex only guards the token
// text cache shared between Generate and Decode.
type Model struct {
	model     whisperlib.Model
	sessionID string
	quant     asr.QuantValidation

	mu        sync.Mutex
	tokenText map[asr.Token]string
}

// Quantization reports the outcome of the post-load quantization check.
func (m *Model) Quantization() asr.QuantValidation { return m.quant }

// ExtractFeatures retains the samples for the Process call in Generate.
func (m *Model) ExtractFeatures(_ context.Context, samples []float32) (asr.Features, error) {
	cp := make([]float32, len(samples))
	copy(cp, samples)
	return &features{samples: cp}, nil
}

// Generate runs whisper.cpp inference over the features and returns the
// token IDs of every produced segment, in order.
//
// Beam width, sampling, and decoder prefixes are not exposed by the
// bindings: beam settings are ignored (whisper.cpp decodes with its own
// strategy) and a forced prefix is rejected. The verifier never passes a
// prefix to this backend because Forward is unsupported.
func (m *Model) Generate(ctx context.Context, feats asr.Features, opts asr.GenOptions) ([]asr.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whispercpp: %w", err)
	}
	f, ok := feats.(*features)
	if !ok {
		return nil, fmt.Errorf("whispercpp: foreign features of type %T", feats)
	}
	if len(opts.DecoderInputIDs) > 0 {
		return nil, fmt.Errorf("whispercpp: forced decoder prefix: %w", asr.ErrForwardUnsupported)
	}

	// Each context is single-use and not thread-safe; the shared model is.
	wctx, err := m.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whispercpp: create context: %w", err)
	}
	lang := opts.Language
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whispercpp: failed to set language, using default", "language", lang, "err", err)
	}

	if err := wctx.Process(f.samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whispercpp: process audio: %w", err)
	}

	var tokens []asr.Token
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whispercpp: read segment: %w", err)
		}
		m.mu.Lock()
		if m.tokenText == nil {
			m.tokenText = make(map[asr.Token]string)
		}
		for _, tok := range segment.Tokens {
			id := asr.Token(tok.Id)
			tokens = append(tokens, id)
			m.tokenText[id] = tok.Text
		}
		m.mu.Unlock()
	}
	return tokens, nil
}

// Forward is unsupported: the CGO bindings expose no logits access.
func (m *Model) Forward(context.Context, asr.Features, []asr.Token) (asr.Logits, error) {
	return nil, asr.ErrForwardUnsupported
}

// Decode renders tokens using the text cache populated by Generate. Tokens
// never seen by this model instance decode to nothing.
func (m *Model) Decode(tokens []asr.Token, skipSpecial bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sb strings.Builder
	for _, t := range tokens {
		if skipSpecial && asr.IsSpecial(t) {
			continue
		}
		sb.WriteString(m.tokenText[t])
	}
	return strings.TrimSpace(sb.String())
}

// Close releases the whisper model.
func (m *Model) Close() error {
	if m.model != nil {
		return m.model.Close()
	}
	return nil
}
