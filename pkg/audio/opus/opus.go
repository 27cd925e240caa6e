// Package opus provides an audio-source adapter that decodes Opus frames
// into the engine's native format (16 kHz mono float32).
//
// Capture layers that produce Opus — typically 48 kHz stereo at 20 ms frame
// size — can route their packets through a [Source] and push the decoded
// samples straight into the engine. Each capture stream needs its own Source
// so the decoder state stays consistent across consecutive frames.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/elvirab/echelon/pkg/audio"
)

const (
	defaultSampleRate  = 48000
	defaultChannels    = 2
	defaultFrameSizeMs = 20
)

// Source decodes an Opus packet stream into 16 kHz mono float32 samples.
// Not safe for concurrent use; create one Source per stream.
type Source struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
	frameSize  int // samples per channel per frame
}

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithSampleRate sets the source sample rate in Hz. Defaults to 48000.
func WithSampleRate(rate int) Option {
	return func(s *Source) { s.sampleRate = rate }
}

// WithChannels sets the source channel count (1 or 2). Defaults to 2.
func WithChannels(n int) Option {
	return func(s *Source) { s.channels = n }
}

// NewSource creates a Source for the given Opus stream parameters.
func NewSource(opts ...Option) (*Source, error) {
	s := &Source{
		sampleRate: defaultSampleRate,
		channels:   defaultChannels,
	}
	for _, o := range opts {
		o(s)
	}
	if s.channels < 1 || s.channels > 2 {
		return nil, fmt.Errorf("opus: unsupported channel count %d", s.channels)
	}

	dec, err := gopus.NewDecoder(s.sampleRate, s.channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	s.dec = dec
	s.frameSize = s.sampleRate * defaultFrameSizeMs / 1000
	return s, nil
}

// Decode decodes a single Opus packet and returns the samples converted to
// the engine format: mono, 16 kHz, float32 in [-1, 1].
func (s *Source) Decode(packet []byte) ([]float32, error) {
	pcm, err := s.dec.Decode(packet, s.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}

	samples := audio.Int16ToFloat32(pcm)
	if s.channels == 2 {
		samples = audio.DownmixStereo(samples)
	}
	return audio.ResampleLinear(samples, s.sampleRate, audio.SampleRate), nil
}
