package config

import (
	"strings"
	"testing"

	"github.com/elvirab/echelon/internal/engine/tier"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
engine:
  language: en
  task: transcribe
  model: /models/ggml-base-q5_0.bin
  backend: auto
  dtype: q5_0
  draft_propagation: all
  tiers: [1, 2, 3, 4]
  tier_overrides:
    2:
      chunk_size_s: 4.0
      beams: 3
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Engine.Model != "/models/ggml-base-q5_0.bin" {
		t.Errorf("model: got %q", cfg.Engine.Model)
	}

	tiers, err := cfg.TierConfigs()
	if err != nil {
		t.Fatalf("TierConfigs: %v", err)
	}
	if len(tiers) != 4 {
		t.Fatalf("tier count: want 4, got %d", len(tiers))
	}

	// Defaults for L1, override applied for L2.
	if tiers[0].Mode != tier.ModeContinuous || tiers[0].StepSize != 1.0 || tiers[0].MaxInputWindow != 3.0 {
		t.Errorf("L1 defaults wrong: %+v", tiers[0])
	}
	if tiers[1].ChunkSize != 4.0 || tiers[1].Generation.Beams != 3 {
		t.Errorf("L2 override not applied: %+v", tiers[1])
	}
	if tiers[3].ChunkSize != 20.0 || tiers[3].Generation.Beams != 5 {
		t.Errorf("L4 defaults wrong: %+v", tiers[3])
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	yaml := `
engine:
  model: m.bin
  tiers: [2]
  flux_capacitance: 1.21
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("want error for unknown field")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  log_level: loud
engine:
  backend: tpu
  tiers: [2, 2, 7]
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("want validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"log_level", "engine.model is required", "backend", "duplicates", "out of range"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestValidate_OverrideForDisabledTier(t *testing.T) {
	t.Parallel()

	yaml := `
engine:
  model: m.bin
  tiers: [2]
  tier_overrides:
    4:
      beams: 2
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("want error for override of disabled tier")
	}
}

func TestEngineConfiguration(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	ec, err := cfg.EngineConfiguration()
	if err != nil {
		t.Fatalf("EngineConfiguration: %v", err)
	}
	if err := ec.Validate(); err != nil {
		t.Errorf("assembled engine config invalid: %v", err)
	}
	if ec.DType != "q5_0" || string(ec.Backend) != "auto" {
		t.Errorf("engine config fields: %+v", ec)
	}
}
