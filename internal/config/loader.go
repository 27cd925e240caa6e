package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/elvirab/echelon/internal/engine"
	"github.com/elvirab/echelon/pkg/asr"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Engine.Model == "" {
		errs = append(errs, errors.New("engine.model is required"))
	}
	if cfg.Engine.Backend != "" && !asr.Device(cfg.Engine.Backend).IsValid() {
		errs = append(errs, fmt.Errorf("engine.backend %q is invalid; valid values: auto, cpu, cuda, metal", cfg.Engine.Backend))
	}
	if cfg.Engine.DraftPropagation != "" && !engine.PropagationMode(cfg.Engine.DraftPropagation).IsValid() {
		errs = append(errs, fmt.Errorf("engine.draft_propagation %q is invalid; valid values: all, single_hop, off", cfg.Engine.DraftPropagation))
	}

	if len(cfg.Engine.Tiers) == 0 {
		errs = append(errs, errors.New("engine.tiers must enable at least one tier"))
	}
	seen := make(map[int]int, len(cfg.Engine.Tiers))
	for i, lvl := range cfg.Engine.Tiers {
		if lvl < 0 || lvl > 4 {
			errs = append(errs, fmt.Errorf("engine.tiers[%d] level %d is out of range [0, 4]", i, lvl))
			continue
		}
		if prev, dup := seen[lvl]; dup {
			errs = append(errs, fmt.Errorf("engine.tiers[%d] level %d duplicates engine.tiers[%d]", i, lvl, prev))
		}
		seen[lvl] = i
	}
	for lvl := range cfg.Engine.TierOverrides {
		if _, enabled := seen[lvl]; !enabled && len(cfg.Engine.Tiers) > 0 {
			errs = append(errs, fmt.Errorf("engine.tier_overrides[%d] refers to a tier that is not enabled", lvl))
		}
	}

	return errors.Join(errs...)
}
