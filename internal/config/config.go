// Package config provides the configuration schema and loader for the
// Echelon transcription engine.
package config

import (
	"fmt"
	"log/slog"

	"github.com/elvirab/echelon/internal/engine"
	"github.com/elvirab/echelon/internal/engine/tier"
	"github.com/elvirab/echelon/pkg/asr"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto the corresponding slog level. Unknown values map to Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Engine EngineConfig `yaml:"engine"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	// The address serves the transcript WebSocket, /metrics, and health
	// endpoints.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// EngineConfig declares the model and tier layout for a session.
type EngineConfig struct {
	// Language is the spoken-language hint (e.g. "en"); empty auto-detects.
	Language string `yaml:"language"`

	// Task selects the decoding task. Default: "transcribe".
	Task string `yaml:"task"`

	// Model is the model identifier, typically a ggml file path.
	Model string `yaml:"model"`

	// Backend is the preferred inference device: auto, cpu, cuda, metal.
	Backend string `yaml:"backend"`

	// DType is the requested quantization (e.g. "q5_0"); empty keeps the
	// model default.
	DType string `yaml:"dtype"`

	// DraftPropagation selects the draft-forwarding policy: all,
	// single_hop, or off. Default: all.
	DraftPropagation string `yaml:"draft_propagation"`

	// Tiers enumerates the enabled tier levels (0–4).
	Tiers []int `yaml:"tiers"`

	// TierOverrides adjusts individual tiers away from their defaults,
	// keyed by level.
	TierOverrides map[int]TierOverride `yaml:"tier_overrides"`
}

// TierOverride overrides selected fields of a tier's default configuration.
// Nil fields keep the default.
type TierOverride struct {
	StepSize       *float64 `yaml:"step_size_s"`
	ChunkSize      *float64 `yaml:"chunk_size_s"`
	ContextWindow  *float64 `yaml:"context_window_s"`
	MaxInputWindow *float64 `yaml:"max_input_window_s"`
	Beams          *int     `yaml:"beams"`
	DoSample       *bool    `yaml:"do_sample"`
	EarlyStopping  *bool    `yaml:"early_stopping"`
	MaxNewTokens   *int     `yaml:"max_new_tokens"`
}

// TierConfigs materialises the enabled tiers: defaults per level with
// overrides applied.
func (c *Config) TierConfigs() ([]tier.Config, error) {
	out := make([]tier.Config, 0, len(c.Engine.Tiers))
	for _, lvl := range c.Engine.Tiers {
		tc, ok := tier.DefaultConfig(lvl)
		if !ok {
			return nil, fmt.Errorf("config: engine.tiers contains unknown tier %d; valid levels: 0-4", lvl)
		}
		if ov, ok := c.Engine.TierOverrides[lvl]; ok {
			applyOverride(&tc, ov)
		}
		if err := tc.Validate(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		out = append(out, tc)
	}
	return out, nil
}

// EngineConfiguration assembles the orchestrator configuration.
func (c *Config) EngineConfiguration() (engine.Config, error) {
	tiers, err := c.TierConfigs()
	if err != nil {
		return engine.Config{}, err
	}
	task := c.Engine.Task
	if task == "" {
		task = "transcribe"
	}
	return engine.Config{
		Language:    c.Engine.Language,
		Task:        task,
		ModelID:     c.Engine.Model,
		Backend:     asr.Device(c.Engine.Backend),
		DType:       c.Engine.DType,
		Tiers:       tiers,
		Propagation: engine.PropagationMode(c.Engine.DraftPropagation),
	}, nil
}

func applyOverride(tc *tier.Config, ov TierOverride) {
	if ov.StepSize != nil {
		tc.StepSize = *ov.StepSize
	}
	if ov.ChunkSize != nil {
		tc.ChunkSize = *ov.ChunkSize
	}
	if ov.ContextWindow != nil {
		tc.ContextWindow = *ov.ContextWindow
	}
	if ov.MaxInputWindow != nil {
		tc.MaxInputWindow = *ov.MaxInputWindow
	}
	if ov.Beams != nil {
		tc.Generation.Beams = *ov.Beams
	}
	if ov.DoSample != nil {
		tc.Generation.DoSample = *ov.DoSample
	}
	if ov.EarlyStopping != nil {
		tc.Generation.EarlyStopping = *ov.EarlyStopping
	}
	if ov.MaxNewTokens != nil {
		tc.Generation.MaxNewTokens = *ov.MaxNewTokens
	}
}
