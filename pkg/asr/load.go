package asr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Device identifies an inference backend device.
type Device string

const (
	// DeviceAuto lets the backend pick the best available device.
	DeviceAuto Device = "auto"

	// DeviceCPU is the portable fallback backend available everywhere.
	DeviceCPU Device = "cpu"

	DeviceCUDA  Device = "cuda"
	DeviceMetal Device = "metal"
)

// IsValid reports whether d is a recognised device.
func (d Device) IsValid() bool {
	switch d {
	case DeviceAuto, DeviceCPU, DeviceCUDA, DeviceMetal:
		return true
	}
	return false
}

// LoadConfig describes a model to load.
type LoadConfig struct {
	// ModelID is the backend-specific model identifier, typically a file path.
	ModelID string

	// Device is the preferred inference device.
	Device Device

	// DType is the requested quantization (e.g. "q5_0", "f16"). Empty keeps
	// whatever the model file provides.
	DType string

	// SessionID namespaces any caches the backend keeps, so concurrent
	// instances (one per tier) do not trample each other.
	SessionID string

	// Progress, when non-nil, receives load-progress callbacks with
	// progress in [0, 1] and the file currently being read.
	Progress func(progress float64, file string)
}

// Loader constructs Model instances. Implementations must be safe for
// concurrent use: every tier loads its own model, possibly at the same time.
type Loader interface {
	Load(ctx context.Context, cfg LoadConfig) (Model, error)
}

// LoadWithFallback loads a model on the preferred device and, if that fails,
// retries exactly once on the portable CPU backend. It returns the model and
// the device it actually loaded on.
func LoadWithFallback(ctx context.Context, l Loader, cfg LoadConfig) (Model, Device, error) {
	m, err := l.Load(ctx, cfg)
	if err == nil {
		return m, cfg.Device, nil
	}
	if cfg.Device == DeviceCPU {
		return nil, "", fmt.Errorf("asr: load %q on cpu: %w", cfg.ModelID, err)
	}

	preferred := cfg.Device
	slog.Warn("asr: preferred device failed, retrying on cpu",
		"model", cfg.ModelID,
		"device", preferred,
		"err", err,
	)

	cfg.Device = DeviceCPU
	m, cpuErr := l.Load(ctx, cfg)
	if cpuErr != nil {
		return nil, "", fmt.Errorf("asr: load %q failed on both %q and cpu: %w", cfg.ModelID, preferred, cpuErr)
	}
	return m, DeviceCPU, nil
}

// QuantValidation is the outcome of a post-load quantization check.
type QuantValidation int

const (
	// QuantOK means the loaded model matches the requested quantization.
	QuantOK QuantValidation = iota

	// QuantUncertain means the backend reported nothing conclusive either way.
	QuantUncertain

	// QuantMismatch means the loaded model contradicts the request.
	QuantMismatch
)

// String returns the human-readable name of the validation outcome.
func (q QuantValidation) String() string {
	switch q {
	case QuantOK:
		return "ok"
	case QuantUncertain:
		return "uncertain"
	case QuantMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// knownDTypes lists the quantization tags that may appear in model file names.
var knownDTypes = []string{
	"q2_k", "q3_k", "q4_0", "q4_1", "q4_k", "q5_0", "q5_1", "q5_k",
	"q6_k", "q8_0", "f16", "f32",
}

// QuantReporter is an optional interface a Model may implement to expose the
// outcome of its quantization validation.
type QuantReporter interface {
	Quantization() QuantValidation
}

// ValidateQuantization checks a quantization request against what the backend
// reported after loading. reportedDType is the dtype the backend observed in
// the loaded weights (may be empty if the backend cannot tell); fileName is
// the base name of the loaded model file. The outcome never blocks operation;
// callers surface it as a status message.
func ValidateQuantization(requested, reportedDType, fileName string) QuantValidation {
	if requested == "" {
		return QuantOK
	}
	req := strings.ToLower(requested)

	if reportedDType != "" {
		if strings.EqualFold(reportedDType, req) {
			return QuantOK
		}
		return QuantMismatch
	}

	name := strings.ToLower(fileName)
	if strings.Contains(name, req) {
		return QuantOK
	}
	for _, tag := range knownDTypes {
		if tag != req && strings.Contains(name, tag) {
			return QuantMismatch
		}
	}
	return QuantUncertain
}
