// Package observe provides observability primitives for the engine:
// OpenTelemetry metrics and the provider wiring that exposes them through a
// Prometheus /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all engine metrics.
const meterName = "github.com/elvirab/echelon"

// Metrics holds all OpenTelemetry metric instruments for the engine.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// InferenceDuration tracks per-tier model inference latency. Use with
	// attributes: attribute.Int("tier", ...), attribute.String("mode", ...)
	InferenceDuration metric.Float64Histogram

	// DraftTokensOffered counts draft tokens presented to the verifier.
	// Use with attribute.Int("tier", ...).
	DraftTokensOffered metric.Int64Counter

	// DraftTokensVerified counts draft tokens that survived verification.
	// Use with attribute.Int("tier", ...).
	DraftTokensVerified metric.Int64Counter

	// SegmentsInserted counts segments accepted into the transcript.
	SegmentsInserted metric.Int64Counter

	// SegmentsEvicted counts segments removed under the dominance rule.
	SegmentsEvicted metric.Int64Counter

	// SegmentsRejected counts segments refused because a higher tier
	// already covered their interval.
	SegmentsRejected metric.Int64Counter

	// PartialsEmitted counts continuous-tier hypothesis updates.
	// Use with attribute.Int("tier", ...).
	PartialsEmitted metric.Int64Counter

	// AudioSamples counts raw samples pushed into the engine.
	AudioSamples metric.Int64Counter

	// ActiveTiers tracks the number of tiers currently in service.
	ActiveTiers metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// ASR inference over windows between half a second and twenty seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.InferenceDuration, err = m.Float64Histogram("echelon.inference.duration",
		metric.WithDescription("Model inference latency by tier and windowing mode."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.DraftTokensOffered, err = m.Int64Counter("echelon.draft.tokens_offered",
		metric.WithDescription("Draft tokens presented to the speculative verifier, by tier."),
	); err != nil {
		return nil, err
	}
	if met.DraftTokensVerified, err = m.Int64Counter("echelon.draft.tokens_verified",
		metric.WithDescription("Draft tokens confirmed by the speculative verifier, by tier."),
	); err != nil {
		return nil, err
	}

	if met.SegmentsInserted, err = m.Int64Counter("echelon.merge.segments_inserted",
		metric.WithDescription("Segments accepted into the transcript."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEvicted, err = m.Int64Counter("echelon.merge.segments_evicted",
		metric.WithDescription("Segments evicted under the dominance rule."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsRejected, err = m.Int64Counter("echelon.merge.segments_rejected",
		metric.WithDescription("Segments rejected because a higher tier covers their interval."),
	); err != nil {
		return nil, err
	}

	if met.PartialsEmitted, err = m.Int64Counter("echelon.partials_emitted",
		metric.WithDescription("Continuous-tier hypothesis updates, by tier."),
	); err != nil {
		return nil, err
	}
	if met.AudioSamples, err = m.Int64Counter("echelon.audio.samples",
		metric.WithDescription("Raw audio samples pushed into the engine."),
	); err != nil {
		return nil, err
	}

	if met.ActiveTiers, err = m.Int64UpDownCounter("echelon.active_tiers",
		metric.WithDescription("Number of tiers currently in service."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics init: " + err.Error())
		}
	})
	return defaultMetrics
}
