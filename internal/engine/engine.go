// Package engine implements the orchestrator that ties the inference tiers
// together: it fans incoming audio out to every tier, routes draft tokens
// down the cascade, merges tier outputs into the canonical transcript, and
// supervises tier lifecycle including the restart-once policy for crashed
// workers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/elvirab/echelon/internal/engine/draft"
	"github.com/elvirab/echelon/internal/engine/tier"
	"github.com/elvirab/echelon/internal/engine/verify"
	"github.com/elvirab/echelon/internal/observe"
	"github.com/elvirab/echelon/internal/transcript"
	"github.com/elvirab/echelon/pkg/asr"
)

// PropagationMode selects which adjacent tier pairs forward draft tokens.
type PropagationMode string

const (
	// PropagationAll forwards between every adjacent enabled pair.
	PropagationAll PropagationMode = "all"

	// PropagationSingleHop forwards only on the L1 → L2 hop.
	PropagationSingleHop PropagationMode = "single_hop"

	// PropagationOff disables draft forwarding entirely.
	PropagationOff PropagationMode = "off"
)

// IsValid reports whether p is a recognised propagation mode.
func (p PropagationMode) IsValid() bool {
	switch p {
	case PropagationAll, PropagationSingleHop, PropagationOff:
		return true
	}
	return false
}

// Config describes an engine session.
type Config struct {
	// Language and Task are passed through to every tier's model.
	Language string
	Task     string

	// ModelID names the model every tier loads, typically a file path.
	ModelID string

	// Backend is the preferred inference device.
	Backend asr.Device

	// DType is the requested quantization; empty keeps the model default.
	DType string

	// Tiers enumerates the enabled tiers. Levels must be unique.
	Tiers []tier.Config

	// Propagation selects the draft-forwarding policy. Default: all.
	Propagation PropagationMode
}

// Validate rejects incoherent configurations before any tier is created.
func (c Config) Validate() error {
	var errs []error
	if c.ModelID == "" {
		errs = append(errs, errors.New("engine: model id is required"))
	}
	if c.Backend != "" && !c.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("engine: backend %q is invalid; valid values: auto, cpu, cuda, metal", c.Backend))
	}
	if c.Propagation != "" && !c.Propagation.IsValid() {
		errs = append(errs, fmt.Errorf("engine: draft propagation %q is invalid; valid values: all, single_hop, off", c.Propagation))
	}
	if len(c.Tiers) == 0 {
		errs = append(errs, errors.New("engine: at least one tier must be enabled"))
	}
	seen := make(map[int]bool, len(c.Tiers))
	for _, tc := range c.Tiers {
		if err := tc.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[tc.Level] {
			errs = append(errs, fmt.Errorf("engine: tier level %d enabled twice", tc.Level))
		}
		seen[tc.Level] = true
	}
	return errors.Join(errs...)
}

// TimingStats is the per-tier inference timing summary exported to the sink.
type TimingStats struct {
	Count         int     `json:"count"`
	TotalTimeMs   float64 `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	LastTimeMs    float64 `json:"last_time_ms"`

	Spec *SpecTotals `json:"spec_stats,omitempty"`
}

// SpecTotals aggregates speculative-decoding outcomes for one tier.
type SpecTotals struct {
	TotalHits   int     `json:"total_hits"`
	TotalDrafts int     `json:"total_drafts"`
	HitRate     float64 `json:"hit_rate"`
}

// TranscriptUpdate is pushed to the sink after every transcript change.
type TranscriptUpdate struct {
	Segments []transcript.Segment `json:"segments"`
	Partial  string               `json:"partial,omitempty"`
	Timing   map[int]TimingStats  `json:"timing_stats"`
}

// Sink receives engine events. Implementations must be safe for concurrent
// use: tiers emit independently.
type Sink interface {
	Status(text string)
	LoadProgress(level int, progress float64, file string)
	Transcript(update TranscriptUpdate)
}

// tierEntry tracks one enabled tier across worker restarts.
type tierEntry struct {
	cfg      tier.Config
	worker   *tier.Worker
	draft    *draft.Buffer
	restarts int
}

// Engine is the orchestrator. All exported methods are safe for concurrent
// use, though audio ordering is only guaranteed for a single PushAudio
// caller.
type Engine struct {
	cfg     Config
	loader  asr.Loader
	sink    Sink
	metrics *observe.Metrics
	merger  *transcript.Merger

	mu      sync.Mutex
	entries map[int]*tierEntry
	levels  []int // enabled levels, ascending
	stats   map[int]*TimingStats
	started bool
	runCtx  context.Context

	pumps sync.WaitGroup
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New validates cfg and creates an Engine. Configuration errors reject the
// whole session; nothing is partially initialised.
func New(cfg Config, loader asr.Loader, sink Sink, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Propagation == "" {
		cfg.Propagation = PropagationAll
	}

	e := &Engine{
		cfg:     cfg,
		loader:  loader,
		sink:    sink,
		merger:  transcript.NewMerger(),
		entries: make(map[int]*tierEntry, len(cfg.Tiers)),
		stats:   make(map[int]*TimingStats, len(cfg.Tiers)),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}

	for _, tc := range cfg.Tiers {
		if tc.Language == "" {
			tc.Language = cfg.Language
		}
		if tc.Task == "" {
			tc.Task = cfg.Task
		}
		e.entries[tc.Level] = &tierEntry{cfg: tc, draft: draft.NewBuffer()}
		e.stats[tc.Level] = &TimingStats{}
		e.levels = append(e.levels, tc.Level)
	}
	sort.Ints(e.levels)

	return e, nil
}

// Start creates one worker per enabled tier and waits for every worker's
// ready signal. A tier whose model fails to load fails the whole start.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine: already started")
	}
	e.runCtx = ctx
	for _, lvl := range e.levels {
		entry := e.entries[lvl]
		entry.worker = e.newWorker(entry)
	}
	workers := e.snapshotWorkersLocked()
	e.mu.Unlock()

	for _, w := range workers {
		w.Start(ctx)
		e.pump(w)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			select {
			case <-w.Ready():
				return nil
			case <-w.Done():
				return fmt.Errorf("engine: tier %d failed to initialise", w.Config().Level)
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range workers {
			w.Stop()
		}
		return err
	}

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()

	slog.Info("engine started", "tiers", e.levels, "model", e.cfg.ModelID, "propagation", e.cfg.Propagation)
	e.sink.Status("engine ready")
	return nil
}

// newWorker builds a tier worker for entry with the engine-wide load config.
func (e *Engine) newWorker(entry *tierEntry) *tier.Worker {
	return tier.NewWorker(entry.cfg, e.loader, asr.LoadConfig{
		ModelID:   e.cfg.ModelID,
		Device:    e.cfg.Backend,
		DType:     e.cfg.DType,
		SessionID: fmt.Sprintf("tier-%d", entry.cfg.Level),
	},
		tier.WithDraftBuffer(entry.draft),
		tier.WithMetrics(e.metrics),
	)
}

// pump forwards one worker's events into the engine until the worker's
// event channel closes.
func (e *Engine) pump(w *tier.Worker) {
	e.pumps.Add(1)
	go func() {
		defer e.pumps.Done()
		for ev := range w.Events() {
			e.handleEvent(ev)
		}
	}()
}

// PushAudio broadcasts samples to every enabled tier in level order. Calls
// made in sequence are observed in the same order by every tier.
func (e *Engine) PushAudio(samples []float32) {
	if len(samples) == 0 {
		return
	}
	e.metrics.AudioSamples.Add(context.Background(), int64(len(samples)))
	for _, w := range e.snapshotWorkers() {
		w.Audio(samples)
	}
}

// Commit flushes every tier's audio and draft buffers (processed-prefix
// counters survive, so timestamps stay monotone) and appends a separator to
// the transcript at its current tail.
func (e *Engine) Commit() {
	for _, w := range e.snapshotWorkers() {
		w.Commit()
	}
	e.merger.AppendSeparator()
	e.publish()
}

// Stop terminates all tier workers and waits for their event streams to
// drain. Workers busy with an inference finish it first.
func (e *Engine) Stop() {
	// Clear started first so a worker crashing during shutdown is not
	// restarted by its own failure event.
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()

	for _, w := range e.snapshotWorkers() {
		w.Stop()
	}
	e.pumps.Wait()
	slog.Info("engine stopped")
}

// ReadyCheck reports whether every tier is in service. Suitable as a
// readiness probe.
func (e *Engine) ReadyCheck(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return errors.New("engine not started")
	}
	for lvl, entry := range e.entries {
		if s := entry.worker.State(); s == tier.StateLoading || s == tier.StateTerminated {
			return fmt.Errorf("tier %d is %s", lvl, s)
		}
	}
	return nil
}

// Transcript returns the current transcript snapshot.
func (e *Engine) Transcript() []transcript.Segment {
	return e.merger.Segments()
}

func (e *Engine) snapshotWorkers() []*tier.Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotWorkersLocked()
}

func (e *Engine) snapshotWorkersLocked() []*tier.Worker {
	out := make([]*tier.Worker, 0, len(e.levels))
	for _, lvl := range e.levels {
		if w := e.entries[lvl].worker; w != nil {
			out = append(out, w)
		}
	}
	return out
}

// ─── Event handling ──────────────────────────────────────────────────────────

func (e *Engine) handleEvent(ev tier.Event) {
	switch ev := ev.(type) {
	case tier.Partial:
		e.recordTiming(ev.Tier, ev.InferenceTime, nil)
		e.merger.SetPartial(ev.Text)
		e.metrics.PartialsEmitted.Add(context.Background(), 1, metric.WithAttributes(attribute.Int("tier", ev.Tier)))
		e.routeDraft(ev.Tier, ev.Tokens)
		e.publish()

	case tier.Segment:
		e.recordTiming(ev.Tier, ev.InferenceTime, ev.Spec)
		outcome := e.merger.Insert(transcript.Segment{
			Start:  ev.Start,
			End:    ev.End,
			Text:   ev.Text,
			Level:  ev.Tier,
			Tokens: ev.Tokens,
		})
		e.recordMerge(outcome)
		e.routeDraft(ev.Tier, ev.Tokens)
		e.publish()

	case tier.Status:
		e.sink.Status(fmt.Sprintf("tier %d: %s", ev.Tier, ev.Text))

	case tier.LoadProgress:
		e.sink.LoadProgress(ev.Tier, ev.Progress, ev.File)

	case tier.Reset:
		slog.Debug("tier reset", "tier", ev.Tier)

	case tier.Failure:
		e.handleFailure(ev)
	}
}

// routeDraft forwards tokens from the emitting tier to the next enabled
// tier, applying the policy keyed on the upstream tier's mode: a continuous
// upstream replaces the downstream draft buffer, a chunked upstream appends
// with header stripping.
func (e *Engine) routeDraft(from int, tokens []asr.Token) {
	if e.cfg.Propagation == PropagationOff || len(tokens) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := -1
	for _, lvl := range e.levels {
		if lvl > from {
			next = lvl
			break
		}
	}
	if next < 0 {
		return
	}
	if e.cfg.Propagation == PropagationSingleHop && !(from == 1 && next == 2) {
		return
	}

	down := e.entries[next].draft
	if e.entries[from].cfg.Mode == tier.ModeContinuous {
		down.Replace(tokens)
	} else {
		down.Append(tokens)
	}
}

// handleFailure applies the restart policy: a crashed worker is restarted
// once with its original configuration; a second crash takes the tier out
// of service without touching the others.
func (e *Engine) handleFailure(ev tier.Failure) {
	e.mu.Lock()
	entry, ok := e.entries[ev.Tier]
	if !ok || !e.started {
		e.mu.Unlock()
		return
	}
	if entry.restarts >= 1 {
		e.mu.Unlock()
		slog.Error("tier failed permanently", "tier", ev.Tier, "err", ev.Err)
		e.sink.Status(fmt.Sprintf("tier %d: fatal: %v", ev.Tier, ev.Err))
		return
	}
	entry.restarts++
	w := e.newWorker(entry)
	entry.worker = w
	ctx := e.runCtx
	e.mu.Unlock()

	slog.Warn("tier crashed, restarting", "tier", ev.Tier, "err", ev.Err)
	e.sink.Status(fmt.Sprintf("tier %d: crashed, restarting: %v", ev.Tier, ev.Err))
	w.Start(ctx)
	e.pump(w)
}

// recordTiming folds one inference into the tier's timing stats.
func (e *Engine) recordTiming(level int, elapsed time.Duration, spec *verify.Stats) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stats[level]
	if st == nil {
		return
	}
	ms := float64(elapsed.Microseconds()) / 1000
	st.Count++
	st.TotalTimeMs += ms
	st.AverageTimeMs = st.TotalTimeMs / float64(st.Count)
	st.LastTimeMs = ms

	if spec != nil {
		if st.Spec == nil {
			st.Spec = &SpecTotals{}
		}
		st.Spec.TotalHits += spec.VerifiedCount
		st.Spec.TotalDrafts += spec.TotalCount
		if st.Spec.TotalDrafts > 0 {
			st.Spec.HitRate = float64(st.Spec.TotalHits) / float64(st.Spec.TotalDrafts)
		}
	}
}

func (e *Engine) recordMerge(outcome transcript.Outcome) {
	ctx := context.Background()
	if outcome.Inserted {
		e.metrics.SegmentsInserted.Add(ctx, 1)
	}
	if outcome.Evicted > 0 {
		e.metrics.SegmentsEvicted.Add(ctx, int64(outcome.Evicted))
	}
	if outcome.Rejected {
		e.metrics.SegmentsRejected.Add(ctx, 1)
	}
}

// publish pushes a consistent transcript snapshot to the sink.
func (e *Engine) publish() {
	e.mu.Lock()
	timing := make(map[int]TimingStats, len(e.stats))
	for lvl, st := range e.stats {
		cp := *st
		if st.Spec != nil {
			spec := *st.Spec
			cp.Spec = &spec
		}
		timing[lvl] = cp
	}
	e.mu.Unlock()

	e.sink.Transcript(TranscriptUpdate{
		Segments: e.merger.Segments(),
		Partial:  e.merger.Partial(),
		Timing:   timing,
	})
}
