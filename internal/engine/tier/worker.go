package tier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/elvirab/echelon/internal/engine/draft"
	"github.com/elvirab/echelon/internal/engine/verify"
	"github.com/elvirab/echelon/internal/observe"
	"github.com/elvirab/echelon/pkg/asr"
	"github.com/elvirab/echelon/pkg/audio"
)

const defaultEventBuffer = 64

// Worker runs one tier. Create it with NewWorker, start it with Start, and
// feed it through Audio and Commit. Events arrives on the channel returned
// by Events, which is closed when the worker terminates.
type Worker struct {
	cfg     Config
	loader  asr.Loader
	load    asr.LoadConfig
	draft   *draft.Buffer
	metrics *observe.Metrics
	events  chan Event

	mu        sync.Mutex
	buf       []float32
	fresh     int   // samples appended since the last firing
	processed int64 // P: samples already emitted as segments
	commitReq bool
	state     State

	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	ready    chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	model asr.Model
}

// Option is a functional option for configuring a Worker.
type Option func(*Worker)

// WithDraftBuffer attaches the draft buffer the orchestrator writes for this
// tier. Without one, the tier never decodes speculatively.
func WithDraftBuffer(b *draft.Buffer) Option {
	return func(w *Worker) { w.draft = b }
}

// WithEventBuffer sets the event channel capacity. Default is 64.
func WithEventBuffer(n int) Option {
	return func(w *Worker) { w.events = make(chan Event, n) }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker creates a worker for cfg that loads its model through loader.
// The worker does nothing until Start is called.
func NewWorker(cfg Config, loader asr.Loader, load asr.LoadConfig, opts ...Option) *Worker {
	w := &Worker{
		cfg:    cfg,
		loader: loader,
		load:   load,
		events: make(chan Event, defaultEventBuffer),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		state:  StateLoading,
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

// Events returns the worker's outbound event channel. It is closed when the
// worker terminates.
func (w *Worker) Events() <-chan Event { return w.events }

// Ready is closed once the model is loaded and the worker accepts firings.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// Done is closed when the worker loop has exited, for any reason.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Config returns the worker's configuration.
func (w *Worker) Config() Config { return w.cfg }

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// BufferedSeconds returns the current audio buffer length in seconds.
func (w *Worker) BufferedSeconds() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return audio.Seconds(len(w.buf))
}

// ProcessedSeconds returns the processed-prefix position P in seconds.
func (w *Worker) ProcessedSeconds() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return float64(w.processed) / audio.SampleRate
}

// Start launches the worker loop. ctx cancellation terminates the worker at
// its next checkpoint.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Audio appends samples to the tier's buffer. Accepted in every state except
// Terminated; audio arriving while the model is loading or busy accumulates
// without loss.
func (w *Worker) Audio(samples []float32) {
	w.mu.Lock()
	if w.state == StateTerminated {
		w.mu.Unlock()
		return
	}
	w.buf = append(w.buf, samples...)
	w.fresh += len(samples)
	w.mu.Unlock()
	w.nudge()
}

// Commit requests a buffer flush at the next checkpoint: the audio buffer
// and draft buffer are cleared while the processed-prefix counter is
// preserved, so later segment timestamps stay monotone.
func (w *Worker) Commit() {
	w.mu.Lock()
	w.commitReq = true
	w.mu.Unlock()
	w.nudge()
}

// Stop terminates the worker cooperatively and waits for the loop to exit.
// A stop issued while an inference is in flight waits for it to finish.
// Stop is safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

// nudge wakes the loop without blocking.
func (w *Worker) nudge() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// ─── Worker loop ─────────────────────────────────────────────────────────────

// run is the single goroutine that owns the buffer and drives inference.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.done)
	defer close(w.events)
	defer func() {
		if r := recover(); r != nil {
			w.setState(StateTerminated)
			slog.Error("tier worker panicked", "tier", w.cfg.Level, "panic", r)
			// Failure must reach the orchestrator for the restart policy, so
			// this send blocks rather than dropping like emit does.
			w.events <- Failure{Tier: w.cfg.Level, Err: fmt.Errorf("tier %d: panic: %v", w.cfg.Level, r)}
		}
	}()
	defer w.setState(StateTerminated)

	if !w.loadModel(ctx) {
		return
	}
	defer w.model.Close()

	w.setState(StateReady)
	close(w.ready)
	w.emit(Status{Tier: w.cfg.Level, Text: "ready"})
	w.metrics.ActiveTiers.Add(ctx, 1, metric.WithAttributes(attribute.Int("tier", w.cfg.Level)))
	defer w.metrics.ActiveTiers.Add(context.Background(), -1, metric.WithAttributes(attribute.Int("tier", w.cfg.Level)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-w.notify:
		}

		if w.takeCommit() {
			w.handleCommit()
		}
		for w.fireOnce(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			default:
			}
		}
		w.setState(StateIdle)
	}
}

// loadModel loads the tier's model with CPU fallback and surfaces the
// quantization validation outcome. Returns false on a fatal load failure,
// which leaves the tier out of service without crashing the engine.
func (w *Worker) loadModel(ctx context.Context) bool {
	load := w.load
	load.Progress = func(progress float64, file string) {
		w.emit(LoadProgress{Tier: w.cfg.Level, Progress: progress, File: file})
	}

	model, device, err := asr.LoadWithFallback(ctx, w.loader, load)
	if err != nil {
		slog.Error("tier model load failed", "tier", w.cfg.Level, "model", load.ModelID, "err", err)
		w.emit(Status{Tier: w.cfg.Level, Text: fmt.Sprintf("fatal: model load failed: %v", err)})
		return false
	}
	w.model = model

	if device != w.load.Device {
		w.emit(Status{Tier: w.cfg.Level, Text: fmt.Sprintf("device %q unavailable, running on cpu", w.load.Device)})
	}
	if qr, ok := model.(asr.QuantReporter); ok && w.load.DType != "" {
		w.emit(Status{Tier: w.cfg.Level, Text: fmt.Sprintf("quantization %q validation: %s", w.load.DType, qr.Quantization())})
	}
	return true
}

func (w *Worker) takeCommit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	req := w.commitReq
	w.commitReq = false
	return req
}

// handleCommit clears the audio and draft buffers, preserving P.
func (w *Worker) handleCommit() {
	w.mu.Lock()
	w.buf = nil
	w.fresh = 0
	w.mu.Unlock()

	if w.draft != nil {
		w.draft.Clear()
	}
	w.emit(Reset{Tier: w.cfg.Level})
}

// fireOnce runs at most one inference. It returns true when it fired, so
// the loop drains every window that is already buffered.
func (w *Worker) fireOnce(ctx context.Context) bool {
	switch w.cfg.Mode {
	case ModeContinuous:
		return w.fireContinuous(ctx)
	case ModeChunk:
		return w.fireChunk(ctx)
	default:
		return false
	}
}

// fireContinuous transcribes the trailing window and emits a partial.
func (w *Worker) fireContinuous(ctx context.Context) bool {
	stepSamples := audio.Samples(w.cfg.StepSize)

	w.mu.Lock()
	if len(w.buf) < stepSamples || w.fresh == 0 {
		w.mu.Unlock()
		return false
	}

	maxIn := audio.Samples(w.cfg.MaxInputWindow)
	from := 0
	if len(w.buf) > maxIn {
		from = len(w.buf) - maxIn
	}
	input := append([]float32(nil), w.buf[from:]...)

	// Trim to the residual context so the next firing needs new audio.
	ctxSamples := audio.Samples(w.cfg.ContextWindow)
	if len(w.buf) > ctxSamples {
		w.buf = append([]float32(nil), w.buf[len(w.buf)-ctxSamples:]...)
	}
	w.fresh = 0
	w.state = StateBusy
	w.mu.Unlock()

	start := time.Now()
	tokens, err := w.infer(ctx, input, nil)
	elapsed := time.Since(start)
	if err != nil {
		w.emit(Status{Tier: w.cfg.Level, Text: fmt.Sprintf("inference error: %v", err)})
		return true
	}

	w.recordInference(ctx, elapsed)
	w.emit(Partial{
		Tier:          w.cfg.Level,
		Text:          w.model.Decode(tokens, true),
		Tokens:        tokens,
		InferenceTime: elapsed,
	})
	return true
}

// fireChunk transcribes the leading chunk and emits a timed segment.
func (w *Worker) fireChunk(ctx context.Context) bool {
	chunkSamples := audio.Samples(w.cfg.ChunkSize)

	w.mu.Lock()
	if len(w.buf) < chunkSamples {
		w.mu.Unlock()
		return false
	}

	input := append([]float32(nil), w.buf[:chunkSamples]...)
	w.buf = append([]float32(nil), w.buf[chunkSamples:]...)
	startS := float64(w.processed) / audio.SampleRate
	w.processed += int64(chunkSamples)
	endS := float64(w.processed) / audio.SampleRate
	w.state = StateBusy
	w.mu.Unlock()

	// Speculative decoding is available to chunk tiers above level 1 with a
	// queued draft.
	var drft []asr.Token
	if w.cfg.Level > 1 && w.draft != nil {
		drft = w.draft.Take()
	}

	start := time.Now()
	tokens, stats, err := w.inferChunk(ctx, input, drft)
	elapsed := time.Since(start)
	if err != nil {
		w.emit(Status{Tier: w.cfg.Level, Text: fmt.Sprintf("inference error: %v", err)})
		return true
	}

	w.recordInference(ctx, elapsed)
	if stats != nil {
		attrs := metric.WithAttributes(attribute.Int("tier", w.cfg.Level))
		w.metrics.DraftTokensOffered.Add(ctx, int64(stats.TotalCount), attrs)
		w.metrics.DraftTokensVerified.Add(ctx, int64(stats.VerifiedCount), attrs)
	}

	// Empty text is emitted too: it asserts silence for the interval.
	w.emit(Segment{
		Tier:          w.cfg.Level,
		Start:         startS,
		End:           endS,
		Text:          w.model.Decode(tokens, true),
		Tokens:        tokens,
		InferenceTime: elapsed,
		Spec:          stats,
	})
	return true
}

// infer runs feature extraction and plain generation.
func (w *Worker) infer(ctx context.Context, input []float32, prefix []asr.Token) ([]asr.Token, error) {
	feats, err := w.model.ExtractFeatures(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("extract features: %w", err)
	}
	opts := w.genOptions()
	opts.DecoderInputIDs = prefix
	tokens, err := w.model.Generate(ctx, feats, opts)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return tokens, nil
}

// inferChunk runs feature extraction and draft-verified generation.
func (w *Worker) inferChunk(ctx context.Context, input []float32, drft []asr.Token) ([]asr.Token, *verify.Stats, error) {
	feats, err := w.model.ExtractFeatures(ctx, input)
	if err != nil {
		return nil, nil, fmt.Errorf("extract features: %w", err)
	}
	tokens, stats, err := verify.Generate(ctx, w.model, feats, drft, w.genOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("generate: %w", err)
	}
	return tokens, stats, nil
}

func (w *Worker) genOptions() asr.GenOptions {
	return asr.GenOptions{
		MaxNewTokens:  w.cfg.Generation.MaxNewTokens,
		Language:      w.cfg.Language,
		Task:          w.cfg.Task,
		Beams:         w.cfg.Generation.Beams,
		DoSample:      w.cfg.Generation.DoSample,
		EarlyStopping: w.cfg.Generation.EarlyStopping,
	}
}

func (w *Worker) recordInference(ctx context.Context, elapsed time.Duration) {
	w.metrics.InferenceDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.Int("tier", w.cfg.Level),
		attribute.String("mode", string(w.cfg.Mode)),
	))
}

// emit delivers an event, dropping it if the channel has backed up — a slow
// consumer must not wedge the inference loop.
func (w *Worker) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		slog.Warn("tier event dropped: slow consumer", "tier", w.cfg.Level, "event", fmt.Sprintf("%T", ev))
	}
}
