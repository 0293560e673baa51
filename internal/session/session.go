// Package session implements the pipeline controller of one transcription
// session. A [Session] owns the capture session, the decode loop, the
// optional enrichment worker and the shared transcript state, and enforces
// the lifecycle order
//
//	Idle → DeviceSelected → ModelLoaded → Listening → Stopped
//
// Stopped is terminal. Listening again requires a new Session; see
// internal/app.Manager.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/livescribe/internal/capture"
	"github.com/MrWong99/livescribe/internal/decode"
	"github.com/MrWong99/livescribe/internal/enrich"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/internal/transcript"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/punct"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateDeviceSelected
	StateModelLoaded
	StateListening
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDeviceSelected:
		return "DeviceSelected"
	case StateModelLoaded:
		return "ModelLoaded"
	case StateListening:
		return "Listening"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Config holds the dependencies and tuning of a [Session].
type Config struct {
	// Host enumerates devices and opens input streams. Required.
	Host audio.Host

	// Decoder loads the acoustic model. Required.
	Decoder stt.Provider

	// DecoderConfig is passed to Decoder.Load. A zero SampleRate means
	// [stt.SampleRate].
	DecoderConfig stt.LoadConfig

	// Punctuator loads the enrichment model. Nil disables enrichment.
	Punctuator punct.Provider

	// PunctConfig is passed to Punctuator.Load.
	PunctConfig punct.Config

	// EagerEnrichment submits every final to the enrichment worker as soon
	// as it is decoded, in addition to the read-triggered submission of
	// [Session.LatestText].
	EagerEnrichment bool

	// MaxPending bounds the enrichment job list. Zero means the enrich
	// package default.
	MaxPending int

	// EnrichTimeout bounds one enrichment job. Zero means the enrich package
	// default.
	EnrichTimeout time.Duration

	// SilenceThreshold is passed to the capture session.
	SilenceThreshold float64

	// QueueCapacity bounds the frame queue. Zero means
	// [audio.DefaultQueueCapacity].
	QueueCapacity int

	// PollInterval is the decode loop's queue wait. Zero means the decode
	// package default.
	PollInterval time.Duration

	// Transcript receives the session's results. Nil creates a fresh state.
	// Passing the state of a stopped session carries its history and
	// subscribers over to the new one.
	Transcript *transcript.State

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Info is a point-in-time summary of a session.
type Info struct {
	ID         string
	State      State
	Device     *audio.DeviceInfo
	SampleRate int
	StartedAt  time.Time
	Err        error
	Capture    capture.Stats
	Enrichment *EnrichmentInfo
}

// EnrichmentInfo summarises the enrichment worker.
type EnrichmentInfo struct {
	Status  enrich.Status
	Breaker resilience.State
	Pending int
	Stats   enrich.Stats
}

// Session is one transcription session. All methods are safe for concurrent
// use.
type Session struct {
	id      string
	cfg     Config
	base    *slog.Logger // session-scoped, handed to components
	log     *slog.Logger
	metrics *observe.Metrics

	transcript *transcript.State
	queue      *audio.FrameQueue
	capture    *capture.Session

	// opMu serialises lifecycle operations. It is held across slow model
	// loads; mu is not.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	decoder   stt.Decoder
	worker    *enrich.Worker
	breaker   *resilience.CircuitBreaker
	cancel    context.CancelFunc
	loopDone  chan struct{}
	reg       metric.Registration
	startedAt time.Time
	err       error

	done chan struct{}
}

// New returns an Idle session.
func New(cfg Config) (*Session, error) {
	var errs []error
	if cfg.Host == nil {
		errs = append(errs, errors.New("host is required"))
	}
	if cfg.Decoder == nil {
		errs = append(errs, errors.New("decoder provider is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if cfg.DecoderConfig.SampleRate <= 0 {
		cfg.DecoderConfig.SampleRate = stt.SampleRate
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Transcript == nil {
		cfg.Transcript = transcript.NewState()
	}

	id := uuid.NewString()
	base := cfg.Logger.With("session_id", id)
	queue := audio.NewFrameQueue(cfg.QueueCapacity)
	capt, err := capture.New(capture.Config{
		Host:             cfg.Host,
		Queue:            queue,
		TargetRate:       cfg.DecoderConfig.SampleRate,
		SilenceThreshold: cfg.SilenceThreshold,
		Logger:           base,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	return &Session{
		id:         id,
		cfg:        cfg,
		base:       base,
		log:        base.With("component", "session"),
		metrics:    cfg.Metrics,
		transcript: cfg.Transcript,
		queue:      queue,
		capture:    capt,
		state:      StateIdle,
		done:       make(chan struct{}),
	}, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure that stopped the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session reaches [StateStopped].
func (s *Session) Done() <-chan struct{} { return s.done }

// Transcript returns the session's transcript state, e.g. to subscribe to
// its events.
func (s *Session) Transcript() *transcript.State { return s.transcript }

// ListDevices returns the input-capable devices of the host.
func (s *Session) ListDevices() ([]audio.DeviceInfo, error) {
	devices, err := s.cfg.Host.Devices()
	if err != nil {
		return nil, fmt.Errorf("session: list devices: %w", err)
	}
	return audio.InputDevices(devices), nil
}

// SelectDevice selects the capture device. It may be repeated before Start;
// the latest selection wins. Invalid indices fail with an error matching
// [capture.ErrInvalidDevice] and leave the state unchanged.
func (s *Session) SelectDevice(index int) (audio.DeviceInfo, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if st := s.State(); st == StateListening || st == StateStopped {
		return audio.DeviceInfo{}, s.precondition("select device", st)
	}
	dev, err := s.capture.SelectDevice(index)
	if err != nil {
		return audio.DeviceInfo{}, err
	}

	s.mu.Lock()
	if s.state == StateIdle {
		s.setStateLocked(StateDeviceSelected)
	}
	s.mu.Unlock()
	return dev, nil
}

// Load loads the acoustic model and, when enrichment is configured, the
// punctuation model, and warms the latter up. It blocks until both are
// ready. A decoder failure returns a *[ModelLoadError] and leaves the state
// unchanged. A punctuation failure only disables enrichment.
//
// Calling Load again before Start replaces the loaded models.
func (s *Session) Load(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	st := s.State()
	if st != StateDeviceSelected && st != StateModelLoaded {
		return s.precondition("load", st)
	}

	start := time.Now()
	dec, err := s.cfg.Decoder.Load(ctx, s.cfg.DecoderConfig)
	if err != nil {
		s.log.Error("decoder load failed", "path", s.cfg.DecoderConfig.ModelPath, "error", err)
		return &ModelLoadError{Kind: "decoder", Path: s.cfg.DecoderConfig.ModelPath, Err: err}
	}
	s.metrics.RecordModelLoad(ctx, "decoder", time.Since(start).Seconds())
	s.log.Info("decoder loaded", "path", s.cfg.DecoderConfig.ModelPath, "duration", time.Since(start))

	worker, breaker := s.loadEnrichment(ctx)

	s.mu.Lock()
	prev := s.decoder
	s.decoder = dec
	s.worker = worker
	s.breaker = breaker
	s.setStateLocked(StateModelLoaded)
	s.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// loadEnrichment loads the punctuation model and builds a warmed-up worker.
// It returns nils when enrichment is disabled or unavailable.
func (s *Session) loadEnrichment(ctx context.Context) (*enrich.Worker, *resilience.CircuitBreaker) {
	if s.cfg.Punctuator == nil {
		return nil, nil
	}
	start := time.Now()
	pred, err := s.cfg.Punctuator.Load(ctx, s.cfg.PunctConfig)
	if err != nil {
		lerr := &ModelLoadError{Kind: "punctuation", Path: s.cfg.PunctConfig.CheckpointDir, Err: err}
		s.log.Warn("enrichment disabled", "error", lerr)
		return nil, nil
	}
	s.metrics.RecordModelLoad(ctx, "punctuation", time.Since(start).Seconds())

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:   "punctuation",
		Logger: s.base,
	})
	worker, err := enrich.New(enrich.Config{
		Predictor:  pred,
		State:      s.transcript,
		MaxPending: s.cfg.MaxPending,
		Timeout:    s.cfg.EnrichTimeout,
		Breaker:    breaker,
		Metrics:    s.metrics,
		Logger:     s.base,
	})
	if err != nil {
		s.log.Warn("enrichment disabled", "error", err)
		return nil, nil
	}
	if err := worker.Warmup(ctx); err != nil {
		s.log.Warn("punctuation warmup failed", "error", err)
	}
	return worker, breaker
}

// Start opens the capture stream and starts decoding and enrichment. The
// session keeps running after ctx is cancelled; call [Session.Stop]. Stream
// open failures are returned unchanged in the error chain and leave the
// session in [StateModelLoaded].
func (s *Session) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	st := s.State()
	if st != StateModelLoaded {
		return s.precondition("start", st)
	}

	s.mu.Lock()
	dec, worker := s.decoder, s.worker
	s.mu.Unlock()

	var onFinal func(string)
	if worker != nil && s.cfg.EagerEnrichment {
		onFinal = func(text string) { worker.Submit(text) }
	}
	loop, err := decode.New(decode.Config{
		Queue:        s.queue,
		Decoder:      dec,
		State:        s.transcript,
		PollInterval: s.cfg.PollInterval,
		OnFinal:      onFinal,
		Metrics:      s.metrics,
		Logger:       s.base,
	})
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	if err := s.capture.Start(); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	reg, err := s.metrics.ObserveCapture(func() observe.CaptureStats {
		cs := s.capture.Stats()
		return observe.CaptureStats(cs)
	})
	if err != nil {
		s.log.Warn("capture metrics unavailable", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if worker != nil {
		worker.Start(runCtx)
	}
	loopDone := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.loopDone = loopDone
	s.reg = reg
	s.startedAt = time.Now()
	s.setStateLocked(StateListening)
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1)
	go s.run(runCtx, loop, loopDone)
	return nil
}

func (s *Session) run(ctx context.Context, loop *decode.Loop, loopDone chan struct{}) {
	err := loop.Run(ctx)
	close(loopDone)
	if err == nil {
		return
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.log.Error("decode loop failed, stopping session", "error", err)
	s.Stop()
}

// Stop ends a listening session: it closes the capture stream, lets the
// in-flight decode step finish, stops the enrichment worker and releases the
// decoder. Stop never fails. It is idempotent and leaves a session that
// never started untouched.
func (s *Session) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return
	}
	cancel, loopDone := s.cancel, s.loopDone
	worker, dec, reg := s.worker, s.decoder, s.reg
	s.mu.Unlock()

	if err := s.capture.Stop(); err != nil {
		s.log.Warn("capture stop failed", "error", err)
	}
	cancel()
	<-loopDone
	if worker != nil {
		worker.Stop()
	}
	if err := dec.Close(); err != nil {
		s.log.Warn("decoder close failed", "error", err)
	}
	if reg != nil {
		_ = reg.Unregister()
	}

	s.mu.Lock()
	s.setStateLocked(StateStopped)
	s.mu.Unlock()
	s.metrics.ActiveSessions.Add(context.Background(), -1)
	close(s.done)
}

// Close stops the session and releases models loaded by a session that never
// started. Use it when discarding a session.
func (s *Session) Close() {
	s.Stop()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return
	}
	if s.decoder != nil {
		_ = s.decoder.Close()
		s.decoder = nil
	}
	if s.worker != nil {
		s.worker.Stop()
		s.worker = nil
	}
}

// LatestText returns the enriched text if any has been published, else the
// latest final text. When enrichment is enabled it first submits the latest
// final for enrichment (deduplicated against the last submitted text), so the
// result is eventually consistent: an immediate call may return raw text
// that a later call returns enriched.
func (s *Session) LatestText() string {
	final := s.transcript.LatestFinal()
	s.mu.Lock()
	worker := s.worker
	s.mu.Unlock()
	if worker != nil && final != "" {
		worker.Submit(final)
	}
	if enriched, ok := s.transcript.Enriched(); ok {
		return enriched
	}
	return final
}

// PartialText returns the current partial hypothesis.
func (s *Session) PartialText() string { return s.transcript.Partial() }

// History returns all final utterances in order.
func (s *Session) History() []string { return s.transcript.History() }

// Snapshot returns a consistent copy of the transcript state.
func (s *Session) Snapshot() transcript.Snapshot { return s.transcript.Snapshot() }

// Info returns a summary of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:        s.id,
		State:     s.state,
		StartedAt: s.startedAt,
		Err:       s.err,
	}
	worker, breaker := s.worker, s.breaker
	s.mu.Unlock()

	if dev, ok := s.capture.Device(); ok {
		info.Device = &dev
		info.SampleRate = s.capture.SampleRate()
	}
	info.Capture = s.capture.Stats()
	if worker != nil {
		info.Enrichment = &EnrichmentInfo{
			Status:  worker.Status(),
			Breaker: breaker.State(),
			Pending: worker.Pending(),
			Stats:   worker.Stats(),
		}
	}
	return info
}

// precondition builds the error for op refused in state st.
func (s *Session) precondition(op string, st State) error {
	var missing string
	switch st {
	case StateIdle:
		missing = "a selected device"
	case StateDeviceSelected:
		missing = "a loaded model"
	case StateListening:
		missing = "a session that is not listening"
	case StateStopped:
		missing = "a new session"
	default:
		missing = "a listening session"
	}
	return &PreconditionError{Op: op, Missing: missing, State: st}
}

// setStateLocked must be called with s.mu held.
func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.log.Info("session state changed", "from", s.state.String(), "to", st.String())
	s.state = st
	s.metrics.RecordTransition(context.Background(), st.String())
}
