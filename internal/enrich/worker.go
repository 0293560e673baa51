// Package enrich adds casing and punctuation to finalized transcript text in
// the background.
//
// A [Worker] owns a small FIFO of pending texts and one goroutine that feeds
// them to a [punct.Predictor]. Results go to [transcript.State.SetEnriched].
// Enrichment is best-effort: on any failure the worker publishes the
// original text, so the enriched field never goes stale, and nothing on the
// enrichment path can stall capture or decoding.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/internal/transcript"
	"github.com/MrWong99/livescribe/pkg/provider/punct"
)

const (
	// DefaultMaxPending bounds the job list. The oldest job is dropped when a
	// new one arrives at capacity.
	DefaultMaxPending = 32

	// DefaultTimeout bounds a single enrichment job.
	DefaultTimeout = 10 * time.Second

	// warmupPhrase is enriched once during model load.
	warmupPhrase = "hallo welt wie geht es dir"
)

// ErrEnrichment is matched by every [Failure].
var ErrEnrichment = errors.New("enrich: enrichment failed")

// errEmptyOutput is reported when the predictor produced no text.
var errEmptyOutput = errors.New("predictor returned empty text")

// Failure reports an enrichment job that fell back to the original text.
type Failure struct {
	Text string
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("enrich: %q: %v", f.Text, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is makes errors.Is(err, ErrEnrichment) hold.
func (f *Failure) Is(target error) bool { return target == ErrEnrichment }

// Status is the worker lifecycle state.
type Status int32

const (
	StatusNotStarted Status = iota
	StatusRunning
	StatusStopped
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures a [Worker].
type Config struct {
	// Predictor is the punctuation model. Required.
	Predictor punct.Predictor

	// State receives enriched text. Required.
	State *transcript.State

	// MaxPending bounds the job list. Default: [DefaultMaxPending].
	MaxPending int

	// Timeout bounds one job. Default: [DefaultTimeout].
	Timeout time.Duration

	// Breaker guards predictor calls. Nil creates a breaker with default
	// settings.
	Breaker *resilience.CircuitBreaker

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Worker is the asynchronous punctuation stage. All methods are safe for
// concurrent use.
type Worker struct {
	pred       punct.Predictor
	state      *transcript.State
	maxPending int
	timeout    time.Duration
	breaker    *resilience.CircuitBreaker
	metrics    *observe.Metrics
	log        *slog.Logger

	mu      sync.Mutex
	status  Status
	pending []string
	last    string
	hasLast bool
	cancel  context.CancelFunc

	wake chan struct{}
	done chan struct{}

	submitted atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
}

// New returns a Worker in [StatusNotStarted].
func New(cfg Config) (*Worker, error) {
	if cfg.Predictor == nil {
		return nil, errors.New("enrich: predictor is required")
	}
	if cfg.State == nil {
		return nil, errors.New("enrich: state is required")
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:   "punctuation",
			Logger: cfg.Logger,
		})
	}
	return &Worker{
		pred:       cfg.Predictor,
		state:      cfg.State,
		maxPending: cfg.MaxPending,
		timeout:    cfg.Timeout,
		breaker:    cfg.Breaker,
		metrics:    cfg.Metrics,
		log:        cfg.Logger.With("component", "enrich"),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}, nil
}

// Start launches the worker goroutine. Calling Start on a running or stopped
// worker is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusNotStarted {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.status = StatusRunning
	go w.loop(ctx)
	w.log.Debug("worker started", "max_pending", w.maxPending)
}

// Stop cancels the in-flight job, if any, and waits for the goroutine to
// exit. Pending jobs are discarded. It is idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	prev := w.status
	w.status = StatusStopped
	w.pending = nil
	cancel := w.cancel
	w.mu.Unlock()

	if prev != StatusRunning {
		return
	}
	cancel()
	<-w.done
	w.log.Debug("worker stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
		"dropped", w.dropped.Load(),
	)
}

// Status returns the lifecycle state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Submit enqueues text for enrichment unless it is blank, equals the most
// recently enqueued job, or the worker is stopped. The comparison is against
// the last job ever enqueued, even after it has been processed, so polling an
// unchanged final never re-enqueues it. Submit never blocks.
func (w *Worker) Submit(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	w.mu.Lock()
	if w.status == StatusStopped || (w.hasLast && w.last == text) {
		w.mu.Unlock()
		return false
	}
	w.last, w.hasLast = text, true
	w.pending = append(w.pending, text)
	if len(w.pending) > w.maxPending {
		w.pending[0] = ""
		w.pending = w.pending[1:]
		w.dropped.Add(1)
	}
	w.mu.Unlock()

	w.submitted.Add(1)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued jobs.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Stats are cumulative job counters.
type Stats struct {
	Submitted uint64
	Dropped   uint64
	Processed uint64
	Failed    uint64
}

// Stats returns the worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Submitted: w.submitted.Load(),
		Dropped:   w.dropped.Load(),
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
	}
}

// Warmup runs one enrichment pass on a fixed phrase without publishing the
// result, so the first real utterance does not pay the model's cold start.
func (w *Worker) Warmup(ctx context.Context) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if _, err := punct.Enrich(ctx, w.pred, warmupPhrase); err != nil {
		return fmt.Errorf("enrich: warmup: %w", err)
	}
	w.log.Info("punctuation model warmed up", "duration", time.Since(start))
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	for {
		text, ok := w.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, text)
	}
}

func (w *Worker) pop() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return "", false
	}
	text := w.pending[0]
	w.pending[0] = ""
	w.pending = w.pending[1:]
	return text, true
}

func (w *Worker) process(ctx context.Context, text string) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "enrich.job", observe.AttrTextLen.Int(len(text)))

	jobCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var out string
	err := w.breaker.Execute(jobCtx, func(ctx context.Context) error {
		var err error
		out, err = punct.Enrich(ctx, w.pred, text)
		if err == nil && strings.TrimSpace(out) == "" {
			err = errEmptyOutput
		}
		return err
	})
	if ctx.Err() != nil {
		// Stopped mid-job. Leave enriched untouched.
		observe.EndSpan(span, "cancelled", nil, "")
		return
	}

	status := "ok"
	if err != nil {
		status = "fallback"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			status = "skipped"
		}
		f := &Failure{Text: text, Err: err}
		err = f
		w.failed.Add(1)
		observe.LoggerFrom(ctx, w.log).Warn("enrichment failed, publishing original text", "error", f)
		out = text
	}
	observe.EndSpan(span, status, err, "enrichment fell back")

	w.state.SetEnriched(out)
	w.processed.Add(1)
	w.metrics.RecordEnrichJob(ctx, status, time.Since(start).Seconds())
	w.metrics.RecordTranscript(ctx, transcript.EventEnriched.String())
}
