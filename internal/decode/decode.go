// Package decode runs the streaming recognition loop of a session: it drains
// the frame queue, feeds each frame to the acoustic decoder and publishes
// partial and final text to the shared transcript state.
package decode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/transcript"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// DefaultPollInterval bounds how long the loop waits for a frame before it
// re-checks for cancellation.
const DefaultPollInterval = 100 * time.Millisecond

// ErrDecodeFailure is matched by every [Failure].
var ErrDecodeFailure = errors.New("decode: decoder failure")

// Failure reports a decoder error that ended the loop.
type Failure struct {
	// Frame is the 1-based index of the frame being decoded.
	Frame uint64
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("decode: frame %d: %v", f.Frame, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is makes errors.Is(err, ErrDecodeFailure) hold.
func (f *Failure) Is(target error) bool { return target == ErrDecodeFailure }

// Config configures a [Loop].
type Config struct {
	Queue   *audio.FrameQueue
	Decoder stt.Decoder
	State   *transcript.State

	// PollInterval is the queue wait timeout. Default: [DefaultPollInterval].
	PollInterval time.Duration

	// OnFinal, if set, is called with every non-empty final text after it has
	// been committed to State.
	OnFinal func(text string)

	// Metrics records decode latency and transcript counts. Nil means
	// observe.DefaultMetrics().
	Metrics *observe.Metrics

	Logger *slog.Logger
}

// Loop is the streaming decode loop. Run it once.
type Loop struct {
	queue   *audio.FrameQueue
	dec     stt.Decoder
	state   *transcript.State
	poll    time.Duration
	onFinal func(string)
	metrics *observe.Metrics
	log     *slog.Logger

	frames uint64
}

// New validates cfg and returns a Loop.
func New(cfg Config) (*Loop, error) {
	var errs []error
	if cfg.Queue == nil {
		errs = append(errs, errors.New("queue is required"))
	}
	if cfg.Decoder == nil {
		errs = append(errs, errors.New("decoder is required"))
	}
	if cfg.State == nil {
		errs = append(errs, errors.New("state is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		queue:   cfg.Queue,
		dec:     cfg.Decoder,
		state:   cfg.State,
		poll:    cfg.PollInterval,
		onFinal: cfg.OnFinal,
		metrics: cfg.Metrics,
		log:     cfg.Logger.With("component", "decode"),
	}, nil
}

// Run decodes frames until ctx is cancelled, returning nil, or until the
// decoder fails, returning a *[Failure]. A frame already handed to the
// decoder is always finished before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Debug("decode loop started", "poll_interval", l.poll)
	defer l.log.Debug("decode loop stopped", "frames", l.frames)

	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, ok := l.queue.Pop(ctx, l.poll)
		if !ok {
			continue
		}
		if err := l.step(ctx, frame); err != nil {
			return err
		}
	}
}

// Frames returns how many frames were handed to the decoder. It must only be
// called after Run has returned.
func (l *Loop) Frames() uint64 { return l.frames }

func (l *Loop) step(ctx context.Context, frame []byte) error {
	l.frames++
	start := time.Now()
	final, err := l.dec.Accept(frame)
	l.metrics.DecodeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.Bool("final", final && err == nil)))
	if err != nil {
		l.metrics.DecodeFailures.Add(ctx, 1)
		f := &Failure{Frame: l.frames, Err: err}
		l.log.Error("decoder failed", "frame", l.frames, "error", err)
		return f
	}

	if !final {
		l.state.SetPartial(l.dec.PartialText())
		return nil
	}

	text := l.dec.FinalText()
	l.state.CommitFinal(text)
	if text == "" {
		return nil
	}
	l.metrics.RecordTranscript(ctx, transcript.EventFinal.String())
	l.log.Info("final transcript", "text", text)
	if l.onFinal != nil {
		l.onFinal(text)
	}
	return nil
}
