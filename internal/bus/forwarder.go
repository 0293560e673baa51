package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/transcript"
)

// forwarderBuffer is the subscription buffer of a [Forwarder]. Publishing is
// non-blocking on a NATS connection, so a modest buffer suffices.
const forwarderBuffer = 256

// Message is the JSON payload published for every transcript event.
type Message struct {
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id,omitempty"`
}

// ForwarderConfig holds the dependencies of a [Forwarder].
type ForwarderConfig struct {
	Publisher Publisher
	Source    *transcript.State

	// Prefix is prepended to the event kind, e.g. "livescribe.transcript"
	// yields "livescribe.transcript.final".
	Prefix string

	// SessionID, when set, is consulted for every event to tag the payload.
	SessionID func() string

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Forwarder republishes transcript events on the bus.
type Forwarder struct {
	pub       Publisher
	src       *transcript.State
	prefix    string
	sessionID func() string
	metrics   *observe.Metrics
	log       *slog.Logger
}

// NewForwarder validates cfg and returns a Forwarder. Nothing is subscribed
// until [Forwarder.Run] is called.
func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	var errs []error
	if cfg.Publisher == nil {
		errs = append(errs, errors.New("publisher is required"))
	}
	if cfg.Source == nil {
		errs = append(errs, errors.New("transcript source is required"))
	}
	if cfg.Prefix == "" {
		errs = append(errs, errors.New("subject prefix is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Forwarder{
		pub:       cfg.Publisher,
		src:       cfg.Source,
		prefix:    cfg.Prefix,
		sessionID: cfg.SessionID,
		metrics:   cfg.Metrics,
		log:       cfg.Logger.With("component", "bus"),
	}, nil
}

// Subject returns the subject events of kind are published to.
func (f *Forwarder) Subject(kind transcript.EventKind) string {
	return f.prefix + "." + kind.String()
}

// Run forwards events until ctx is cancelled. Publish failures are logged
// and counted; they never stop the forwarder. Run returns nil on
// cancellation.
func (f *Forwarder) Run(ctx context.Context) error {
	events, cancel := f.src.Subscribe(forwarderBuffer)
	defer cancel()

	f.log.Info("forwarding transcript events", "prefix", f.prefix)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev transcript.Event) {
	msg := Message{Kind: ev.Kind.String(), Text: ev.Text, At: ev.At}
	if f.sessionID != nil {
		msg.SessionID = f.sessionID()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		f.log.Error("failed to encode transcript event", "kind", msg.Kind, "error", err)
		return
	}

	subject := f.Subject(ev.Kind)
	err = f.pub.Publish(subject, data)
	f.metrics.RecordBusPublish(ctx, msg.Kind, err)
	if err != nil {
		f.log.Warn("failed to publish transcript event", "subject", subject, "error", err)
	}
}
