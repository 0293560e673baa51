// Package capture owns the hardware input stream of a transcription session.
//
// A [Session] turns device-rate int16 blocks delivered by an [audio.Host]
// into decoder-rate PCM frames on an [audio.FrameQueue]. The per-block work
// runs on the host's realtime callback thread, so it is bounded: convert to
// float, gate silence, resample, convert back and push. The callback never
// logs, never takes a lock shared with other pipeline stages and only
// touches atomics and the queue's short critical section.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// ErrInvalidDevice is matched by every [InvalidDeviceError].
var ErrInvalidDevice = errors.New("capture: invalid device")

// ErrNoDevice is returned by [Session.Start] when no device was selected.
var ErrNoDevice = errors.New("capture: no device selected")

// ErrAlreadyStarted is returned by [Session.Start] while a stream is open.
var ErrAlreadyStarted = errors.New("capture: already started")

// InvalidDeviceError reports a device index that is not an enumerated input
// device.
type InvalidDeviceError struct {
	Index  int
	Reason string
}

func (e *InvalidDeviceError) Error() string {
	return fmt.Sprintf("capture: invalid device %d: %s", e.Index, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidDevice) hold.
func (e *InvalidDeviceError) Is(target error) bool { return target == ErrInvalidDevice }

// Config configures a [Session].
type Config struct {
	// Host enumerates devices and opens input streams. Required.
	Host audio.Host

	// Queue receives decoder-rate PCM frames. Required.
	Queue *audio.FrameQueue

	// TargetRate is the decoder sample rate. Default: [stt.SampleRate].
	TargetRate int

	// SilenceThreshold is the mean absolute amplitude below which a block is
	// dropped. Default: [audio.DefaultSilenceThreshold]. A negative value
	// disables gating.
	SilenceThreshold float64

	// Logger is used for lifecycle logs. Nil means slog.Default().
	Logger *slog.Logger
}

// Stats are cumulative capture counters.
type Stats struct {
	// Blocks is the number of callback invocations.
	Blocks uint64
	// Overflows counts blocks discarded because the host flagged an overflow.
	Overflows uint64
	// Gated counts blocks dropped by the silence gate.
	Gated uint64
	// Enqueued counts frames pushed to the queue.
	Enqueued uint64
	// Dropped counts frames the queue evicted to stay within capacity.
	Dropped uint64
	// QueueDepth is the number of frames waiting for the decoder.
	QueueDepth int
}

// Session is one capture session. Device selection and Start/Stop are safe
// for concurrent use.
type Session struct {
	host   audio.Host
	queue  *audio.FrameQueue
	target int
	gate   audio.SilenceGate
	gateOn bool
	log    *slog.Logger

	mu      sync.Mutex
	device  audio.DeviceInfo
	rate    int
	block   int
	hasDev  bool
	stream  audio.Stream
	running bool

	stopped   atomic.Bool
	blocks    atomic.Uint64
	overflows atomic.Uint64
	gated     atomic.Uint64
	enqueued  atomic.Uint64
}

// New returns a Session for cfg.
func New(cfg Config) (*Session, error) {
	if cfg.Host == nil {
		return nil, errors.New("capture: host is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("capture: queue is required")
	}
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = stt.SampleRate
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = audio.DefaultSilenceThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		host:   cfg.Host,
		queue:  cfg.Queue,
		target: cfg.TargetRate,
		gate:   audio.SilenceGate{Threshold: cfg.SilenceThreshold},
		gateOn: cfg.SilenceThreshold >= 0,
		log:    cfg.Logger.With("component", "capture"),
	}, nil
}

// SelectDevice validates index against the host's input devices and records
// its native sample rate and 50 ms block size. It may be called repeatedly;
// the latest successful selection wins. Selection does not affect a stream
// that is already open.
func (s *Session) SelectDevice(index int) (audio.DeviceInfo, error) {
	devices, err := s.host.Devices()
	if err != nil {
		return audio.DeviceInfo{}, fmt.Errorf("capture: list devices: %w", err)
	}

	var (
		dev   audio.DeviceInfo
		found bool
	)
	for _, d := range devices {
		if d.Index == index {
			dev, found = d, true
			break
		}
	}
	switch {
	case !found:
		return audio.DeviceInfo{}, &InvalidDeviceError{Index: index, Reason: "no such device"}
	case !dev.IsInput():
		return audio.DeviceInfo{}, &InvalidDeviceError{Index: index, Reason: "device has no input channels"}
	case dev.DefaultSampleRate <= 0:
		return audio.DeviceInfo{}, &InvalidDeviceError{Index: index, Reason: "device reports no sample rate"}
	}

	rate := int(dev.DefaultSampleRate)
	s.mu.Lock()
	s.device = dev
	s.rate = rate
	s.block = audio.BlockSize(rate)
	s.hasDev = true
	s.mu.Unlock()

	s.log.Info("device selected", "index", dev.Index, "name", dev.Name, "sample_rate", rate)
	return dev, nil
}

// Device returns the selected device, if any.
func (s *Session) Device() (audio.DeviceInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device, s.hasDev
}

// SampleRate returns the selected device's native rate, or 0.
func (s *Session) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// BlockSize returns the number of device-rate samples per callback block.
func (s *Session) BlockSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.block
}

// Start opens a mono input stream on the selected device and begins pushing
// frames to the queue. Stream open and start failures are returned as-is
// (wrapped) and not retried.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasDev {
		return ErrNoDevice
	}
	if s.running {
		return ErrAlreadyStarted
	}

	norm, err := audio.NewNormalizer(s.rate, s.target)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	params := audio.InputParams{
		Device:         s.device.Index,
		Channels:       1,
		SampleRate:     s.rate,
		FramesPerBlock: s.block,
	}
	s.stopped.Store(false)
	stream, err := s.host.OpenInput(params, s.callback(norm))
	if err != nil {
		return fmt.Errorf("capture: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("capture: start stream: %w", err)
	}
	s.stream = stream
	s.running = true

	s.log.Info("capture started",
		"device", s.device.Index,
		"device_rate", s.rate,
		"target_rate", s.target,
		"block_size", s.block,
	)
	return nil
}

// Stop raises the stop flag and closes the stream. It is idempotent and a
// no-op on a session that never started. The close error of the first call
// is returned.
func (s *Session) Stop() error {
	s.stopped.Store(true)

	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.running = false
	s.mu.Unlock()

	if stream == nil {
		return nil
	}
	if err := stream.Close(); err != nil {
		s.log.Warn("close stream failed", "error", err)
		return fmt.Errorf("capture: close stream: %w", err)
	}
	s.log.Info("capture stopped", "stats", s.Stats())
	return nil
}

// Running reports whether a stream is open.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns a snapshot of the capture counters.
func (s *Session) Stats() Stats {
	return Stats{
		Blocks:     s.blocks.Load(),
		Overflows:  s.overflows.Load(),
		Gated:      s.gated.Load(),
		Enqueued:   s.enqueued.Load(),
		Dropped:    s.queue.Dropped(),
		QueueDepth: s.queue.Len(),
	}
}

// callback builds the realtime block handler. The normalizer and scratch
// buffer are owned by the closure, which the host calls from one thread.
func (s *Session) callback(norm *audio.Normalizer) audio.Callback {
	var scratch []float32
	return func(in []int16, overflow bool) {
		if s.stopped.Load() {
			return
		}
		s.blocks.Add(1)
		if overflow {
			s.overflows.Add(1)
			return
		}

		scratch = audio.Int16ToFloat32(scratch, in)
		if s.gateOn && !s.gate.Pass(scratch) {
			s.gated.Add(1)
			return
		}

		out := norm.Process(scratch)
		if len(out) == 0 {
			return
		}
		s.queue.Push(audio.Float32ToPCM16(out))
		s.enqueued.Add(1)
	}
}
