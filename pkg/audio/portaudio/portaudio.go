// Package portaudio implements [audio.Host] on top of the PortAudio library.
//
// PortAudio is a process-wide C library: [New] initialises it and
// [Host.Close] terminates it, so a process should hold a single Host.
// Building this package requires cgo and the portaudio development headers.
package portaudio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Host   = (*Host)(nil)
	_ audio.Stream = (*stream)(nil)
)

// Host is an [audio.Host] backed by the system's PortAudio devices.
type Host struct {
	mu     sync.Mutex
	closed bool
}

// New initialises PortAudio and returns a Host.
func New() (*Host, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Host{}, nil
}

// Devices implements [audio.Host]. Device indices are PortAudio device
// indices.
func (h *Host) Devices() ([]audio.DeviceInfo, error) {
	devices, err := h.devices()
	if err != nil {
		return nil, err
	}
	out := make([]audio.DeviceInfo, len(devices))
	for i, d := range devices {
		out[i] = audio.DeviceInfo{
			Index:             i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		}
	}
	return out, nil
}

// OpenInput implements [audio.Host]. The stream delivers int16 samples with
// the host's default low input latency.
func (h *Host) OpenInput(params audio.InputParams, cb audio.Callback) (audio.Stream, error) {
	devices, err := h.devices()
	if err != nil {
		return nil, err
	}
	if params.Device < 0 || params.Device >= len(devices) {
		return nil, fmt.Errorf("portaudio: device %d out of range", params.Device)
	}
	dev := devices[params.Device]

	sp := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: params.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(params.SampleRate),
		FramesPerBuffer: params.FramesPerBlock,
	}

	s, err := portaudio.OpenStream(sp, func(in []int16, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		cb(in, flags&portaudio.InputOverflow != 0)
	})
	if err != nil {
		return nil, fmt.Errorf("portaudio: open stream on %q: %w", dev.Name, err)
	}
	return &stream{s: s}, nil
}

// Close terminates PortAudio. Streams must be closed first.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return portaudio.Terminate()
}

func (h *Host) devices() ([]*portaudio.DeviceInfo, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, errors.New("portaudio: host closed")
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	return devices, nil
}

type stream struct {
	s    *portaudio.Stream
	once sync.Once
	err  error
}

func (s *stream) Start() error {
	if err := s.s.Start(); err != nil {
		return fmt.Errorf("portaudio: start stream: %w", err)
	}
	return nil
}

func (s *stream) Close() error {
	s.once.Do(func() {
		// Stop fails on a stream that was never started; Close still applies.
		_ = s.s.Stop()
		s.err = s.s.Close()
	})
	return s.err
}
