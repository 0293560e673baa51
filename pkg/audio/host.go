// Package audio defines the capture-side building blocks of the transcription
// pipeline: frame types, sample conversion, the streaming [Normalizer], the
// [SilenceGate], the bounded [FrameQueue], and the [Host] abstraction over an
// audio input subsystem.
//
// The two host abstractions are:
//
//   - [Host]: enumerates input devices and opens input streams.
//   - [Stream]: an open hardware input stream delivering blocks to a [Callback].
//
// Implementations live in backend packages (audio/portaudio, audio/wavfile).
// This package lives under pkg/ because external code is expected to provide
// additional hosts.
package audio

import "errors"

// ErrStreamClosed is returned by [Stream.Start] after the stream was closed.
var ErrStreamClosed = errors.New("audio: stream closed")

// DeviceInfo describes one audio device as reported by a [Host].
type DeviceInfo struct {
	// Index identifies the device for [Host.OpenInput]. Indices are stable for
	// the lifetime of the host but need not be contiguous.
	Index int

	// Name is the human-readable device name.
	Name string

	// MaxInputChannels is zero for output-only devices.
	MaxInputChannels int

	// DefaultSampleRate is the device's native rate in Hz.
	DefaultSampleRate float64
}

// IsInput reports whether the device can capture audio.
func (d DeviceInfo) IsInput() bool { return d.MaxInputChannels > 0 }

// InputParams configures an input stream.
type InputParams struct {
	Device     int
	Channels   int
	SampleRate int

	// FramesPerBlock is the number of frames delivered per callback.
	FramesPerBlock int
}

// Callback receives one block of interleaved int16 samples. overflow reports
// that the host discarded input before this block. The slice is only valid
// for the duration of the call.
//
// Callbacks run on the host's realtime thread: they must not block, perform
// I/O, or take locks held for unbounded time.
type Callback func(in []int16, overflow bool)

// Stream is an open input stream.
type Stream interface {
	// Start begins delivering blocks to the callback.
	Start() error

	// Close stops delivery and releases the device. After Close returns the
	// callback is not invoked again. Calling Close more than once is safe.
	Close() error
}

// Host is an audio input subsystem.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// Devices returns all devices known to the host, in host order.
	Devices() ([]DeviceInfo, error)

	// OpenInput opens an input stream on the given device. The stream is
	// created stopped; call [Stream.Start] to begin capture.
	OpenInput(params InputParams, cb Callback) (Stream, error)
}

// InputDevices filters devices down to those that can capture audio.
func InputDevices(devices []DeviceInfo) []DeviceInfo {
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		if d.IsInput() {
			out = append(out, d)
		}
	}
	return out
}
