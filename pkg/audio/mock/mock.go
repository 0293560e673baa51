// Package mock provides in-memory mock implementations of the [audio.Host] and
// [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	host := &mock.Host{
//	    DevicesResult: []audio.DeviceInfo{
//	        {Index: 0, Name: "Mic A", MaxInputChannels: 1, DefaultSampleRate: 48000},
//	    },
//	}
//	stream, _ := host.OpenInput(params, cb)
//	host.LastStream().Emit(samples, false) // drives cb like the realtime thread
package mock

import (
	"sync"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Blocks are delivered by
// calling [Stream.Emit] from the test.
type Stream struct {
	mu sync.Mutex

	// Params are the parameters the stream was opened with.
	Params audio.InputParams

	// StartError is returned by [Stream.Start].
	StartError error

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	cb      audio.Callback
	started bool
	closed  bool
}

// Start implements [audio.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.closed {
		return audio.ErrStreamClosed
	}
	if s.StartError != nil {
		return s.StartError
	}
	s.started = true
	return nil
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	s.started = false
	return s.CloseError
}

// Emit invokes the stream callback with one block, as the host's realtime
// thread would. It reports false without invoking the callback if the stream
// is not running.
func (s *Stream) Emit(in []int16, overflow bool) bool {
	s.mu.Lock()
	running := s.started && !s.closed
	cb := s.cb
	s.mu.Unlock()
	if !running || cb == nil {
		return false
	}
	cb(in, overflow)
	return true
}

// Running reports whether Start succeeded and Close has not been called.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// ─── Host ─────────────────────────────────────────────────────────────────────

// Host is a mock implementation of [audio.Host].
type Host struct {
	mu sync.Mutex

	// DevicesResult is returned by [Host.Devices].
	DevicesResult []audio.DeviceInfo

	// DevicesError is returned by [Host.Devices].
	DevicesError error

	// OpenError is returned by [Host.OpenInput]. When set no stream is created.
	OpenError error

	// StartError is copied into every stream created by OpenInput.
	StartError error

	// OpenCalls records the parameters of all OpenInput invocations.
	OpenCalls []audio.InputParams

	// CallCountDevices records how many times Devices was called.
	CallCountDevices int

	streams []*Stream
}

// Devices implements [audio.Host].
func (h *Host) Devices() ([]audio.DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountDevices++
	if h.DevicesError != nil {
		return nil, h.DevicesError
	}
	out := make([]audio.DeviceInfo, len(h.DevicesResult))
	copy(out, h.DevicesResult)
	return out, nil
}

// OpenInput implements [audio.Host].
func (h *Host) OpenInput(params audio.InputParams, cb audio.Callback) (audio.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.OpenCalls = append(h.OpenCalls, params)
	if h.OpenError != nil {
		return nil, h.OpenError
	}
	s := &Stream{Params: params, StartError: h.StartError, cb: cb}
	h.streams = append(h.streams, s)
	return s, nil
}

// Streams returns all streams opened so far, in order.
func (h *Host) Streams() []*Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Stream, len(h.streams))
	copy(out, h.streams)
	return out
}

// LastStream returns the most recently opened stream, or nil.
func (h *Host) LastStream() *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.streams) == 0 {
		return nil
	}
	return h.streams[len(h.streams)-1]
}
