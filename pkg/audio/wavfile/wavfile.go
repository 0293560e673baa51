// Package wavfile implements [audio.Host] by replaying a WAV file as a single
// virtual input device. It lets the pipeline run on machines without capture
// hardware and gives tests a deterministic audio source.
package wavfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Host   = (*Host)(nil)
	_ audio.Stream = (*stream)(nil)
)

// Option is a functional option for [Open].
type Option func(*Host)

// WithRealtime paces playback at the file's sample rate. When disabled, blocks
// are delivered as fast as the callback returns. Defaults to true.
func WithRealtime(realtime bool) Option {
	return func(h *Host) { h.realtime = realtime }
}

// WithLoop restarts playback from the beginning when the file ends.
func WithLoop(loop bool) Option {
	return func(h *Host) { h.loop = loop }
}

// Host replays a decoded WAV file. The whole file is held in memory as mono
// int16 samples.
type Host struct {
	name     string
	rate     int
	samples  []int16
	realtime bool
	loop     bool
}

// Open decodes the WAV file at path. Multi-channel audio is downmixed to mono
// and any bit depth is scaled to 16 bits.
func Open(path string, opts ...Option) (*Host, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("wavfile: %s is not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("wavfile: %s has no sample rate", path)
	}

	h := &Host{
		name:     "wav:" + filepath.Base(path),
		rate:     buf.Format.SampleRate,
		samples:  downmix(buf, int(dec.BitDepth)),
		realtime: true,
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// SampleRate returns the file's sample rate.
func (h *Host) SampleRate() int { return h.rate }

// Devices implements [audio.Host]. The file is exposed as device 0.
func (h *Host) Devices() ([]audio.DeviceInfo, error) {
	return []audio.DeviceInfo{{
		Index:             0,
		Name:              h.name,
		MaxInputChannels:  1,
		DefaultSampleRate: float64(h.rate),
	}}, nil
}

// OpenInput implements [audio.Host].
func (h *Host) OpenInput(params audio.InputParams, cb audio.Callback) (audio.Stream, error) {
	if params.Device != 0 {
		return nil, fmt.Errorf("wavfile: device %d out of range", params.Device)
	}
	if params.Channels != 1 {
		return nil, fmt.Errorf("wavfile: %d channels requested, only mono is supported", params.Channels)
	}
	if params.SampleRate != h.rate {
		return nil, fmt.Errorf("wavfile: sample rate %d requested, file is %d", params.SampleRate, h.rate)
	}
	block := params.FramesPerBlock
	if block <= 0 {
		block = audio.BlockSize(h.rate)
	}
	return &stream{host: h, cb: cb, block: block, done: make(chan struct{})}, nil
}

type stream struct {
	host  *Host
	cb    audio.Callback
	block int

	mu      sync.Mutex
	started bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}
}

func (s *stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrStreamClosed
	}
	if s.started {
		return errors.New("wavfile: stream already started")
	}
	s.started = true
	s.stop = make(chan struct{})
	go s.play()
	return nil
}

// Close stops playback and waits until the callback has returned for the
// last time.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	if started {
		close(s.stop)
	}
	s.mu.Unlock()

	if started {
		<-s.done
	}
	return nil
}

func (s *stream) play() {
	defer close(s.done)

	period := time.Duration(s.block) * time.Second / time.Duration(s.host.rate)
	var tick <-chan time.Time
	if s.host.realtime {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		tick = ticker.C
	}

	samples := s.host.samples
	block := make([]int16, s.block)
	for pos := 0; ; pos += s.block {
		if pos >= len(samples) {
			if !s.host.loop || len(samples) == 0 {
				return
			}
			pos = 0
		}
		n := copy(block, samples[pos:])
		clear(block[n:])

		if tick != nil {
			select {
			case <-s.stop:
				return
			case <-tick:
			}
		} else {
			select {
			case <-s.stop:
				return
			default:
			}
		}
		s.cb(block, false)
	}
}

func downmix(buf *goaudio.IntBuffer, bitDepth int) []int16 {
	channels := max(buf.Format.NumChannels, 1)
	shift := 0
	if bitDepth > 16 {
		shift = bitDepth - 16
	}
	out := make([]int16, len(buf.Data)/channels)
	for i := range out {
		var sum int
		for c := range channels {
			v := buf.Data[i*channels+c]
			switch {
			case bitDepth == 8:
				v = (v - 128) << 8
			case shift > 0:
				v >>= shift
			}
			sum += v
		}
		out[i] = int16(max(min(sum/channels, 32767), -32768))
	}
	return out
}
