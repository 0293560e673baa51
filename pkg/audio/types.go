package audio

import "time"

// BlockDuration is the length of one capture block. Device block sizes are
// derived from it as rate × BlockDuration.
const BlockDuration = 50 * time.Millisecond

// AudioFrame represents a single block of mono audio flowing through the
// pipeline. Frames move from the capture callback through the [FrameQueue]
// into the decode loop; ownership moves with them.
type AudioFrame struct {
	// PCM audio data, little-endian int16.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for a USB microphone, 16000 for STT).
	SampleRate int

	// Channels is always 1 for captured frames.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// BlockSize returns the number of frames per capture block at rate.
func BlockSize(rate int) int {
	return int(int64(rate) * int64(BlockDuration) / int64(time.Second))
}
