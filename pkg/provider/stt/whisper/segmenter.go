package whisper

import (
	"encoding/binary"
	"math"
)

// segmenter groups streamed PCM into utterances using an energy endpoint:
// an utterance starts with the first loud block and ends after a run of quiet
// blocks, or when it reaches the maximum length.
type segmenter struct {
	rmsThreshold float64
	silenceBytes int
	maxBytes     int

	buf       []byte
	hadSpeech bool
	silence   int
}

func newSegmenter(sampleRate int, rmsThreshold float64, silenceMs, maxMs int) *segmenter {
	bytesPerMs := sampleRate * 2 / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	return &segmenter{
		rmsThreshold: rmsThreshold,
		silenceBytes: silenceMs * bytesPerMs,
		maxBytes:     maxMs * bytesPerMs,
	}
}

// push appends a block and returns the completed utterance, if any. Leading
// silence is discarded.
func (s *segmenter) push(chunk []byte) []byte {
	if computeRMS(chunk) < s.rmsThreshold {
		if !s.hadSpeech {
			return nil
		}
		s.buf = append(s.buf, chunk...)
		s.silence += len(chunk)
		if s.silence >= s.silenceBytes {
			return s.take()
		}
		return nil
	}

	s.hadSpeech = true
	s.silence = 0
	s.buf = append(s.buf, chunk...)
	if s.maxBytes > 0 && len(s.buf) >= s.maxBytes {
		return s.take()
	}
	return nil
}

func (s *segmenter) take() []byte {
	out := s.buf
	s.buf = nil
	s.hadSpeech = false
	s.silence = 0
	return out
}

// computeRMS returns the root-mean-square level of 16-bit little-endian PCM,
// in sample units (0 to 32767).
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
