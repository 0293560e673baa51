package audio

import (
	"encoding/binary"
	"math"
)

// int16Scale is the divisor mapping int16 samples onto [-1, 1).
const int16Scale = 32768

// Int16ToFloat32 converts int16 samples to float32 in [-1, 1). If dst has
// enough capacity it is reused.
func Int16ToFloat32(dst []float32, in []int16) []float32 {
	if cap(dst) < len(in) {
		dst = make([]float32, len(in))
	}
	dst = dst[:len(in)]
	for i, s := range in {
		dst[i] = float32(s) / int16Scale
	}
	return dst
}

// Float32ToPCM16 converts float32 samples to little-endian int16 PCM.
// Samples are scaled by 32768 and clamped to the int16 range, so a full-scale
// positive input never wraps around.
func Float32ToPCM16(in []float32) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clampInt16(s)))
	}
	return out
}

// PCM16ToFloat32 decodes little-endian int16 PCM into float32 samples.
// A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / int16Scale
	}
	return out
}

// Int16ToPCM16 encodes int16 samples as little-endian bytes.
func Int16ToPCM16(in []int16) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// MeanAbs returns the mean absolute amplitude of samples, or 0 for an empty
// buffer.
func MeanAbs(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples))
}

func clampInt16(s float32) int16 {
	v := math.Round(float64(s) * int16Scale)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
