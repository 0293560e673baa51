package audio

import (
	"fmt"
	"math"
)

const (
	// zeroCrossings is the number of sinc lobes kept on each side of the
	// interpolation point, measured at the filter cutoff.
	zeroCrossings = 16

	// rolloff places the cutoff slightly below the target Nyquist frequency
	// so the transition band does not alias.
	rolloff = 0.95

	// maxPhaseTable bounds the precomputed polyphase table. Rate pairs with
	// more distinct phases compute their taps per output sample.
	maxPhaseTable = 1024
)

// Normalizer is a streaming windowed-sinc sample-rate converter for mono
// float32 audio. It keeps unconsumed input and its output position between
// calls to [Normalizer.Process], so a stream split into arbitrary chunks
// produces exactly the same output as the same stream processed at once.
//
// One Normalizer serves one stream. The conversion ratio is fixed at
// construction. Not safe for concurrent use.
type Normalizer struct {
	srcRate, dstRate int

	// src and dst are the rates reduced by their gcd. Output sample n lies at
	// input position n*src/dst, tracked in integer arithmetic.
	src, dst int64

	half   int     // taps per side, in input samples
	cutoff float64 // normalised to the input Nyquist frequency

	phases  [][]float32 // nil if computed on demand
	scratch []float32

	buf      []float32
	bufStart int64 // absolute input index of buf[0]
	next     int64 // absolute index of the next output sample
}

// NewNormalizer returns a Normalizer converting from srcRate to dstRate.
func NewNormalizer(srcRate, dstRate int) (*Normalizer, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", srcRate, dstRate)
	}
	g := gcd(srcRate, dstRate)
	n := &Normalizer{
		srcRate: srcRate,
		dstRate: dstRate,
		src:     int64(srcRate / g),
		dst:     int64(dstRate / g),
	}
	if srcRate == dstRate {
		return n, nil
	}

	n.cutoff = rolloff * math.Min(1, float64(dstRate)/float64(srcRate))
	n.half = int(math.Ceil(zeroCrossings / n.cutoff))

	if n.dst <= maxPhaseTable {
		n.phases = make([][]float32, n.dst)
		for p := range n.phases {
			n.phases[p] = n.kernel(int64(p), make([]float32, 2*n.half))
		}
	} else {
		n.scratch = make([]float32, 2*n.half)
	}
	n.reset()
	return n, nil
}

// Ratio returns dstRate / srcRate.
func (n *Normalizer) Ratio() float64 {
	return float64(n.dstRate) / float64(n.srcRate)
}

// SourceRate returns the input sample rate.
func (n *Normalizer) SourceRate() int { return n.srcRate }

// TargetRate returns the output sample rate.
func (n *Normalizer) TargetRate() int { return n.dstRate }

// Latency returns how many input samples the converter holds back before the
// matching output can be produced.
func (n *Normalizer) Latency() int { return n.half }

// Process consumes in and returns every output sample whose filter support is
// now complete. A zero-length input is a no-op and returns nil.
func (n *Normalizer) Process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	if n.srcRate == n.dstRate {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	n.buf = append(n.buf, in...)
	end := n.bufStart + int64(len(n.buf))

	out := make([]float32, 0, int(float64(len(in))*n.Ratio())+1)
	for {
		pos := n.next * n.src
		center := pos / n.dst
		if center+int64(n.half) >= end {
			break
		}
		out = append(out, n.convolve(center, pos%n.dst))
		n.next++
	}

	keepFrom := (n.next*n.src)/n.dst - int64(n.half) + 1
	if drop := keepFrom - n.bufStart; drop > 0 {
		drop = min(drop, int64(len(n.buf)))
		n.buf = append(n.buf[:0], n.buf[drop:]...)
		n.bufStart += drop
	}
	return out
}

// Flush pads the stream with silence, returns the held-back tail and resets
// the Normalizer to its initial state. After Flush the total output length of
// the stream is ceil(inputLength × Ratio()).
func (n *Normalizer) Flush() []float32 {
	if n.srcRate == n.dstRate {
		return nil
	}
	out := n.Process(make([]float32, n.half))
	n.reset()
	return out
}

func (n *Normalizer) reset() {
	n.buf = make([]float32, n.half, 4*n.half)
	n.bufStart = -int64(n.half)
	n.next = 0
}

func (n *Normalizer) convolve(center, phase int64) float32 {
	var taps []float32
	if n.phases != nil {
		taps = n.phases[phase]
	} else {
		taps = n.kernel(phase, n.scratch)
	}
	base := center - int64(n.half) + 1 - n.bufStart
	window := n.buf[base : base+int64(len(taps))]
	var acc float64
	for j, tap := range taps {
		acc += float64(window[j]) * float64(tap)
	}
	return float32(acc)
}

// kernel fills dst with the normalised filter taps for the given phase, i.e.
// the fractional offset phase/dst between the output position and the input
// sample to its left.
func (n *Normalizer) kernel(phase int64, dst []float32) []float32 {
	frac := float64(phase) / float64(n.dst)
	vals := make([]float64, len(dst))
	var sum float64
	for j := range vals {
		t := frac + float64(n.half-1-j)
		v := n.cutoff * sinc(n.cutoff*t) * blackman(t/float64(n.half))
		vals[j] = v
		sum += v
	}
	for j, v := range vals {
		dst[j] = float32(v / sum)
	}
	return dst
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func blackman(x float64) float64 {
	if x <= -1 || x >= 1 {
		return 0
	}
	return 0.42 + 0.5*math.Cos(math.Pi*x) + 0.08*math.Cos(2*math.Pi*x)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
