package audio_test

import (
	"math"
	"slices"
	"testing"

	"github.com/MrWong99/livescribe/pkg/audio"
)

func sine(freq float64, rate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func mustNormalizer(t *testing.T, src, dst int) *audio.Normalizer {
	t.Helper()
	n, err := audio.NewNormalizer(src, dst)
	if err != nil {
		t.Fatalf("NewNormalizer(%d, %d): %v", src, dst, err)
	}
	return n
}

func processChunked(n *audio.Normalizer, in []float32, chunk int) []float32 {
	var out []float32
	for i := 0; i < len(in); i += chunk {
		out = append(out, n.Process(in[i:min(i+chunk, len(in))])...)
	}
	return out
}

func TestNewNormalizer_InvalidRates(t *testing.T) {
	for _, rates := range [][2]int{{0, 16000}, {48000, 0}, {-1, 16000}} {
		if _, err := audio.NewNormalizer(rates[0], rates[1]); err == nil {
			t.Errorf("NewNormalizer(%d, %d): expected error", rates[0], rates[1])
		}
	}
}

func TestNormalizer_Ratio(t *testing.T) {
	n := mustNormalizer(t, 48000, 16000)
	if got := n.Ratio(); math.Abs(got-1.0/3) > 1e-12 {
		t.Errorf("Ratio = %v, want 1/3", got)
	}
	if n.SourceRate() != 48000 || n.TargetRate() != 16000 {
		t.Errorf("rates = %d -> %d", n.SourceRate(), n.TargetRate())
	}
}

func TestNormalizer_EmptyInputIsNoop(t *testing.T) {
	n := mustNormalizer(t, 44100, 16000)
	if out := n.Process(nil); out != nil {
		t.Errorf("Process(nil) = %v, want nil", out)
	}
	if out := n.Process([]float32{}); out != nil {
		t.Errorf("Process(empty) = %v, want nil", out)
	}

	// State is unaffected: output matches a normalizer that never saw the
	// empty calls.
	in := sine(440, 44100, 4410)
	want := mustNormalizer(t, 44100, 16000).Process(in)
	if got := n.Process(in); !slices.Equal(got, want) {
		t.Error("empty calls changed normalizer state")
	}
}

func TestNormalizer_SameRatePassThrough(t *testing.T) {
	n := mustNormalizer(t, 16000, 16000)
	in := sine(440, 16000, 800)
	out := n.Process(in)
	if !slices.Equal(out, in) {
		t.Fatal("expected identical output for equal rates")
	}
	out[0] = 42
	if in[0] == 42 {
		t.Error("pass-through must not alias the input")
	}
}

func TestNormalizer_OutputLength(t *testing.T) {
	tests := []struct {
		src, dst int
	}{
		{48000, 16000},
		{44100, 16000},
		{8000, 16000},
		{22050, 16000},
		{96000, 16000},
	}
	for _, tt := range tests {
		n := mustNormalizer(t, tt.src, tt.dst)
		in := sine(300, tt.src, tt.src) // one second
		expected := float64(len(in)) * n.Ratio()

		streamed := processChunked(n, in, audio.BlockSize(tt.src))
		// Before flushing, output lags by the filter's latency at most.
		lag := float64(n.Latency())*n.Ratio() + 1
		if diff := expected - float64(len(streamed)); diff < 0 || diff > lag {
			t.Errorf("%d->%d: streamed %d samples, expected %.1f (max lag %.1f)",
				tt.src, tt.dst, len(streamed), expected, lag)
		}

		total := len(streamed) + len(n.Flush())
		if math.Abs(float64(total)-expected) > 1 {
			t.Errorf("%d->%d: total %d samples, expected %.1f ± 1", tt.src, tt.dst, total, expected)
		}
	}
}

func TestNormalizer_ChunkedMatchesContinuous(t *testing.T) {
	in := sine(440, 48000, 48000)

	continuous := mustNormalizer(t, 48000, 16000).Process(in)

	for _, chunk := range []int{2400, 1000, 441, 1} {
		chunked := processChunked(mustNormalizer(t, 48000, 16000), in, chunk)
		if !slices.Equal(chunked, continuous) {
			t.Errorf("chunk size %d: output differs from continuous processing", chunk)
		}
	}
}

func TestNormalizer_FreshPerChunkDiverges(t *testing.T) {
	in := sine(440, 48000, 48000)
	continuous := mustNormalizer(t, 48000, 16000).Process(in)

	var fresh []float32
	for i := 0; i < len(in); i += 2400 {
		n := mustNormalizer(t, 48000, 16000)
		fresh = append(fresh, n.Process(in[i:i+2400])...)
		fresh = append(fresh, n.Flush()...)
	}
	if slices.Equal(fresh, continuous[:min(len(continuous), len(fresh))]) {
		t.Fatal("expected stateless per-chunk resampling to differ from streaming")
	}

	// The boundary sample after the first chunk is where a stateless
	// converter goes wrong: it sees zero padding instead of real audio.
	var maxDiff float64
	for i := range min(len(fresh), len(continuous)) {
		maxDiff = max(maxDiff, math.Abs(float64(fresh[i]-continuous[i])))
	}
	if maxDiff < 0.01 {
		t.Errorf("max difference %.5f, expected boundary artifacts", maxDiff)
	}
}

func TestNormalizer_PreservesTone(t *testing.T) {
	const freq = 1000.0
	n := mustNormalizer(t, 48000, 16000)
	out := processChunked(n, sine(freq, 48000, 48000), 2400)
	out = append(out, n.Flush()...)

	// Output sample i sits exactly at input time i/16000.
	want := sine(freq, 16000, len(out))
	for i := 200; i < len(out)-200; i++ {
		if d := math.Abs(float64(out[i] - want[i])); d > 0.01 {
			t.Fatalf("sample %d: got %.5f, want %.5f", i, out[i], want[i])
		}
	}
}

func TestNormalizer_AttenuatesAboveNyquist(t *testing.T) {
	// A 12 kHz tone cannot be represented at 16 kHz and must not alias
	// into the output.
	n := mustNormalizer(t, 48000, 16000)
	out := n.Process(sine(12000, 48000, 48000))
	var peak float64
	for _, s := range out[200 : len(out)-200] {
		peak = max(peak, math.Abs(float64(s)))
	}
	if peak > 0.01 {
		t.Errorf("aliased peak %.4f, want < 0.01", peak)
	}
}

func TestNormalizer_FlushResets(t *testing.T) {
	n := mustNormalizer(t, 44100, 16000)
	in := sine(440, 44100, 4410)
	first := append(n.Process(in), n.Flush()...)
	second := append(n.Process(in), n.Flush()...)
	if !slices.Equal(first, second) {
		t.Error("expected identical output after Flush reset")
	}
}
