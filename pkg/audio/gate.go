package audio

// DefaultSilenceThreshold is the mean absolute amplitude (on the [-1, 1)
// scale) below which a block is treated as silence.
const DefaultSilenceThreshold = 0.0015

// SilenceGate drops capture blocks whose mean absolute amplitude falls below
// Threshold. It is stateless and safe to share.
type SilenceGate struct {
	Threshold float64
}

// Pass reports whether the block should be forwarded. The comparison is
// inclusive: a block exactly at the threshold passes. An empty block never
// passes.
func (g SilenceGate) Pass(block []float32) bool {
	if len(block) == 0 {
		return false
	}
	return MeanAbs(block) >= g.Threshold
}
