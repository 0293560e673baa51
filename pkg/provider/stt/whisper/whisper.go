// Package whisper provides an [stt.Provider] backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// Whisper is not a streaming model. The decoder buffers speech with an
// energy-based endpointer and transcribes each utterance once it ends, so it
// only ever reports finals; PartialText is always empty.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

const (
	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which audio is considered silent. The maximum possible value
	// for 16-bit audio is 32 767; 300 corresponds to near-silence.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "en"
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
)

// Compile-time interface assertions.
var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Decoder  = (*Decoder)(nil)
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the default language code for transcription (e.g., "en",
// "de"). [stt.LoadConfig.Language] takes precedence. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSilenceThresholdMs sets the trailing-silence duration (ms) that ends an
// utterance. Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) { p.silenceThresholdMs = ms }
}

// WithMaxBufferDurationMs sets the maximum utterance length (ms) before a
// forced flush. Defaults to 10 000 ms (10 s).
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.maxBufferDurationMs = ms }
}

// WithRMSThreshold sets the energy level separating speech from silence, in
// 16-bit sample units. Defaults to 300.
func WithRMSThreshold(rms float64) Option {
	return func(p *Provider) { p.rmsThreshold = rms }
}

// Provider loads whisper.cpp ggml model files.
type Provider struct {
	language            string
	silenceThresholdMs  int
	maxBufferDurationMs int
	rmsThreshold        float64
}

// New creates a Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		language:            defaultLanguage,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		rmsThreshold:        defaultRMSThreshold,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Load implements [stt.Provider]. The model file is loaded once per decoder.
func (p *Provider) Load(ctx context.Context, cfg stt.LoadConfig) (stt.Decoder, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("whisper: model path must not be empty: %w", stt.ErrModelNotFound)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("whisper: model %q: %w", cfg.ModelPath, stt.ErrModelNotFound)
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = stt.SampleRate
	}
	if rate != stt.SampleRate {
		return nil, fmt.Errorf("whisper: sample rate %d unsupported, model expects %d", rate, stt.SampleRate)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	model, err := whisperlib.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", cfg.ModelPath, err)
	}

	d := &Decoder{
		model: model,
		seg:   newSegmenter(rate, p.rmsThreshold, p.silenceThresholdMs, p.maxBufferDurationMs),
	}
	d.transcribe = func(samples []float32) (string, error) {
		return infer(model, lang, samples)
	}
	return d, nil
}

// Decoder buffers speech until an endpoint and transcribes each utterance.
// Not safe for concurrent use.
type Decoder struct {
	model      whisperlib.Model
	seg        *segmenter
	transcribe func([]float32) (string, error)
	final      string
	closed     bool
}

// Accept implements [stt.Decoder].
func (d *Decoder) Accept(pcm []byte) (bool, error) {
	if d.closed {
		return false, errors.New("whisper: decoder closed")
	}
	utterance := d.seg.push(pcm)
	if utterance == nil {
		return false, nil
	}
	text, err := d.transcribe(audio.PCM16ToFloat32(utterance))
	if err != nil {
		return false, err
	}
	d.final = text
	return true, nil
}

// FinalText implements [stt.Decoder].
func (d *Decoder) FinalText() string { return d.final }

// PartialText implements [stt.Decoder]. Whisper produces no partials.
func (d *Decoder) PartialText() string { return "" }

// Close implements [stt.Decoder].
func (d *Decoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.model != nil {
		return d.model.Close()
	}
	return nil
}

// infer runs whisper.cpp inference on one utterance using a fresh context
// and returns the concatenated segment text.
func infer(model whisperlib.Model, language string, samples []float32) (string, error) {
	// Each context is NOT thread-safe, but the model can be shared.
	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := cleanSegment(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// cleanSegment trims a segment and drops non-speech annotations such as
// "[BLANK_AUDIO]" or "(music)".
func cleanSegment(text string) string {
	text = strings.TrimSpace(text)
	if len(text) >= 2 {
		first, last := text[0], text[len(text)-1]
		if (first == '[' && last == ']') || (first == '(' && last == ')') {
			return ""
		}
	}
	return text
}
