// Package vosk provides an [stt.Provider] backed by the Vosk offline speech
// recognition toolkit. Vosk decodes truly incrementally: every accepted block
// refreshes the partial hypothesis, and utterances are committed by its
// built-in endpointer.
//
// Building this package requires cgo and libvosk.
package vosk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Compile-time interface assertions.
var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Decoder  = (*Decoder)(nil)
)

// Provider loads Vosk models from a model directory.
type Provider struct{}

// New returns a Vosk Provider.
func New() *Provider { return &Provider{} }

// Load implements [stt.Provider].
func (p *Provider) Load(ctx context.Context, cfg stt.LoadConfig) (stt.Decoder, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("vosk: %w", err)
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("vosk: model path must not be empty: %w", stt.ErrModelNotFound)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("vosk: model %q: %w", cfg.ModelPath, stt.ErrModelNotFound)
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = stt.SampleRate
	}

	model, err := vosk.NewModel(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("vosk: load model %q: %w", cfg.ModelPath, err)
	}
	rec, err := vosk.NewRecognizer(model, float64(rate))
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("vosk: create recognizer: %w", err)
	}
	return &Decoder{model: model, rec: rec}, nil
}

// Decoder is a streaming Vosk recognizer.
type Decoder struct {
	mu      sync.Mutex
	model   *vosk.VoskModel
	rec     *vosk.VoskRecognizer
	final   string
	partial string
}

// result covers both the final ({"text": ...}) and partial
// ({"partial": ...}) JSON shapes Vosk emits.
type result struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
}

// Accept implements [stt.Decoder].
func (d *Decoder) Accept(pcm []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec == nil {
		return false, fmt.Errorf("vosk: decoder closed")
	}

	switch d.rec.AcceptWaveform(pcm) {
	case 1:
		r, err := parse(d.rec.Result())
		if err != nil {
			return false, err
		}
		d.final = r.Text
		d.partial = ""
		return true, nil
	case 0:
		r, err := parse(d.rec.PartialResult())
		if err != nil {
			return false, err
		}
		d.partial = r.Partial
		return false, nil
	default:
		return false, fmt.Errorf("vosk: accept waveform failed")
	}
}

// FinalText implements [stt.Decoder].
func (d *Decoder) FinalText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.final
}

// PartialText implements [stt.Decoder].
func (d *Decoder) PartialText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.partial
}

// Close implements [stt.Decoder].
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec != nil {
		d.rec.Free()
		d.rec = nil
	}
	if d.model != nil {
		d.model.Free()
		d.model = nil
	}
	return nil
}

func parse(raw string) (result, error) {
	var r result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return result{}, fmt.Errorf("vosk: decode result: %w", err)
	}
	r.Text = strings.TrimSpace(r.Text)
	r.Partial = strings.TrimSpace(r.Partial)
	return r, nil
}
