// Package deepgram provides a Deepgram-backed [stt.Provider] using the
// Deepgram streaming WebSocket API.
//
// Deepgram recognises asynchronously: audio written by Accept is answered by
// interim and final results on the same connection some time later. The
// decoder collects those results in a background reader and hands them out on
// the next Accept, so a final usually surfaces one or two blocks after the
// audio that completed it.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "de"

	writeTimeout = 5 * time.Second
	closeTimeout = 2 * time.Second
)

// Compile-time interface assertions.
var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Decoder  = (*decoder)(nil)
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code (e.g., "de", "en-US").
// [stt.LoadConfig.Language] takes precedence.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithKeywords boosts recognition of the given terms. Each entry is either a
// bare word or Deepgram's "word:boost" form.
func WithKeywords(keywords ...string) Option {
	return func(p *Provider) {
		p.keywords = append(p.keywords, keywords...)
	}
}

// WithEndpoint overrides the streaming endpoint, e.g. for a self-hosted
// Deepgram deployment.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
	keywords []string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Load opens a streaming transcription connection. cfg.ModelPath is ignored;
// the model is chosen with [WithModel].
func (p *Provider) Load(ctx context.Context, cfg stt.LoadConfig) (stt.Decoder, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	d := &decoder{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go d.readLoop(readCtx)
	return d, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.LoadConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = stt.SampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("sample_rate", strconv.Itoa(sr))

	for _, kw := range p.keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			q.Add("keywords", kw)
		}
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- decoder ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// result is one parsed Results message.
type result struct {
	text  string
	final bool
}

// decoder is a live Deepgram streaming connection. It implements stt.Decoder.
type decoder struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	partial string
	pending []string // finals not yet handed out by Accept
	final   string
	readErr error

	closeOnce sync.Once
}

// Accept sends pcm to Deepgram and reports a final when one arrived since
// the previous call. Finals are handed out one per call.
func (d *decoder) Accept(pcm []byte) (bool, error) {
	d.mu.Lock()
	err := d.readErr
	d.mu.Unlock()
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := d.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return false, fmt.Errorf("deepgram: send audio: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return false, nil
	}
	d.final = d.pending[0]
	d.pending = d.pending[1:]
	return true, nil
}

// FinalText returns the final handed out by the last successful Accept.
func (d *decoder) FinalText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.final
}

// PartialText returns the latest interim result.
func (d *decoder) PartialText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.partial
}

// Close asks Deepgram to flush, waits briefly for the reader, and closes the
// connection.
func (d *decoder) Close() error {
	d.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = d.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		select {
		case <-d.done:
		case <-ctx.Done():
		}
		d.cancel()
		<-d.done
		d.conn.Close(websocket.StatusNormalClosure, "decoder closed")
	})
	return nil
}

// readLoop receives JSON messages from Deepgram until the connection closes.
func (d *decoder) readLoop(ctx context.Context) {
	defer close(d.done)
	for {
		_, msg, err := d.conn.Read(ctx)
		if err != nil {
			d.mu.Lock()
			if d.readErr == nil {
				d.readErr = fmt.Errorf("deepgram: connection lost: %w", err)
			}
			d.mu.Unlock()
			return
		}

		r, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}

		d.mu.Lock()
		if r.final {
			d.partial = ""
			if r.text != "" {
				d.pending = append(d.pending, r.text)
			}
		} else {
			d.partial = r.text
		}
		d.mu.Unlock()
	}
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message.
// Returns (result, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, false
	}
	if resp.Type != "Results" {
		return result{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return result{}, false
	}
	return result{
		text:  strings.TrimSpace(resp.Channel.Alternatives[0].Transcript),
		final: resp.IsFinal,
	}, true
}
