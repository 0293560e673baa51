// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller loads models with the expected
// LoadConfig. Use Decoder to script recognition results block by block and
// inspect which audio chunks were delivered.
//
// Example:
//
//	dec := &mock.Decoder{Steps: []mock.Step{
//	    {Partial: "hallo"},
//	    {Final: true, Text: "hallo welt"},
//	}}
//	p := &mock.Provider{Decoder: dec}
//	d, _ := p.Load(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// LoadCall records a single invocation of Provider.Load.
type LoadCall struct {
	// Ctx is the context passed to Load.
	Ctx context.Context
	// Cfg is the LoadConfig passed to Load.
	Cfg stt.LoadConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Decoder is returned by Load. If nil, Load returns a new empty Decoder.
	Decoder stt.Decoder

	// LoadErr, if non-nil, is returned as the error from Load.
	LoadErr error

	// LoadCalls records every call to Load.
	LoadCalls []LoadCall
}

// Load records the call and returns Decoder, LoadErr.
func (p *Provider) Load(ctx context.Context, cfg stt.LoadConfig) (stt.Decoder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LoadCalls = append(p.LoadCalls, LoadCall{Ctx: ctx, Cfg: cfg})
	if p.LoadErr != nil {
		return nil, p.LoadErr
	}
	if p.Decoder != nil {
		return p.Decoder, nil
	}
	return &Decoder{}, nil
}

// Calls returns a copy of the recorded Load calls. Thread-safe.
func (p *Provider) Calls() []LoadCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LoadCall, len(p.LoadCalls))
	copy(out, p.LoadCalls)
	return out
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Step scripts the outcome of one Accept call.
type Step struct {
	// Final is returned as the final flag.
	Final bool

	// Text becomes FinalText when Final is true.
	Text string

	// Partial becomes PartialText when Final is false.
	Partial string

	// Err, if non-nil, is returned from Accept.
	Err error
}

// Decoder is a mock implementation of stt.Decoder. Each Accept consumes the
// next Step; once Steps is exhausted Accept returns (false, nil) and leaves
// the partial text unchanged.
type Decoder struct {
	mu sync.Mutex

	// Steps are consumed in order by Accept.
	Steps []Step

	// Chunks records a copy of every chunk passed to Accept.
	Chunks [][]byte

	// CallCountClose records how many times Close was called.
	CallCountClose int

	final   string
	partial string
}

// Accept records the chunk and plays the next Step.
func (d *Decoder) Accept(pcm []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Chunks = append(d.Chunks, append([]byte(nil), pcm...))
	if len(d.Steps) == 0 {
		return false, nil
	}
	step := d.Steps[0]
	d.Steps = d.Steps[1:]
	if step.Err != nil {
		return false, step.Err
	}
	if step.Final {
		d.final = step.Text
		d.partial = ""
		return true, nil
	}
	d.partial = step.Partial
	return false, nil
}

// FinalText returns the text of the last final Step.
func (d *Decoder) FinalText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.final
}

// PartialText returns the partial text of the last non-final Step.
func (d *Decoder) PartialText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.partial
}

// Close records the call.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	return nil
}

// AcceptCount returns how many chunks were accepted. Thread-safe.
func (d *Decoder) AcceptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Chunks)
}

// Remaining returns how many scripted steps have not been played yet.
func (d *Decoder) Remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Steps)
}

// Ensure Decoder implements stt.Decoder at compile time.
var _ stt.Decoder = (*Decoder)(nil)
