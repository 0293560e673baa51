// Package mock provides test doubles for the punct package interfaces.
//
// Predictor tokenizes on whitespace and answers Predict from a lookup table
// keyed by the space-joined tokens. Unknown inputs are labelled as-is
// (OTHER casing, no punctuation), so the enriched text equals the input.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/livescribe/pkg/provider/punct"
)

// Compile-time interface assertions.
var (
	_ punct.Provider  = (*Provider)(nil)
	_ punct.Predictor = (*Predictor)(nil)
)

// Provider is a mock implementation of punct.Provider.
type Provider struct {
	mu sync.Mutex

	// Predictor is returned by Load. If nil, Load returns a new empty
	// Predictor.
	Predictor punct.Predictor

	// LoadErr, if non-nil, is returned as the error from Load.
	LoadErr error

	// LoadCalls records the Config of every Load call.
	LoadCalls []punct.Config
}

// Load records the call and returns Predictor, LoadErr.
func (p *Provider) Load(_ context.Context, cfg punct.Config) (punct.Predictor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LoadCalls = append(p.LoadCalls, cfg)
	if p.LoadErr != nil {
		return nil, p.LoadErr
	}
	if p.Predictor != nil {
		return p.Predictor, nil
	}
	return &Predictor{}, nil
}

// Calls returns a copy of the recorded Load configs. Thread-safe.
func (p *Provider) Calls() []punct.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]punct.Config, len(p.LoadCalls))
	copy(out, p.LoadCalls)
	return out
}

// Predictor is a mock implementation of punct.Predictor.
type Predictor struct {
	mu sync.Mutex

	// Results maps space-joined tokens to the predictions Predict returns.
	Results map[string][]punct.Prediction

	// TokenizeErr, if non-nil, is returned from Tokenize.
	TokenizeErr error

	// PredictErr, if non-nil, is returned from Predict.
	PredictErr error

	// Gate, if non-nil, makes Predict wait for a receive (or ctx) before
	// answering. Use it to hold enrichment in flight.
	Gate chan struct{}

	// PredictCalls records the tokens of every Predict call.
	PredictCalls [][]string
}

// Tokenize splits text on whitespace.
func (p *Predictor) Tokenize(text string) ([]string, error) {
	if p.TokenizeErr != nil {
		return nil, p.TokenizeErr
	}
	return strings.Fields(text), nil
}

// Predict records the call and returns the scripted predictions.
func (p *Predictor) Predict(ctx context.Context, tokens []string) ([]punct.Prediction, error) {
	p.mu.Lock()
	p.PredictCalls = append(p.PredictCalls, append([]string(nil), tokens...))
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.PredictErr != nil {
		return nil, p.PredictErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if preds, ok := p.Results[strings.Join(tokens, " ")]; ok {
		return preds, nil
	}
	out := make([]punct.Prediction, len(tokens))
	for i, tok := range tokens {
		out[i] = punct.Prediction{Token: tok, Case: punct.CaseOther, Punc: punct.PuncNone}
	}
	return out, nil
}

// Calls returns a copy of the recorded Predict calls. Thread-safe.
func (p *Predictor) Calls() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]string, len(p.PredictCalls))
	copy(out, p.PredictCalls)
	return out
}
