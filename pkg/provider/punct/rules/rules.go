// Package rules provides a deterministic punct.Provider that needs no model.
// It capitalises the first word of every utterance, upper-cases a small
// per-language set of words, and ends the utterance with a question mark when
// it opens with an interrogative, otherwise with a period.
//
// It is the fallback backend when no model is configured, and a predictable
// predictor for end-to-end tests.
package rules

import (
	"context"
	"strings"

	"github.com/MrWong99/livescribe/pkg/provider/punct"
)

// Compile-time interface assertions.
var (
	_ punct.Provider  = (*Provider)(nil)
	_ punct.Predictor = (*Predictor)(nil)
)

var interrogatives = map[string][]string{
	"de": {"wer", "wie", "was", "wo", "wann", "warum", "wieso", "weshalb", "welche", "welcher", "welches", "woher", "wohin"},
	"en": {"who", "how", "what", "where", "when", "why", "which", "whose", "is", "are", "do", "does", "did", "can", "could", "would", "will"},
	"ru": {"кто", "как", "что", "где", "когда", "почему", "зачем", "какой", "какая", "какое"},
}

var capitalized = map[string][]string{
	"en": {"i"},
}

// Provider builds rule-based predictors.
type Provider struct{}

// New returns a rules Provider.
func New() *Provider { return &Provider{} }

// Load implements [punct.Provider]. Only cfg.Language is used.
func (p *Provider) Load(_ context.Context, cfg punct.Config) (punct.Predictor, error) {
	lang := strings.ToLower(cfg.Language)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return &Predictor{
		questions: toSet(interrogatives[lang]),
		always:    toSet(capitalized[lang]),
	}, nil
}

// Predictor labels tokens with fixed rules.
type Predictor struct {
	questions map[string]struct{}
	always    map[string]struct{}
}

// Tokenize splits text on whitespace.
func (p *Predictor) Tokenize(text string) ([]string, error) {
	return strings.Fields(text), nil
}

// Predict implements [punct.Predictor].
func (p *Predictor) Predict(ctx context.Context, tokens []string) ([]punct.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	preds := make([]punct.Prediction, len(tokens))
	for i, tok := range tokens {
		preds[i] = punct.Prediction{Token: tok, Case: punct.CaseOther, Punc: punct.PuncNone}
		if _, ok := p.always[strings.ToLower(tok)]; ok {
			preds[i].Case = punct.CaseCapitalize
		}
	}
	if len(preds) == 0 {
		return preds, nil
	}

	preds[0].Case = punct.CaseCapitalize
	last := &preds[len(preds)-1]
	if _, ok := p.questions[strings.ToLower(tokens[0])]; ok {
		last.Punc = punct.PuncQuestion
	} else {
		last.Punc = punct.PuncPeriod
	}
	return preds, nil
}

func toSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
