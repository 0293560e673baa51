// Package punct defines the Provider interface for text enrichment backends
// that restore casing and punctuation in raw recognizer output.
//
// A backend splits text into tokens and predicts, per token, one case label
// and one punctuation label (the recasepunc label scheme). The package-level
// helpers turn those predictions back into a surface string: [MapCaseLabel]
// and [MapPuncLabel] render one token, [Reassemble] joins them while keeping
// subword continuation pieces attached to the preceding token.
//
// Backends are selected at startup by name; see internal/config.Registry.
package punct

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// CaseLabel is the predicted casing of one token.
type CaseLabel string

const (
	CaseLower      CaseLabel = "LOWER"
	CaseUpper      CaseLabel = "UPPER"
	CaseCapitalize CaseLabel = "CAPITALIZE"
	CaseOther      CaseLabel = "OTHER"
)

// PuncLabel is the punctuation predicted to follow one token.
type PuncLabel string

const (
	PuncNone        PuncLabel = "O"
	PuncPeriod      PuncLabel = "PERIOD"
	PuncComma       PuncLabel = "COMMA"
	PuncQuestion    PuncLabel = "QUESTION"
	PuncExclamation PuncLabel = "EXCLAMATION"
)

// ParseCaseLabel validates s as a [CaseLabel]. Matching is case-insensitive.
func ParseCaseLabel(s string) (CaseLabel, error) {
	switch l := CaseLabel(strings.ToUpper(strings.TrimSpace(s))); l {
	case CaseLower, CaseUpper, CaseCapitalize, CaseOther:
		return l, nil
	}
	return "", fmt.Errorf("punct: unknown case label %q", s)
}

// ParsePuncLabel validates s as a [PuncLabel]. Matching is case-insensitive
// and the empty string means [PuncNone].
func ParsePuncLabel(s string) (PuncLabel, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return PuncNone, nil
	}
	switch l := PuncLabel(s); l {
	case PuncNone, PuncPeriod, PuncComma, PuncQuestion, PuncExclamation:
		return l, nil
	}
	return "", fmt.Errorf("punct: unknown punctuation label %q", s)
}

// Prediction is the joint case and punctuation label for one token.
type Prediction struct {
	// Token is the token as produced by [Predictor.Tokenize], including any
	// continuation marker.
	Token string
	Case  CaseLabel
	Punc  PuncLabel
}

// Config describes the model to load.
type Config struct {
	// CheckpointDir is a local model directory, for backends that use one.
	CheckpointDir string

	// Language is a BCP-47 language tag, e.g. "de" or "en".
	Language string

	// Model names a hosted model, for backends that call one.
	Model string
}

// Predictor restores case and punctuation.
//
// Implementations must be safe for concurrent use.
type Predictor interface {
	// Tokenize splits text into the tokens Predict expects. Subword pieces
	// that continue the previous token start with '#'.
	Tokenize(text string) ([]string, error)

	// Predict labels every token. The result has one entry per input token,
	// in order.
	Predict(ctx context.Context, tokens []string) ([]Prediction, error)
}

// Provider loads predictors for one backend.
type Provider interface {
	// Load loads the model described by cfg. Loading may take seconds.
	Load(ctx context.Context, cfg Config) (Predictor, error)
}

// IsContinuation reports whether token continues the previous token and
// must be joined without a separating space.
func IsContinuation(token string) bool {
	return strings.HasPrefix(token, "#")
}

// MapCaseLabel strips subword markers from token and applies label.
func MapCaseLabel(token string, label CaseLabel) string {
	token = strings.TrimSuffix(token, "</w>")
	token = strings.TrimPrefix(token, "##")

	switch label {
	case CaseLower:
		return strings.ToLower(token)
	case CaseUpper:
		return strings.ToUpper(token)
	case CaseCapitalize:
		r, size := utf8.DecodeRuneInString(token)
		if r == utf8.RuneError {
			return token
		}
		return string(unicode.ToUpper(r)) + strings.ToLower(token[size:])
	default:
		return token
	}
}

// MapPuncLabel appends the punctuation mark for label to token.
func MapPuncLabel(token string, label PuncLabel) string {
	switch label {
	case PuncPeriod:
		return token + "."
	case PuncComma:
		return token + ","
	case PuncQuestion:
		return token + "?"
	case PuncExclamation:
		return token + "!"
	default:
		return token
	}
}

// Reassemble renders predictions into a single string. Each token is
// separated from the previous one by a space unless it is a continuation
// piece.
func Reassemble(preds []Prediction) string {
	var b strings.Builder
	for _, p := range preds {
		if !IsContinuation(p.Token) {
			b.WriteByte(' ')
		}
		b.WriteString(MapPuncLabel(MapCaseLabel(p.Token, p.Case), p.Punc))
	}
	return strings.TrimSpace(b.String())
}

// Enrich runs the full tokenize, predict, and reassemble pass on text.
func Enrich(ctx context.Context, p Predictor, text string) (string, error) {
	tokens, err := p.Tokenize(text)
	if err != nil {
		return "", fmt.Errorf("punct: tokenize: %w", err)
	}
	if len(tokens) == 0 {
		return "", nil
	}
	preds, err := p.Predict(ctx, tokens)
	if err != nil {
		return "", fmt.Errorf("punct: predict: %w", err)
	}
	if len(preds) != len(tokens) {
		return "", fmt.Errorf("punct: predicted %d labels for %d tokens", len(preds), len(tokens))
	}
	return Reassemble(preds), nil
}
