// Package llm provides a punct.Provider that asks a language model, through
// github.com/mozilla-ai/any-llm-go, to label each token with a case and a
// punctuation class. Local servers (ollama, llamacpp, llamafile) and hosted
// APIs are supported alike.
//
// Usage:
//
//	p := llm.New("ollama", anyllmlib.WithBaseURL("http://localhost:11434"))
//	pred, err := p.Load(ctx, punct.Config{Model: "llama3.2", Language: "de"})
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/livescribe/pkg/provider/punct"
)

// Compile-time interface assertions.
var (
	_ punct.Provider  = (*Provider)(nil)
	_ punct.Predictor = (*Predictor)(nil)
)

const systemPrompt = `You restore casing and punctuation in speech recognition output.
The user message is a JSON array of tokens in %s. Answer with a JSON array containing
exactly one object per token, in order: {"case": C, "punc": P}.
C is one of LOWER, UPPER, CAPITALIZE, OTHER (OTHER keeps the token unchanged).
P is one of O, PERIOD, COMMA, QUESTION, EXCLAMATION and names the mark that follows the token.
Do not add, drop, merge, or change tokens. Answer with the JSON array only.`

// completeFunc sends one system and one user message and returns the reply.
type completeFunc func(ctx context.Context, model, system, user string) (string, error)

// Provider creates LLM-backed predictors for one any-llm-go backend.
type Provider struct {
	backendName string
	opts        []anyllmlib.Option
}

// New returns a Provider for the named any-llm-go backend: "ollama",
// "openai", "llamacpp", or "llamafile". opts are any-llm-go configuration
// options (e.g., anyllmlib.WithAPIKey, anyllmlib.WithBaseURL).
func New(backendName string, opts ...anyllmlib.Option) *Provider {
	return &Provider{backendName: backendName, opts: opts}
}

// Load implements [punct.Provider]. cfg.Model is required.
func (p *Provider) Load(ctx context.Context, cfg punct.Config) (punct.Predictor, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("punct/llm: %w", err)
	}
	if cfg.Model == "" {
		return nil, errors.New("punct/llm: model must not be empty")
	}
	backend, err := createBackend(p.backendName, p.opts...)
	if err != nil {
		return nil, fmt.Errorf("punct/llm: create %q backend: %w", p.backendName, err)
	}

	complete := func(ctx context.Context, model, system, user string) (string, error) {
		temperature := 0.0
		resp, err := backend.Completion(ctx, anyllmlib.CompletionParams{
			Model: model,
			Messages: []anyllmlib.Message{
				{Role: anyllmlib.RoleSystem, Content: system},
				{Role: "user", Content: user},
			},
			Temperature: &temperature,
		})
		if err != nil {
			return "", fmt.Errorf("completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("empty choices in response")
		}
		return resp.Choices[0].Message.ContentString(), nil
	}
	return newPredictor(complete, cfg), nil
}

func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "ollama":
		return ollama.New(opts...)
	case "openai":
		return anyllmoai.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: ollama, openai, llamacpp, llamafile", name)
	}
}

// Predictor labels tokens with one LLM round-trip per utterance.
type Predictor struct {
	complete completeFunc
	model    string
	system   string
}

func newPredictor(complete completeFunc, cfg punct.Config) *Predictor {
	lang := cfg.Language
	if lang == "" {
		lang = "the input language"
	}
	return &Predictor{
		complete: complete,
		model:    cfg.Model,
		system:   fmt.Sprintf(systemPrompt, lang),
	}
}

// Tokenize splits text on whitespace. LLM tokens are whole words, so there
// are never continuation pieces.
func (p *Predictor) Tokenize(text string) ([]string, error) {
	return strings.Fields(text), nil
}

// label is one element of the model's JSON reply.
type label struct {
	Case string `json:"case"`
	Punc string `json:"punc"`
}

// Predict implements [punct.Predictor].
func (p *Predictor) Predict(ctx context.Context, tokens []string) ([]punct.Prediction, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	user, err := json.Marshal(tokens)
	if err != nil {
		return nil, fmt.Errorf("punct/llm: encode tokens: %w", err)
	}
	reply, err := p.complete(ctx, p.model, p.system, string(user))
	if err != nil {
		return nil, fmt.Errorf("punct/llm: %w", err)
	}
	return parseLabels(reply, tokens)
}

// parseLabels decodes the model reply. Markdown code fences around the JSON
// are tolerated.
func parseLabels(reply string, tokens []string) ([]punct.Prediction, error) {
	reply = strings.TrimSpace(reply)
	if start, end := strings.Index(reply, "["), strings.LastIndex(reply, "]"); start >= 0 && end > start {
		reply = reply[start : end+1]
	}

	var labels []label
	if err := json.Unmarshal([]byte(reply), &labels); err != nil {
		return nil, fmt.Errorf("punct/llm: decode reply: %w", err)
	}
	if len(labels) != len(tokens) {
		return nil, fmt.Errorf("punct/llm: got %d labels for %d tokens", len(labels), len(tokens))
	}

	preds := make([]punct.Prediction, len(tokens))
	for i, l := range labels {
		c, err := punct.ParseCaseLabel(l.Case)
		if err != nil {
			return nil, fmt.Errorf("punct/llm: token %d: %w", i, err)
		}
		pl, err := punct.ParsePuncLabel(l.Punc)
		if err != nil {
			return nil, fmt.Errorf("punct/llm: token %d: %w", i, err)
		}
		preds[i] = punct.Prediction{Token: tokens[i], Case: c, Punc: pl}
	}
	return preds, nil
}
