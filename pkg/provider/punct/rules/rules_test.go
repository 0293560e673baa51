package rules_test

import (
	"context"
	"testing"

	"github.com/MrWong99/livescribe/pkg/provider/punct"
	"github.com/MrWong99/livescribe/pkg/provider/punct/rules"
)

func TestEnrich(t *testing.T) {
	tests := []struct {
		lang, in, want string
	}{
		{"de", "hallo welt", "Hallo welt."},
		{"de", "wie geht es dir", "Wie geht es dir?"},
		{"de-DE", "warum nicht", "Warum nicht?"},
		{"en", "i think so", "I think so."},
		{"en", "what did i say", "What did I say?"},
		{"fr", "bonjour", "Bonjour."},
		{"en", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.lang+"/"+tt.in, func(t *testing.T) {
			p, err := rules.New().Load(context.Background(), punct.Config{Language: tt.lang})
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			got, err := punct.Enrich(context.Background(), p, tt.in)
			if err != nil {
				t.Fatalf("Enrich: %v", err)
			}
			if got != tt.want {
				t.Errorf("Enrich(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPredict_CancelledContext(t *testing.T) {
	p, _ := rules.New().Load(context.Background(), punct.Config{Language: "en"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Predict(ctx, []string{"hello"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}
