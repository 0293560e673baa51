package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/internal/transcript"
	"github.com/MrWong99/livescribe/pkg/provider/punct"
	"github.com/MrWong99/livescribe/pkg/provider/punct/mock"
)

func halloWeltPredictor() *mock.Predictor {
	return &mock.Predictor{Results: map[string][]punct.Prediction{
		"hallo welt": {
			{Token: "hallo", Case: punct.CaseCapitalize, Punc: punct.PuncNone},
			{Token: "welt", Case: punct.CaseCapitalize, Punc: punct.PuncPeriod},
		},
	}}
}

func newTestWorker(t *testing.T, pred punct.Predictor, mutate ...func(*Config)) (*Worker, *transcript.State) {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	state := transcript.NewState()
	cfg := Config{Predictor: pred, State: state, Metrics: m}
	for _, fn := range mutate {
		fn(&cfg)
	}
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, state
}

func waitEnriched(t *testing.T, state *transcript.State, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, ok := state.Enriched(); ok && got == want {
			return
		}
		if time.Now().After(deadline) {
			got, _ := state.Enriched()
			t.Fatalf("enriched = %q, want %q", got, want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{State: transcript.NewState()}); err == nil {
		t.Error("expected error without predictor")
	}
	if _, err := New(Config{Predictor: &mock.Predictor{}}); err == nil {
		t.Error("expected error without state")
	}
}

func TestWorker_Lifecycle(t *testing.T) {
	w, _ := newTestWorker(t, &mock.Predictor{})
	if w.Status() != StatusNotStarted {
		t.Fatalf("status = %v, want not_started", w.Status())
	}
	ctx := context.Background()
	w.Start(ctx)
	w.Start(ctx)
	if w.Status() != StatusRunning {
		t.Fatalf("status = %v, want running", w.Status())
	}
	w.Stop()
	w.Stop()
	if w.Status() != StatusStopped {
		t.Fatalf("status = %v, want stopped", w.Status())
	}
	w.Start(ctx)
	if w.Status() != StatusStopped {
		t.Errorf("Start revived a stopped worker")
	}
	if w.Submit("late") {
		t.Error("Submit accepted a job after Stop")
	}
}

func TestWorker_Enriches(t *testing.T) {
	w, state := newTestWorker(t, halloWeltPredictor())
	w.Start(context.Background())

	if !w.Submit("hallo welt") {
		t.Fatal("Submit rejected a new job")
	}
	waitEnriched(t, state, "Hallo Welt.")
	if st := w.Stats(); st.Failed != 0 {
		t.Errorf("Failed = %d, want 0", st.Failed)
	}
}

func TestWorker_SubmitDedup(t *testing.T) {
	pred := halloWeltPredictor()
	w, state := newTestWorker(t, pred)

	if !w.Submit("hallo welt") {
		t.Fatal("first Submit rejected")
	}
	if w.Submit("hallo welt") {
		t.Error("duplicate Submit accepted")
	}
	if got := w.Pending(); got != 1 {
		t.Fatalf("Pending = %d, want 1", got)
	}

	w.Start(context.Background())
	waitEnriched(t, state, "Hallo Welt.")

	// The record of the last job survives its processing.
	if w.Submit("hallo welt") {
		t.Error("Submit re-enqueued an already processed text")
	}
	if got := len(pred.Calls()); got != 1 {
		t.Errorf("Predict calls = %d, want 1", got)
	}

	if !w.Submit("tschüss") || !w.Submit("hallo welt") {
		t.Error("Submit rejected a text that differs from the last job")
	}
}

func TestWorker_SubmitBlank(t *testing.T) {
	w, _ := newTestWorker(t, &mock.Predictor{})
	for _, s := range []string{"", "   ", "\n"} {
		if w.Submit(s) {
			t.Errorf("Submit(%q) accepted", s)
		}
	}
}

func TestWorker_MaxPendingDropsOldest(t *testing.T) {
	pred := &mock.Predictor{}
	w, state := newTestWorker(t, pred, func(c *Config) { c.MaxPending = 3 })

	for _, s := range []string{"a", "b", "c", "d", "e"} {
		w.Submit(s)
	}
	if got := w.Pending(); got != 3 {
		t.Fatalf("Pending = %d, want 3", got)
	}
	if got := w.Stats().Dropped; got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}

	w.Start(context.Background())
	waitEnriched(t, state, "e")
	calls := pred.Calls()
	if len(calls) != 3 || calls[0][0] != "c" || calls[2][0] != "e" {
		t.Errorf("Predict calls = %v, want c, d, e", calls)
	}
}

func TestWorker_FallbackOnFailure(t *testing.T) {
	tests := []struct {
		name string
		pred punct.Predictor
	}{
		{name: "predict error", pred: &mock.Predictor{PredictErr: errors.New("model exploded")}},
		{name: "tokenize error", pred: &mock.Predictor{TokenizeErr: errors.New("bad vocab")}},
		{name: "label count mismatch", pred: &mock.Predictor{Results: map[string][]punct.Prediction{
			"hallo welt": {{Token: "hallo", Case: punct.CaseUpper}},
		}}},
		{name: "empty output", pred: &mock.Predictor{Results: map[string][]punct.Prediction{
			"hallo welt": {{Token: ""}, {Token: ""}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, state := newTestWorker(t, tt.pred)
			state.SetEnriched("Stale.")
			w.Start(context.Background())
			w.Submit("hallo welt")

			waitEnriched(t, state, "hallo welt")
			if got := w.Stats().Failed; got != 1 {
				t.Errorf("Failed = %d, want 1", got)
			}
		})
	}
}

func TestWorker_OpenBreakerSkipsPredictor(t *testing.T) {
	pred := &mock.Predictor{PredictErr: errors.New("down")}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	w, state := newTestWorker(t, pred, func(c *Config) { c.Breaker = breaker })
	w.Start(context.Background())

	w.Submit("first")
	waitEnriched(t, state, "first")
	if breaker.State() != resilience.StateOpen {
		t.Fatalf("breaker = %v, want open", breaker.State())
	}

	w.Submit("second")
	waitEnriched(t, state, "second")
	if got := len(pred.Calls()); got != 1 {
		t.Errorf("Predict calls = %d, want 1 (breaker open)", got)
	}
}

func TestWorker_StopCancelsInFlight(t *testing.T) {
	pred := halloWeltPredictor()
	pred.Gate = make(chan struct{})
	w, state := newTestWorker(t, pred)
	w.Start(context.Background())
	w.Submit("hallo welt")

	deadline := time.Now().Add(2 * time.Second)
	for len(pred.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an in-flight job")
	}
	if _, ok := state.Enriched(); ok {
		t.Error("cancelled job published a result")
	}
}

func TestWorker_Warmup(t *testing.T) {
	pred := &mock.Predictor{}
	w, state := newTestWorker(t, pred)

	if err := w.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	if len(pred.Calls()) != 1 {
		t.Errorf("Predict calls = %d, want 1", len(pred.Calls()))
	}
	if _, ok := state.Enriched(); ok {
		t.Error("Warmup published a result")
	}

	failing := &mock.Predictor{PredictErr: errors.New("no model")}
	w2, _ := newTestWorker(t, failing)
	if err := w2.Warmup(context.Background()); err == nil {
		t.Error("expected Warmup error")
	}
}

func TestFailure_Is(t *testing.T) {
	cause := errors.New("cause")
	var err error = &Failure{Text: "x", Err: cause}
	if !errors.Is(err, ErrEnrichment) {
		t.Error("Failure does not match ErrEnrichment")
	}
	if !errors.Is(err, cause) {
		t.Error("Failure does not unwrap to its cause")
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{StatusNotStarted, "not_started"},
		{StatusRunning, "running"},
		{StatusStopped, "stopped"},
		{Status(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
