package app_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/livescribe/internal/app"
	"github.com/MrWong99/livescribe/internal/capture"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/audio"
	audiomock "github.com/MrWong99/livescribe/pkg/audio/mock"
	"github.com/MrWong99/livescribe/pkg/provider/punct"
	punctmock "github.com/MrWong99/livescribe/pkg/provider/punct/mock"
	sttmock "github.com/MrWong99/livescribe/pkg/provider/stt/mock"
)

type fixture struct {
	host    *audiomock.Host
	stt     *sttmock.Provider
	decoder *sttmock.Decoder
	punct   *punctmock.Provider
	pred    *punctmock.Predictor
	cfg     *config.Config
	metrics *observe.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Decoder.ModelPath = "/models/vosk-de"
	cfg.Decoder.PollInterval = 5 * time.Millisecond
	cfg.Punctuation.Enabled = true
	cfg.Punctuation.CheckpointDir = "/models/punct-de"

	f := &fixture{
		host: &audiomock.Host{DevicesResult: []audio.DeviceInfo{
			{Index: 0, Name: "Mic A", MaxInputChannels: 1, DefaultSampleRate: 44100},
			{Index: 1, Name: "Speakers", MaxInputChannels: 0, DefaultSampleRate: 44100},
			{Index: 2, Name: "Mic B", MaxInputChannels: 1, DefaultSampleRate: 48000},
		}},
		decoder: &sttmock.Decoder{Steps: []sttmock.Step{
			{Partial: "hallo"},
			{Final: true, Text: "hallo welt"},
		}},
		pred: &punctmock.Predictor{Results: map[string][]punct.Prediction{
			"hallo welt": {
				{Token: "hallo", Case: punct.CaseCapitalize, Punc: punct.PuncNone},
				{Token: "welt", Case: punct.CaseCapitalize, Punc: punct.PuncPeriod},
			},
		}},
		cfg:     cfg,
		metrics: m,
	}
	f.stt = &sttmock.Provider{Decoder: f.decoder}
	f.punct = &punctmock.Provider{Predictor: f.pred}
	return f
}

func (f *fixture) manager(t *testing.T) *app.SessionManager {
	t.Helper()
	sm, err := app.NewSessionManager(app.SessionManagerConfig{
		Host:       f.host,
		Decoder:    f.stt,
		Punctuator: f.punct,
		Config:     f.cfg,
		Metrics:    f.metrics,
	})
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	t.Cleanup(sm.Close)
	return sm
}

// speech returns a 50 ms block at rate that passes the silence gate.
func speech(rate int) []int16 {
	b := make([]int16, audio.BlockSize(rate))
	for i := range b {
		if i%2 == 0 {
			b[i] = 3000
		} else {
			b[i] = -3000
		}
	}
	return b
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNewSessionManager_Validation(t *testing.T) {
	t.Parallel()

	_, err := app.NewSessionManager(app.SessionManagerConfig{})
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	for _, want := range []string{"audio host", "decoder", "config"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestSessionManager_IdleInfo(t *testing.T) {
	t.Parallel()

	sm := newFixture(t).manager(t)
	if sm.Peek() != nil {
		t.Fatal("session exists before any lifecycle call")
	}
	if got := sm.Info().State; got != session.StateIdle {
		t.Errorf("Info().State = %v, want Idle", got)
	}
	if got := sm.SessionID(); got != "" {
		t.Errorf("SessionID = %q, want empty", got)
	}
	sm.Stop() // no session: no-op
	if sm.Peek() != nil {
		t.Error("Stop created a session")
	}
}

func TestSessionManager_ListDevicesFiltersOutputs(t *testing.T) {
	t.Parallel()

	sm := newFixture(t).manager(t)
	devices, err := sm.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, d := range devices {
		names = append(names, d.Name)
	}
	if !slices.Equal(names, []string{"Mic A", "Mic B"}) {
		t.Errorf("devices = %v", names)
	}
}

func TestSessionManager_ListDevicesError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.host.DevicesError = errors.New("backend gone")
	if _, err := f.manager(t).ListDevices(); err == nil {
		t.Fatal("expected error")
	}
}

func TestSessionManager_EndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sm := f.manager(t)
	ctx := context.Background()

	if _, err := sm.SelectDevice(2); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}
	if err := sm.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := sm.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := sm.Info().State; got != session.StateListening {
		t.Fatalf("state = %v, want Listening", got)
	}

	stream := f.host.LastStream()
	stream.Emit(speech(48000), false)
	stream.Emit(speech(48000), false)

	eventually(t, "enriched latest text", func() bool { return sm.LatestText() == "Hallo Welt." })
	if got := sm.Transcript().History(); !slices.Equal(got, []string{"hallo welt"}) {
		t.Errorf("History = %v", got)
	}

	sm.Stop()
	if got := sm.Info().State; got != session.StateStopped {
		t.Errorf("state after Stop = %v", got)
	}
}

func TestSessionManager_InvalidDevice(t *testing.T) {
	t.Parallel()

	sm := newFixture(t).manager(t)
	if _, err := sm.SelectDevice(1); !errors.Is(err, capture.ErrInvalidDevice) {
		t.Fatalf("SelectDevice(output-only) = %v, want ErrInvalidDevice", err)
	}
	if _, err := sm.SelectDevice(9); !errors.Is(err, capture.ErrInvalidDevice) {
		t.Fatalf("SelectDevice(9) = %v, want ErrInvalidDevice", err)
	}
	// A rejected selection is not remembered.
	if err := sm.LoadAndStart(context.Background()); !errors.Is(err, session.ErrPrecondition) {
		t.Errorf("LoadAndStart without device = %v, want ErrPrecondition", err)
	}
}

func TestSessionManager_RecreatesAfterStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sm := f.manager(t)
	ctx := context.Background()

	if _, err := sm.SelectDevice(2); err != nil {
		t.Fatal(err)
	}
	if err := sm.LoadAndStart(ctx); err != nil {
		t.Fatalf("LoadAndStart: %v", err)
	}
	first := sm.Peek()
	f.host.LastStream().Emit(speech(48000), false)
	f.host.LastStream().Emit(speech(48000), false)
	eventually(t, "first final", func() bool { return len(sm.Transcript().History()) == 1 })

	sm.Stop()

	// The stopped session is replaced, the device is re-selected and the
	// transcript history survives.
	if err := sm.LoadAndStart(ctx); err != nil {
		t.Fatalf("LoadAndStart after Stop: %v", err)
	}
	second := sm.Peek()
	if second == first {
		t.Fatal("stopped session was reused")
	}
	if second.ID() == first.ID() {
		t.Error("replacement session has the same ID")
	}
	if got := sm.Info().State; got != session.StateListening {
		t.Errorf("state = %v, want Listening", got)
	}
	if got := f.host.LastStream().Params.Device; got != 2 {
		t.Errorf("replacement stream device = %d, want remembered 2", got)
	}
	if got := len(sm.Transcript().History()); got != 1 {
		t.Errorf("history length = %d, want 1 carried over", got)
	}
	if second.Transcript() != sm.Transcript() {
		t.Error("replacement session does not share the transcript state")
	}
}

func TestSessionManager_LoadAndStartIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sm := f.manager(t)
	ctx := context.Background()

	sm.SelectDevice(0)
	if err := sm.LoadAndStart(ctx); err != nil {
		t.Fatal(err)
	}
	if err := sm.LoadAndStart(ctx); err != nil {
		t.Fatalf("second LoadAndStart = %v, want nil", err)
	}
	if got := len(f.stt.Calls()); got != 1 {
		t.Errorf("decoder loads = %d, want 1", got)
	}
	if got := len(f.host.Streams()); got != 1 {
		t.Errorf("streams opened = %d, want 1", got)
	}
}

func TestSessionManager_ModelLoadError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stt.LoadErr = errors.New("model directory missing")
	sm := f.manager(t)

	sm.SelectDevice(0)
	err := sm.Load(context.Background())
	var mle *session.ModelLoadError
	if !errors.As(err, &mle) {
		t.Fatalf("Load = %v, want *ModelLoadError", err)
	}
	if mle.Path != "/models/vosk-de" {
		t.Errorf("ModelLoadError.Path = %q", mle.Path)
	}
	if got := sm.Info().State; got != session.StateDeviceSelected {
		t.Errorf("state = %v, want DeviceSelected for retry", got)
	}
}

func TestSessionManager_ConfiguredDevice(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	idx := 2
	f.cfg.Audio.DeviceIndex = &idx
	sm := f.manager(t)

	if err := sm.LoadAndStart(context.Background()); err != nil {
		t.Fatalf("LoadAndStart with configured device: %v", err)
	}
	if got := f.host.LastStream().Params.Device; got != 2 {
		t.Errorf("stream device = %d, want 2", got)
	}
}

func TestSessionManager_StaleConfiguredDeviceForgotten(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	idx := 7
	f.cfg.Audio.DeviceIndex = &idx
	sm := f.manager(t)

	s, err := sm.Current()
	if err != nil {
		t.Fatal(err)
	}
	if s.State() != session.StateIdle {
		t.Errorf("state = %v, want Idle after invalid remembered device", s.State())
	}
}

func TestSessionManager_PunctuationDisabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.cfg.Punctuation.Enabled = false
	sm := f.manager(t)

	sm.SelectDevice(2)
	if err := sm.LoadAndStart(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.punct.Calls()) != 0 {
		t.Error("punctuation model loaded although disabled")
	}
	if sm.Info().Enrichment != nil {
		t.Error("enrichment info present although disabled")
	}

	f.host.LastStream().Emit(speech(48000), false)
	f.host.LastStream().Emit(speech(48000), false)
	eventually(t, "final", func() bool { return sm.LatestText() == "hallo welt" })
}

func TestSessionManager_UpdateConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sm := f.manager(t)
	ctx := context.Background()

	sm.SelectDevice(0)
	if err := sm.LoadAndStart(ctx); err != nil {
		t.Fatal(err)
	}

	updated := *f.cfg
	updated.Punctuation.Enabled = false
	idx := 2
	updated.Audio.DeviceIndex = &idx
	sm.UpdateConfig(&updated)

	if sm.Config() != &updated {
		t.Fatal("Config() does not return the updated config")
	}
	if sm.Info().Enrichment == nil {
		t.Error("live session lost its enrichment worker on reload")
	}

	sm.Stop()
	if err := sm.LoadAndStart(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.host.LastStream().Params.Device; got != 2 {
		t.Errorf("next session device = %d, want 2 from reloaded config", got)
	}
	if sm.Info().Enrichment != nil {
		t.Error("next session has enrichment although the reload disabled it")
	}
}

func TestSessionManager_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	sm := newFixture(t).manager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch i % 4 {
			case 0:
				sm.SelectDevice(0)
			case 1:
				_ = sm.LoadAndStart(ctx)
			case 2:
				_ = sm.Info()
				_ = sm.LatestText()
			case 3:
				sm.Stop()
			}
		}()
	}
	wg.Wait()
}
