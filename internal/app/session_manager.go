package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/internal/transcript"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/punct"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Host       audio.Host
	Decoder    stt.Provider
	Punctuator punct.Provider // nil: enrichment is never available
	Config     *config.Config
	Metrics    *observe.Metrics
	Logger     *slog.Logger
}

// SessionManager owns the single live transcription session.
//
// A stopped session is terminal, so the manager replaces it with a fresh one
// on the next lifecycle call. The transcript state is shared across sessions:
// history and event subscribers survive a stop/start cycle. The last
// selected device is remembered and re-selected on the replacement.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	host       audio.Host
	decoder    stt.Provider
	punctuator punct.Provider
	metrics    *observe.Metrics
	log        *slog.Logger
	base       *slog.Logger
	transcript *transcript.State

	mu      sync.Mutex
	cfg     *config.Config
	current *session.Session
	device  *int
}

// NewSessionManager creates a SessionManager. No session exists until the
// first lifecycle call.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	var errs []error
	if cfg.Host == nil {
		errs = append(errs, errors.New("audio host is required"))
	}
	if cfg.Decoder == nil {
		errs = append(errs, errors.New("decoder provider is required"))
	}
	if cfg.Config == nil {
		errs = append(errs, errors.New("config is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("app: session manager: %w", err)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	sm := &SessionManager{
		host:       cfg.Host,
		decoder:    cfg.Decoder,
		punctuator: cfg.Punctuator,
		metrics:    cfg.Metrics,
		base:       cfg.Logger,
		log:        cfg.Logger.With("component", "session_manager"),
		transcript: transcript.NewState(),
		cfg:        cfg.Config,
	}
	if idx := cfg.Config.Audio.DeviceIndex; idx != nil {
		v := *idx
		sm.device = &v
	}
	return sm, nil
}

// Transcript returns the transcript state shared by all sessions.
func (sm *SessionManager) Transcript() *transcript.State { return sm.transcript }

// Current returns the live session, creating a fresh one if there is none or
// the previous one has stopped.
func (sm *SessionManager) Current() (*session.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.currentLocked()
}

// Peek returns the live session without creating one. It may be nil.
func (sm *SessionManager) Peek() *session.Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

func (sm *SessionManager) currentLocked() (*session.Session, error) {
	if sm.current != nil && sm.current.State() != session.StateStopped {
		return sm.current, nil
	}
	if sm.current != nil {
		sm.current.Close()
		sm.transcript.ClearPartial()
	}

	s, err := session.New(sm.sessionConfig())
	if err != nil {
		return nil, err
	}
	if sm.device != nil {
		if _, err := s.SelectDevice(*sm.device); err != nil {
			sm.log.Warn("remembered device no longer valid", "device", *sm.device, "error", err)
			sm.device = nil
		}
	}
	sm.current = s
	sm.log.Info("session created", "session_id", s.ID(), "state", s.State())
	return s, nil
}

func (sm *SessionManager) sessionConfig() session.Config {
	cfg := sm.cfg
	sc := session.Config{
		Host:    sm.host,
		Decoder: sm.decoder,
		DecoderConfig: stt.LoadConfig{
			ModelPath:  cfg.Decoder.ModelPath,
			SampleRate: cfg.Decoder.SampleRate,
			Language:   cfg.Decoder.Language,
		},
		PunctConfig: punct.Config{
			CheckpointDir: cfg.Punctuation.CheckpointDir,
			Language:      cfg.Punctuation.Language,
			Model:         cfg.Punctuation.Model,
		},
		EagerEnrichment:  cfg.Punctuation.Eager,
		MaxPending:       cfg.Punctuation.MaxPending,
		EnrichTimeout:    cfg.Punctuation.Timeout,
		SilenceThreshold: cfg.Audio.SilenceThreshold,
		QueueCapacity:    cfg.Audio.QueueCapacity,
		PollInterval:     cfg.Decoder.PollInterval,
		Transcript:       sm.transcript,
		Metrics:          sm.metrics,
		Logger:           sm.base,
	}
	if cfg.Punctuation.Enabled {
		sc.Punctuator = sm.punctuator
	}
	return sc
}

// ListDevices returns the input-capable devices of the host.
func (sm *SessionManager) ListDevices() ([]audio.DeviceInfo, error) {
	devices, err := sm.host.Devices()
	if err != nil {
		return nil, fmt.Errorf("app: list devices: %w", err)
	}
	return audio.InputDevices(devices), nil
}

// SelectDevice selects the capture device of the current session and
// remembers it for replacement sessions.
func (sm *SessionManager) SelectDevice(index int) (audio.DeviceInfo, error) {
	s, err := sm.Current()
	if err != nil {
		return audio.DeviceInfo{}, err
	}
	dev, err := s.SelectDevice(index)
	if err != nil {
		return audio.DeviceInfo{}, err
	}
	sm.mu.Lock()
	sm.device = &index
	sm.mu.Unlock()
	return dev, nil
}

// Load loads the models of the current session.
func (sm *SessionManager) Load(ctx context.Context) error {
	s, err := sm.Current()
	if err != nil {
		return err
	}
	return s.Load(ctx)
}

// Start starts listening on the current session.
func (sm *SessionManager) Start(ctx context.Context) error {
	s, err := sm.Current()
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

// LoadAndStart loads the models and starts listening in one step, using the
// remembered device. It is a no-op returning nil when the session is
// already listening.
func (sm *SessionManager) LoadAndStart(ctx context.Context) error {
	s, err := sm.Current()
	if err != nil {
		return err
	}
	if s.State() == session.StateListening {
		return nil
	}
	if err := s.Load(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

// SessionID returns the ID of the current session, or "" when there is none.
func (sm *SessionManager) SessionID() string {
	if s := sm.Peek(); s != nil {
		return s.ID()
	}
	return ""
}

// Stop stops the current session, if any. It never fails.
func (sm *SessionManager) Stop() {
	if s := sm.Peek(); s != nil {
		s.Stop()
	}
}

// LatestText returns the latest transcript, enriched when available.
func (sm *SessionManager) LatestText() string {
	if s := sm.Peek(); s != nil {
		return s.LatestText()
	}
	return sm.transcript.LatestFinal()
}

// Info describes the current session. Without a session it reports an idle
// placeholder.
func (sm *SessionManager) Info() session.Info {
	if s := sm.Peek(); s != nil {
		return s.Info()
	}
	return session.Info{State: session.StateIdle}
}

// Config returns the configuration used for the next session.
func (sm *SessionManager) Config() *config.Config {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.cfg
}

// UpdateConfig replaces the configuration used for sessions created from now
// on. The live session keeps its settings. A changed audio.device_index
// replaces the remembered device.
func (sm *SessionManager) UpdateConfig(cfg *config.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	old := sm.cfg
	sm.cfg = cfg
	if d := config.Diff(old, cfg); d.SessionChanged {
		if idx := cfg.Audio.DeviceIndex; idx != nil && (old.Audio.DeviceIndex == nil || *old.Audio.DeviceIndex != *idx) {
			v := *idx
			sm.device = &v
		}
		sm.log.Info("session settings updated, applied to the next session", "fields", d.SessionFields)
	}
}

// Close stops and releases the current session.
func (sm *SessionManager) Close() {
	sm.mu.Lock()
	s := sm.current
	sm.current = nil
	sm.mu.Unlock()
	if s != nil {
		s.Close()
	}
}
