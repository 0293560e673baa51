// Package app wires the livescribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and forwards transcript events until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithPublisher,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/api"
	"github.com/MrWong99/livescribe/internal/bus"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/health"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/punct"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// shutdownTimeout bounds the graceful HTTP shutdown inside Run.
const shutdownTimeout = 5 * time.Second

// Providers holds one interface value per backend slot. Populated by main.go
// via the config registry.
type Providers struct {
	Audio      audio.Host
	Decoder    stt.Provider
	Punctuator punct.Provider // nil: enrichment unavailable
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	promHTTP  http.Handler
	log       *slog.Logger
	level     *slog.LevelVar

	sessions  *SessionManager
	api       *api.Server
	health    *health.Handler
	handler   http.Handler
	server    *http.Server
	publisher bus.Publisher
	forwarder *bus.Forwarder

	// ready is closed once Run has bound the listener.
	ready chan struct{}
	addr  net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithPublisher injects a transcript event publisher instead of connecting
// to NATS. The forwarder is enabled even when the config disables the bus.
func WithPublisher(p bus.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithMetrics injects the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler mounted on GET /metrics. Defaults to
// the handler of the default Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promHTTP = h }
}

// WithLogger sets the base logger of every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel hands the App the level variable of the process logger so hot
// reloads can change verbosity.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing listens or
// captures until [App.Run] and the first lifecycle call.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil {
		return nil, errors.New("app: providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		ready:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.promHTTP == nil {
		a.promHTTP = promhttp.Handler()
	}

	// ── 1. Session manager ───────────────────────────────────────────────
	sm, err := NewSessionManager(SessionManagerConfig{
		Host:       providers.Audio,
		Decoder:    providers.Decoder,
		Punctuator: providers.Punctuator,
		Config:     cfg,
		Metrics:    a.metrics,
		Logger:     a.log,
	})
	if err != nil {
		return nil, err
	}
	a.sessions = sm
	a.closers = append(a.closers, func() error { sm.Close(); return nil })

	missed, err := a.metrics.ObserveMissedEvents(sm.Transcript().Missed)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: observe transcript stream: %w", err)
	}
	a.closers = append(a.closers, missed.Unregister)

	// ── 2. Transcript bus ────────────────────────────────────────────────
	if err := a.initBus(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init bus: %w", err)
	}

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initBus connects the transcript publisher: an injected one, an embedded
// NATS server, or an external NATS server, in that order of preference.
func (a *App) initBus(_ context.Context) error {
	bc := a.cfg.Bus
	if a.publisher == nil && !bc.Enabled() {
		return nil
	}

	if a.publisher == nil {
		url := bc.URL
		if bc.Embedded {
			srv, err := bus.StartEmbedded("0.0.0.0", bc.Port, a.log)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() error { srv.Shutdown(); return nil })
			url = srv.ClientURL()
		}
		client, err := bus.Connect(url, a.cfg.Telemetry.ServiceName, a.log)
		if err != nil {
			return err
		}
		// Closers run in order; the client must drain before the server stops.
		a.closers = append([]func() error{func() error { client.Close(); return nil }}, a.closers...)
		a.publisher = client
	}

	prefix := bc.SubjectPrefix
	if prefix == "" {
		prefix = config.DefaultBusSubjectPrefix
	}
	fwd, err := bus.NewForwarder(bus.ForwarderConfig{
		Publisher: a.publisher,
		Source:    a.sessions.Transcript(),
		Prefix:    prefix,
		SessionID: a.sessions.SessionID,
		Metrics:   a.metrics,
		Logger:    a.log,
	})
	if err != nil {
		return err
	}
	a.forwarder = fwd
	return nil
}

// initHTTP builds the API, health and metrics routes behind the observe
// middleware.
func (a *App) initHTTP() error {
	srv, err := api.New(api.Config{
		Controller:     a.sessions,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Metrics:        a.metrics,
		Logger:         a.log,
	})
	if err != nil {
		return err
	}
	a.api = srv

	checkers := []health.Checker{
		health.InputDevices(a.providers.Audio),
		health.Func("session", true, a.sessionCheck),
	}
	if c, ok := a.publisher.(interface{ Check() error }); ok {
		checkers = append(checkers, health.Func("bus", true, c.Check))
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	a.api.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.promHTTP)
	a.handler = observe.HTTPMiddleware(a.metrics, a.log, observe.WithQuietRoutes(
		"GET /healthz", "GET /readyz", "GET /metrics",
		"GET /api/transcript/partial", "GET /api/transcript/latest",
	))(mux)
	return nil
}

// sessionCheck degrades readiness while the last session ended in a failure.
func (a *App) sessionCheck() error {
	info := a.sessions.Info()
	if info.State == session.StateStopped && info.Err != nil {
		return info.Err
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Ready is closed once Run is accepting connections.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr returns the bound listen address. It is nil until Ready is closed.
func (a *App) Addr() net.Addr {
	select {
	case <-a.ready:
		return a.addr
	default:
		return nil
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and forwards transcript events until ctx is cancelled. It
// returns nil after a clean shutdown. Call [App.Shutdown] afterwards to
// release the session and bus.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	a.addr = ln.Addr()
	close(a.ready)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	if a.forwarder != nil {
		g.Go(func() error { return a.forwarder.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http shutdown incomplete", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies a reloaded configuration. The log level takes effect
// immediately, session settings apply to the next session, and everything
// else is only logged as requiring a restart.
func (a *App) ApplyConfig(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if !d.HasChanges() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.sessions.UpdateConfig(updated)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("configuration changes require a restart", "fields", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
