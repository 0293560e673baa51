// Command livescribe is the main entry point for the livescribe streaming
// transcription server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/livescribe/internal/app"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/audio/portaudio"
	"github.com/MrWong99/livescribe/pkg/audio/wavfile"
	"github.com/MrWong99/livescribe/pkg/provider/punct"
	punctllm "github.com/MrWong99/livescribe/pkg/provider/punct/llm"
	"github.com/MrWong99/livescribe/pkg/provider/punct/rules"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/deepgram"
	"github.com/MrWong99/livescribe/pkg/provider/stt/vosk"
	"github.com/MrWong99/livescribe/pkg/provider/stt/whisper"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file (empty: defaults and LIVESCRIBE_* environment only)")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livescribe: config file %q not found; copy configs/example.yaml or pass -config \"\"\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livescribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	logger := newLogger(os.Stderr, &level, cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("livescribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	spans, err := observe.NewTraceExporter(ctx, observe.ExporterConfig{
		Kind:     cfg.Telemetry.TraceExporter,
		Endpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure: cfg.Telemetry.OTLPInsecure,
		Writer:   os.Stderr,
	})
	if err != nil {
		slog.Error("failed to create trace exporter", "err", err)
		return 1
	}
	tel, err := observe.Init(ctx, observe.TelemetryConfig{
		ServiceName:      cfg.Telemetry.ServiceName,
		ServiceVersion:   version,
		TraceExporter:    spans,
		TraceSampleRatio: cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if c, ok := providers.Audio.(interface{ Close() error }); ok {
		defer func() {
			if err := c.Close(); err != nil {
				slog.Warn("audio host close error", "err", err)
			}
		}()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(os.Stdout, cfg, providers)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithLevel(&level),
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch && *configPath != "" {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go func() { _ = w.Run(ctx) }()

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						w.Reload()
					}
				}
			}()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newLogger builds the process logger. Its level follows v so hot reloads can
// change verbosity without rebuilding the handler.
func newLogger(w io.Writer, v *slog.LevelVar, lvl config.LogLevel) *slog.Logger {
	v.Set(lvl.Level())
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: v}))
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the audio hosts, decoders and punctuators
// that ship with livescribe into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("portaudio", func(config.AudioConfig) (audio.Host, error) {
		h, err := portaudio.New()
		if err != nil {
			return nil, err
		}
		return h, nil
	})

	reg.RegisterAudio("wav", func(cfg config.AudioConfig) (audio.Host, error) {
		h, err := wavfile.Open(cfg.WAVPath,
			wavfile.WithRealtime(cfg.IsRealtime()),
			wavfile.WithLoop(cfg.Loop),
		)
		if err != nil {
			return nil, err
		}
		return h, nil
	})

	// ── Decoders ──────────────────────────────────────────────────────────────

	reg.RegisterDecoder("vosk", func(config.DecoderConfig) (stt.Provider, error) {
		return vosk.New(), nil
	})

	reg.RegisterDecoder("deepgram", func(cfg config.DecoderConfig) (stt.Provider, error) {
		var opts []deepgram.Option
		if cfg.Model != "" {
			opts = append(opts, deepgram.WithModel(cfg.Model))
		}
		if cfg.Language != "" {
			opts = append(opts, deepgram.WithLanguage(cfg.Language))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(cfg.BaseURL))
		}
		if kws := optStrings(cfg.Options, "keywords"); len(kws) > 0 {
			opts = append(opts, deepgram.WithKeywords(kws...))
		}
		return deepgram.New(cfg.APIKey, opts...)
	})

	reg.RegisterDecoder("whisper", func(cfg config.DecoderConfig) (stt.Provider, error) {
		var opts []whisper.Option
		if cfg.Language != "" {
			opts = append(opts, whisper.WithLanguage(cfg.Language))
		}
		if ms, ok := optInt(cfg.Options, "silence_threshold_ms"); ok {
			opts = append(opts, whisper.WithSilenceThresholdMs(ms))
		}
		if ms, ok := optInt(cfg.Options, "max_buffer_duration_ms"); ok {
			opts = append(opts, whisper.WithMaxBufferDurationMs(ms))
		}
		if rms, ok := optFloat(cfg.Options, "rms_threshold"); ok {
			opts = append(opts, whisper.WithRMSThreshold(rms))
		}
		return whisper.New(opts...), nil
	})

	// ── Punctuators ───────────────────────────────────────────────────────────

	reg.RegisterPunctuator("llm", func(cfg config.PunctuationConfig) (punct.Provider, error) {
		backend := cfg.Backend
		if backend == "" {
			backend = "ollama"
		}
		var opts []anyllmlib.Option
		if cfg.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		return punctllm.New(backend, opts...), nil
	})

	reg.RegisterPunctuator("rules", func(config.PunctuationConfig) (punct.Provider, error) {
		return rules.New(), nil
	})

	for _, kind := range []string{"audio", "decoder", "punctuation"} {
		slog.Debug("registered backends", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the backends named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	h, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio host %q: %w", cfg.Audio.Host, err)
	}
	ps.Audio = h
	slog.Info("backend created", "kind", "audio", "name", cfg.Audio.Host)

	d, err := reg.CreateDecoder(cfg.Decoder)
	if err != nil {
		closeHost(h)
		return nil, fmt.Errorf("create decoder %q: %w", cfg.Decoder.Name, err)
	}
	ps.Decoder = d
	slog.Info("backend created", "kind", "decoder", "name", cfg.Decoder.Name)

	// The punctuator is built even when enrichment is disabled so a hot
	// reload can switch it on for the next session.
	if name := cfg.Punctuation.Name; name != "" {
		p, err := reg.CreatePunctuator(cfg.Punctuation)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("punctuator not available, enrichment disabled", "name", name)
		case err != nil:
			closeHost(h)
			return nil, fmt.Errorf("create punctuator %q: %w", name, err)
		default:
			ps.Punctuator = p
			slog.Info("backend created", "kind", "punctuation", "name", name, "enabled", cfg.Punctuation.Enabled)
		}
	}

	return ps, nil
}

func closeHost(h audio.Host) {
	if c, ok := h.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

// optInt reads an integer option. YAML decodes numbers into int or float64
// depending on their spelling; numeric strings are accepted too.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// optStrings reads a list option. A single string is treated as a
// comma-separated list.
func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		return strings.Split(v, ",")
	}
	return nil
}

// optFloat reads a floating point option.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config, ps *app.Providers) {
	row := func(label, value string) {
		fmt.Fprintf(w, "║  %-14s %-24s║\n", label, value)
	}
	punctuator := "(disabled)"
	if cfg.Punctuation.Enabled && ps != nil && ps.Punctuator != nil {
		punctuator = cfg.Punctuation.Name
	}
	bus := "(disabled)"
	switch {
	case cfg.Bus.Embedded:
		bus = "embedded"
	case cfg.Bus.URL != "":
		bus = cfg.Bus.URL
	}

	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║      livescribe · startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	row("Listen", cfg.Server.ListenAddr)
	row("Audio host", cfg.Audio.Host)
	row("Decoder", cfg.Decoder.Name)
	row("Model", truncate(cfg.Decoder.ModelPath, 24))
	row("Punctuation", punctuator)
	row("Bus", truncate(bus, 24))
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "…" + string(r[len(r)-n+1:])
}
