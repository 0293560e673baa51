package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override understood by [Loader].
const EnvPrefix = "LIVESCRIBE_"

// ValidBackendNames lists known backend names per backend kind.
// Used by [Validate] to warn about unrecognised names.
var ValidBackendNames = map[string][]string{
	"audio":       {"portaudio", "wav"},
	"decoder":     {"deepgram", "vosk", "whisper"},
	"punctuation": {"llm", "rules"},
	"llm":         {"ollama", "openai", "llamacpp", "llamafile"},
}

// Loader reads configuration files and applies environment overrides on top.
// Tests can override Lookup to inject deterministic environments.
type Loader struct {
	Lookup func(string) (string, bool)
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [Loader.Load] using the process environment.
func Load(path string) (*Config, error) {
	return Loader{}.Load(path)
}

// LoadFromReader decodes a YAML config from r, applies process environment
// overrides and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	return Loader{}.LoadFromReader(r)
}

// Load reads the YAML file at path. An empty path skips the file and yields
// the defaults plus environment overrides.
func (l Loader) Load(path string) (*Config, error) {
	if path == "" {
		return l.LoadFromReader(bytes.NewReader(nil))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := l.LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], applies
// environment overrides and validates the result. Empty input is valid.
func (l Loader) LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg from LIVESCRIBE_* variables. Unparseable values are
// reported instead of being silently ignored.
func (l Loader) applyEnv(cfg *Config) error {
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	o := overrider{lookup: lookup}

	o.str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	var level string
	if o.str("LOG_LEVEL", &level) {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(level))
	}

	o.str("AUDIO_HOST", &cfg.Audio.Host)
	o.str("WAV_PATH", &cfg.Audio.WAVPath)
	var realtime bool
	if o.boolean("WAV_REALTIME", &realtime) {
		cfg.Audio.Realtime = &realtime
	}
	var device int
	if o.integer("DEVICE_INDEX", &device) {
		cfg.Audio.DeviceIndex = &device
	}
	o.float("SILENCE_THRESHOLD", &cfg.Audio.SilenceThreshold)
	o.integer("QUEUE_CAPACITY", &cfg.Audio.QueueCapacity)

	o.str("DECODER", &cfg.Decoder.Name)
	o.str("MODEL_PATH", &cfg.Decoder.ModelPath)
	o.str("DECODER_API_KEY", &cfg.Decoder.APIKey)
	o.str("LANGUAGE", &cfg.Decoder.Language)
	o.duration("POLL_INTERVAL", &cfg.Decoder.PollInterval)

	o.boolean("PUNCT_ENABLED", &cfg.Punctuation.Enabled)
	o.str("PUNCT_NAME", &cfg.Punctuation.Name)
	o.str("PUNCT_BACKEND", &cfg.Punctuation.Backend)
	o.str("PUNCT_MODEL", &cfg.Punctuation.Model)
	o.str("PUNCT_BASE_URL", &cfg.Punctuation.BaseURL)
	o.str("PUNCT_API_KEY", &cfg.Punctuation.APIKey)
	o.str("PUNCT_LANGUAGE", &cfg.Punctuation.Language)
	o.str("PUNCT_CHECKPOINT_DIR", &cfg.Punctuation.CheckpointDir)
	o.duration("PUNCT_TIMEOUT", &cfg.Punctuation.Timeout)
	o.boolean("PUNCT_EAGER", &cfg.Punctuation.Eager)

	o.str("NATS_URL", &cfg.Bus.URL)
	o.str("NATS_SUBJECT_PREFIX", &cfg.Bus.SubjectPrefix)
	o.boolean("NATS_EMBEDDED", &cfg.Bus.Embedded)
	o.integer("NATS_PORT", &cfg.Bus.Port)
	o.str("SERVICE_NAME", &cfg.Telemetry.ServiceName)
	o.str("TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	o.str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	o.boolean("OTLP_INSECURE", &cfg.Telemetry.OTLPInsecure)

	return errors.Join(o.errs...)
}

type overrider struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (o *overrider) value(key string) (string, bool) {
	v, ok := o.lookup(EnvPrefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (o *overrider) str(key string, target *string) bool {
	v, ok := o.value(key)
	if ok {
		*target = v
	}
	return ok
}

func (o *overrider) integer(key string, target *int) bool {
	v, ok := o.value(key)
	if !ok {
		return false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return false
	}
	*target = n
	return true
}

func (o *overrider) float(key string, target *float64) bool {
	v, ok := o.value(key)
	if !ok {
		return false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return false
	}
	*target = f
	return true
}

func (o *overrider) boolean(key string, target *bool) bool {
	v, ok := o.value(key)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return false
	}
	*target = b
	return true
}

func (o *overrider) duration(key string, target *time.Duration) bool {
	v, ok := o.value(key)
	if !ok {
		return false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return false
	}
	*target = d
	return true
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if cfg.Audio.Host == "" {
		errs = append(errs, errors.New("audio.host is required"))
	}
	validateBackendName("audio", cfg.Audio.Host)
	if cfg.Audio.Host == "wav" && cfg.Audio.WAVPath == "" {
		errs = append(errs, errors.New("audio.wav_path is required when audio.host is wav"))
	}
	if cfg.Audio.DeviceIndex != nil && *cfg.Audio.DeviceIndex < 0 {
		errs = append(errs, fmt.Errorf("audio.device_index %d must not be negative", *cfg.Audio.DeviceIndex))
	}
	if cfg.Audio.SilenceThreshold >= 1 {
		errs = append(errs, fmt.Errorf("audio.silence_threshold %.4f is out of range; amplitudes are normalised to [0, 1)", cfg.Audio.SilenceThreshold))
	}
	if cfg.Audio.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("audio.queue_capacity %d must not be negative", cfg.Audio.QueueCapacity))
	}

	// Decoder
	if cfg.Decoder.Name == "" {
		errs = append(errs, errors.New("decoder.name is required"))
	}
	validateBackendName("decoder", cfg.Decoder.Name)
	if cfg.Decoder.Name == "deepgram" {
		if cfg.Decoder.APIKey == "" {
			errs = append(errs, errors.New("decoder.api_key is required for the deepgram decoder"))
		}
	} else if cfg.Decoder.ModelPath == "" {
		errs = append(errs, errors.New("decoder.model_path is required"))
	}
	if cfg.Decoder.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("decoder.sample_rate %d must not be negative", cfg.Decoder.SampleRate))
	}
	if cfg.Decoder.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("decoder.poll_interval %s must not be negative", cfg.Decoder.PollInterval))
	}

	// Punctuation
	p := cfg.Punctuation
	if p.Enabled {
		if p.Name == "" {
			errs = append(errs, errors.New("punctuation.name is required when punctuation is enabled"))
		}
		validateBackendName("punctuation", p.Name)
		if p.Name == "llm" {
			if p.Backend == "" {
				errs = append(errs, errors.New("punctuation.backend is required for the llm punctuator"))
			}
			validateBackendName("llm", p.Backend)
			if p.Model == "" {
				errs = append(errs, errors.New("punctuation.model is required for the llm punctuator"))
			}
		}
	}
	if p.Timeout < 0 {
		errs = append(errs, fmt.Errorf("punctuation.timeout %s must not be negative", p.Timeout))
	}
	if p.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("punctuation.max_pending %d must not be negative", p.MaxPending))
	}

	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v must be within [0, 1]", r))
	}
	switch cfg.Telemetry.TraceExporter {
	case "", TraceExporterNone, TraceExporterStdout:
	case TraceExporterOTLP:
		if cfg.Telemetry.OTLPEndpoint == "" {
			errs = append(errs, errors.New("telemetry.otlp_endpoint is required for the otlp trace exporter"))
		}
	default:
		errs = append(errs, fmt.Errorf("telemetry.trace_exporter %q must be one of none, stdout, otlp", cfg.Telemetry.TraceExporter))
	}

	// Bus
	if cfg.Bus.Enabled() && cfg.Bus.SubjectPrefix == "" {
		errs = append(errs, errors.New("bus.subject_prefix is required when the bus is enabled"))
	}
	if cfg.Bus.Port < -1 || cfg.Bus.Port > 65535 {
		errs = append(errs, fmt.Errorf("bus.port %d is out of range", cfg.Bus.Port))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
