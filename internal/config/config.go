// Package config provides the configuration schema, loader, and backend registry
// for the livescribe transcription server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the livescribe server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [Default]. The model directories mirror the layout of a
// typical models/ checkout next to the binary.
const (
	DefaultListenAddr          = ":5000"
	DefaultAudioHost           = "portaudio"
	DefaultDecoder             = "vosk"
	DefaultDecoderModelPath    = "models/vosk-model-de-tuda-0.6-900k"
	DefaultLanguage            = "de"
	DefaultPunctuator          = "rules"
	DefaultPunctCheckpointDir  = "models/vosk-recasepunc-de-0.21/checkpoint"
	DefaultBusSubjectPrefix    = "livescribe.transcript"
	DefaultServiceName         = "livescribe"
	DefaultPollInterval        = 100 * time.Millisecond
	DefaultEnrichmentTimeout   = 10 * time.Second
	DefaultEnrichmentQueueSize = 32
)

// Config is the root configuration structure for livescribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Audio       AudioConfig       `yaml:"audio"`
	Decoder     DecoderConfig     `yaml:"decoder"`
	Punctuation PunctuationConfig `yaml:"punctuation"`
	Bus         BusConfig         `yaml:"bus"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the HTTP control surface.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":5000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists the origins allowed by CORS and by the websocket
	// handshake. Empty means "*".
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig selects the capture host and tunes the capture path.
type AudioConfig struct {
	// Host selects the registered audio host ("portaudio", "wav").
	Host string `yaml:"host"`

	// WAVPath is the file replayed by the "wav" host.
	WAVPath string `yaml:"wav_path"`

	// Realtime paces WAV playback at the file's sample rate. Nil means true.
	Realtime *bool `yaml:"realtime"`

	// Loop restarts WAV playback when the file ends.
	Loop bool `yaml:"loop"`

	// DeviceIndex, when set, is selected automatically for every new session.
	DeviceIndex *int `yaml:"device_index"`

	// SilenceThreshold is the mean absolute amplitude below which a block is
	// discarded. Zero selects the default; a negative value disables gating.
	// Hot-reloadable: applies to the next session.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// QueueCapacity bounds the frame queue between capture and decoding.
	QueueCapacity int `yaml:"queue_capacity"`
}

// IsRealtime reports whether WAV playback is paced. Defaults to true.
func (a AudioConfig) IsRealtime() bool {
	return a.Realtime == nil || *a.Realtime
}

// ProviderEntry is the common configuration block shared by decoder and
// punctuation backends. The Name field is used to look up the constructor in
// the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "vosk", "llm").
	Name string `yaml:"name"`

	// APIKey is the authentication key for a hosted backend, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default API endpoint.
	// Leave empty to use the backend's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific hosted model (e.g., "llama3.2").
	Model string `yaml:"model"`

	// Options holds backend-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// DecoderConfig selects and configures the acoustic decoder.
type DecoderConfig struct {
	ProviderEntry `yaml:",inline"`

	// ModelPath is the model directory (vosk) or model file (whisper).
	ModelPath string `yaml:"model_path"`

	// SampleRate is the decoder input rate. Zero means 16000.
	SampleRate int `yaml:"sample_rate"`

	// Language is a language hint for decoders that support one.
	Language string `yaml:"language"`

	// PollInterval bounds how long the decode loop waits for a frame before
	// checking for cancellation.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// PunctuationConfig enables and configures asynchronous enrichment.
type PunctuationConfig struct {
	// Enabled turns enrichment on. Hot-reloadable: applies to the next session.
	Enabled bool `yaml:"enabled"`

	ProviderEntry `yaml:",inline"`

	// Backend is the any-llm-go backend used by the "llm" punctuator
	// (e.g., "ollama", "openai", "llamacpp").
	Backend string `yaml:"backend"`

	// Language of the transcribed speech.
	Language string `yaml:"language"`

	// CheckpointDir is a local model directory for checkpoint-based backends.
	CheckpointDir string `yaml:"checkpoint_dir"`

	// Timeout bounds a single enrichment call.
	Timeout time.Duration `yaml:"timeout"`

	// MaxPending bounds the enrichment backlog.
	MaxPending int `yaml:"max_pending"`

	// Eager submits every final transcript for enrichment as soon as it is
	// committed instead of waiting for a read of the latest text.
	Eager bool `yaml:"eager"`
}

// BusConfig configures the optional NATS transcript publisher.
type BusConfig struct {
	// URL of the NATS server. Empty disables publishing unless Embedded is set.
	URL string `yaml:"url"`

	// Embedded starts an in-process NATS server and publishes to it.
	Embedded bool `yaml:"embedded"`

	// Port of the embedded server. Zero means 4222.
	Port int `yaml:"port"`

	// SubjectPrefix is prepended to the event kind to form the subject.
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Enabled reports whether transcript events are published.
func (b BusConfig) Enabled() bool { return b.URL != "" || b.Embedded }

// TelemetryConfig configures OpenTelemetry resources.
type TelemetryConfig struct {
	// ServiceName is reported as the service.name resource attribute.
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of traces sampled. Zero samples all.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`

	// TraceExporter selects where finished spans go: "none" (default),
	// "stdout" or "otlp".
	TraceExporter string `yaml:"trace_exporter"`

	// OTLPEndpoint is the host:port of the OTLP/gRPC collector. Required
	// when TraceExporter is "otlp".
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS towards the collector.
	OTLPInsecure bool `yaml:"otlp_insecure"`
}

// Trace exporter names accepted by [TelemetryConfig.TraceExporter].
const (
	TraceExporterNone   = "none"
	TraceExporterStdout = "stdout"
	TraceExporterOTLP   = "otlp"
)

// Default returns a configuration populated with the built-in defaults.
// Loaded YAML and environment overrides are applied on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: DefaultListenAddr,
			LogLevel:   LogInfo,
		},
		Audio: AudioConfig{
			Host: DefaultAudioHost,
		},
		Decoder: DecoderConfig{
			ProviderEntry: ProviderEntry{Name: DefaultDecoder},
			ModelPath:     DefaultDecoderModelPath,
			Language:      DefaultLanguage,
			PollInterval:  DefaultPollInterval,
		},
		Punctuation: PunctuationConfig{
			ProviderEntry: ProviderEntry{Name: DefaultPunctuator},
			Language:      DefaultLanguage,
			CheckpointDir: DefaultPunctCheckpointDir,
			Timeout:       DefaultEnrichmentTimeout,
			MaxPending:    DefaultEnrichmentQueueSize,
		},
		Bus: BusConfig{
			SubjectPrefix: DefaultBusSubjectPrefix,
		},
		Telemetry: TelemetryConfig{
			ServiceName: DefaultServiceName,
		},
	}
}
