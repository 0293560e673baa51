package config_test

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/internal/config"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "wav host without path",
			yaml: "audio:\n  host: wav\n",
			want: "audio.wav_path",
		},
		{
			name: "negative device index",
			yaml: "audio:\n  device_index: -1\n",
			want: "audio.device_index",
		},
		{
			name: "threshold out of range",
			yaml: "audio:\n  silence_threshold: 1.5\n",
			want: "audio.silence_threshold",
		},
		{
			name: "negative queue capacity",
			yaml: "audio:\n  queue_capacity: -3\n",
			want: "audio.queue_capacity",
		},
		{
			name: "empty decoder model path",
			yaml: "decoder:\n  model_path: \"\"\n",
			want: "decoder.model_path",
		},
		{
			name: "deepgram without api key",
			yaml: "decoder:\n  name: deepgram\n",
			want: "decoder.api_key",
		},
		{
			name: "negative poll interval",
			yaml: "decoder:\n  poll_interval: -1s\n",
			want: "decoder.poll_interval",
		},
		{
			name: "llm punctuator without model",
			yaml: "punctuation:\n  enabled: true\n  name: llm\n  backend: ollama\n",
			want: "punctuation.model",
		},
		{
			name: "llm punctuator without backend",
			yaml: "punctuation:\n  enabled: true\n  name: llm\n  model: llama3.2\n",
			want: "punctuation.backend",
		},
		{
			name: "tls without key",
			yaml: "server:\n  tls:\n    cert_file: cert.pem\n",
			want: "server.tls",
		},
		{
			name: "sample ratio out of range",
			yaml: "telemetry:\n  trace_sample_ratio: 2\n",
			want: "telemetry.trace_sample_ratio",
		},
		{
			name: "unknown trace exporter",
			yaml: "telemetry:\n  trace_exporter: jaeger\n",
			want: "telemetry.trace_exporter",
		},
		{
			name: "otlp without endpoint",
			yaml: "telemetry:\n  trace_exporter: otlp\n",
			want: "telemetry.otlp_endpoint",
		},
		{
			name: "bus without prefix",
			yaml: "bus:\n  url: nats://localhost:4222\n  subject_prefix: \"\"\n",
			want: "bus.subject_prefix",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.Loader{Lookup: noEnv}.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("expected error mentioning %q, got nil", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_DeepgramNeedsNoModelPath(t *testing.T) {
	t.Parallel()
	yaml := "decoder:\n  name: deepgram\n  api_key: dg-key\n  model_path: \"\"\n"
	if _, err := (config.Loader{Lookup: noEnv}).LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_DisabledPunctuationIsNotChecked(t *testing.T) {
	t.Parallel()
	yaml := `
punctuation:
  enabled: false
  name: llm
`
	if _, err := (config.Loader{Lookup: noEnv}).LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
audio:
  queue_capacity: -1
decoder:
  name: ""
`
	_, err := config.Loader{Lookup: noEnv}.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "audio.queue_capacity", "decoder.name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Parallel()
	l := config.Loader{Lookup: envMap(map[string]string{
		"LIVESCRIBE_LISTEN_ADDR":       "127.0.0.1:9000",
		"LIVESCRIBE_LOG_LEVEL":         "WARN",
		"LIVESCRIBE_DEVICE_INDEX":      "3",
		"LIVESCRIBE_SILENCE_THRESHOLD": "0.01",
		"LIVESCRIBE_MODEL_PATH":        "/env/model",
		"LIVESCRIBE_POLL_INTERVAL":     "250ms",
		"LIVESCRIBE_PUNCT_ENABLED":     "true",
		"LIVESCRIBE_WAV_REALTIME":      "false",
		"LIVESCRIBE_NATS_URL":          " nats://bus:4222 ",
		"LIVESCRIBE_DECODER":           "   ",
	})}
	yaml := `
server:
  listen_addr: ":7000"
decoder:
  model_path: /yaml/model
`
	cfg, err := l.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("listen_addr: got %q, env should win over yaml", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level: got %q, want warn", cfg.Server.LogLevel)
	}
	if cfg.Audio.DeviceIndex == nil || *cfg.Audio.DeviceIndex != 3 {
		t.Errorf("device_index: got %v, want 3", cfg.Audio.DeviceIndex)
	}
	if cfg.Audio.SilenceThreshold != 0.01 {
		t.Errorf("silence_threshold: got %v", cfg.Audio.SilenceThreshold)
	}
	if cfg.Decoder.ModelPath != "/env/model" {
		t.Errorf("model_path: got %q", cfg.Decoder.ModelPath)
	}
	if cfg.Decoder.PollInterval != 250*time.Millisecond {
		t.Errorf("poll_interval: got %s", cfg.Decoder.PollInterval)
	}
	if !cfg.Punctuation.Enabled {
		t.Error("punctuation.enabled: got false")
	}
	if cfg.Audio.IsRealtime() {
		t.Error("audio.realtime: got true")
	}
	if cfg.Bus.URL != "nats://bus:4222" {
		t.Errorf("bus.url: got %q, want trimmed value", cfg.Bus.URL)
	}
	if cfg.Decoder.Name != config.DefaultDecoder {
		t.Errorf("blank env value must be ignored, decoder.name = %q", cfg.Decoder.Name)
	}
}

func TestLoader_InvalidEnvValues(t *testing.T) {
	t.Parallel()
	l := config.Loader{Lookup: envMap(map[string]string{
		"LIVESCRIBE_DEVICE_INDEX":  "first",
		"LIVESCRIBE_PUNCT_ENABLED": "maybe",
		"LIVESCRIBE_PUNCT_TIMEOUT": "soon",
	})}
	_, err := l.LoadFromReader(strings.NewReader(""))
	if err == nil {
		t.Fatal("expected error for unparseable env values, got nil")
	}
	for _, want := range []string{"LIVESCRIBE_DEVICE_INDEX", "LIVESCRIBE_PUNCT_ENABLED", "LIVESCRIBE_PUNCT_TIMEOUT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestLoader_LoadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "livescribe.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Loader{Lookup: noEnv}.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Decoder.ModelPath != "/models/vosk-model-de" {
		t.Errorf("model_path: got %q", cfg.Decoder.ModelPath)
	}
}

func TestLoader_LoadEmptyPath(t *testing.T) {
	t.Parallel()
	cfg, err := config.Loader{Lookup: envMap(map[string]string{"LIVESCRIBE_LANGUAGE": "en"})}.Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Decoder.Language != "en" {
		t.Errorf("language: got %q, want en", cfg.Decoder.Language)
	}
}

func TestLoader_LoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Loader{Lookup: noEnv}.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected a not-exist error, got: %v", err)
	}
}

func TestLoader_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Loader{Lookup: noEnv}.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Decoder.Name != config.DefaultDecoder {
		t.Errorf("example config drifted from defaults: listen %q decoder %q", cfg.Server.ListenAddr, cfg.Decoder.Name)
	}
}

func TestLoader_EnvDecoderAndBus(t *testing.T) {
	t.Parallel()
	l := config.Loader{Lookup: envMap(map[string]string{
		"LIVESCRIBE_DECODER":         "deepgram",
		"LIVESCRIBE_DECODER_API_KEY": "dg-secret",
		"LIVESCRIBE_NATS_EMBEDDED":   "true",
		"LIVESCRIBE_NATS_PORT":       "-1",
		"LIVESCRIBE_TRACE_EXPORTER":  "otlp",
		"LIVESCRIBE_OTLP_ENDPOINT":   "collector:4317",
		"LIVESCRIBE_OTLP_INSECURE":   "true",
	})}
	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Decoder.Name != "deepgram" || cfg.Decoder.APIKey != "dg-secret" {
		t.Errorf("decoder: got name %q key %q", cfg.Decoder.Name, cfg.Decoder.APIKey)
	}
	if !cfg.Bus.Embedded || cfg.Bus.Port != -1 {
		t.Errorf("bus: got embedded %v port %d", cfg.Bus.Embedded, cfg.Bus.Port)
	}
	if tel := cfg.Telemetry; tel.TraceExporter != config.TraceExporterOTLP || tel.OTLPEndpoint != "collector:4317" || !tel.OTLPInsecure {
		t.Errorf("telemetry: got %+v", tel)
	}
}

func TestValidBackendNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"audio", "decoder", "punctuation", "llm"} {
		if len(config.ValidBackendNames[kind]) == 0 {
			t.Errorf("ValidBackendNames[%q] is empty", kind)
		}
	}
}
