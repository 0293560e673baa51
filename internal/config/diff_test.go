package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	old := config.Default()
	d := config.Diff(old, config.Default())
	if d.HasChanges() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	old := config.Default()
	updated := config.Default()
	updated.Server.LogLevel = config.LogDebug

	d := config.Diff(old, updated)
	if !d.LogLevelChanged {
		t.Fatal("expected LogLevelChanged")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want debug", d.NewLogLevel)
	}
	if d.SessionChanged || len(d.RestartRequired) > 0 {
		t.Errorf("log level alone must not flag other groups: %+v", d)
	}
}

func TestDiff_SessionSettings(t *testing.T) {
	idx := 2
	tests := []struct {
		name   string
		mutate func(*config.Config)
		field  string
	}{
		{"device index", func(c *config.Config) { c.Audio.DeviceIndex = &idx }, "audio.device_index"},
		{"silence threshold", func(c *config.Config) { c.Audio.SilenceThreshold = 0.004 }, "audio.silence_threshold"},
		{"queue capacity", func(c *config.Config) { c.Audio.QueueCapacity = 50 }, "audio.queue_capacity"},
		{"poll interval", func(c *config.Config) { c.Decoder.PollInterval = time.Second }, "decoder.poll_interval"},
		{"punctuation enabled", func(c *config.Config) { c.Punctuation.Enabled = true }, "punctuation.enabled"},
		{"punctuation eager", func(c *config.Config) { c.Punctuation.Eager = true }, "punctuation.eager"},
		{"punctuation timeout", func(c *config.Config) { c.Punctuation.Timeout = time.Second }, "punctuation.timeout"},
		{"punctuation max pending", func(c *config.Config) { c.Punctuation.MaxPending = 4 }, "punctuation.max_pending"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updated := config.Default()
			tt.mutate(updated)
			d := config.Diff(config.Default(), updated)
			if !d.SessionChanged {
				t.Fatal("expected SessionChanged")
			}
			if !slices.Equal(d.SessionFields, []string{tt.field}) {
				t.Errorf("SessionFields: got %v, want [%s]", d.SessionFields, tt.field)
			}
			if len(d.RestartRequired) > 0 {
				t.Errorf("RestartRequired: got %v, want none", d.RestartRequired)
			}
		})
	}
}

func TestDiff_DeviceIndexPointerEquality(t *testing.T) {
	a, b := 1, 1
	old := config.Default()
	old.Audio.DeviceIndex = &a
	updated := config.Default()
	updated.Audio.DeviceIndex = &b

	if d := config.Diff(old, updated); d.SessionChanged {
		t.Errorf("equal device indices behind different pointers must not differ: %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	old := config.Default()
	updated := config.Default()
	updated.Server.ListenAddr = ":9999"
	updated.Decoder.ModelPath = "/other/model"
	updated.Punctuation.Model = "qwen2.5"
	updated.Bus.URL = "nats://localhost:4222"
	no := false
	updated.Audio.Realtime = &no

	d := config.Diff(old, updated)
	want := []string{"server.listen_addr", "audio.host", "decoder", "punctuation.backend", "bus"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, want)
	}
	if d.SessionChanged {
		t.Errorf("SessionChanged: got true, fields %v", d.SessionFields)
	}
}

func TestDiff_RealtimeNilEqualsTrue(t *testing.T) {
	yes := true
	updated := config.Default()
	updated.Audio.Realtime = &yes
	if d := config.Diff(config.Default(), updated); d.HasChanges() {
		t.Errorf("nil and explicit true realtime must compare equal: %+v", d)
	}
}
