package config

import "reflect"

// ConfigDiff describes what changed between two configs.
//
// Changes fall into three groups: the log level, which applies immediately;
// session settings, which apply to the next session the manager creates; and
// everything else, which needs a restart and is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any setting in SessionFields changed.
	SessionChanged bool
	SessionFields  []string

	// RestartRequired lists changed settings that only take effect after a
	// process restart.
	RestartRequired []string
}

// HasChanges reports whether anything differs.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.SessionChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	session := func(field string, changed bool) {
		if changed {
			d.SessionChanged = true
			d.SessionFields = append(d.SessionFields, field)
		}
	}
	session("audio.device_index", !equalIntPtr(old.Audio.DeviceIndex, new.Audio.DeviceIndex))
	session("audio.silence_threshold", old.Audio.SilenceThreshold != new.Audio.SilenceThreshold)
	session("audio.queue_capacity", old.Audio.QueueCapacity != new.Audio.QueueCapacity)
	session("decoder.poll_interval", old.Decoder.PollInterval != new.Decoder.PollInterval)
	session("punctuation.enabled", old.Punctuation.Enabled != new.Punctuation.Enabled)
	session("punctuation.eager", old.Punctuation.Eager != new.Punctuation.Eager)
	session("punctuation.timeout", old.Punctuation.Timeout != new.Punctuation.Timeout)
	session("punctuation.max_pending", old.Punctuation.MaxPending != new.Punctuation.MaxPending)

	restart := func(field string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, field)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS))
	restart("server.allowed_origins", !reflect.DeepEqual(old.Server.AllowedOrigins, new.Server.AllowedOrigins))
	restart("audio.host", old.Audio.Host != new.Audio.Host || old.Audio.WAVPath != new.Audio.WAVPath ||
		old.Audio.IsRealtime() != new.Audio.IsRealtime() || old.Audio.Loop != new.Audio.Loop)
	restart("decoder", !reflect.DeepEqual(old.Decoder.ProviderEntry, new.Decoder.ProviderEntry) ||
		old.Decoder.ModelPath != new.Decoder.ModelPath || old.Decoder.SampleRate != new.Decoder.SampleRate ||
		old.Decoder.Language != new.Decoder.Language)
	restart("punctuation.backend", !reflect.DeepEqual(old.Punctuation.ProviderEntry, new.Punctuation.ProviderEntry) ||
		old.Punctuation.Backend != new.Punctuation.Backend || old.Punctuation.Language != new.Punctuation.Language ||
		old.Punctuation.CheckpointDir != new.Punctuation.CheckpointDir)
	restart("bus", old.Bus != new.Bus)
	restart("telemetry", old.Telemetry != new.Telemetry)

	return d
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
