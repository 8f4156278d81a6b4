package config

// ConfigDiff describes what changed between two configs. Pipeline tuning and
// the log level can be applied to running sessions; everything else needs a
// restart.
type ConfigDiff struct {
	ChunkingChanged     bool
	BackpressureChanged bool
	CrossfadeChanged    bool
	SentenceModeChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired is set when a field that cannot be hot-reloaded
	// changed (listen address, TLS, engines, source, or sink).
	RestartRequired bool
}

// PipelineChanged reports whether any hot-reloadable pipeline field changed.
func (d ConfigDiff) PipelineChanged() bool {
	return d.ChunkingChanged || d.BackpressureChanged || d.CrossfadeChanged || d.SentenceModeChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.ChunkingChanged = old.Pipeline.Chunking != new.Pipeline.Chunking
	d.BackpressureChanged = old.Pipeline.Backpressure != new.Pipeline.Backpressure
	d.CrossfadeChanged = old.Pipeline.Crossfade != new.Pipeline.Crossfade
	d.SentenceModeChanged = old.Pipeline.SentenceMode != new.Pipeline.SentenceMode

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!tlsEqual(old.Server.TLS, new.Server.TLS) ||
		old.Engine != new.Engine ||
		!enginesEqual(old.FallbackEngines, new.FallbackEngines) ||
		old.Source != new.Source ||
		old.Sink != new.Sink ||
		old.Pipeline.MaxInFlight != new.Pipeline.MaxInFlight ||
		old.Pipeline.VoiceID != new.Pipeline.VoiceID ||
		old.Pipeline.SampleRate != new.Pipeline.SampleRate ||
		old.Pipeline.FillerMs != new.Pipeline.FillerMs {
		d.RestartRequired = true
	}

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func enginesEqual(a, b []EngineEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
