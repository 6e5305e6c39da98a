package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: conversation
// settings apply to the next session, log level applies immediately.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TransportChanged is true when any conversation field changed.
	TransportChanged    bool
	InstructionsChanged bool
	VoiceChanged        bool
	LanguageChanged     bool
	ModelChanged        bool

	// RestartRequired lists settings that changed but only take effect after
	// a process restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ot, nt := old.Transport, new.Transport
	d.InstructionsChanged = ot.Instructions != nt.Instructions
	d.VoiceChanged = ot.Voice != nt.Voice
	d.LanguageChanged = ot.Language != nt.Language
	d.ModelChanged = ot.Model != nt.Model
	d.TransportChanged = d.InstructionsChanged || d.VoiceChanged || d.LanguageChanged || d.ModelChanged

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameEndpoint(ot, nt) {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if !slices.EqualFunc(old.Fallbacks, new.Fallbacks, sameEndpoint) {
		d.RestartRequired = append(d.RestartRequired, "fallback_transports")
	}
	if old.Audio.Backend != new.Audio.Backend {
		d.RestartRequired = append(d.RestartRequired, "audio.backend")
	}

	return d
}

func sameEndpoint(a, b TransportEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL
}
