package config

import "slices"

// ConfigDiff describes what changed between two configs. Hot-reloadable
// fields are reported individually; anything else is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	LanguageChanged bool
	NewLanguage     Language

	EnableAudioChanged bool
	NewEnableAudio     bool

	// RestartRequired names the sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.LanguageChanged || d.EnableAudioChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Client.LogLevel != new.Client.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Client.LogLevel
	}
	if old.Client.Language != new.Client.Language {
		d.LanguageChanged = true
		d.NewLanguage = new.Client.Language
	}
	if old.Client.EnableAudio != new.Client.EnableAudio {
		d.EnableAudioChanged = true
		d.NewEnableAudio = new.Client.EnableAudio
	}

	if old.Server != new.Server {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Client.HeartbeatInterval != new.Client.HeartbeatInterval ||
		old.Client.RequestTimeout != new.Client.RequestTimeout ||
		old.Client.ReadLimit != new.Client.ReadLimit {
		d.RestartRequired = append(d.RestartRequired, "client")
	}
	if old.Audio.Player != new.Audio.Player || !slices.Equal(old.Audio.Command, new.Audio.Command) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Avatar != new.Avatar {
		d.RestartRequired = append(d.RestartRequired, "avatar")
	}
	if old.Diagnostics != new.Diagnostics {
		d.RestartRequired = append(d.RestartRequired, "diagnostics")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}

	return d
}
