package config

// ConfigDiff describes what changed between two configs. Log level and
// persona changes are applied while running; every other section needs a
// restart and is only reported.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PersonaChanged bool

	// RestartRequired lists the top-level sections that changed but cannot
	// be applied while running.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PersonaChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Persona != new.Persona {
		d.PersonaChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Credentials != new.Credentials {
		d.RestartRequired = append(d.RestartRequired, "credentials")
	}
	if !sameEntry(old.Providers.Live, new.Providers.Live) || !sameEntry(old.Providers.Chat, new.Providers.Chat) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Chat != new.Chat {
		d.RestartRequired = append(d.RestartRequired, "chat")
	}
	if !sameAudio(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Video != new.Video {
		d.RestartRequired = append(d.RestartRequired, "video")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	return d
}

// sameEntry compares the scalar fields of two entries. Options changes are
// not detected.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && a.Voice == b.Voice && len(a.Options) == len(b.Options)
}

func sameAudio(a, b AudioConfig) bool {
	return a.InputDevice == b.InputDevice &&
		a.OutputDevice == b.OutputDevice &&
		a.BargeInEnabled() == b.BargeInEnabled() &&
		a.PreopenBacklog == b.PreopenBacklog &&
		a.SoundsEnabled() == b.SoundsEnabled() &&
		a.SoundGain == b.SoundGain
}
