package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// takes effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MeterFPSChanged bool
	NewMeterFPS     int

	// SessionChanged is true when provider or device settings changed. These
	// apply to the next session, not the running one.
	SessionChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Meter.FPS != new.Meter.FPS {
		d.MeterFPSChanged = true
		d.NewMeterFPS = new.Meter.FPS
	}

	if !sameProvider(old.Provider, new.Provider) ||
		!sameCapture(old.Capture, new.Capture) ||
		old.Playback != new.Playback ||
		old.Session != new.Session {
		d.SessionChanged = true
	}

	return d
}

// sameProvider compares the fields of two provider blocks that affect a
// session. Options are not compared.
func sameProvider(a, b ProviderConfig) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		a.Voice == b.Voice &&
		a.Instructions == b.Instructions &&
		a.Transcribe == b.Transcribe
}

func sameCapture(a, b CaptureConfig) bool {
	return a.Device == b.Device &&
		a.Path == b.Path &&
		a.SampleRate == b.SampleRate &&
		a.FrameSize == b.FrameSize &&
		boolOr(a.EchoCancellation, true) == boolOr(b.EchoCancellation, true) &&
		boolOr(a.NoiseSuppression, true) == boolOr(b.NoiseSuppression, true) &&
		boolOr(a.AutoGainControl, true) == boolOr(b.AutoGainControl, true)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
