package config

// ConfigDiff describes what changed between two effective configs. Only the
// log level can be applied without a restart; everything else (bind
// addresses, engine selection, backend credentials) is wired at startup.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired is true when any field other than the log level
	// changed.
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}

	// Config holds only comparable fields, so masking the log level and
	// comparing the rest wholesale is enough.
	o, n := *old, *new
	o.Log.Level = ""
	n.Log.Level = ""
	if o != n {
		d.RestartRequired = true
	}

	return d
}
