package config

import "slices"

// ConfigDiff describes what changed between two configs. Hot-reloadable
// fields (log level, session defaults, tool wiring) are tracked separately
// from changes that require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionDefaultsChanged covers model, voice, system prompt, modalities
	// and the relay limits. New sessions pick the changes up; running
	// sessions keep their negotiated config.
	SessionDefaultsChanged bool

	// ToolsChanged covers the inspection backend URL and the fault-code
	// catalog path.
	ToolsChanged bool

	// RestartRequired is set when the listen address, TLS, upstream or
	// store settings changed. These cannot be applied to a running server.
	RestartRequired bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionDefaultsChanged && !d.ToolsChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.Model != new.Session.Model ||
		old.Session.Voice != new.Session.Voice ||
		old.Session.SystemPrompt != new.Session.SystemPrompt ||
		!slices.Equal(old.Session.ResponseModalities, new.Session.ResponseModalities) ||
		old.Session.NegotiationTimeout != new.Session.NegotiationTimeout ||
		old.Session.MaxResultBytes != new.Session.MaxResultBytes {
		d.SessionDefaultsChanged = true
	}

	if old.Tools != new.Tools {
		d.ToolsChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!tlsEqual(old.Server.TLS, new.Server.TLS) ||
		old.Upstream != new.Upstream ||
		old.Store != new.Store {
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
