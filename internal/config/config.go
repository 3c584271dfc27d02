// Package config provides the configuration schema, loader, connector
// registry and hot-reload watcher for the inspex relay server.
package config

import (
	"log/slog"
	"os"
	"time"
)

// LogLevel controls log verbosity for the relay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to the corresponding slog level. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for the relay server.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Session  SessionConfig  `yaml:"session"`
	Tools    ToolsConfig    `yaml:"tools"`
	Store    StoreConfig    `yaml:"store"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8001").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// UpstreamConfig selects and authenticates the conversational endpoint.
type UpstreamConfig struct {
	// Provider selects the registered connector implementation.
	Provider string `yaml:"provider"`

	// APIKey authenticates against the provider. Prefer APIKeyEnv so the
	// key stays out of the config file.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names the environment variable read when APIKey is empty.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// SetupTimeout bounds the wait for the provider's setup acknowledgement.
	SetupTimeout time.Duration `yaml:"setup_timeout"`
}

// ResolveAPIKey returns the configured key, falling back to the APIKeyEnv
// environment variable.
func (u UpstreamConfig) ResolveAPIKey() string {
	if u.APIKey != "" {
		return u.APIKey
	}
	if u.APIKeyEnv != "" {
		return os.Getenv(u.APIKeyEnv)
	}
	return ""
}

// SessionConfig holds the process-wide session defaults. A client config
// frame overrides them field by field per session.
type SessionConfig struct {
	Model              string   `yaml:"model"`
	Voice              string   `yaml:"voice"`
	SystemPrompt       string   `yaml:"system_prompt"`
	ResponseModalities []string `yaml:"response_modalities"`

	// NegotiationTimeout is the window a client has to send a config frame.
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`

	// MaxResultBytes is the serialized tool-result size above which results
	// are truncated to a summary.
	MaxResultBytes int `yaml:"max_result_bytes"`
}

// ToolsConfig wires the tool backends.
type ToolsConfig struct {
	// InspectionBaseURL is the inspection backend. Empty disables the
	// inspection tool set.
	InspectionBaseURL string `yaml:"inspection_base_url"`

	// FaultCodeCatalog is a YAML catalog path. Empty uses the built-in
	// catalog.
	FaultCodeCatalog string `yaml:"fault_code_catalog"`
}

// StoreConfig configures session-log persistence.
type StoreConfig struct {
	// PostgresDSN enables the Postgres session log. Empty disables
	// persistence.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns the configuration used when no file is given. Every field
// a loaded config leaves empty falls back to these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8001",
			LogLevel:   LogInfo,
		},
		Upstream: UpstreamConfig{
			Provider:     "gemini",
			APIKeyEnv:    "GEMINI_API_KEY",
			SetupTimeout: 15 * time.Second,
		},
		Session: SessionConfig{
			Model:              "gemini-2.0-flash-exp",
			Voice:              "Puck",
			ResponseModalities: []string{"AUDIO"},
			NegotiationTimeout: 2 * time.Second,
			MaxResultBytes:     2048,
		},
	}
}
