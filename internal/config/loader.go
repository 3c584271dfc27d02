package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// validModalities lists the response modalities the upstream providers
// accept.
var validModalities = []string{"AUDIO", "TEXT"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults for unset
// fields and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills every unset field from [Default].
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = def.Server.ListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = def.Server.LogLevel
	}
	if cfg.Upstream.Provider == "" {
		cfg.Upstream.Provider = def.Upstream.Provider
	}
	if cfg.Upstream.APIKeyEnv == "" && cfg.Upstream.APIKey == "" {
		cfg.Upstream.APIKeyEnv = def.Upstream.APIKeyEnv
	}
	if cfg.Upstream.SetupTimeout == 0 {
		cfg.Upstream.SetupTimeout = def.Upstream.SetupTimeout
	}
	if cfg.Session.Model == "" {
		cfg.Session.Model = def.Session.Model
	}
	if cfg.Session.Voice == "" {
		cfg.Session.Voice = def.Session.Voice
	}
	if len(cfg.Session.ResponseModalities) == 0 {
		cfg.Session.ResponseModalities = def.Session.ResponseModalities
	}
	if cfg.Session.NegotiationTimeout == 0 {
		cfg.Session.NegotiationTimeout = def.Session.NegotiationTimeout
	}
	if cfg.Session.MaxResultBytes == 0 {
		cfg.Session.MaxResultBytes = def.Session.MaxResultBytes
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Upstream.Provider == "" {
		errs = append(errs, errors.New("upstream.provider is required"))
	}
	if cfg.Upstream.SetupTimeout < 0 {
		errs = append(errs, fmt.Errorf("upstream.setup_timeout %s is negative", cfg.Upstream.SetupTimeout))
	}

	for _, m := range cfg.Session.ResponseModalities {
		if !slices.Contains(validModalities, m) {
			errs = append(errs, fmt.Errorf("session.response_modalities %q is invalid; valid values: AUDIO, TEXT", m))
		}
	}
	if cfg.Session.NegotiationTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.negotiation_timeout %s is negative", cfg.Session.NegotiationTimeout))
	}
	if cfg.Session.MaxResultBytes < 0 {
		errs = append(errs, fmt.Errorf("session.max_result_bytes %d is negative", cfg.Session.MaxResultBytes))
	}

	return errors.Join(errs...)
}
