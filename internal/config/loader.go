package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued tuning knobs with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Broker.ReconnectMin <= 0 {
		cfg.Broker.ReconnectMin = time.Second
	}
	if cfg.Broker.ReconnectMax <= 0 {
		cfg.Broker.ReconnectMax = 60 * time.Second
	}
	if cfg.Gateway.TokenTTL <= 0 {
		cfg.Gateway.TokenTTL = 15 * time.Minute
	}
	if cfg.Gateway.PendingRetention <= 0 {
		cfg.Gateway.PendingRetention = 7 * 24 * time.Hour
	}
	if cfg.Gateway.PrimaryAgent == "" {
		cfg.Gateway.PrimaryAgent = "primary_agent"
	}
	if cfg.Gateway.InternalKeyFile == "" {
		cfg.Gateway.InternalKeyFile = "/shared/internal_api_key"
	}
	if cfg.Bridge.InternalKeyFile == "" {
		cfg.Bridge.InternalKeyFile = "/shared/internal_api_key"
	}
	if cfg.Telephony.InternalKeyFile == "" {
		cfg.Telephony.InternalKeyFile = "/shared/internal_api_key"
	}
	if cfg.Gateway.AudioDir == "" {
		cfg.Gateway.AudioDir = "/shared/audio_files"
	}
	if cfg.Bridge.DebounceDelay <= 0 {
		cfg.Bridge.DebounceDelay = 1200 * time.Millisecond
	}
	if cfg.Bridge.STT.Language == "" {
		cfg.Bridge.STT.Language = "en"
	}
	if cfg.Telephony.MaxConcurrentCalls <= 0 {
		cfg.Telephony.MaxConcurrentCalls = 5
	}
	if cfg.Scheduler.PollInterval <= 0 {
		cfg.Scheduler.PollInterval = 30 * time.Second
	}
	if cfg.Scheduler.DefaultAgent == "" {
		cfg.Scheduler.DefaultAgent = "primary_agent"
	}
	if cfg.Registry.HealthCheckInterval <= 0 {
		cfg.Registry.HealthCheckInterval = 30 * time.Second
	}
	if cfg.Registry.FailureThreshold <= 0 {
		cfg.Registry.FailureThreshold = 3
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Broker.ReconnectMin > cfg.Broker.ReconnectMax {
		errs = append(errs, fmt.Errorf("broker.reconnect_min %v exceeds broker.reconnect_max %v", cfg.Broker.ReconnectMin, cfg.Broker.ReconnectMax))
	}
	if cfg.Telephony.MaxConcurrentCalls < 0 {
		errs = append(errs, errors.New("telephony.max_concurrent_calls must not be negative"))
	}
	if cfg.Scheduler.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("scheduler.poll_interval %v is below the 1s floor", cfg.Scheduler.PollInterval))
	}

	return errors.Join(errs...)
}

// ReadSecretFile reads a shared-secret file and returns its trimmed contents.
// A missing or empty file is a deployment error — callers must fail closed.
func ReadSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read secret %q: %w", path, err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("config: secret file %q is empty", path)
	}
	return secret, nil
}
