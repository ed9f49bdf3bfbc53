package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Resolve builds the effective configuration: [Default] values, overlaid
// with the YAML file at path when path is non-empty, overlaid with
// environment variables, then validated. Both binaries call this once at
// startup.
func Resolve(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the YAML configuration file at path over the defaults. The
// result is not validated: callers are expected to layer environment
// overrides on top first. [Resolve] does the whole dance.
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

// LoadFromReader decodes a YAML config from r over the defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Log
	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}

	// Orchestrator
	if cfg.Orchestrator.Port < 1 || cfg.Orchestrator.Port > 65535 {
		errs = append(errs, fmt.Errorf("orchestrator.port %d is out of range [1, 65535]", cfg.Orchestrator.Port))
	}
	if cfg.Orchestrator.LLM.BaseURL == "" {
		errs = append(errs, errors.New("orchestrator.llm.base_url is required"))
	}
	if cfg.Orchestrator.LLM.Model == "" {
		errs = append(errs, errors.New("orchestrator.llm.model is required"))
	}
	if cfg.Orchestrator.TTSFlushMinChars < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.tts_flush_min_chars %d must not be negative", cfg.Orchestrator.TTSFlushMinChars))
	}
	if cfg.Orchestrator.TTSURL == "" {
		errs = append(errs, errors.New("orchestrator.tts_url is required"))
	} else if u, err := url.Parse(cfg.Orchestrator.TTSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("orchestrator.tts_url %q is invalid; scheme must be ws or wss", cfg.Orchestrator.TTSURL))
	}
	if cfg.Orchestrator.APIKey == "" {
		slog.Warn("orchestrator.api_key is empty; /chat accepts unauthenticated connections")
	}
	if cfg.Orchestrator.AllowClientTTSURL {
		slog.Warn("allow_client_tts_url is enabled; chat clients choose which gateway the orchestrator dials")
	}

	// Gateway
	if cfg.Gateway.Port < 1 || cfg.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d is out of range [1, 65535]", cfg.Gateway.Port))
	}
	if !cfg.Gateway.Engine.IsValid() {
		errs = append(errs, fmt.Errorf("gateway.engine %q is invalid; valid values: dummy, local_cli, remote_rpc", cfg.Gateway.Engine))
	}
	if cfg.Gateway.SessionTTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("gateway.session_ttl_s %d must be positive", cfg.Gateway.SessionTTLSeconds))
	}
	if cfg.Gateway.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("gateway.cache_size %d must be positive", cfg.Gateway.CacheSize))
	}
	if cfg.Gateway.SendQueueMax <= 0 {
		errs = append(errs, fmt.Errorf("gateway.send_queue_max %d must be positive", cfg.Gateway.SendQueueMax))
	}
	if cfg.Gateway.Piper.OutputMode != "" && !cfg.Gateway.Piper.OutputMode.IsValid() {
		errs = append(errs, fmt.Errorf("gateway.piper.output_mode %q is invalid; valid values: file, stdout", cfg.Gateway.Piper.OutputMode))
	}

	// Engine ↔ settings cross-validation
	if cfg.Gateway.Engine == EngineLocalCLI {
		if cfg.Gateway.Piper.Bin == "" {
			errs = append(errs, errors.New("gateway.piper.bin is required when engine is local_cli"))
		}
		if cfg.Gateway.Piper.Model == "" {
			errs = append(errs, errors.New("gateway.piper.model is required when engine is local_cli"))
		}
	}
	if cfg.Gateway.Engine == EngineRemoteRPC {
		if cfg.Gateway.Remote.URL == "" {
			errs = append(errs, errors.New("gateway.remote.url is required when engine is remote_rpc"))
		}
		if cfg.Gateway.Remote.TimeoutSeconds <= 0 {
			errs = append(errs, fmt.Errorf("gateway.remote.timeout_s %d must be positive", cfg.Gateway.Remote.TimeoutSeconds))
		}
	}

	return errors.Join(errs...)
}
