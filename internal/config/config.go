// Package config provides the configuration schema and loader for the
// voxflow services.
//
// Configuration is resolved in three layers: [Default] values, an optional
// YAML file, and environment variable overrides via [Config.ApplyEnv]. The
// environment layer wins, which keeps container deployments file-free while
// still allowing checked-in YAML for local development.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// LogLevel controls log verbosity for both services.
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

// Slog maps the level to its slog equivalent. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// EngineName selects the gateway's synthesis backend.
type EngineName string

const (
	// EngineDummy generates a deterministic tone offline. The default, so a
	// bare gateway works without any model files or remote services.
	EngineDummy EngineName = "dummy"

	// EngineLocalCLI shells out to a local Piper-style synthesis binary.
	EngineLocalCLI EngineName = "local_cli"

	// EngineRemoteRPC posts synthesis requests to a remote HTTP service.
	EngineRemoteRPC EngineName = "remote_rpc"
)

// IsValid reports whether n is a recognised engine name.
func (n EngineName) IsValid() bool {
	switch n {
	case EngineDummy, EngineLocalCLI, EngineRemoteRPC:
		return true
	}
	return false
}

// OutputMode selects how the piper CLI hands audio back.
type OutputMode string

const (
	// OutputModeFile has piper write a temp WAV file that is read back.
	OutputModeFile OutputMode = "file"

	// OutputModeStdout has piper stream the WAV to stdout.
	OutputModeStdout OutputMode = "stdout"
)

// IsValid reports whether m is a recognised output mode.
func (m OutputMode) IsValid() bool {
	return m == OutputModeFile || m == OutputModeStdout
}

// Config is the root configuration shared by both binaries. Each binary reads
// its own section plus Log; loading the full file from either is harmless.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Log          LogConfig          `yaml:"log"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum level emitted. Env: LOG_LEVEL.
	Level LogLevel `yaml:"level"`
}

// OrchestratorConfig configures the /chat service.
type OrchestratorConfig struct {
	// Host and Port form the bind address. Env: ORCH_HOST, ORCH_PORT.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// APIKey guards /chat when non-empty. Empty disables authentication.
	// Env: ORCH_API_KEY.
	APIKey string `yaml:"api_key"`

	// LLM is the streaming completion backend.
	LLM LLMConfig `yaml:"llm"`

	// TTSFlushMinChars is the rune threshold at which buffered model text is
	// flushed to the TTS gateway. Env: TTS_FLUSH_MIN_CHARS.
	TTSFlushMinChars int `yaml:"tts_flush_min_chars"`

	// TTSFlushOnPunct additionally flushes whenever the buffer ends in
	// sentence punctuation. Env: TTS_FLUSH_ON_PUNCT.
	TTSFlushOnPunct bool `yaml:"tts_flush_on_punct"`

	// TTSURL is the gateway endpoint the bridge dials. Env: WS_TTS_URL.
	TTSURL string `yaml:"tts_url"`

	// TTSAPIKey, when non-empty, is sent as a Bearer token on the bridge
	// dial. Env: WS_TTS_API_KEY.
	TTSAPIKey string `yaml:"tts_api_key"`

	// AllowClientTTSURL honors the ws_tts_url field of chat requests,
	// letting clients pick the gateway the orchestrator connects to.
	// Env: ALLOW_CLIENT_TTS_URL.
	AllowClientTTSURL bool `yaml:"allow_client_tts_url"`
}

// LLMConfig points at an OpenAI-compatible streaming completion backend.
type LLMConfig struct {
	// BaseURL is the backend root without the /v1 suffix.
	// Env: SGLANG_BASE_URL.
	BaseURL string `yaml:"base_url"`

	// APIKey is the Bearer token. Required to start the orchestrator.
	// Env: SGLANG_API_KEY.
	APIKey string `yaml:"api_key"`

	// Model is the model name sent with every completion.
	// Env: SGLANG_MODEL.
	Model string `yaml:"model"`
}

// GatewayConfig configures the /tts service.
type GatewayConfig struct {
	// Host and Port form the bind address. Env: WS_TTS_HOST, WS_TTS_PORT.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Engine selects the synthesis backend. Env: WS_TTS_ENGINE.
	Engine EngineName `yaml:"engine"`

	// Version is reported on /healthz. Env: WS_TTS_VERSION.
	Version string `yaml:"version"`

	// SessionTTLSeconds is how long an idle session survives, including
	// across connection drops. Env: WS_TTS_SESSION_TTL_S.
	SessionTTLSeconds int `yaml:"session_ttl_s"`

	// CacheSize is the per-session replay cache depth in audio chunks.
	// Env: WS_TTS_CACHE_SIZE.
	CacheSize int `yaml:"cache_size"`

	// SendQueueMax is the per-session outbound queue watermark. Overflowing
	// it tears the connection down with a backpressure error.
	// Env: WS_TTS_SEND_QUEUE_MAX.
	SendQueueMax int `yaml:"send_queue_max"`

	// Piper configures the local_cli engine.
	Piper PiperConfig `yaml:"piper"`

	// Remote configures the remote_rpc engine.
	Remote RemoteConfig `yaml:"remote"`
}

// PiperConfig configures the local CLI synthesis engine.
type PiperConfig struct {
	// Bin is the CLI binary path. Required for local_cli. Env: PIPER_BIN.
	Bin string `yaml:"bin"`

	// Model is the voice model path. Required for local_cli.
	// Env: PIPER_MODEL.
	Model string `yaml:"model"`

	// SpeakerID selects a speaker in multi-speaker models. Negative means
	// unset. Env: PIPER_SPEAKER_ID.
	SpeakerID int `yaml:"speaker_id"`

	// ExtraArgs is a whitespace-separated list of additional CLI arguments.
	// Env: PIPER_EXTRA_ARGS.
	ExtraArgs string `yaml:"extra_args"`

	// OutputMode selects how the CLI hands audio back.
	// Env: PIPER_OUTPUT_MODE.
	OutputMode OutputMode `yaml:"output_mode"`
}

// RemoteConfig configures the remote HTTP synthesis engine.
type RemoteConfig struct {
	// URL is the synthesis endpoint. Required for remote_rpc.
	// Env: TTS_REMOTE_URL.
	URL string `yaml:"url"`

	// APIKey, when non-empty, is sent as a Bearer token.
	// Env: TTS_REMOTE_API_KEY.
	APIKey string `yaml:"api_key"`

	// TimeoutSeconds is the per-request timeout. Env: TTS_REMOTE_TIMEOUT_S.
	TimeoutSeconds int `yaml:"timeout_s"`
}

// Addr returns the orchestrator bind address as host:port.
func (c OrchestratorConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the gateway bind address as host:port.
func (c GatewayConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			Host: "0.0.0.0",
			Port: 9100,
			LLM: LLMConfig{
				BaseURL: "http://localhost:8082",
				Model:   "Qwen/Qwen2.5-1.5B-Instruct",
			},
			TTSFlushMinChars: 12,
			TTSFlushOnPunct:  true,
			TTSURL:           "ws://localhost:9000/tts",
		},
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              9000,
			Engine:            EngineDummy,
			Version:           "dev",
			SessionTTLSeconds: 60,
			CacheSize:         64,
			SendQueueMax:      1024,
			Piper: PiperConfig{
				SpeakerID:  -1,
				OutputMode: OutputModeFile,
			},
			Remote: RemoteConfig{
				TimeoutSeconds: 30,
			},
		},
		Log: LogConfig{Level: LogInfo},
	}
}

// ApplyEnv overlays environment variables onto c. Malformed numeric values
// are collected into the returned error rather than silently dropped.
func (c *Config) ApplyEnv() error {
	var errs []error

	envString("ORCH_HOST", &c.Orchestrator.Host)
	envInt("ORCH_PORT", &c.Orchestrator.Port, &errs)
	envString("ORCH_API_KEY", &c.Orchestrator.APIKey)
	envString("SGLANG_BASE_URL", &c.Orchestrator.LLM.BaseURL)
	envString("SGLANG_API_KEY", &c.Orchestrator.LLM.APIKey)
	envString("SGLANG_MODEL", &c.Orchestrator.LLM.Model)
	envInt("TTS_FLUSH_MIN_CHARS", &c.Orchestrator.TTSFlushMinChars, &errs)
	envBool("TTS_FLUSH_ON_PUNCT", &c.Orchestrator.TTSFlushOnPunct)
	envString("WS_TTS_URL", &c.Orchestrator.TTSURL)
	envString("WS_TTS_API_KEY", &c.Orchestrator.TTSAPIKey)
	envBool("ALLOW_CLIENT_TTS_URL", &c.Orchestrator.AllowClientTTSURL)

	envString("WS_TTS_HOST", &c.Gateway.Host)
	envInt("WS_TTS_PORT", &c.Gateway.Port, &errs)
	if v, ok := lookupEnv("WS_TTS_ENGINE"); ok {
		c.Gateway.Engine = EngineName(strings.ToLower(strings.TrimSpace(v)))
	}
	envString("WS_TTS_VERSION", &c.Gateway.Version)
	envInt("WS_TTS_SESSION_TTL_S", &c.Gateway.SessionTTLSeconds, &errs)
	envInt("WS_TTS_CACHE_SIZE", &c.Gateway.CacheSize, &errs)
	envInt("WS_TTS_SEND_QUEUE_MAX", &c.Gateway.SendQueueMax, &errs)

	envString("PIPER_BIN", &c.Gateway.Piper.Bin)
	envString("PIPER_MODEL", &c.Gateway.Piper.Model)
	envInt("PIPER_SPEAKER_ID", &c.Gateway.Piper.SpeakerID, &errs)
	envString("PIPER_EXTRA_ARGS", &c.Gateway.Piper.ExtraArgs)
	if v, ok := lookupEnv("PIPER_OUTPUT_MODE"); ok {
		c.Gateway.Piper.OutputMode = OutputMode(strings.ToLower(strings.TrimSpace(v)))
	}

	envString("TTS_REMOTE_URL", &c.Gateway.Remote.URL)
	envString("TTS_REMOTE_API_KEY", &c.Gateway.Remote.APIKey)
	envInt("TTS_REMOTE_TIMEOUT_S", &c.Gateway.Remote.TimeoutSeconds, &errs)

	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		c.Log.Level = LogLevel(strings.ToLower(strings.TrimSpace(v)))
	}

	return errors.Join(errs...)
}

// ParseBool interprets a flag value the way the environment table documents
// it: 1, true, yes, y and on (any case, surrounding space ignored) are true
// and everything else is false.
func ParseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

// lookupEnv returns a set, non-empty environment value.
func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int, errs *[]error) {
	v, ok := lookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s=%q is not an integer", key, v))
		return
	}
	*dst = n
}

func envBool(key string, dst *bool) {
	if v, ok := lookupEnv(key); ok {
		*dst = ParseBool(v)
	}
}
