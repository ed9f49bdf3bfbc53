package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/voxflow/internal/config"
)

// ── YAML loading ──────────────────────────────────────────────────────────────

const sampleYAML = `
log:
  level: debug

orchestrator:
  host: 127.0.0.1
  port: 9200
  api_key: orch-secret
  llm:
    base_url: http://llm.internal:8000
    api_key: sk-test
    model: Qwen/Qwen2.5-7B-Instruct
  tts_flush_min_chars: 24
  tts_flush_on_punct: false
  tts_url: ws://gateway.internal:9000/tts
  tts_api_key: gw-secret

gateway:
  host: 127.0.0.1
  port: 9001
  engine: local_cli
  version: 1.2.3
  session_ttl_s: 120
  cache_size: 128
  send_queue_max: 2048
  piper:
    bin: /usr/local/bin/piper
    model: /models/en_US-amy-medium.onnx
    speaker_id: 3
    extra_args: "--length_scale 1.1"
    output_mode: stdout
  remote:
    url: https://tts.example.com/synthesize
    api_key: remote-secret
    timeout_s: 10
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Log.Level != config.LogDebug {
		t.Errorf("log.level: got %q, want %q", cfg.Log.Level, config.LogDebug)
	}
	if cfg.Orchestrator.Port != 9200 {
		t.Errorf("orchestrator.port: got %d, want 9200", cfg.Orchestrator.Port)
	}
	if cfg.Orchestrator.LLM.Model != "Qwen/Qwen2.5-7B-Instruct" {
		t.Errorf("orchestrator.llm.model: got %q", cfg.Orchestrator.LLM.Model)
	}
	if cfg.Orchestrator.TTSFlushMinChars != 24 {
		t.Errorf("orchestrator.tts_flush_min_chars: got %d, want 24", cfg.Orchestrator.TTSFlushMinChars)
	}
	if cfg.Orchestrator.TTSFlushOnPunct {
		t.Error("orchestrator.tts_flush_on_punct: got true, want false")
	}
	if cfg.Gateway.Engine != config.EngineLocalCLI {
		t.Errorf("gateway.engine: got %q, want %q", cfg.Gateway.Engine, config.EngineLocalCLI)
	}
	if cfg.Gateway.Version != "1.2.3" {
		t.Errorf("gateway.version: got %q, want %q", cfg.Gateway.Version, "1.2.3")
	}
	if cfg.Gateway.Piper.SpeakerID != 3 {
		t.Errorf("gateway.piper.speaker_id: got %d, want 3", cfg.Gateway.Piper.SpeakerID)
	}
	if cfg.Gateway.Piper.OutputMode != config.OutputModeStdout {
		t.Errorf("gateway.piper.output_mode: got %q, want stdout", cfg.Gateway.Piper.OutputMode)
	}
	if cfg.Gateway.Remote.TimeoutSeconds != 10 {
		t.Errorf("gateway.remote.timeout_s: got %d, want 10", cfg.Gateway.Remote.TimeoutSeconds)
	}
}

func TestLoadFromReader_EmptyKeepsDefaults(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}
	want := config.Default()
	if *cfg != *want {
		t.Errorf("empty yaml should leave defaults untouched\n got: %+v\nwant: %+v", cfg, want)
	}
}

func TestLoadFromReader_PartialOverridesKeepRest(t *testing.T) {
	yaml := `
gateway:
  engine: remote_rpc
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gateway.Engine != config.EngineRemoteRPC {
		t.Errorf("gateway.engine: got %q, want remote_rpc", cfg.Gateway.Engine)
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("gateway.port should keep its default, got %d", cfg.Gateway.Port)
	}
	if cfg.Orchestrator.TTSFlushMinChars != 12 {
		t.Errorf("orchestrator.tts_flush_min_chars should keep its default, got %d", cfg.Orchestrator.TTSFlushMinChars)
	}
}

func TestLoadFromReader_UnknownKeyRejected(t *testing.T) {
	yaml := `
gateway:
  enigne: dummy
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
}

func TestDefault_IsValid(t *testing.T) {
	if err := config.Validate(config.Default()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

// ── Environment overlay ───────────────────────────────────────────────────────

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("ORCH_PORT", "9300")
	t.Setenv("SGLANG_API_KEY", "sk-env")
	t.Setenv("TTS_FLUSH_MIN_CHARS", "8")
	t.Setenv("TTS_FLUSH_ON_PUNCT", "off")
	t.Setenv("ALLOW_CLIENT_TTS_URL", "Yes")
	t.Setenv("WS_TTS_ENGINE", " Remote_RPC ")
	t.Setenv("WS_TTS_SESSION_TTL_S", "90")
	t.Setenv("PIPER_SPEAKER_ID", "7")
	t.Setenv("TTS_REMOTE_URL", "https://env.example.com/tts")
	t.Setenv("LOG_LEVEL", "WARN")

	cfg := config.Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Orchestrator.Port != 9300 {
		t.Errorf("ORCH_PORT: got %d, want 9300", cfg.Orchestrator.Port)
	}
	if cfg.Orchestrator.LLM.APIKey != "sk-env" {
		t.Errorf("SGLANG_API_KEY: got %q", cfg.Orchestrator.LLM.APIKey)
	}
	if cfg.Orchestrator.TTSFlushMinChars != 8 {
		t.Errorf("TTS_FLUSH_MIN_CHARS: got %d, want 8", cfg.Orchestrator.TTSFlushMinChars)
	}
	if cfg.Orchestrator.TTSFlushOnPunct {
		t.Error("TTS_FLUSH_ON_PUNCT=off should disable punctuation flushing")
	}
	if !cfg.Orchestrator.AllowClientTTSURL {
		t.Error("ALLOW_CLIENT_TTS_URL=Yes should enable the flag")
	}
	if cfg.Gateway.Engine != config.EngineRemoteRPC {
		t.Errorf("WS_TTS_ENGINE: got %q, want remote_rpc", cfg.Gateway.Engine)
	}
	if cfg.Gateway.SessionTTLSeconds != 90 {
		t.Errorf("WS_TTS_SESSION_TTL_S: got %d, want 90", cfg.Gateway.SessionTTLSeconds)
	}
	if cfg.Gateway.Piper.SpeakerID != 7 {
		t.Errorf("PIPER_SPEAKER_ID: got %d, want 7", cfg.Gateway.Piper.SpeakerID)
	}
	if cfg.Gateway.Remote.URL != "https://env.example.com/tts" {
		t.Errorf("TTS_REMOTE_URL: got %q", cfg.Gateway.Remote.URL)
	}
	if cfg.Log.Level != config.LogWarn {
		t.Errorf("LOG_LEVEL: got %q, want warn", cfg.Log.Level)
	}
}

func TestApplyEnv_WinsOverYAML(t *testing.T) {
	t.Setenv("WS_TTS_PORT", "9500")

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gateway.Port != 9500 {
		t.Errorf("env should win over yaml: got %d, want 9500", cfg.Gateway.Port)
	}
}

func TestApplyEnv_BadIntReported(t *testing.T) {
	t.Setenv("ORCH_PORT", "ninety-one")
	t.Setenv("WS_TTS_CACHE_SIZE", "many")

	cfg := config.Default()
	err := cfg.ApplyEnv()
	if err == nil {
		t.Fatal("expected error for malformed integers, got nil")
	}
	if !strings.Contains(err.Error(), "ORCH_PORT") {
		t.Errorf("error should mention ORCH_PORT, got: %v", err)
	}
	if !strings.Contains(err.Error(), "WS_TTS_CACHE_SIZE") {
		t.Errorf("error should mention WS_TTS_CACHE_SIZE, got: %v", err)
	}
}

func TestApplyEnv_EmptyValueIgnoredForNumbers(t *testing.T) {
	t.Setenv("ORCH_PORT", "")

	cfg := config.Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Orchestrator.Port != 9100 {
		t.Errorf("empty env value should keep the default port, got %d", cfg.Orchestrator.Port)
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"1", true},
		{"true", true},
		{"TRUE", true},
		{"Yes", true},
		{"y", true},
		{"on", true},
		{" on ", true},
		{"0", false},
		{"false", false},
		{"off", false},
		{"no", false},
		{"", false},
		{"enabled", false},
	}
	for _, tt := range tests {
		if got := config.ParseBool(tt.in); got != tt.want {
			t.Errorf("ParseBool(%q): got %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ── Enums and helpers ─────────────────────────────────────────────────────────

func TestAddr(t *testing.T) {
	cfg := config.Default()
	if got := cfg.Orchestrator.Addr(); got != "0.0.0.0:9100" {
		t.Errorf("orchestrator addr: got %q, want 0.0.0.0:9100", got)
	}
	if got := cfg.Gateway.Addr(); got != "0.0.0.0:9000" {
		t.Errorf("gateway addr: got %q, want 0.0.0.0:9000", got)
	}
}

func TestLogLevel_Slog(t *testing.T) {
	tests := []struct {
		level config.LogLevel
		want  string
	}{
		{config.LogDebug, "DEBUG"},
		{config.LogInfo, "INFO"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
		{config.LogLevel("bogus"), "INFO"},
	}
	for _, tt := range tests {
		if got := tt.level.Slog().String(); got != tt.want {
			t.Errorf("LogLevel(%q).Slog(): got %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestEngineName_IsValid(t *testing.T) {
	for _, n := range []config.EngineName{config.EngineDummy, config.EngineLocalCLI, config.EngineRemoteRPC} {
		if !n.IsValid() {
			t.Errorf("%q should be valid", n)
		}
	}
	if config.EngineName("espeak").IsValid() {
		t.Error("espeak should not be valid")
	}
	if config.EngineName("").IsValid() {
		t.Error("empty engine name should not be valid")
	}
}

func TestOutputMode_IsValid(t *testing.T) {
	if !config.OutputModeFile.IsValid() || !config.OutputModeStdout.IsValid() {
		t.Error("file and stdout should be valid output modes")
	}
	if config.OutputMode("pipe").IsValid() {
		t.Error("pipe should not be a valid output mode")
	}
}
