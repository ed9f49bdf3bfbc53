// Package piper provides a TTS engine that shells out to a local Piper-style
// CLI once per text unit. It implements the tts.Engine interface.
//
// Each synthesis spawns the configured binary with the model path, writes the
// text to stdin followed by a newline, and collects a WAV either from a
// temporary file (the default) or from stdout. The WAV is validated against
// the session spec with [audio.StripWAV]; a model rendering at a different
// sample rate fails the unit rather than being resampled.
//
// Typical usage:
//
//	e, err := piper.New("/opt/piper/piper", "/opt/piper/models/zh_CN-huayan-medium.onnx",
//	    piper.WithSpeaker(3),
//	    piper.WithOutputMode(piper.OutputModeStdout),
//	)
package piper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/MrWong99/voxflow/pkg/audio"
	"github.com/MrWong99/voxflow/pkg/tts"
)

// Compile-time interface assertion.
var _ tts.Engine = (*Engine)(nil)

// maxStderr bounds how much CLI stderr is carried into error messages.
const maxStderr = 2000

// OutputMode selects how the CLI hands audio back.
type OutputMode string

const (
	// OutputModeFile writes the WAV to a temporary file (--output_file path).
	// This is the default and matches how most Piper builds behave.
	OutputModeFile OutputMode = "file"

	// OutputModeStdout streams the WAV to stdout (--output_file -).
	OutputModeStdout OutputMode = "stdout"
)

// IsValid reports whether m is a supported output mode.
func (m OutputMode) IsValid() bool {
	return m == OutputModeFile || m == OutputModeStdout
}

// Option is a functional option for configuring the engine.
type Option func(*Engine)

// WithSpeaker selects a speaker id for multi-speaker models.
func WithSpeaker(id int) Option {
	return func(e *Engine) {
		e.speaker = id
	}
}

// WithExtraArgs appends additional CLI arguments after the generated ones.
func WithExtraArgs(args ...string) Option {
	return func(e *Engine) {
		e.extraArgs = append(e.extraArgs, args...)
	}
}

// WithOutputMode sets how audio is collected. Defaults to [OutputModeFile].
func WithOutputMode(m OutputMode) Option {
	return func(e *Engine) {
		e.outputMode = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// Engine synthesizes speech through a local CLI binary.
type Engine struct {
	bin        string
	model      string
	speaker    int
	extraArgs  []string
	outputMode OutputMode
	logger     *slog.Logger
}

// New creates a CLI engine. Both the binary and the model path are required;
// their existence is checked at readiness time, not here, so the gateway can
// start before models are provisioned.
func New(bin, model string, opts ...Option) (*Engine, error) {
	if bin == "" {
		return nil, fmt.Errorf("piper: binary path must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("piper: model path must not be empty")
	}
	e := &Engine{
		bin:        bin,
		model:      model,
		speaker:    -1,
		outputMode: OutputModeFile,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.outputMode.IsValid() {
		return nil, fmt.Errorf("piper: invalid output mode %q", e.outputMode)
	}
	return e, nil
}

// Name implements [tts.Engine].
func (e *Engine) Name() string { return "piper" }

// SynthesizePCM16 runs one CLI invocation for text and returns the validated
// PCM payload.
func (e *Engine) SynthesizePCM16(ctx context.Context, text string, spec audio.Spec) ([]byte, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	args := []string{"--model", e.model}

	var outPath string
	switch e.outputMode {
	case OutputModeStdout:
		args = append(args, "--output_file", "-")
	default:
		tmp, err := os.CreateTemp("", "voxflow-piper-*.wav")
		if err != nil {
			return nil, fmt.Errorf("piper: create temp file: %w", err)
		}
		outPath = tmp.Name()
		_ = tmp.Close()
		defer os.Remove(outPath)
		args = append(args, "--output_file", outPath)
	}

	if e.speaker >= 0 {
		args = append(args, "--speaker", strconv.Itoa(e.speaker))
	}
	args = append(args, e.extraArgs...)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.bin, args...)
	cmd.Stdin = strings.NewReader(text + "\n")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("piper: synthesis interrupted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("piper: %s failed: %w: %s", e.bin, err, truncate(stderr.String(), maxStderr))
	}

	var wav []byte
	if e.outputMode == OutputModeStdout {
		wav = stdout.Bytes()
	} else {
		data, err := os.ReadFile(outPath)
		if err != nil {
			return nil, fmt.Errorf("piper: read output file: %w", err)
		}
		wav = data
	}

	pcm, err := audio.StripWAV(wav, spec)
	if err != nil {
		return nil, fmt.Errorf("piper: %w", err)
	}
	if len(pcm)%spec.FrameSize() != 0 {
		return nil, fmt.Errorf("piper: output of %d bytes not frame-aligned for %d channels", len(pcm), spec.Channels)
	}
	return pcm, nil
}

// SynthesizePCM16Stream implements [tts.Engine].
func (e *Engine) SynthesizePCM16Stream(ctx context.Context, text string, spec audio.Spec, chunkBytes int) (<-chan []byte, error) {
	return tts.StreamPCM16(ctx, e, text, spec, chunkBytes)
}

// Check implements [tts.Engine]; readiness requires both the binary and the
// model file to exist.
func (e *Engine) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(e.bin); err != nil {
		return fmt.Errorf("piper: binary: %w", err)
	}
	if _, err := os.Stat(e.model); err != nil {
		return fmt.Errorf("piper: model: %w", err)
	}
	return nil
}

// Info implements [tts.Engine]. When the model's sidecar JSON config is
// readable, the model's native sample rate is included so operators can spot
// spec mismatches before the first session fails.
func (e *Engine) Info() map[string]any {
	info := map[string]any{
		"piper_binary":        e.bin,
		"piper_binary_exists": exists(e.bin),
		"piper_model":         e.model,
		"piper_model_exists":  exists(e.model),
		"piper_output_mode":   string(e.outputMode),
	}
	if rate, ok := e.modelSampleRate(); ok {
		info["model_sample_rate"] = rate
	}
	return info
}

// modelSampleRate reads the sample rate from the model's <model>.json
// sidecar, the layout Piper model distributions use.
func (e *Engine) modelSampleRate() (int, bool) {
	data, err := os.ReadFile(e.model + ".json")
	if err != nil {
		return 0, false
	}
	var cfg struct {
		Audio struct {
			SampleRate int `json:"sample_rate"`
		} `json:"audio"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil || cfg.Audio.SampleRate <= 0 {
		return 0, false
	}
	return cfg.Audio.SampleRate, true
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
