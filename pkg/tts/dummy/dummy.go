// Package dummy provides a deterministic offline TTS engine.
//
// The engine renders a fixed-frequency tone whose duration scales with the
// rune count of the input text, so output size is predictable from input
// length alone. It needs no external binaries or services, which makes it the
// default engine and the one the test suites run against.
package dummy

import (
	"context"
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/voxflow/pkg/audio"
	"github.com/MrWong99/voxflow/pkg/tts"
)

// Default synthesis pacing: every unit produces at least baseDuration of
// audio, plus perRune for each rune of text.
const (
	baseDuration = 40 * time.Millisecond
	perRune      = 25 * time.Millisecond
	toneHz       = 440.0
	amplitude    = 0.2
)

// Engine is a tone generator satisfying [tts.Engine].
type Engine struct {
	base    time.Duration
	perRune time.Duration
}

var _ tts.Engine = (*Engine)(nil)

// Option configures the engine.
type Option func(*Engine)

// WithPacing overrides the base and per-rune durations. Tests use short
// pacings to keep clips small.
func WithPacing(base, perRune time.Duration) Option {
	return func(e *Engine) {
		e.base = base
		e.perRune = perRune
	}
}

// New creates a dummy engine.
func New(opts ...Option) *Engine {
	e := &Engine{base: baseDuration, perRune: perRune}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements [tts.Engine].
func (e *Engine) Name() string { return "dummy" }

// SynthesizePCM16 renders a sine tone sized by the rune count of text. Every
// call with the same text and spec yields identical bytes.
func (e *Engine) SynthesizePCM16(ctx context.Context, text string, spec audio.Spec) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	d := e.base + time.Duration(utf8.RuneCountInString(text))*e.perRune
	samples := int(d.Milliseconds()) * spec.SampleRate / 1000
	if samples < 1 {
		samples = 1
	}

	pcm := make([]byte, samples*spec.FrameSize())
	for i := 0; i < samples; i++ {
		v := int16(amplitude * math.MaxInt16 * math.Sin(2*math.Pi*toneHz*float64(i)/float64(spec.SampleRate)))
		for c := 0; c < spec.Channels; c++ {
			binary.LittleEndian.PutUint16(pcm[(i*spec.Channels+c)*2:], uint16(v))
		}
	}
	return pcm, nil
}

// SynthesizePCM16Stream implements [tts.Engine].
func (e *Engine) SynthesizePCM16Stream(ctx context.Context, text string, spec audio.Spec, chunkBytes int) (<-chan []byte, error) {
	return tts.StreamPCM16(ctx, e, text, spec, chunkBytes)
}

// Check implements [tts.Engine]; the dummy engine is always ready.
func (e *Engine) Check(context.Context) error { return nil }

// Info implements [tts.Engine].
func (e *Engine) Info() map[string]any {
	return map[string]any{
		"deterministic": true,
		"tone_hz":       toneHz,
	}
}
