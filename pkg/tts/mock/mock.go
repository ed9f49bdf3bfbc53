// Package mock provides a test double for the tts.Engine interface.
//
// Use Engine to feed controlled PCM to consumers, to inject synthesis
// failures, and to verify which text units and specs reached the backend.
//
// Example:
//
//	e := &mock.Engine{PCM: []byte{1, 2, 3, 4}}
//	pcm, _ := e.SynthesizePCM16(ctx, "hello", spec)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxflow/pkg/audio"
	"github.com/MrWong99/voxflow/pkg/tts"
)

// Ensure Engine implements tts.Engine at compile time.
var _ tts.Engine = (*Engine)(nil)

// SynthesizeCall records a single invocation of SynthesizePCM16 or the
// streaming variant.
type SynthesizeCall struct {
	// Text is the text unit passed in.
	Text string
	// Spec is the audio spec passed in.
	Spec audio.Spec
}

// Engine is a mock implementation of tts.Engine.
type Engine struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// PCM is returned by SynthesizePCM16 for every call. It must be
	// frame-aligned for the specs used in the test.
	PCM []byte

	// Err, if non-nil, is returned instead of PCM.
	Err error

	// ErrAfter, when > 0, makes only the first ErrAfter calls succeed; later
	// calls return Err (which must then be set).
	ErrAfter int

	// CheckErr is returned by Check.
	CheckErr error

	// Block, when non-nil, is closed by the test to release synthesis calls
	// that should park until a cancellation arrives.
	Block chan struct{}

	// --- Call records ---

	// Calls records every synthesis invocation in order.
	Calls []SynthesizeCall
}

// Name implements [tts.Engine].
func (e *Engine) Name() string { return "mock" }

// SynthesizePCM16 records the call and returns the configured PCM or error.
// When Block is set, the call first waits for the channel to close or the
// context to end.
func (e *Engine) SynthesizePCM16(ctx context.Context, text string, spec audio.Spec) ([]byte, error) {
	e.mu.Lock()
	e.Calls = append(e.Calls, SynthesizeCall{Text: text, Spec: spec})
	n := len(e.Calls)
	pcm := make([]byte, len(e.PCM))
	copy(pcm, e.PCM)
	err := e.Err
	errAfter := e.ErrAfter
	block := e.Block
	e.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil && (errAfter <= 0 || n > errAfter) {
		return nil, err
	}
	return pcm, nil
}

// SynthesizePCM16Stream implements [tts.Engine].
func (e *Engine) SynthesizePCM16Stream(ctx context.Context, text string, spec audio.Spec, chunkBytes int) (<-chan []byte, error) {
	return tts.StreamPCM16(ctx, e, text, spec, chunkBytes)
}

// Check implements [tts.Engine].
func (e *Engine) Check(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CheckErr
}

// Info implements [tts.Engine].
func (e *Engine) Info() map[string]any {
	return map[string]any{"mock": true}
}

// CallCount returns how many synthesis calls were recorded. Thread-safe.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Calls)
}

// Texts returns the text units of all recorded calls in order. Thread-safe.
func (e *Engine) Texts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.Calls))
	for i, c := range e.Calls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = nil
}
