// Package tts defines the Engine interface for speech synthesis backends.
//
// An engine turns one text unit into little-endian PCM16 audio matching the
// session's immutable [audio.Spec]. Engines never resample: a backend that
// cannot produce the requested rate and channel count must fail the request.
// The streaming entry point synthesizes the full clip first and then emits
// fixed-size slices, which keeps chunk ranges deterministic and lets callers
// interleave cancellation between slices.
//
// Implementations must be safe for concurrent use; the gateway may run one
// synthesis per session in parallel.
package tts

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxflow/pkg/audio"
)

// DefaultChunkBytes is the slice size used by streaming synthesis when the
// caller passes a non-positive chunk size.
const DefaultChunkBytes = 8192

// Engine is the abstraction over any synthesis backend.
type Engine interface {
	// Name identifies the resolved backend (e.g. "dummy", "piper") in logs
	// and the health endpoint.
	Name() string

	// SynthesizePCM16 renders one text unit as raw PCM16 at exactly the
	// spec's sample rate and channel count. The returned slice always holds
	// whole sample frames.
	SynthesizePCM16(ctx context.Context, text string, spec audio.Spec) ([]byte, error)

	// SynthesizePCM16Stream renders one text unit and emits it as successive
	// slices of at most chunkBytes bytes (the last slice may be shorter). The
	// channel is closed after the final slice, or early when ctx is
	// cancelled. A non-nil error means synthesis could not start; failures
	// are not signalled mid-stream.
	SynthesizePCM16Stream(ctx context.Context, text string, spec audio.Spec, chunkBytes int) (<-chan []byte, error)

	// Check probes backend readiness. It must respect context cancellation.
	Check(ctx context.Context) error

	// Info returns backend detail merged into the gateway's health response,
	// such as binary paths or circuit state.
	Info() map[string]any
}

// StreamPCM16 implements streaming synthesis on top of e.SynthesizePCM16:
// the clip is rendered in full, then sliced. Slice boundaries are aligned
// down to whole sample frames so every emitted chunk decodes cleanly.
//
// Engine implementations delegate their SynthesizePCM16Stream to this helper.
func StreamPCM16(ctx context.Context, e Engine, text string, spec audio.Spec, chunkBytes int) (<-chan []byte, error) {
	pcm, err := e.SynthesizePCM16(ctx, text, spec)
	if err != nil {
		return nil, err
	}
	if len(pcm)%spec.FrameSize() != 0 {
		return nil, fmt.Errorf("tts: %s produced %d bytes, not frame-aligned for %d channels", e.Name(), len(pcm), spec.Channels)
	}

	size := chunkBytes
	if size <= 0 {
		size = DefaultChunkBytes
	}
	size -= size % spec.FrameSize()
	if size < spec.FrameSize() {
		size = spec.FrameSize()
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		for off := 0; off < len(pcm); off += size {
			end := off + size
			if end > len(pcm) {
				end = len(pcm)
			}
			select {
			case out <- pcm[off:end]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
