// Package audio defines the immutable per-session audio contract and the
// WAV plumbing shared by the TTS engines and the gateway.
//
// The gateway never resamples or remixes: engines must produce PCM16 at
// exactly the session's rate and channel count, and [StripWAV] enforces that
// when an engine hands back a RIFF container instead of raw PCM.
package audio

import (
	"errors"
	"fmt"
)

// Format identifies the wire encoding a client asked for in its start frame.
type Format string

const (
	// FormatPCM16Raw streams bare little-endian PCM16 frames.
	FormatPCM16Raw Format = "pcm16_raw"

	// FormatPCM16WAV streams the same PCM16 frames, but the start_ack carries
	// a 44-byte RIFF header the client prepends when assembling a file.
	FormatPCM16WAV Format = "pcm16_wav"
)

// IsValid reports whether f is a supported wire format.
func (f Format) IsValid() bool {
	switch f {
	case FormatPCM16Raw, FormatPCM16WAV:
		return true
	default:
		return false
	}
}

// Spec is the audio contract fixed at session start. It never changes for
// the lifetime of a session; a start frame naming a different spec for an
// existing session is rejected.
type Spec struct {
	Format     Format
	SampleRate int
	Channels   int
}

// Validate checks the spec for values the pipeline can serve.
func (s Spec) Validate() error {
	var errs []error
	if !s.Format.IsValid() {
		errs = append(errs, fmt.Errorf("audio: invalid format %q", s.Format))
	}
	if s.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio: sample rate must be positive, got %d", s.SampleRate))
	}
	if s.Channels <= 0 {
		errs = append(errs, fmt.Errorf("audio: channels must be positive, got %d", s.Channels))
	}
	return errors.Join(errs...)
}

// FrameSize returns the byte length of one sample frame (all channels).
func (s Spec) FrameSize() int {
	return 2 * s.Channels
}
