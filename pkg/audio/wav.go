package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the length of the canonical streaming header produced by
// [BuildWAVHeader].
const WAVHeaderSize = 44

// Sentinel errors returned by [StripWAV].
var (
	// ErrUnsupportedWAV marks containers that are not 16-bit integer PCM.
	ErrUnsupportedWAV = errors.New("audio: unsupported wav encoding")

	// ErrSpecMismatch marks containers whose sample rate or channel count
	// differs from the session spec. The pipeline never resamples.
	ErrSpecMismatch = errors.New("audio: wav spec mismatch")

	// ErrMalformedWAV marks RIFF containers with a broken chunk layout.
	ErrMalformedWAV = errors.New("audio: malformed wav container")
)

// BuildWAVHeader returns a 44-byte RIFF/WAVE header for 16-bit PCM with a
// zero-length data chunk, the shape a client prepends to audio it assembles
// from a stream of unknown final length.
func BuildWAVHeader(sampleRate, channels int) []byte {
	buf := make([]byte, 0, WAVHeaderSize)
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, 36) // header remainder + zero data
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1) // integer PCM
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate*channels*2))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels*2))
	buf = binary.LittleEndian.AppendUint16(buf, 16)
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	return buf
}

// StripWAV extracts the raw PCM payload from a RIFF/WAVE container and
// validates it against spec. Input that does not look like a RIFF container
// is returned unchanged, since engines may already hand back bare PCM.
//
// The walk is word-aligned: odd-sized chunks are followed by a pad byte.
func StripWAV(data []byte, spec Spec) ([]byte, error) {
	if len(data) < WAVHeaderSize || string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return data, nil
	}

	pos := 12
	fmtSeen := false
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		payloadStart := pos + 8
		payloadEnd := payloadStart + size
		if payloadEnd > len(data) {
			return nil, fmt.Errorf("%w: chunk %q of %d bytes exceeds container", ErrMalformedWAV, id, size)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%w: fmt chunk too short", ErrMalformedWAV)
			}
			audioFormat := binary.LittleEndian.Uint16(data[payloadStart : payloadStart+2])
			channels := int(binary.LittleEndian.Uint16(data[payloadStart+2 : payloadStart+4]))
			sampleRate := int(binary.LittleEndian.Uint32(data[payloadStart+4 : payloadStart+8]))
			bits := binary.LittleEndian.Uint16(data[payloadStart+14 : payloadStart+16])
			if audioFormat != 1 || bits != 16 {
				return nil, fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedWAV, audioFormat, bits)
			}
			if sampleRate != spec.SampleRate || channels != spec.Channels {
				return nil, fmt.Errorf("%w: got %d Hz / %d ch, want %d Hz / %d ch",
					ErrSpecMismatch, sampleRate, channels, spec.SampleRate, spec.Channels)
			}
			fmtSeen = true

		case "data":
			if !fmtSeen {
				return nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrMalformedWAV)
			}
			return data[payloadStart:payloadEnd], nil
		}

		pos = payloadEnd + size%2
	}

	return nil, fmt.Errorf("%w: no data chunk", ErrMalformedWAV)
}
