package protocol

import (
	"encoding/json"
	"fmt"
)

// Start opens (or re-attaches to) a synthesis session. It must be the first
// frame on a gateway connection, and must not be repeated on the same
// connection.
type Start struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	AudioFormat string `json:"audio_format"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
}

// TextDelta appends one text unit to the session's synthesis queue.
type TextDelta struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
	Text      string `json:"text"`
}

// TextEnd marks the session's text stream as finished; once the queue drains
// the gateway answers with a final tts_end.
type TextEnd struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
}

// Cancel aborts the session: queued units are dropped, in-flight synthesis is
// interrupted, and exactly one tts_end with cancelled=true is emitted.
type Cancel struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
}

// Resume asks the gateway to re-send cached audio chunks whose unit range
// ends after LastUnitIndexReceived. Sent after a reconnect.
type Resume struct {
	Type                  string `json:"type"`
	SessionID             string `json:"session_id"`
	LastUnitIndexReceived int    `json:"last_unit_index_received"`
}

// ClientMessage is the closed set of frames a gateway client may send.
type ClientMessage interface {
	clientMessage()
}

func (Start) clientMessage()     {}
func (TextDelta) clientMessage() {}
func (TextEnd) clientMessage()   {}
func (Cancel) clientMessage()    {}
func (Resume) clientMessage()    {}

// StartAck confirms a start frame, echoing the session's immutable audio
// spec. WAVHeaderBase64 is present only for the pcm16_wav format and carries
// the 44-byte streaming RIFF header the client should prepend to the PCM it
// assembles.
type StartAck struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id"`
	AudioFormat     string `json:"audio_format"`
	SampleRate      int    `json:"sample_rate"`
	Channels        int    `json:"channels"`
	TTLSeconds      int    `json:"ttl_s"`
	WAVHeaderBase64 string `json:"wav_header_base64,omitempty"`
}

// AudioChunk carries one base64 PCM16 slice covering the half-open text unit
// range [UnitIndexStart, UnitIndexEnd).
type AudioChunk struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	Seq            int    `json:"seq"`
	UnitIndexStart int    `json:"unit_index_start"`
	UnitIndexEnd   int    `json:"unit_index_end"`
	PCMBase64      string `json:"pcm_base64"`
}

// TTSEnd terminates a session's audio stream. It is always the last frame of
// a stream; Cancelled is set when the stream ended through a cancel.
type TTSEnd struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// Error reports a failure. Depending on the code the connection may be closed
// afterwards; resume_not_available leaves the session usable.
type Error struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
}

// NewError builds an error frame.
func NewError(sessionID string, seq int, code ErrorCode, message string) Error {
	return Error{Type: TypeError, SessionID: sessionID, Seq: seq, Code: code, Message: message}
}

// NewAudioChunk builds an audio_chunk frame for the range [start, end).
func NewAudioChunk(sessionID string, seq, start, end int, pcmBase64 string) AudioChunk {
	return AudioChunk{
		Type:           TypeAudioChunk,
		SessionID:      sessionID,
		Seq:            seq,
		UnitIndexStart: start,
		UnitIndexEnd:   end,
		PCMBase64:      pcmBase64,
	}
}

// NewTTSEnd builds a tts_end frame.
func NewTTSEnd(sessionID string, seq int, cancelled bool) TTSEnd {
	return TTSEnd{Type: TypeTTSEnd, SessionID: sessionID, Seq: seq, Cancelled: cancelled}
}

// DecodeClientMessage parses one gateway client frame. Any returned error
// maps to a bad_request: invalid JSON, a non-object payload, an unknown type,
// or a missing/mistyped field.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("protocol: invalid JSON frame: %w", err)
	}

	typ, err := requireString(fields, "type")
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeStart:
		m := Start{Type: typ}
		if m.SessionID, err = requireString(fields, "session_id"); err != nil {
			return nil, err
		}
		if m.AudioFormat, err = requireString(fields, "audio_format"); err != nil {
			return nil, err
		}
		if m.SampleRate, err = requireInt(fields, "sample_rate"); err != nil {
			return nil, err
		}
		if m.Channels, err = requireInt(fields, "channels"); err != nil {
			return nil, err
		}
		return m, nil

	case TypeTextDelta:
		m := TextDelta{Type: typ}
		if m.SessionID, err = requireString(fields, "session_id"); err != nil {
			return nil, err
		}
		if m.Seq, err = requireInt(fields, "seq"); err != nil {
			return nil, err
		}
		if m.Text, err = requireText(fields, "text"); err != nil {
			return nil, err
		}
		return m, nil

	case TypeTextEnd:
		m := TextEnd{Type: typ}
		if m.SessionID, err = requireString(fields, "session_id"); err != nil {
			return nil, err
		}
		if m.Seq, err = requireInt(fields, "seq"); err != nil {
			return nil, err
		}
		return m, nil

	case TypeCancel:
		m := Cancel{Type: typ}
		if m.SessionID, err = requireString(fields, "session_id"); err != nil {
			return nil, err
		}
		if m.Seq, err = requireInt(fields, "seq"); err != nil {
			return nil, err
		}
		return m, nil

	case TypeResume:
		m := Resume{Type: typ}
		if m.SessionID, err = requireString(fields, "session_id"); err != nil {
			return nil, err
		}
		if m.LastUnitIndexReceived, err = requireInt(fields, "last_unit_index_received"); err != nil {
			return nil, err
		}
		return m, nil

	default:
		return nil, fmt.Errorf("protocol: unknown type %q", typ)
	}
}

// requireString returns a non-empty string field.
func requireString(fields map[string]json.RawMessage, key string) (string, error) {
	s, err := requireText(fields, key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("protocol: missing or invalid field %q", key)
	}
	return s, nil
}

// requireText returns a string field that may be empty.
func requireText(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("protocol: missing or invalid field %q", key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("protocol: missing or invalid field %q", key)
	}
	return s, nil
}

// requireInt returns an integer field. JSON floats and numeric strings are
// rejected.
func requireInt(fields map[string]json.RawMessage, key string) (int, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("protocol: missing or invalid field %q", key)
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("protocol: missing or invalid field %q", key)
	}
	return v, nil
}
