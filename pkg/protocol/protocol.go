// Package protocol defines the wire messages spoken by the voxflow services.
//
// Two surfaces share this package: the TTS gateway WebSocket (client frames
// like start/text_delta and server frames like audio_chunk/tts_end) and the
// orchestrator WebSocket (the initial chat request plus orchestration events
// such as llm_delta and llm_done). All frames are single JSON objects with a
// discriminating "type" field, encoded compactly and never HTML-escaped so
// multibyte text survives byte-for-byte.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Frame types sent by gateway clients.
const (
	TypeStart     = "start"
	TypeTextDelta = "text_delta"
	TypeTextEnd   = "text_end"
	TypeCancel    = "cancel"
	TypeResume    = "resume"
)

// Frame types sent by the gateway.
const (
	TypeStartAck   = "start_ack"
	TypeAudioChunk = "audio_chunk"
	TypeTTSEnd     = "tts_end"
	TypeError      = "error"
)

// Frame types sent by the orchestrator to chat clients.
const (
	TypeOrchestratorStart     = "orchestrator_start"
	TypeLLMDelta              = "llm_delta"
	TypeToolCallsDelta        = "tool_calls_delta"
	TypeLLMDone               = "llm_done"
	TypeOrchestratorCancelled = "orchestrator_cancelled"
	TypeOrchestratorError     = "orchestrator_error"
)

// ErrorCode classifies error frames across both services.
type ErrorCode string

const (
	// CodeBadRequest covers malformed JSON, unknown types, missing or
	// mistyped fields, and session/spec mismatches.
	CodeBadRequest ErrorCode = "bad_request"

	// CodeBackpressure is emitted when a session's send queue overflows and
	// the connection is torn down.
	CodeBackpressure ErrorCode = "backpressure"

	// CodeResumeNotAvailable is emitted when a resume request matches nothing
	// in the replay cache. The session stays open.
	CodeResumeNotAvailable ErrorCode = "resume_not_available"

	// CodeInternalError covers unexpected failures, including synthesis
	// errors and LLM backend failures.
	CodeInternalError ErrorCode = "internal_error"

	// CodeTTSSendError is raised by the orchestrator when forwarding text to
	// the TTS gateway fails.
	CodeTTSSendError ErrorCode = "tts_send_error"

	// CodeLLMParseError is raised per unparseable SSE event; the stream
	// continues afterwards.
	CodeLLMParseError ErrorCode = "llm_parse_error"
)

// Marshal encodes v as compact JSON with HTML escaping disabled, so CJK and
// other multibyte text is emitted as-is rather than as \uXXXX sequences.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// PeekType extracts the "type" field of a frame without decoding the rest.
// It returns an empty string when the field is absent.
func PeekType(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("protocol: invalid JSON frame: %w", err)
	}
	return env.Type, nil
}
