package protocol

import (
	"encoding/json"
	"fmt"
)

// ChatRequest is the first frame a client sends on the orchestrator's /chat
// socket. WSTTSURL overrides the configured gateway endpoint only when the
// orchestrator explicitly allows client-supplied TTS URLs.
type ChatRequest struct {
	Prompt      string `json:"prompt"`
	SessionID   string `json:"session_id"`
	AudioFormat string `json:"audio_format"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	WSTTSURL    string `json:"ws_tts_url,omitempty"`
}

// ParseChatRequest validates the opening chat frame. Prompt, session id and
// audio format must be non-empty strings; sample rate and channels must be
// JSON integers.
func ParseChatRequest(data []byte) (ChatRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return ChatRequest{}, fmt.Errorf("protocol: invalid JSON frame: %w", err)
	}

	var req ChatRequest
	var err error
	if req.Prompt, err = requireString(fields, "prompt"); err != nil {
		return ChatRequest{}, err
	}
	if req.SessionID, err = requireString(fields, "session_id"); err != nil {
		return ChatRequest{}, err
	}
	if req.AudioFormat, err = requireString(fields, "audio_format"); err != nil {
		return ChatRequest{}, err
	}
	if req.SampleRate, err = requireInt(fields, "sample_rate"); err != nil {
		return ChatRequest{}, err
	}
	if req.Channels, err = requireInt(fields, "channels"); err != nil {
		return ChatRequest{}, err
	}
	if raw, ok := fields["ws_tts_url"]; ok {
		if err := json.Unmarshal(raw, &req.WSTTSURL); err != nil {
			return ChatRequest{}, fmt.Errorf("protocol: missing or invalid field %q", "ws_tts_url")
		}
	}
	return req, nil
}

// ToolCall is one tool invocation accumulated from streamed deltas, in its
// final wire shape.
type ToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the invoked function and carries its JSON-encoded
// argument string, concatenated from streamed fragments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// OrchestratorStart acknowledges a chat request and announces the
// segmentation parameters in effect.
type OrchestratorStart struct {
	Type             string `json:"type"`
	SessionID        string `json:"session_id"`
	TTSFlushMinChars int    `json:"tts_flush_min_chars"`
	TTSFlushOnPunct  bool   `json:"tts_flush_on_punct"`
}

// LLMDelta carries one streamed content fragment from the model.
type LLMDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// ToolCallsDelta carries the full accumulated tool call snapshot, re-emitted
// after every change, ordered by index.
type ToolCallsDelta struct {
	Type      string     `json:"type"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

// LLMDone reports a completed model stream. FullTextLen counts runes, not
// bytes. It is never emitted for a cancelled chat.
type LLMDone struct {
	Type        string     `json:"type"`
	ElapsedMS   int        `json:"elapsed_ms"`
	FullTextLen int        `json:"full_text_len"`
	ToolCalls   []ToolCall `json:"tool_calls"`
}

// OrchestratorCancelled confirms that a stop (client cancel or shutdown)
// aborted the model stream.
type OrchestratorCancelled struct {
	Type string `json:"type"`
}

// OrchestratorError reports an orchestrator-side failure to the chat client.
type OrchestratorError struct {
	Type    string    `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewOrchestratorError builds an orchestrator_error event.
func NewOrchestratorError(code ErrorCode, message string) OrchestratorError {
	return OrchestratorError{Type: TypeOrchestratorError, Code: code, Message: message}
}
