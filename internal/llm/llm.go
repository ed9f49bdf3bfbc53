// Package llm streams chat completions from an OpenAI-compatible backend
// over SSE.
//
// The streamer is deliberately tolerant: one unparseable SSE event is
// reported through the sink and skipped, and the stream carries on. This is
// why the low-level [ssestream.Decoder] is used for framing instead of the
// SDK's typed stream, which aborts on the first malformed event. Transport
// failures and non-200 responses remain hard errors.
//
// Tool call fragments are merged into an accumulator keyed by the delta's
// index (falling back to array position) and the full ordered snapshot is
// re-emitted after every change, so consumers always hold a consistent view
// without replaying history.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/MrWong99/voxflow/pkg/protocol"
)

// maxErrorBody bounds how much of an error payload is carried into error
// messages and parse error reports.
const maxErrorBody = 2000

// Sink receives the observable steps of a completion stream as they happen.
// Methods are called from the streaming goroutine in event order.
type Sink interface {
	// OnDelta is called for every non-empty content fragment.
	OnDelta(delta string)

	// OnToolCalls is called with the full accumulated snapshot, ordered by
	// index, after every change.
	OnToolCalls(snapshot []protocol.ToolCall)

	// OnParseError is called once per SSE event that failed to parse, with
	// the offending payload truncated to 2000 bytes. The stream continues.
	OnParseError(payload string)
}

// Result is the final outcome of a completed stream.
type Result struct {
	// FullText is the concatenation of all content fragments.
	FullText string

	// ToolCalls is the final accumulated snapshot, ordered by index.
	ToolCalls []protocol.ToolCall
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for the SSE request.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.hc = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

// Client streams chat completions from one configured backend and model.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	hc      *http.Client
	oa      openai.Client
	logger  *slog.Logger
}

// chatRequest is the completion request body.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatChunk is the subset of a streamed completion chunk this package reads.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

// toolCallDelta is one streamed tool call fragment. Index is a pointer so a
// missing index can fall back to the fragment's array position.
type toolCallDelta struct {
	Index    *int   `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// New creates a client for the backend at baseURL. The API key and model are
// required; the completions endpoint rejects anonymous requests.
func New(baseURL, apiKey, model string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("llm: base URL must not be empty")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("llm: API key must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		hc:      &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.oa = openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(c.baseURL+"/v1/"),
		option.WithHTTPClient(c.hc),
	)
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Probe checks backend reachability by listing models, the cheapest
// authenticated call an OpenAI-compatible server answers.
func (c *Client) Probe(ctx context.Context) error {
	if _, err := c.oa.Models.List(ctx); err != nil {
		return fmt.Errorf("llm: backend probe: %w", err)
	}
	return nil
}

// Stream runs one streaming completion for prompt, delivering events to sink
// as they arrive. It returns when the backend signals completion, the stream
// fails, or ctx is cancelled; a cancelled stream returns ctx's error and a
// partial result.
func (c *Client) Stream(ctx context.Context, prompt string, sink Sink) (Result, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Stream:   true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("llm: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Result{}, fmt.Errorf("llm: backend returned %d: %s", resp.StatusCode, snippet)
	}

	var full strings.Builder
	accum := newToolCallAccum()

	dec := ssestream.NewDecoder(resp)
	defer dec.Close()

	for dec.Next() {
		data := bytes.TrimSpace(dec.Event().Data)
		if len(data) == 0 {
			continue
		}
		if string(data) == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			c.logger.Warn("skipping unparseable SSE event", "err", err)
			sink.OnParseError(truncate(string(data), maxErrorBody))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		// Tool call fragments are applied before content so a chunk carrying
		// both reports the tool state the content was generated under.
		delta := chunk.Choices[0].Delta
		if len(delta.ToolCalls) > 0 {
			accum.apply(delta.ToolCalls)
			sink.OnToolCalls(accum.snapshot())
		}
		if delta.Content != "" {
			full.WriteString(delta.Content)
			sink.OnDelta(delta.Content)
		}
	}

	result := Result{FullText: full.String(), ToolCalls: accum.snapshot()}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if err := dec.Err(); err != nil {
		return result, fmt.Errorf("llm: stream: %w", err)
	}
	return result, nil
}

// toolCallAccum merges streamed tool call fragments into complete calls.
type toolCallAccum struct {
	byIndex map[int]*protocol.ToolCall
}

func newToolCallAccum() *toolCallAccum {
	return &toolCallAccum{byIndex: make(map[int]*protocol.ToolCall)}
}

// apply merges one batch of fragments. A fragment without an index inherits
// its position in the batch.
func (a *toolCallAccum) apply(deltas []toolCallDelta) {
	for pos, d := range deltas {
		idx := pos
		if d.Index != nil {
			idx = *d.Index
		}
		entry, ok := a.byIndex[idx]
		if !ok {
			entry = &protocol.ToolCall{Index: idx}
			a.byIndex[idx] = entry
		}
		if d.ID != "" {
			entry.ID = d.ID
		}
		if d.Function.Name != "" {
			entry.Function.Name = d.Function.Name
		}
		if d.Function.Arguments != "" {
			entry.Function.Arguments += d.Function.Arguments
		}
	}
}

// snapshot returns all accumulated calls ordered by index. The slice is
// non-nil so it always serializes as a JSON array.
func (a *toolCallAccum) snapshot() []protocol.ToolCall {
	out := make([]protocol.ToolCall, 0, len(a.byIndex))
	for _, entry := range a.byIndex {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
