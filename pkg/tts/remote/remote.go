// Package remote provides a TTS engine backed by a remote synthesis service
// reached over HTTP. It implements the tts.Engine interface.
//
// The service contract is one POST per text unit: a JSON body with the text
// and the session's sample rate and channel count, answered with a WAV
// container (or bare PCM16) at exactly that rate and channel count. Responses
// are validated with [audio.StripWAV]; the engine never resamples, so a
// backend answering with a different rate fails the unit.
//
// Every request runs through a [resilience.Breaker]. When the backend keeps
// failing, the breaker trips and requests are rejected immediately instead of
// queueing against a dead service; the breaker state is surfaced on the
// gateway's health endpoint.
//
// Typical usage:
//
//	e, err := remote.New("http://tts.internal:8080/synthesize",
//	    remote.WithAPIKey(key),
//	    remote.WithTimeout(15*time.Second),
//	)
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/voxflow/internal/resilience"
	"github.com/MrWong99/voxflow/pkg/audio"
	"github.com/MrWong99/voxflow/pkg/tts"
)

// Compile-time interface assertion.
var _ tts.Engine = (*Engine)(nil)

const (
	defaultTimeout = 30 * time.Second

	// maxErrorBody bounds how much of a failed response body is carried into
	// the error message.
	maxErrorBody = 2000
)

// Option is a functional option for configuring the engine.
type Option func(*Engine)

// WithAPIKey sets a bearer token sent with every synthesis request.
func WithAPIKey(key string) Option {
	return func(e *Engine) {
		e.apiKey = key
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client, e.g. for tests or custom
// transports.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = c
	}
}

// WithBreaker overrides the circuit breaker configuration.
func WithBreaker(cfg resilience.Config) Option {
	return func(e *Engine) {
		e.breakerCfg = cfg
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// Engine synthesizes speech through a remote HTTP service.
type Engine struct {
	url        string
	apiKey     string
	httpClient *http.Client
	breakerCfg resilience.Config
	breaker    *resilience.Breaker
	logger     *slog.Logger
}

// synthesisRequest is the JSON body of one synthesis call.
type synthesisRequest struct {
	Text       string `json:"text"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// New creates a remote engine targeting url.
func New(url string, opts ...Option) (*Engine, error) {
	if url == "" {
		return nil, fmt.Errorf("remote: url must not be empty")
	}
	e := &Engine{
		url:        url,
		httpClient: &http.Client{Timeout: defaultTimeout},
		breakerCfg: resilience.Config{Name: "remote-tts"},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breakerCfg.Logger = e.logger
	e.breaker = resilience.New(e.breakerCfg)
	return e, nil
}

// Name implements [tts.Engine].
func (e *Engine) Name() string { return "remote" }

// SynthesizePCM16 posts one text unit to the backend and returns the
// validated PCM payload.
func (e *Engine) SynthesizePCM16(ctx context.Context, text string, spec audio.Spec) ([]byte, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	var pcm []byte
	err := e.breaker.Execute(func() error {
		var err error
		pcm, err = e.synthesize(ctx, text, spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pcm, nil
}

func (e *Engine) synthesize(ctx context.Context, text string, spec audio.Spec) ([]byte, error) {
	body, err := json.Marshal(synthesisRequest{Text: text, SampleRate: spec.SampleRate, Channels: spec.Channels})
	if err != nil {
		return nil, fmt.Errorf("remote: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("remote: backend returned %d: %s", resp.StatusCode, snippet)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: read response: %w", err)
	}

	pcm, err := audio.StripWAV(data, spec)
	if err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}
	if len(pcm)%spec.FrameSize() != 0 {
		return nil, fmt.Errorf("remote: backend returned %d bytes, not frame-aligned for %d channels", len(pcm), spec.Channels)
	}
	return pcm, nil
}

// SynthesizePCM16Stream implements [tts.Engine].
func (e *Engine) SynthesizePCM16Stream(ctx context.Context, text string, spec audio.Spec, chunkBytes int) (<-chan []byte, error) {
	return tts.StreamPCM16(ctx, e, text, spec, chunkBytes)
}

// Check implements [tts.Engine]. A tripped breaker reports the backend as
// not ready.
func (e *Engine) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state := e.breaker.State(); state == resilience.StateOpen {
		return fmt.Errorf("remote: breaker %s for %s", state, e.url)
	}
	return nil
}

// Info implements [tts.Engine].
func (e *Engine) Info() map[string]any {
	return map[string]any{
		"remote_url":    e.url,
		"breaker_state": e.breaker.State().String(),
	}
}
