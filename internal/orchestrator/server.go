// Package orchestrator runs the voice chat service. Each /chat connection
// streams one LLM completion to the client, cuts the text into units sized
// for incremental synthesis, feeds them to the TTS gateway over a bridged
// WebSocket, and relays the synthesized audio frames back on the same chat
// socket.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxflow/internal/health"
	"github.com/MrWong99/voxflow/internal/llm"
	"github.com/MrWong99/voxflow/internal/observe"
	"github.com/MrWong99/voxflow/pkg/protocol"
)

const (
	chatPingInterval   = 20 * time.Second
	clientWriteTimeout = 10 * time.Second

	// clientQueueMax bounds events queued toward the chat client. Hitting
	// the cap means the client stopped reading; the chat is torn down
	// rather than buffered without bound.
	clientQueueMax = 1024

	// bridgeDrainTimeout caps the wait for remaining audio after llm_done.
	bridgeDrainTimeout = 120 * time.Second

	// cancelFlushTimeout caps the wait for the bridge to deliver a cancel
	// to the gateway before the chat socket is closed.
	cancelFlushTimeout = 5 * time.Second
)

var errClientQueueFull = errors.New("orchestrator: client send queue full")

// ServerConfig assembles a chat server.
type ServerConfig struct {
	// LLM streams completions. Required.
	LLM *llm.Client

	// Metrics defaults to the process-wide observe instruments.
	Metrics *observe.Metrics

	Logger *slog.Logger

	// APIKey, when set, is required from clients as ?api_key= or a Bearer
	// token before the WebSocket upgrade.
	APIKey string

	// TTSURL is the gateway /tts endpoint chats synthesize through.
	TTSURL string

	// TTSAPIKey authenticates the orchestrator against the gateway.
	TTSAPIKey string

	// AllowClientTTS lets a chat request override TTSURL. Off by default:
	// honoring client-supplied URLs makes the orchestrator an open proxy.
	AllowClientTTS bool

	// FlushMinChars and FlushOnPunct are the segmentation parameters,
	// announced to every client in orchestrator_start.
	FlushMinChars int
	FlushOnPunct  bool
}

// Server is the /chat WebSocket endpoint plus its health and metrics routes.
type Server struct {
	llm            *llm.Client
	metrics        *observe.Metrics
	logger         *slog.Logger
	apiKey         string
	ttsURL         string
	ttsAPIKey      string
	allowClientTTS bool
	minChars       int
	onPunct        bool

	health *health.Handler
}

// NewServer wires a chat server from cfg.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	minChars := cfg.FlushMinChars
	if minChars <= 0 {
		minChars = 12
	}

	s := &Server{
		llm:            cfg.LLM,
		metrics:        metrics,
		logger:         logger,
		apiKey:         cfg.APIKey,
		ttsURL:         cfg.TTSURL,
		ttsAPIKey:      cfg.TTSAPIKey,
		allowClientTTS: cfg.AllowClientTTS,
		minChars:       minChars,
		onPunct:        cfg.FlushOnPunct,
	}
	s.health = health.New(health.Checker{Name: "llm", Check: cfg.LLM.Probe})
	s.health.SetInfoFunc(func() map[string]any {
		return map[string]any{"llm_model": cfg.LLM.Model()}
	})
	return s
}

// Register installs the orchestrator's routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /chat", s.handleChat)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "missing or invalid api_key", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection teardown")

	c := &chatConn{
		srv:    s,
		conn:   conn,
		logger: s.logger.With("conn_id", uuid.NewString()),
	}
	c.run(r.Context())
}

// authorized checks the configured API key against the api_key query
// parameter or an Authorization bearer token. No key configured means open
// access.
func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}
	if r.URL.Query().Get("api_key") == s.apiKey {
		return true
	}
	return bearerToken(r.Header.Get("Authorization")) == s.apiKey
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// ── Connection ────────────────────────────────────────────────────────────────

// chatConn is the per-connection state of one /chat WebSocket.
type chatConn struct {
	srv  *Server
	conn *websocket.Conn
	req  protocol.ChatRequest

	logger *slog.Logger
	writer *clientWriter
}

func (c *chatConn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.pingLoop(ctx)

	req, ok := c.handleRequest(ctx)
	if !ok {
		return
	}
	c.req = req
	c.logger = c.logger.With("session_id", req.SessionID)

	c.srv.metrics.RecordChatStart(ctx)
	defer c.srv.metrics.RecordChatEnd(ctx)

	t0 := time.Now()

	c.writer = newClientWriter(c.conn, c.logger, cancel)
	go c.writer.run(ctx)

	c.writer.send(protocol.OrchestratorStart{
		Type:             protocol.TypeOrchestratorStart,
		SessionID:        req.SessionID,
		TTSFlushMinChars: c.srv.minChars,
		TTSFlushOnPunct:  c.srv.onPunct,
	})

	bridge := NewBridge(BridgeConfig{
		URL:    c.ttsURL(),
		APIKey: c.srv.ttsAPIKey,
		Start: protocol.Start{
			Type:        protocol.TypeStart,
			SessionID:   req.SessionID,
			AudioFormat: req.AudioFormat,
			SampleRate:  req.SampleRate,
			Channels:    req.Channels,
		},
		Relay:  c.writer.sendRaw,
		Logger: c.logger,
	})
	defer bridge.Finish()

	bridgeDone := make(chan error, 1)
	go func() { bridgeDone <- bridge.Run(ctx) }()

	stopped := make(chan struct{})
	go c.watchCancel(ctx, cancel, stopped)

	llmCtx, cancelLLM := context.WithCancel(ctx)
	defer cancelLLM()

	// The sink runs on the LLM goroutine and shares its context, so
	// cancelling the stream also unblocks a bridge push in flight.
	seg := NewSegmenter(c.srv.minChars, c.srv.onPunct)
	sink := &chatSink{ctx: llmCtx, srv: c.srv, writer: c.writer, seg: seg, bridge: bridge}

	llmDone := make(chan llmOutcome, 1)
	go func() {
		res, err := c.srv.llm.Stream(llmCtx, req.Prompt, sink)
		llmDone <- llmOutcome{res: res, err: err}
	}()

	for {
		select {
		case <-stopped:
			cancelLLM()
			<-llmDone
			c.srv.metrics.RecordCancellation(ctx, "client")
			c.writer.send(protocol.OrchestratorCancelled{Type: protocol.TypeOrchestratorCancelled})
			bridge.CancelTTS()
			awaitBridge(bridgeDone, cancelFlushTimeout)
			c.logger.Info("Chat cancelled by client")
			c.close(websocket.StatusNormalClosure, "chat cancelled")
			return

		case out := <-llmDone:
			if out.err != nil {
				c.failLLM(ctx, bridge, bridgeDone, out.err)
				return
			}
			if unit, ok := seg.Flush(); ok {
				if err := bridge.Push(ctx, unit); err == nil {
					c.srv.metrics.TTSUnits.Add(ctx, 1)
				}
			}
			bridge.Finish()
			c.srv.metrics.RecordLLMStream(ctx, time.Since(t0).Seconds(), len(out.res.ToolCalls))
			c.writer.send(protocol.LLMDone{
				Type:        protocol.TypeLLMDone,
				ElapsedMS:   int(time.Since(t0).Milliseconds()),
				FullTextLen: utf8.RuneCountInString(out.res.FullText),
				ToolCalls:   out.res.ToolCalls,
			})
			c.drainBridge(ctx, bridge, bridgeDone, stopped)
			c.close(websocket.StatusNormalClosure, "chat complete")
			return

		case err := <-bridgeDone:
			if err == nil {
				// The gateway ended the audio stream early; its terminal
				// frame was already relayed. The text chat continues.
				bridgeDone = nil
				continue
			}
			c.srv.metrics.TTSSendErrors.Add(ctx, 1)
			c.writer.send(protocol.NewOrchestratorError(protocol.CodeTTSSendError, err.Error()))
			cancelLLM()
			<-llmDone
			c.srv.metrics.RecordCancellation(ctx, "error")
			c.writer.send(protocol.OrchestratorCancelled{Type: protocol.TypeOrchestratorCancelled})
			c.logger.Warn("Chat aborted: TTS bridge failed", "error", err)
			c.close(websocket.StatusNormalClosure, "tts bridge failed")
			return

		case <-ctx.Done():
			return
		}
	}
}

// ttsURL picks the gateway endpoint for this chat. Client overrides apply
// only when the server allows them.
func (c *chatConn) ttsURL() string {
	if c.req.WSTTSURL != "" && c.srv.allowClientTTS {
		return c.req.WSTTSURL
	}
	return c.srv.ttsURL
}

// handleRequest consumes the connection's first frame, which must be a
// valid chat request.
func (c *chatConn) handleRequest(ctx context.Context) (protocol.ChatRequest, bool) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return protocol.ChatRequest{}, false
	}
	req, err := protocol.ParseChatRequest(data)
	if err != nil {
		c.refuse(ctx, protocol.CodeBadRequest, err.Error())
		return protocol.ChatRequest{}, false
	}
	return req, true
}

// refuse writes one orchestrator_error directly and drops the connection.
// Only used before the writer pump starts.
func (c *chatConn) refuse(ctx context.Context, code protocol.ErrorCode, message string) {
	data, err := protocol.Marshal(protocol.NewOrchestratorError(code, message))
	if err == nil {
		wctx, cancel := context.WithTimeout(ctx, clientWriteTimeout)
		defer cancel()
		_ = c.conn.Write(wctx, websocket.MessageText, data)
	}
	c.conn.Close(websocket.StatusPolicyViolation, string(code))
}

// watchCancel reads inbound frames for the rest of the connection. A cancel
// frame stops the chat; any read failure means the client went away, which
// tears the chat down the same way. The gateway session outlives both on
// its own TTL.
func (c *chatConn) watchCancel(ctx context.Context, cancel context.CancelFunc, stopped chan<- struct{}) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			cancel()
			return
		}
		typ, err := protocol.PeekType(data)
		if err != nil {
			continue
		}
		if typ == protocol.TypeCancel {
			close(stopped)
			return
		}
	}
}

// failLLM reports a model stream failure and winds the chat down. Stream
// errors caused by our own teardown are not reported.
func (c *chatConn) failLLM(ctx context.Context, bridge *Bridge, bridgeDone chan error, err error) {
	if ctx.Err() != nil {
		return
	}
	c.srv.metrics.LLMErrors.Add(ctx, 1)
	c.srv.metrics.RecordCancellation(ctx, "error")
	c.logger.Error("LLM stream failed", "error", err)
	c.writer.send(protocol.NewOrchestratorError(protocol.CodeInternalError, err.Error()))
	bridge.CancelTTS()
	awaitBridge(bridgeDone, cancelFlushTimeout)
	c.close(websocket.StatusInternalError, "llm stream failed")
}

// drainBridge waits out the remaining audio after llm_done. A client cancel
// during the drain turns into a gateway cancel, so the client still gets
// its tts_end{cancelled:true}; llm_done was already sent, so no
// orchestrator_cancelled follows.
func (c *chatConn) drainBridge(ctx context.Context, bridge *Bridge, bridgeDone chan error, stopped <-chan struct{}) {
	if bridgeDone == nil {
		return
	}
	timer := time.NewTimer(bridgeDrainTimeout)
	defer timer.Stop()

	select {
	case err := <-bridgeDone:
		if err != nil {
			c.srv.metrics.TTSSendErrors.Add(ctx, 1)
			c.writer.send(protocol.NewOrchestratorError(protocol.CodeTTSSendError, err.Error()))
		}
	case <-stopped:
		c.srv.metrics.RecordCancellation(ctx, "client")
		bridge.CancelTTS()
		awaitBridge(bridgeDone, cancelFlushTimeout)
	case <-timer.C:
		c.logger.Warn("Gateway did not finish within the drain window")
	case <-ctx.Done():
	}
}

func (c *chatConn) close(code websocket.StatusCode, reason string) {
	c.conn.Close(code, reason)
}

func (c *chatConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(chatPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// awaitBridge gives the bridge a bounded window to finish. A nil channel
// means it already has.
func awaitBridge(bridgeDone <-chan error, d time.Duration) {
	if bridgeDone == nil {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-bridgeDone:
	case <-timer.C:
	}
}

// llmOutcome carries the model stream result across the completion channel.
type llmOutcome struct {
	res llm.Result
	err error
}

// ── LLM sink ──────────────────────────────────────────────────────────────────

// chatSink receives model stream callbacks on the LLM goroutine and fans
// them out: every event goes to the client, content deltas additionally
// feed the segmenter and, unit by unit, the TTS bridge.
type chatSink struct {
	ctx    context.Context
	srv    *Server
	writer *clientWriter
	seg    *Segmenter
	bridge *Bridge
}

func (s *chatSink) OnDelta(delta string) {
	s.writer.send(protocol.LLMDelta{Type: protocol.TypeLLMDelta, Delta: delta})
	if unit, ok := s.seg.Write(delta); ok {
		if err := s.bridge.Push(s.ctx, unit); err != nil {
			return
		}
		s.srv.metrics.TTSUnits.Add(s.ctx, 1)
	}
}

func (s *chatSink) OnToolCalls(snapshot []protocol.ToolCall) {
	s.writer.send(protocol.ToolCallsDelta{Type: protocol.TypeToolCallsDelta, ToolCalls: snapshot})
}

func (s *chatSink) OnParseError(payload string) {
	s.srv.metrics.LLMParseErrors.Add(s.ctx, 1)
	s.writer.send(protocol.NewOrchestratorError(protocol.CodeLLMParseError, payload))
}

// ── Client writer ─────────────────────────────────────────────────────────────

// clientWriter serializes all frames sent to the chat client through one
// pump goroutine. Producers are the chat flow, the LLM sink, and the
// bridge's relay; none of them may block on a slow client, so the queue is
// bounded and overflow tears the chat down.
type clientWriter struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	queue    chan []byte
	teardown func()
	once     sync.Once
}

func newClientWriter(conn *websocket.Conn, logger *slog.Logger, teardown func()) *clientWriter {
	return &clientWriter{
		conn:     conn,
		logger:   logger,
		queue:    make(chan []byte, clientQueueMax),
		teardown: teardown,
	}
}

// send marshals and queues one event. Events are best effort once the chat
// is tearing down, so failures are logged rather than returned.
func (w *clientWriter) send(v any) {
	data, err := protocol.Marshal(v)
	if err != nil {
		w.logger.Error("Dropping unencodable client frame", "error", err)
		return
	}
	_ = w.sendRaw(data)
}

// sendRaw queues pre-encoded bytes; the bridge relays gateway frames
// through here untouched. A full queue means the client stopped reading.
func (w *clientWriter) sendRaw(data []byte) error {
	select {
	case w.queue <- data:
		return nil
	default:
		w.fail("send queue overflow")
		return errClientQueueFull
	}
}

func (w *clientWriter) fail(reason string) {
	w.once.Do(func() {
		w.logger.Warn("Chat writer failed, tearing chat down", "reason", reason)
		w.teardown()
	})
}

func (w *clientWriter) run(ctx context.Context) {
	for {
		select {
		case data := <-w.queue:
			wctx, cancel := context.WithTimeout(ctx, clientWriteTimeout)
			err := w.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					w.fail("write failed: " + err.Error())
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
