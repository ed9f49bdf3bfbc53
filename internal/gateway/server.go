// Package gateway implements the TTS WebSocket service: the /tts endpoint
// that turns a stream of text units into ordered PCM16 audio chunks, plus
// the health and Prometheus metrics surfaces next to it.
//
// A connection speaks the client frames of the protocol package. The first
// frame must be start, which binds the connection to a session (creating it
// on first use). Per connection one reader goroutine dispatches inbound
// frames and one writer goroutine drains the session's send queue; the
// manager runs at most one synth loop per session. Sessions outlive
// connections: a dropped client may reconnect with the same start frame and
// replay missed audio via resume.
package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voxflow/internal/health"
	"github.com/MrWong99/voxflow/pkg/audio"
	"github.com/MrWong99/voxflow/pkg/protocol"
	"github.com/MrWong99/voxflow/pkg/tts"
)

const (
	// pingInterval is the WebSocket heartbeat period.
	pingInterval = 30 * time.Second

	// writeTimeout bounds a single frame write or ping round trip.
	writeTimeout = 10 * time.Second
)

// ── Server ────────────────────────────────────────────────────────────────────

// ServerConfig holds all dependencies for a [Server].
type ServerConfig struct {
	// Engine performs the synthesis. Required.
	Engine tts.Engine

	// EngineName is the configured engine selector reported by /healthz.
	// Defaults to the resolved engine name.
	EngineName string

	// Version is reported by /healthz. Defaults to "dev".
	Version string

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// SessionTTL, CacheSize and SendQueueMax tune the session manager; zero
	// values pick the manager defaults.
	SessionTTL   time.Duration
	CacheSize    int
	SendQueueMax int
}

// Server terminates the gateway's HTTP surface: GET /tts (WebSocket),
// GET /healthz, GET /readyz and GET /metrics.
type Server struct {
	engine     tts.Engine
	engineName string
	version    string
	logger     *slog.Logger
	metrics    *Metrics
	manager    *Manager
	health     *health.Handler
	startedAt  time.Time
}

// NewServer creates a Server with the given dependencies.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engineName := cfg.EngineName
	if engineName == "" {
		engineName = cfg.Engine.Name()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	metrics := NewMetrics()
	s := &Server{
		engine:     cfg.Engine,
		engineName: engineName,
		version:    version,
		logger:     logger,
		metrics:    metrics,
		manager: NewManager(ManagerConfig{
			Engine:       cfg.Engine,
			Metrics:      metrics,
			Logger:       logger,
			SessionTTL:   cfg.SessionTTL,
			CacheSize:    cfg.CacheSize,
			SendQueueMax: cfg.SendQueueMax,
		}),
		startedAt: time.Now(),
	}
	s.health = health.New(health.Checker{Name: "engine", Check: cfg.Engine.Check})
	s.health.SetInfoFunc(s.healthInfo)
	return s
}

// Start launches the session TTL sweeper; it stops when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	s.manager.Start(ctx)
}

// Register installs the gateway's routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /tts", s.handleTTS)
	mux.Handle("GET /metrics", s.metrics.Handler())
	s.health.Register(mux)
}

// healthInfo supplies the /healthz payload: configured and resolved engine,
// build version, uptime, and whatever detail the engine reports.
func (s *Server) healthInfo() map[string]any {
	info := map[string]any{
		"engine":          s.engineName,
		"engine_resolved": s.engine.Name(),
		"version":         s.version,
		"started_at":      s.startedAt.UTC().Format(time.RFC3339),
		"uptime_s":        int(time.Since(s.startedAt).Seconds()),
	}
	for k, v := range s.engine.Info() {
		info[k] = v
	}
	return info
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}
	s.metrics.ConnOpened()
	defer s.metrics.ConnClosed()
	defer conn.Close(websocket.StatusInternalError, "connection teardown")

	c := &ttsConn{
		srv:    s,
		conn:   conn,
		logger: s.logger.With("conn_id", uuid.NewString()),
	}
	c.run(r.Context())
}

// ── Connection ────────────────────────────────────────────────────────────────

// ttsConn is the per-connection state of one /tts WebSocket.
type ttsConn struct {
	srv    *Server
	conn   *websocket.Conn
	logger *slog.Logger

	// sendMu serializes socket writes so frames sent out of band (errors,
	// resume replays) never interleave with the writer goroutine mid-frame.
	sendMu sync.Mutex

	sess *Session
}

func (c *ttsConn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.pingLoop(ctx, cancel)

	if !c.handleStart(ctx) {
		return
	}
	go c.writeLoop(ctx, cancel)
	c.dispatch(ctx)
}

// handleStart consumes the connection's first frame, which must be a valid
// start, and answers with start_ack.
func (c *ttsConn) handleStart(ctx context.Context) bool {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return false
	}

	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		c.fail(ctx, "", 0, protocol.CodeBadRequest, err.Error())
		return false
	}
	start, ok := msg.(protocol.Start)
	if !ok {
		c.fail(ctx, sessionIDOf(msg), 0, protocol.CodeBadRequest, "first message must be start")
		return false
	}

	spec := audio.Spec{
		Format:     audio.Format(start.AudioFormat),
		SampleRate: start.SampleRate,
		Channels:   start.Channels,
	}
	if err := spec.Validate(); err != nil {
		c.fail(ctx, start.SessionID, 0, protocol.CodeBadRequest, err.Error())
		return false
	}

	sess, err := c.srv.manager.GetOrCreate(start.SessionID, spec)
	if err != nil {
		c.fail(ctx, start.SessionID, 0, protocol.CodeBadRequest, err.Error())
		return false
	}
	c.sess = sess
	c.srv.metrics.SessionStarted()

	ack := protocol.StartAck{
		Type:        protocol.TypeStartAck,
		SessionID:   sess.ID,
		AudioFormat: string(spec.Format),
		SampleRate:  spec.SampleRate,
		Channels:    spec.Channels,
		TTLSeconds:  int(c.srv.manager.TTL().Seconds()),
	}
	if spec.Format == audio.FormatPCM16WAV {
		header := audio.BuildWAVHeader(spec.SampleRate, spec.Channels)
		ack.WAVHeaderBase64 = base64.StdEncoding.EncodeToString(header)
	}
	ackData, err := protocol.Marshal(ack)
	if err != nil {
		c.logger.Error("marshal start_ack", "session_id", sess.ID, "err", err)
		return false
	}
	return c.write(ctx, outFrame{data: ackData, typ: protocol.TypeStartAck}) == nil
}

// dispatch handles inbound frames after start until the connection ends. A
// dropped connection leaves the session alive for resume until its TTL.
func (c *ttsConn) dispatch(ctx context.Context) {
	sess := c.sess
	log := c.logger.With("session_id", sess.ID)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			c.fail(ctx, sess.ID, sess.Seq(), protocol.CodeBadRequest, err.Error())
			return
		}
		if id := sessionIDOf(msg); id != sess.ID {
			c.fail(ctx, sess.ID, sess.Seq(), protocol.CodeBadRequest,
				fmt.Sprintf("session_id mismatch: frame names %q", id))
			return
		}
		sess.Touch()

		switch m := msg.(type) {
		case protocol.Start:
			c.fail(ctx, sess.ID, sess.Seq(), protocol.CodeBadRequest, "duplicate start on connection")
			return

		case protocol.TextDelta:
			sess.ObserveSeq(m.Seq)
			if err := sess.PushText(m.Text); err != nil {
				c.fail(ctx, sess.ID, sess.Seq(), protocol.CodeBadRequest, err.Error())
				return
			}
			c.srv.manager.StartSynthLoop(sess)

		case protocol.TextEnd:
			sess.ObserveSeq(m.Seq)
			sess.Finish()
			c.srv.manager.StartSynthLoop(sess)

		case protocol.Cancel:
			sess.ObserveSeq(m.Seq)
			c.srv.manager.Cancel(sess)

		case protocol.Resume:
			c.handleResume(ctx, m, log)
		}
	}
}

// handleResume replays cached chunks the client missed. A miss keeps both
// the session and the connection usable.
func (c *ttsConn) handleResume(ctx context.Context, m protocol.Resume, log *slog.Logger) {
	chunks := c.sess.cache.ReplayAfter(m.LastUnitIndexReceived)
	if len(chunks) == 0 {
		c.sendError(ctx, protocol.CodeResumeNotAvailable,
			fmt.Sprintf("cache no longer covers unit index %d", m.LastUnitIndexReceived))
		return
	}

	log.Info("replaying cached chunks",
		"last_unit_index_received", m.LastUnitIndexReceived,
		"chunks", len(chunks),
	)
	for _, chunk := range chunks {
		if err := c.write(ctx, outFrame{data: chunk.Data, typ: protocol.TypeAudioChunk}); err != nil {
			return
		}
	}
}

// writeLoop drains the session's send queue onto the socket. It closes the
// connection after the stream's terminal frame and destroys the session at
// that point. When the session context ends first (cancel or TTL expiry) it
// flushes whatever is already queued, then closes.
func (c *ttsConn) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	sess := c.sess

	for {
		select {
		case f := <-sess.sendQueue:
			if !c.writeQueued(ctx, f) {
				return
			}
		case <-sess.ctx.Done():
			for {
				select {
				case f := <-sess.sendQueue:
					if !c.writeQueued(ctx, f) {
						return
					}
				default:
					c.conn.Close(websocket.StatusNormalClosure, "session closed")
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// writeQueued sends one queued frame; false stops the write loop.
func (c *ttsConn) writeQueued(ctx context.Context, f outFrame) bool {
	if err := c.write(ctx, f); err != nil {
		// The socket is gone. Keep terminal frames queued so a reconnecting
		// client still receives them.
		if f.typ == protocol.TypeTTSEnd || f.typ == protocol.TypeError {
			c.sess.tryEnqueueControl(f)
		}
		return false
	}
	if !f.endOfStream() {
		return true
	}

	c.srv.manager.Destroy(c.sess)
	reason := "stream complete"
	if f.typ == protocol.TypeError {
		reason = "session terminated"
	}
	c.conn.Close(websocket.StatusNormalClosure, reason)
	return false
}

// write sends one frame under the connection's send mutex and counts every
// error frame put on the wire.
func (c *ttsConn) write(ctx context.Context, f outFrame) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.sendMu.Lock()
	err := c.conn.Write(wctx, websocket.MessageText, f.data)
	c.sendMu.Unlock()

	if err != nil {
		return err
	}
	if f.typ == protocol.TypeError {
		c.srv.metrics.ErrorEmitted(f.code)
	}
	return nil
}

// sendError emits a non-fatal error frame on the session's behalf.
func (c *ttsConn) sendError(ctx context.Context, code protocol.ErrorCode, message string) {
	frame, err := errorFrame(c.sess.ID, c.sess.Seq(), code, message)
	if err != nil {
		return
	}
	_ = c.write(ctx, frame)
}

// fail reports a client fault and closes the connection. The session, if
// any, stays alive until its TTL.
func (c *ttsConn) fail(ctx context.Context, sessionID string, seq int, code protocol.ErrorCode, message string) {
	frame, err := errorFrame(sessionID, seq, code, message)
	if err == nil {
		_ = c.write(ctx, frame)
	}
	c.conn.Close(websocket.StatusPolicyViolation, string(code))
}

// pingLoop keeps the connection alive and tears it down when the peer stops
// answering.
func (c *ttsConn) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pctx)
			pcancel()
			if err != nil {
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// sessionIDOf extracts the session_id a decoded client frame names.
func sessionIDOf(msg protocol.ClientMessage) string {
	switch m := msg.(type) {
	case protocol.Start:
		return m.SessionID
	case protocol.TextDelta:
		return m.SessionID
	case protocol.TextEnd:
		return m.SessionID
	case protocol.Cancel:
		return m.SessionID
	case protocol.Resume:
		return m.SessionID
	}
	return ""
}
