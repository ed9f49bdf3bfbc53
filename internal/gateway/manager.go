package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxflow/pkg/audio"
	"github.com/MrWong99/voxflow/pkg/protocol"
	"github.com/MrWong99/voxflow/pkg/tts"
)

// Defaults applied by NewManager for zero-valued config fields.
const (
	defaultSessionTTL   = 60 * time.Second
	defaultCacheSize    = 64
	defaultSendQueueMax = 1024
)

// sweepInterval is how often the TTL sweeper scans for idle sessions.
const sweepInterval = 10 * time.Second

// ManagerConfig holds the dependencies and tuning knobs for a [Manager].
type ManagerConfig struct {
	// Engine performs the synthesis. Required.
	Engine tts.Engine

	// Metrics receives TTFA samples and backpressure counts. Required.
	Metrics *Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// SessionTTL is the idle expiry; defaults to 60s.
	SessionTTL time.Duration

	// CacheSize bounds the per-session replay cache; defaults to 64.
	CacheSize int

	// SendQueueMax is the backpressure watermark of the per-session send
	// queue; defaults to 1024.
	SendQueueMax int
}

// Manager owns the session table: it creates and looks up sessions, runs at
// most one synth loop per session, and sweeps idle sessions past their TTL.
// All exported methods are safe for concurrent use.
type Manager struct {
	engine    tts.Engine
	metrics   *Metrics
	logger    *slog.Logger
	ttl       time.Duration
	cacheSize int
	queueMax  int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	queueMax := cfg.SendQueueMax
	if queueMax <= 0 {
		queueMax = defaultSendQueueMax
	}
	return &Manager{
		engine:    cfg.Engine,
		metrics:   cfg.Metrics,
		logger:    logger,
		ttl:       ttl,
		cacheSize: cacheSize,
		queueMax:  queueMax,
		sessions:  make(map[string]*Session),
	}
}

// TTL returns the idle expiry applied to sessions.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// GetOrCreate returns the session for id, creating it on first use. A client
// re-attaching to an existing session must name the identical audio spec.
func (m *Manager) GetOrCreate(id string, spec audio.Spec) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[id]; ok {
		if sess.Spec != spec {
			return nil, fmt.Errorf("gateway: session %q already uses %s at %d Hz / %d ch",
				id, sess.Spec.Format, sess.Spec.SampleRate, sess.Spec.Channels)
		}
		sess.Touch()
		return sess, nil
	}

	sess := newSession(id, spec, m.cacheSize, m.queueMax)
	m.sessions[id] = sess
	m.logger.Info("session created",
		"session_id", id,
		"format", spec.Format,
		"sample_rate", spec.SampleRate,
		"channels", spec.Channels,
	)
	return sess, nil
}

// StartSynthLoop spawns the session's synth loop if it is not running yet
// and there is work for it: a pending text unit or a finished text stream.
func (m *Manager) StartSynthLoop(sess *Session) {
	if sess.Cancelled() {
		return
	}
	if sess.pendingText() == 0 && !sess.Finished() {
		return
	}
	if !sess.markLoopStarted() {
		return
	}
	go m.runLoop(sess)
}

// Cancel terminates a session on the client's request: pending text units
// are dropped, the single tts_end goes out with cancelled=true, and the
// in-flight synthesis is interrupted best-effort via context cancellation.
func (m *Manager) Cancel(sess *Session) {
	sess.cancelPending()
	if sess.markEndQueued() {
		m.enqueueEnd(sess, true)
	}
	sess.stop()
	m.logger.Info("session cancelled", "session_id", sess.ID, "seq", sess.Seq())
}

// Destroy removes the session from the table and cancels its context. Safe
// to call more than once.
func (m *Manager) Destroy(sess *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[sess.ID]; ok && cur == sess {
		delete(m.sessions, sess.ID)
	}
	m.mu.Unlock()
	sess.stop()
}

// Start launches the TTL sweeper in the background; it runs until ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// sweep destroys every session idle past the TTL.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var expired []*Session
	for id, sess := range m.sessions {
		if now.Sub(sess.LastActivity()) > m.ttl {
			expired = append(expired, sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		sess.stop()
		m.logger.Info("session expired", "session_id", sess.ID, "ttl", m.ttl)
	}
}

// runLoop is the session's synth loop. Per iteration it pops one text unit
// and streams its audio into the send queue and the replay cache under the
// unit range [unit_index, unit_index+1). It exits after queueing the final
// tts_end, on cancellation, or after a failure.
func (m *Manager) runLoop(sess *Session) {
	for {
		if sess.Cancelled() || sess.ctx.Err() != nil {
			return
		}

		text, ok := sess.popText()
		if !ok {
			if sess.Finished() {
				if sess.markEndQueued() {
					m.enqueueEnd(sess, false)
				}
				return
			}
			select {
			case <-sess.kick:
			case <-sess.ctx.Done():
				return
			}
			continue
		}

		if !m.synthesizeUnit(sess, text) {
			return
		}
	}
}

// synthesizeUnit renders one text unit and queues its chunks. It reports
// false when the loop must stop: cancellation, backpressure teardown, or a
// synthesis failure.
func (m *Manager) synthesizeUnit(sess *Session, text string) bool {
	start, end := sess.unitRange()

	stream, err := m.engine.SynthesizePCM16Stream(sess.ctx, text, sess.Spec, tts.DefaultChunkBytes)
	if err != nil {
		if sess.Cancelled() || sess.ctx.Err() != nil {
			return false
		}
		m.failSession(sess, fmt.Errorf("synthesize unit %d: %w", start, err))
		return false
	}

	for pcm := range stream {
		frame, err := audioFrame(sess.ID, sess.Seq(), start, end, pcm)
		if err != nil {
			m.failSession(sess, err)
			return false
		}

		switch err := sess.tryEnqueueAudio(frame); {
		case err == nil:
			sess.cache.Add(CachedChunk{UnitStart: start, UnitEnd: end, Data: frame.data})
			if sess.markFirstAudio() {
				m.metrics.ObserveTTFA(time.Since(sess.CreatedAt).Seconds() * 1000)
			}
		case errors.Is(err, errSessionCancelled):
			return false
		case errors.Is(err, errQueueFull):
			m.overflow(sess)
			return false
		}
	}

	if sess.Cancelled() || sess.ctx.Err() != nil {
		// Interrupted mid-unit; the unit stays incomplete.
		return false
	}
	sess.advanceUnit()
	return true
}

// overflow tears a session down after its send queue crossed the
// backpressure watermark: the consumer is not keeping up.
func (m *Manager) overflow(sess *Session) {
	m.logger.Warn("send queue overflow, terminating session",
		"session_id", sess.ID, "watermark", sess.queueMax)
	m.metrics.Backpressure()

	frame, err := errorFrame(sess.ID, sess.Seq(), protocol.CodeBackpressure,
		fmt.Sprintf("send queue exceeded %d frames", sess.queueMax))
	if err == nil && !sess.tryEnqueueControl(frame) {
		m.logger.Warn("dropping backpressure error, send queue exhausted", "session_id", sess.ID)
	}
	m.Destroy(sess)
}

// failSession terminates a session after a synthesis failure: an
// internal_error frame followed by the final tts_end, then removal. The
// frames are queued before the session context ends so the writer still
// flushes them.
func (m *Manager) failSession(sess *Session, err error) {
	m.logger.Error("synthesis failed", "session_id", sess.ID, "err", err)

	frame, ferr := errorFrame(sess.ID, sess.Seq(), protocol.CodeInternalError, err.Error())
	if ferr == nil && !sess.tryEnqueueControl(frame) {
		m.logger.Warn("dropping internal_error frame, send queue exhausted", "session_id", sess.ID)
	}
	if sess.markEndQueued() {
		m.enqueueEnd(sess, false)
	}
	m.Destroy(sess)
}

// enqueueEnd queues the session's final tts_end frame.
func (m *Manager) enqueueEnd(sess *Session, cancelled bool) {
	frame, err := endFrame(sess.ID, sess.Seq(), cancelled)
	if err != nil {
		m.logger.Error("marshal tts_end", "session_id", sess.ID, "err", err)
		return
	}
	if !sess.tryEnqueueControl(frame) {
		m.logger.Warn("dropping tts_end frame, send queue exhausted", "session_id", sess.ID)
	}
}
