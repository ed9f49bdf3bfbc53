package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/voxflow/pkg/audio"
	"github.com/MrWong99/voxflow/pkg/protocol"
)

// Errors reported by the session queue operations.
var (
	errSessionCancelled = errors.New("gateway: session cancelled")
	errTextAfterEnd     = errors.New("gateway: text_delta after text_end")
	errQueueFull        = errors.New("gateway: send queue full")
)

// outFrame is one marshalled frame awaiting the connection writer.
type outFrame struct {
	data []byte
	typ  string
	code protocol.ErrorCode // set for error frames
}

// endOfStream reports whether the writer closes the connection after sending
// this frame. The final tts_end always ends the stream; among error frames
// only backpressure is terminal on its own (bad_request closes through the
// direct send path, internal_error is followed by a tts_end, and
// resume_not_available leaves the session usable).
func (f outFrame) endOfStream() bool {
	switch f.typ {
	case protocol.TypeTTSEnd:
		return true
	case protocol.TypeError:
		return f.code == protocol.CodeBackpressure
	}
	return false
}

func audioFrame(sessionID string, seq, start, end int, pcm []byte) (outFrame, error) {
	msg := protocol.NewAudioChunk(sessionID, seq, start, end, base64.StdEncoding.EncodeToString(pcm))
	data, err := protocol.Marshal(msg)
	return outFrame{data: data, typ: protocol.TypeAudioChunk}, err
}

func endFrame(sessionID string, seq int, cancelled bool) (outFrame, error) {
	data, err := protocol.Marshal(protocol.NewTTSEnd(sessionID, seq, cancelled))
	return outFrame{data: data, typ: protocol.TypeTTSEnd}, err
}

func errorFrame(sessionID string, seq int, code protocol.ErrorCode, message string) (outFrame, error) {
	data, err := protocol.Marshal(protocol.NewError(sessionID, seq, code, message))
	return outFrame{data: data, typ: protocol.TypeError, code: code}, err
}

// Session is the server-side state of one synthesis stream. It outlives any
// single WebSocket connection: a client may drop, reconnect with the same
// session_id and the same audio spec, and resume from the replay cache. The
// manager destroys a session once its final tts_end is flushed, after a
// backpressure or synthesis failure, or when it idles past the TTL.
//
// All exported methods are safe for concurrent use.
type Session struct {
	// ID is the client-chosen session identifier.
	ID string

	// Spec is the audio contract fixed by the first start frame.
	Spec audio.Spec

	// CreatedAt anchors the time-to-first-audio measurement.
	CreatedAt time.Time

	// ctx spans the session's lifetime; stop cancels it to interrupt
	// in-flight synthesis and wake the synth loop.
	ctx  context.Context
	stop context.CancelFunc

	cache *ChunkCache

	// sendQueue feeds the connection writer. Its capacity leaves slack above
	// the backpressure watermark so terminal control frames still fit when
	// audio enqueueing is already refused.
	sendQueue chan outFrame
	queueMax  int

	// kick wakes the synth loop after a push, finish, or cancel.
	kick chan struct{}

	mu           sync.Mutex
	seq          int
	textUnits    []string
	finished     bool
	cancelled    bool
	unitIndex    int
	endQueued    bool
	loopStarted  bool
	firstAudio   bool
	lastActivity time.Time
}

func newSession(id string, spec audio.Spec, cacheSize, queueMax int) *Session {
	ctx, stop := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		ID:           id,
		Spec:         spec,
		CreatedAt:    now,
		ctx:          ctx,
		stop:         stop,
		cache:        NewChunkCache(cacheSize),
		sendQueue:    make(chan outFrame, queueMax+2),
		queueMax:     queueMax,
		kick:         make(chan struct{}, 1),
		lastActivity: now,
	}
}

// Touch refreshes the idle timestamp. Every inbound frame for the session
// counts as activity.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the idle timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ObserveSeq records the peer's sequence number. The echoed counter is
// monotonically non-decreasing, so stale values are ignored.
func (s *Session) ObserveSeq(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.seq {
		s.seq = n
	}
}

// Seq returns the sequence number echoed into outbound frames.
func (s *Session) Seq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// PushText appends one text unit to the synthesis queue. Pushes after
// text_end are a protocol violation; pushes after cancel are dropped since
// the stream is already terminating.
func (s *Session) PushText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return nil
	}
	if s.finished {
		return errTextAfterEnd
	}
	s.textUnits = append(s.textUnits, text)
	s.wake()
	return nil
}

// Finish marks the text stream complete. Once the queue drains, the synth
// loop emits the final tts_end.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	s.wake()
}

// Finished reports whether text_end was received.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Cancelled reports whether the session was cancelled.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// wake nudges the synth loop. Must be called with s.mu held.
func (s *Session) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// cancelPending flags the session cancelled and drops every text unit that
// has not begun synthesis.
func (s *Session) cancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	s.textUnits = nil
	s.wake()
}

// popText removes and returns the oldest pending text unit.
func (s *Session) popText() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.textUnits) == 0 {
		return "", false
	}
	text := s.textUnits[0]
	s.textUnits = s.textUnits[1:]
	return text, true
}

// unitRange returns the half-open unit range of the next synthesis.
func (s *Session) unitRange() (start, end int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unitIndex, s.unitIndex + 1
}

// advanceUnit moves the unit counter past a fully synthesized unit.
func (s *Session) advanceUnit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitIndex++
}

// tryEnqueueAudio queues an audio frame for the writer. It refuses once the
// session is cancelled, keeping the cancel tts_end the last frame of the
// stream, and reports errQueueFull at the backpressure watermark.
func (s *Session) tryEnqueueAudio(f outFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return errSessionCancelled
	}
	if len(s.sendQueue) >= s.queueMax {
		return errQueueFull
	}
	s.sendQueue <- f
	return nil
}

// tryEnqueueControl queues a terminal frame (tts_end or error) using the
// slack above the backpressure watermark. It reports false only when even
// the slack is exhausted.
func (s *Session) tryEnqueueControl(f outFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.sendQueue <- f:
		return true
	default:
		return false
	}
}

// markEndQueued claims the right to enqueue the session's single tts_end.
// Exactly one caller wins.
func (s *Session) markEndQueued() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endQueued {
		return false
	}
	s.endQueued = true
	return true
}

// markLoopStarted claims the right to run the session's single synth loop.
func (s *Session) markLoopStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopStarted {
		return false
	}
	s.loopStarted = true
	return true
}

// markFirstAudio claims the session's first emitted audio chunk, which
// anchors the TTFA sample.
func (s *Session) markFirstAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstAudio {
		return false
	}
	s.firstAudio = true
	return true
}

// pendingText returns the number of queued text units.
func (s *Session) pendingText() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.textUnits)
}
