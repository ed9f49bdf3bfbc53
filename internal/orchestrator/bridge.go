package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxflow/pkg/protocol"
)

const (
	bridgePingInterval = 20 * time.Second
	bridgeWriteTimeout = 10 * time.Second

	// unitQueueSize bounds text units queued toward the gateway while the
	// sender is busy. The segmenter produces units far slower than the
	// sender drains them, so the queue only fills if the gateway stalls.
	unitQueueSize = 1024
)

// BridgeConfig wires a Bridge to one TTS gateway session.
type BridgeConfig struct {
	// URL is the gateway's /tts websocket endpoint.
	URL string

	// APIKey, when set, is sent as a Bearer token on the dial request.
	APIKey string

	// Start is the session-open frame sent first on the connection. Its
	// session ID tags every frame the bridge sends afterwards.
	Start protocol.Start

	// Relay receives every frame the gateway sends, verbatim. The chat
	// server forwards these bytes to the browser client unchanged so the
	// client sees the same audio protocol a direct gateway client would.
	Relay func(raw []byte) error

	Logger *slog.Logger
}

// Bridge maintains the orchestrator side of a gateway session: it streams
// text units in, relays audio frames out, and translates a chat-level stop
// into a gateway cancel. One Bridge serves one chat.
type Bridge struct {
	url    string
	apiKey string
	start  protocol.Start
	relay  func(raw []byte) error
	logger *slog.Logger

	conn   *websocket.Conn
	sendMu sync.Mutex

	units      chan string
	finish     chan struct{}
	finishOnce sync.Once
	cancelled  chan struct{}
	cancelOnce sync.Once
}

// NewBridge builds a bridge. Run must be called to connect it.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		url:       cfg.URL,
		apiKey:    cfg.APIKey,
		start:     cfg.Start,
		relay:     cfg.Relay,
		logger:    logger.With("component", "tts_bridge", "session_id", cfg.Start.SessionID),
		units:     make(chan string, unitQueueSize),
		finish:    make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

// Push queues one text unit for synthesis. It blocks only when the unit
// queue is full, and gives up when ctx ends.
func (b *Bridge) Push(ctx context.Context, unit string) error {
	select {
	case b.units <- unit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish marks the text stream complete. The sender drains queued units and
// follows them with text_end. Safe to call more than once.
func (b *Bridge) Finish() {
	b.finishOnce.Do(func() { close(b.finish) })
}

// CancelTTS aborts the gateway session. Queued units are dropped and a
// cancel frame is sent; the gateway answers with tts_end cancelled=true.
// Safe to call more than once, including after Finish.
func (b *Bridge) CancelTTS() {
	b.cancelOnce.Do(func() { close(b.cancelled) })
}

// Run dials the gateway and pumps frames both ways until the gateway ends
// the stream or ctx is cancelled. A non-nil return always means the send
// path failed (dial or frame write); the audio stream ending early, cleanly
// or not, returns nil.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var opts *websocket.DialOptions
	if b.apiKey != "" {
		opts = &websocket.DialOptions{
			HTTPHeader: http.Header{
				"Authorization": []string{"Bearer " + b.apiKey},
			},
		}
	}
	conn, _, err := websocket.Dial(ctx, b.url, opts)
	if err != nil {
		return fmt.Errorf("orchestrator: dial tts gateway: %w", err)
	}
	b.conn = conn
	defer conn.Close(websocket.StatusNormalClosure, "bridge done")

	if err := b.send(ctx, b.start); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A sender failure must unblock the reader too; errgroup only
		// cancels ctx once Wait observes the error.
		if err := b.sender(ctx); err != nil {
			stop()
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer stop()
		return b.reader(ctx)
	})
	g.Go(func() error {
		return b.pingLoop(ctx)
	})
	return g.Wait()
}

// sender forwards text units as text_delta frames and closes the stream
// with text_end or cancel. Seq starts at 1; the start frame carries none.
func (b *Bridge) sender(ctx context.Context) error {
	seq := 1
	for {
		// A pending cancel outranks queued text.
		select {
		case <-b.cancelled:
			return b.send(ctx, protocol.Cancel{Type: protocol.TypeCancel, SessionID: b.start.SessionID, Seq: seq})
		default:
		}

		select {
		case unit := <-b.units:
			if err := b.send(ctx, protocol.TextDelta{Type: protocol.TypeTextDelta, SessionID: b.start.SessionID, Seq: seq, Text: unit}); err != nil {
				return err
			}
			seq++
		case <-b.finish:
			// Drain units queued before Finish, then close the stream.
			for done := false; !done; {
				select {
				case unit := <-b.units:
					if err := b.send(ctx, protocol.TextDelta{Type: protocol.TypeTextDelta, SessionID: b.start.SessionID, Seq: seq, Text: unit}); err != nil {
						return err
					}
					seq++
				case <-b.cancelled:
					return b.send(ctx, protocol.Cancel{Type: protocol.TypeCancel, SessionID: b.start.SessionID, Seq: seq})
				default:
					if err := b.send(ctx, protocol.TextEnd{Type: protocol.TypeTextEnd, SessionID: b.start.SessionID, Seq: seq}); err != nil {
						return err
					}
					seq++
					done = true
				}
			}
			// The gateway keeps synthesizing after text_end. Stay parked
			// so a late stop still turns into a cancel frame.
			select {
			case <-b.cancelled:
				return b.send(ctx, protocol.Cancel{Type: protocol.TypeCancel, SessionID: b.start.SessionID, Seq: seq})
			case <-ctx.Done():
				return nil
			}
		case <-b.cancelled:
			return b.send(ctx, protocol.Cancel{Type: protocol.TypeCancel, SessionID: b.start.SessionID, Seq: seq})
		case <-ctx.Done():
			return nil
		}
	}
}

// reader relays every gateway frame to the chat client and exits once the
// stream is over. tts_end and error are both terminal on the gateway side.
// Read failures end the bridge without an error: the gateway session
// survives on its own TTL, and only send failures abort the chat.
func (b *Bridge) reader(ctx context.Context) error {
	for {
		_, raw, err := b.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("Gateway stream ended without terminal frame", "error", err)
			}
			return nil
		}
		if err := b.relay(raw); err != nil {
			b.logger.Warn("Audio relay stopped", "error", err)
			return nil
		}
		typ, err := protocol.PeekType(raw)
		if err != nil {
			b.logger.Warn("Unparseable gateway frame relayed", "error", err)
			continue
		}
		if typ == protocol.TypeTTSEnd || typ == protocol.TypeError {
			return nil
		}
	}
}

func (b *Bridge) send(ctx context.Context, v any) error {
	data, err := protocol.Marshal(v)
	if err != nil {
		return fmt.Errorf("orchestrator: encode gateway frame: %w", err)
	}
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, bridgeWriteTimeout)
	defer cancel()
	if err := b.conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("orchestrator: send to tts gateway: %w", err)
	}
	return nil
}

func (b *Bridge) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(bridgePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.conn.Ping(ctx); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}
