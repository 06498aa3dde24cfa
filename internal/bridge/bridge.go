package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrChannelLost is surfaced on Done() when the underlying connection could
// not be re-established within the bounded retry budget. It is terminal for
// the bridge instance only; the conversation itself is unaffected and a new
// bridge may be opened.
var ErrChannelLost = errors.New("channel lost: reconnect attempts exhausted")

// ErrBridgeClosed is returned by Send after Close.
var ErrBridgeClosed = errors.New("bridge closed")

const (
	defaultSubscriberBuffer = 256
	defaultReconnectBase    = 500 * time.Millisecond
	defaultReconnectCap     = 10 * time.Second
	defaultMaxReconnects    = 8
	defaultViolationLimit   = 32
	defaultCloseGrace       = 5 * time.Second
)

// Config holds bridge tuning. Zero values take the defaults above.
type Config struct {
	// AgentServerURL is the websocket endpoint of the agent process inside
	// the sandbox. http(s) schemes are rewritten to ws(s).
	AgentServerURL string

	Logger *slog.Logger
	Dialer *websocket.Dialer

	// SubscriberBuffer is the per-tag inbound queue capacity. When a
	// subscriber falls behind, the oldest frame for that tag is dropped;
	// other tags are never affected.
	SubscriberBuffer int

	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	MaxReconnects int

	// ViolationLimit is the number of malformed or unrecognized inbound
	// frames tolerated per underlying connection before it is force-closed.
	ViolationLimit int

	CloseGrace time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = defaultReconnectCap
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.ViolationLimit <= 0 {
		cfg.ViolationLimit = defaultViolationLimit
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = defaultCloseGrace
	}
	return cfg
}

// Bridge maintains one multiplexed connection between a client and the agent
// process. Inbound frames are demultiplexed by tag to per-tag subscriber
// channels in arrival order; outbound frames from multiple producers are
// serialized onto the connection with round-robin fairness across tags.
//
// gorilla/websocket does not support concurrent writes, so the write pump is
// the single writer for the underlying connection.
type Bridge struct {
	cfg     Config
	wsURL   string
	session *Session

	ctx    context.Context
	cancel context.CancelFunc

	subs map[Tag]chan Frame

	mu     sync.Mutex
	queues map[Tag][]Frame
	outSeq map[Tag]uint64
	closed bool

	notify chan struct{}

	done      chan struct{}
	doneErr   error
	closeOnce sync.Once
}

// Open dials the agent server and starts the bridge. The first dial is
// synchronous so callers learn immediately that the agent is unreachable;
// later drops go through the reconnect path instead.
func Open(ctx context.Context, cfg Config) (*Bridge, error) {
	c := cfg.withDefaults()
	wsURL, err := toWebsocketURL(c.AgentServerURL)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:     c,
		wsURL:   wsURL,
		session: NewSession(),
		ctx:     runCtx,
		cancel:  cancel,
		subs:    make(map[Tag]chan Frame, len(Tags)),
		queues:  make(map[Tag][]Frame, len(Tags)),
		outSeq:  make(map[Tag]uint64, len(Tags)),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, tag := range Tags {
		b.subs[tag] = make(chan Frame, c.SubscriberBuffer)
	}

	conn, _, err := c.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial agent server: %w", err)
	}

	go b.run(conn)
	return b, nil
}

func toWebsocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse agent server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported agent server scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Subscribe returns the receive channel for one logical stream. The channel
// is closed when the bridge finishes; check Err() then. Frames arrive in
// send order per tag.
func (b *Bridge) Subscribe(tag Tag) (<-chan Frame, error) {
	ch, ok := b.subs[tag]
	if !ok {
		return nil, fmt.Errorf("unknown tag %q", tag)
	}
	return ch, nil
}

// Send enqueues an outbound frame. The per-tag sequence number is assigned
// here, so concurrent producers on the same tag get distinct, ordered seqs.
// Frames survive reconnects: anything not yet written stays queued.
func (b *Bridge) Send(tag Tag, payload json.RawMessage) error {
	if !tag.Valid() {
		return fmt.Errorf("unknown tag %q", tag)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	b.outSeq[tag]++
	b.queues[tag] = append(b.queues[tag], Frame{Tag: tag, Seq: b.outSeq[tag], Payload: payload})
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Done is closed when the bridge has fully stopped, either via Close (Err
// returns nil) or after exhausting reconnects (Err returns ErrChannelLost).
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

func (b *Bridge) Err() error {
	select {
	case <-b.done:
		return b.doneErr
	default:
		return nil
	}
}

// SessionID identifies the ephemeral channel session for logging.
func (b *Bridge) SessionID() string {
	return b.session.ID
}

// Close stops both pumps cooperatively, force-closing the connection after
// the grace period, and discards the session state. Idempotent.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.cancel()
	})
	<-b.done
}

func (b *Bridge) run(conn *websocket.Conn) {
	for {
		err := b.serve(conn)
		if b.ctx.Err() != nil {
			b.finish(nil)
			return
		}
		b.cfg.Logger.Warn("agent connection lost, reconnecting",
			"session_id", b.session.ID, "error", err)

		conn = b.redial()
		if conn == nil {
			if b.ctx.Err() != nil {
				b.finish(nil)
			} else {
				b.finish(ErrChannelLost)
			}
			return
		}
		b.cfg.Logger.Info("agent connection re-established", "session_id", b.session.ID)
	}
}

func (b *Bridge) finish(err error) {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.doneErr = err
	for _, ch := range b.subs {
		close(ch)
	}
	close(b.done)
}

// serve runs one underlying connection to completion: resume handshake,
// then read and write pumps until either fails or the bridge is closed.
func (b *Bridge) serve(conn *websocket.Conn) error {
	defer conn.Close()

	if err := b.writeResume(conn); err != nil {
		return fmt.Errorf("resume handshake: %w", err)
	}

	errCh := make(chan error, 2)
	stop := make(chan struct{})
	go func() { errCh <- b.writePump(conn, stop) }()
	go func() { errCh <- b.readPump(conn) }()

	received := 0
	var err error
	select {
	case err = <-errCh:
		received++
	case <-b.ctx.Done():
		err = b.ctx.Err()
	}

	close(stop)
	conn.Close()

	// Both pumps must unwind before the next connection reuses the queues.
	// conn.Close above is the forcing function; the grace timer bounds it.
	grace := time.NewTimer(b.cfg.CloseGrace)
	defer grace.Stop()
	for received < 2 {
		select {
		case <-errCh:
			received++
		case <-grace.C:
			return err
		}
	}
	return err
}

func (b *Bridge) writeResume(conn *websocket.Conn) error {
	data, err := json.Marshal(resumeEnvelope{Resume: b.session.ResumePoints()})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (b *Bridge) writePump(conn *websocket.Conn, stop <-chan struct{}) error {
	cursor := 0
	for {
		frame, ok := b.nextOutbound(&cursor)
		if !ok {
			select {
			case <-b.notify:
				continue
			case <-stop:
				return nil
			case <-b.ctx.Done():
				return nil
			}
		}

		data, err := json.Marshal(envelope{Tag: frame.Tag, Seq: frame.Seq, Payload: frame.Payload})
		if err != nil {
			// Payload is raw JSON already; this only fires on invalid raw
			// bytes from a producer. Drop the frame, keep the stream alive.
			b.cfg.Logger.Warn("dropping unencodable outbound frame",
				"session_id", b.session.ID, "tag", frame.Tag, "seq", frame.Seq, "error", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.requeueFront(frame)
			return err
		}
	}
}

// nextOutbound pops the next frame round-robin across non-empty tag queues,
// so a chatty terminal producer cannot starve chat or status.
func (b *Bridge) nextOutbound(cursor *int) (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < len(Tags); i++ {
		idx := (*cursor + i) % len(Tags)
		tag := Tags[idx]
		q := b.queues[tag]
		if len(q) == 0 {
			continue
		}
		frame := q[0]
		b.queues[tag] = q[1:]
		*cursor = (idx + 1) % len(Tags)
		return frame, true
	}
	return Frame{}, false
}

// requeueFront puts a frame that failed to write back at the head of its
// queue, preserving per-tag order for the next connection. This is what
// gives the agent side at-least-once delivery across reconnects.
func (b *Bridge) requeueFront(frame Frame) {
	b.mu.Lock()
	b.queues[frame.Tag] = append([]Frame{frame}, b.queues[frame.Tag]...)
	b.mu.Unlock()
}

func (b *Bridge) readPump(conn *websocket.Conn) error {
	violations := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			violations++
			b.cfg.Logger.Warn("protocol violation, frame dropped",
				"session_id", b.session.ID, "violations", violations, "error", err)
			if violations > b.cfg.ViolationLimit {
				return fmt.Errorf("protocol violation limit exceeded (%d)", violations)
			}
			continue
		}
		if env.isResume() {
			// Agent-side resume requests are advisory; outbound queues
			// already retain unwritten frames.
			continue
		}

		frame := Frame{Tag: env.Tag, Seq: env.Seq, Payload: env.Payload}
		if !b.session.Admit(frame.Tag, frame.Seq) {
			b.cfg.Logger.Debug("duplicate frame discarded",
				"session_id", b.session.ID, "tag", frame.Tag, "seq", frame.Seq)
			continue
		}
		b.deliver(frame)
	}
}

// deliver hands a frame to the tag's subscriber channel without ever
// blocking: when the channel is full the oldest queued frame for that tag
// is evicted. Other tags are untouched, so one slow consumer cannot cause
// head-of-line blocking across streams.
func (b *Bridge) deliver(frame Frame) {
	ch := b.subs[frame.Tag]
	for {
		select {
		case ch <- frame:
			return
		default:
		}
		select {
		case dropped := <-ch:
			b.cfg.Logger.Warn("subscriber backlog full, dropping oldest frame",
				"session_id", b.session.ID, "tag", frame.Tag, "dropped_seq", dropped.Seq)
		default:
		}
	}
}

// redial attempts reconnection with exponential backoff and full jitter.
// Returns nil when the attempt budget is exhausted or the bridge is closed.
func (b *Bridge) redial() *websocket.Conn {
	for attempt := 1; attempt <= b.cfg.MaxReconnects; attempt++ {
		delay := b.backoffDelay(attempt)
		select {
		case <-time.After(delay):
		case <-b.ctx.Done():
			return nil
		}

		conn, _, err := b.cfg.Dialer.DialContext(b.ctx, b.wsURL, nil)
		if err == nil {
			return conn
		}
		b.cfg.Logger.Warn("reconnect attempt failed",
			"session_id", b.session.ID, "attempt", attempt, "error", err)
	}
	return nil
}

func (b *Bridge) backoffDelay(attempt int) time.Duration {
	ceiling := b.cfg.ReconnectBase << (attempt - 1)
	if ceiling > b.cfg.ReconnectCap || ceiling <= 0 {
		ceiling = b.cfg.ReconnectCap
	}
	// Full jitter: uniform in [0, ceiling].
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}
