package battle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoSession rejects opening a channel without a session id.
	ErrNoSession = errors.New("battle: no session id")
	// ErrNoChannel means an outbound operation ran with no live connection.
	ErrNoChannel = errors.New("battle: no channel")
	// ErrAckTimeout means the server never acknowledged a request.
	ErrAckTimeout = errors.New("battle: ack timeout")
	// ErrSubmitRejected means the server refused an answer submission.
	ErrSubmitRejected = errors.New("battle: answer submit rejected")
)

const (
	joinMaxAttempts = 3
	dialAttempts    = 3
	dialRetryDelay  = time.Second
	pingInterval    = 25 * time.Second
	maxPlayerIDLen  = 40
)

// Identity supplies credentials for the channel handshake. Adopt is the
// single mutation point for the canonical player id, invoked only from the
// join-ack handler.
type Identity interface {
	PlayerID() string
	Token() string
	Adopt(playerID string)
}

// Options configures one channel for a (sessionId, roomCode) pair.
type Options struct {
	SessionID string
	RoomCode  string

	// ConnectDelay staggers host vs guest connects so the guest cannot join
	// before the host's room listener is registered server-side.
	ConnectDelay     time.Duration
	JoinInitialDelay time.Duration
	JoinRetryDelay   time.Duration
	ShouldJoin       bool

	DialTimeout time.Duration
	AckTimeout  time.Duration
}

func (o *Options) fillDefaults() {
	if o.JoinInitialDelay == 0 {
		o.JoinInitialDelay = 300 * time.Millisecond
	}
	if o.JoinRetryDelay == 0 {
		o.JoinRetryDelay = 400 * time.Millisecond
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.AckTimeout == 0 {
		o.AckTimeout = 5 * time.Second
	}
}

// Channel owns one realtime connection per (sessionId, roomCode) pair: the
// connect/join lifecycle, the reader and writer loops, ack correlation for
// request-style operations, and teardown. Inbound events are folded into its
// State; transport and join failures are logged, never thrown — only
// SubmitAnswer surfaces an error to its caller.
type Channel struct {
	opts  Options
	wsURL string
	id    Identity
	log   *slog.Logger

	state   *State
	pending *Pending

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64
	acks   map[int64]chan json.RawMessage

	out chan []byte

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// Open starts the channel lifecycle: wait ConnectDelay, dial with bounded
// attempts, run the loops, and (when ShouldJoin) run the join handshake. It
// returns immediately; connection progress is observable through View().
func Open(ctx context.Context, wsURL string, id Identity, opts Options, log *slog.Logger) (*Channel, error) {
	if opts.SessionID == "" {
		return nil, ErrNoSession
	}
	if log == nil {
		log = slog.Default()
	}
	opts.fillDefaults()

	pending := NewPending()
	c := &Channel{
		opts:    opts,
		wsURL:   wsURL,
		id:      id,
		log:     log.With("sessionId", opts.SessionID),
		pending: pending,
		state:   NewState(id.PlayerID, pending, log),
		acks:    make(map[int64]chan json.RawMessage),
		out:     make(chan []byte, 64),
		done:    make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return c, nil
}

// View returns the current projected state.
func (c *Channel) View() View { return c.state.View() }

// State exposes the reconciliation store.
func (c *Channel) State() *State { return c.state }

// Pending exposes the pending-write correlator; callers record submitted text
// there before awaiting SubmitAnswer.
func (c *Channel) Pending() *Pending { return c.pending }

// Done closes when the channel has fully torn down.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Close cancels timers and in-flight waits, closes the transport, and resets
// all derived state. Safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(c.cancel)
	<-c.done
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer c.teardown()

	if c.opts.ConnectDelay > 0 {
		t := time.NewTimer(c.opts.ConnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.log.Warn("battle channel connect failed", "err", err)
		}
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.state.SetConnected(true)
	c.log.Debug("battle channel connected")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// unblock the reader when the lifecycle ends
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	g.Go(func() error { return c.readLoop(conn) })
	g.Go(func() error {
		c.writeLoop(gctx, conn)
		return nil
	})
	if c.opts.ShouldJoin {
		g.Go(func() error {
			c.join(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.log.Warn("battle channel disconnected", "err", err)
		}
	}
}

// dial opens the socket with the handshake parameters the server expects:
// sessionId in the query plus the guest token and player id.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("ws url: %w", err)
	}
	q := u.Query()
	q.Set("sessionId", c.opts.SessionID)
	if tok := c.id.Token(); tok != "" {
		q.Set("token", tok)
	}
	if pid := safePlayerID(c.id.PlayerID()); pid != "" {
		q.Set("playerId", pid)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}

	var conn *websocket.Conn
	backoff := retry.WithMaxRetries(dialAttempts-1, retry.NewConstant(dialRetryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		ws, resp, derr := dialer.DialContext(ctx, u.String(), nil)
		if derr != nil {
			if resp != nil {
				derr = fmt.Errorf("%w (status %d)", derr, resp.StatusCode)
			}
			return retry.RetryableError(derr)
		}
		conn = ws
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func safePlayerID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > maxPlayerIDLen {
		id = id[:maxPlayerIDLen]
	}
	return id
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debug("unreadable frame dropped", "err", err)
			continue
		}

		if env.Type == evtAck {
			c.resolveAck(env.ID, env.Payload)
			continue
		}

		ev, ok := Normalize(env)
		if !ok {
			c.log.Debug("unknown event dropped", "type", env.Type)
			continue
		}
		c.state.Apply(ev)
	}
}

func (c *Channel) writeLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.out:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.WriteMessage(websocket.PingMessage, []byte{})
		}
	}
}

type joinPayload struct {
	SessionID string `json:"sessionId"`
	RoomCode  string `json:"roomCode,omitempty"`
	PlayerID  string `json:"playerId"`
}

type joinAck struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message"`
	PlayerID string `json:"playerId"`
	You      *struct {
		PlayerID string `json:"playerId"`
	} `json:"you"`
}

func (a joinAck) canonicalID() string {
	if a.You != nil && a.You.PlayerID != "" {
		return a.You.PlayerID
	}
	return a.PlayerID
}

// join runs the handshake: first attempt after JoinInitialDelay, then up to
// joinMaxAttempts total with JoinRetryDelay between them. A successful ack may
// carry the canonical player id, which is adopted and persisted. Exhaustion is
// silent at this layer; the presentation layer times out on its own.
func (c *Channel) join(ctx context.Context) {
	t := time.NewTimer(c.opts.JoinInitialDelay)
	select {
	case <-ctx.Done():
		t.Stop()
		return
	case <-t.C:
	}

	attempt := 0
	backoff := retry.WithMaxRetries(joinMaxAttempts-1, retry.NewConstant(c.opts.JoinRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		payload := joinPayload{
			SessionID: c.opts.SessionID,
			RoomCode:  c.opts.RoomCode,
			PlayerID:  safePlayerID(c.id.PlayerID()),
		}

		raw, err := c.request(ctx, opJoin, payload)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("attempt %d: %w", attempt, err))
		}

		var ack joinAck
		_ = json.Unmarshal(raw, &ack)
		if !ack.OK {
			msg := ack.Message
			if msg == "" {
				msg = "join rejected"
			}
			return retry.RetryableError(fmt.Errorf("attempt %d: %s", attempt, msg))
		}

		if pid := ack.canonicalID(); pid != "" {
			c.id.Adopt(pid)
		}
		c.log.Debug("battle join acknowledged", "playerId", c.id.PlayerID(), "attempt", attempt)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("battle join gave up", "attempts", attempt, "err", err)
	}
}

type typingPayload struct {
	SessionID string `json:"sessionId"`
	RoomCode  string `json:"roomCode,omitempty"`
	Round     int    `json:"round"`
	Text      string `json:"text"`
	Cursor    *int   `json:"cursor,omitempty"`
}

// TypingRequest is one outbound keystroke preview.
type TypingRequest struct {
	Round  int
	Text   string
	Cursor *int
}

// SendTyping emits a fire-and-forget typing preview and applies it to the
// local snapshot optimistically, without waiting for the echo.
func (c *Channel) SendTyping(req TypingRequest) {
	c.mu.Lock()
	ready := c.conn != nil
	c.mu.Unlock()
	if !ready {
		return
	}

	env := Envelope{Type: opTyping, Payload: mustJSON(typingPayload{
		SessionID: c.opts.SessionID,
		RoomCode:  c.opts.RoomCode,
		Round:     req.Round,
		Text:      req.Text,
		Cursor:    req.Cursor,
	})}
	b, _ := json.Marshal(env)
	select {
	case c.out <- b:
	default:
		c.log.Debug("typing preview dropped, send buffer full")
	}

	c.state.SetLocalTyping(c.id.PlayerID(), req.Text)
}

type answerPayload struct {
	SessionID  string `json:"sessionId"`
	RoomCode   string `json:"roomCode,omitempty"`
	Round      int    `json:"round"`
	AnswerText string `json:"answerText"`
}

// SubmitAnswer sends an answer and waits for the server acknowledgment. The
// caller records the text into Pending() before awaiting this call, so a
// judgment racing ahead of the ack still attributes correctly.
func (c *Channel) SubmitAnswer(ctx context.Context, round int, answerText string) error {
	raw, err := c.request(ctx, opAnswerSubmit, answerPayload{
		SessionID:  c.opts.SessionID,
		RoomCode:   c.opts.RoomCode,
		Round:      round,
		AnswerText: answerText,
	})
	if err != nil {
		return fmt.Errorf("submit answer: %w", err)
	}

	var ack struct {
		OK      bool   `json:"ok"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &ack)
	if !ack.OK {
		if ack.Message != "" {
			return fmt.Errorf("%w: %s", ErrSubmitRejected, ack.Message)
		}
		return ErrSubmitRejected
	}
	return nil
}

// request emits an envelope with a correlation id and waits for the matching
// ack, bounded by AckTimeout.
func (c *Channel) request(ctx context.Context, op string, payload any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNoChannel
	}
	c.nextID++
	id := c.nextID
	ch := make(chan json.RawMessage, 1)
	c.acks[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.acks, id)
		c.mu.Unlock()
	}()

	env := Envelope{Type: op, ID: id, Payload: mustJSON(payload)}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op, err)
	}
	select {
	case c.out <- b:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case raw := <-ch:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrAckTimeout, op)
	}
}

func (c *Channel) resolveAck(id int64, payload json.RawMessage) {
	c.mu.Lock()
	ch, ok := c.acks[id]
	if ok {
		delete(c.acks, id)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("late ack dropped", "id", id)
		return
	}
	ch <- payload
}

func (c *Channel) teardown() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.acks = make(map[int64]chan json.RawMessage)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.state.Reset()
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
