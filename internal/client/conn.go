package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/inercia/parley/internal/logging"
	"github.com/inercia/parley/internal/protocol"
)

var (
	// ErrProtocolUnsupported is returned when the server selects none of the
	// offered subprotocols. The connection is not retried.
	ErrProtocolUnsupported = errors.New("server does not support the conversation protocol")
	// ErrConnClosed is returned by Send after Close.
	ErrConnClosed = errors.New("connection closed")
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBackoffMin        = 500 * time.Millisecond
	DefaultBackoffMax        = 30 * time.Second

	// watchdogFactor is the number of heartbeat intervals without inbound
	// traffic after which the socket is torn down.
	watchdogFactor = 3
	writeWait      = 10 * time.Second
)

// Status is the connectivity of a Conn.
type Status string

const (
	// StatusIdle is a Conn that has not been started.
	StatusIdle Status = "idle"
	// StatusConnecting is the first dial.
	StatusConnecting Status = "connecting"
	// StatusConnected is a socket the server has greeted.
	StatusConnected Status = "connected"
	// StatusReconnecting covers the backoff after a lost socket and the
	// dials that follow it.
	StatusReconnecting Status = "reconnecting"
	// StatusClosed is final: Close was called, the context ended or the
	// server does not speak the protocol.
	StatusClosed Status = "closed"
)

// ConnConfig configures a Conn.
type ConnConfig struct {
	// BaseURL is the http(s) address of the server.
	BaseURL        string
	ConversationID string
	ClientID       string
	// TaskID links a new conversation to a task.
	TaskID string
	// Subprotocols are offered in order; defaults to protocol.Subprotocols.
	Subprotocols      []string
	HeartbeatInterval time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration

	// Checkpoint returns the last applied sequence, sent on every connect.
	Checkpoint func() int64
	// Handle is called for each decoded envelope, one at a time.
	Handle func(protocol.Envelope)
	// OnStatus is called on connectivity changes.
	OnStatus func(Status, error)

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

type outbound struct {
	typ     protocol.Type
	payload json.RawMessage
	// key names the ack that settles the command; empty for commands that
	// are done once written.
	key string
}

// Conn keeps a WebSocket to one conversation open. Outbound commands are
// queued and written in FIFO order once the server has greeted the current
// socket with session.connected or session.resumed. Messages and answers stay
// in flight until the server acknowledges them and are written again, ahead of
// newer commands, on the next socket.
type Conn struct {
	cfg    ConnConfig
	logger *slog.Logger

	mu       sync.Mutex
	pending  []outbound
	inflight []outbound
	ready    bool
	closed   bool
	state    Status
	cancel   context.CancelFunc
	kick     chan struct{}
}

// NewConn creates a connection manager. Nothing is dialed until Run.
func NewConn(cfg ConnConfig) *Conn {
	if len(cfg.Subprotocols) == 0 {
		cfg.Subprotocols = protocol.Subprotocols
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = DefaultBackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = max(DefaultBackoffMax, cfg.BackoffMin)
	}
	if cfg.Checkpoint == nil {
		cfg.Checkpoint = func() int64 { return 0 }
	}
	if cfg.Handle == nil {
		cfg.Handle = func(protocol.Envelope) {}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Client()
	}
	return &Conn{
		cfg:    cfg,
		logger: logging.WithConversation(cfg.Logger, cfg.ConversationID, cfg.ClientID),
		state:  StatusIdle,
		kick:   make(chan struct{}, 1),
	}
}

// ackKey names the acknowledgment a command waits for. Interrupts are not
// retried: a late one could cancel a newer turn.
func ackKey(typ protocol.Type, payload any) string {
	switch p := payload.(type) {
	case protocol.UserMessagePayload:
		if p.TempID != "" {
			return "message:" + p.TempID
		}
	case protocol.InputResponsePayload:
		return "answer:" + p.QuestionID
	}
	return ""
}

// settledKey returns the key of the command env acknowledges or rejects.
func settledKey(env protocol.Envelope) string {
	if env.Type == protocol.TypeMessageReplay {
		inner, err := protocol.Unwrap(env)
		if err != nil {
			return ""
		}
		env = inner
	}
	switch env.Type {
	case protocol.TypeUserMessageAck:
		var p protocol.MessageAckPayload
		if env.DecodePayload(&p) == nil && p.TempID != "" {
			return "message:" + p.TempID
		}
	case protocol.TypeInputResponseAck:
		var p protocol.InputResponseAckPayload
		if env.DecodePayload(&p) == nil {
			return "answer:" + p.QuestionID
		}
	case protocol.TypeSessionError:
		var p protocol.ErrorPayload
		if env.DecodePayload(&p) != nil {
			return ""
		}
		switch {
		case p.TempID != "":
			return "message:" + p.TempID
		case p.QuestionID != "" && p.RefType == protocol.TypeInputResponse:
			return "answer:" + p.QuestionID
		}
	}
	return ""
}

// Send queues a command. It is written when a socket is ready, after every
// command queued before it.
func (c *Conn) Send(typ protocol.Type, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.pending = append(c.pending, outbound{typ: typ, payload: raw, key: ackKey(typ, payload)})
	c.mu.Unlock()
	c.signal()
	return nil
}

// Pending returns the number of commands not yet written or written but not
// yet acknowledged.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) + len(c.inflight)
}

// Status returns the current connectivity.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close makes Send fail and stops Run, closing the current socket. It is
// safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.status(StatusClosed, nil)
}

// settle drops the command with key from the outbox once the server has
// answered it.
func (c *Conn) settle(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	drop := func(q []outbound) []outbound {
		return slices.DeleteFunc(q, func(o outbound) bool { return o.key == key })
	}
	c.inflight = drop(c.inflight)
	c.pending = drop(c.pending)
}

// requeue puts unacknowledged commands back at the head of the queue, in the
// order they were first written.
func (c *Conn) requeue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inflight) == 0 {
		return
	}
	c.logger.Debug("resending unacknowledged commands", "count", len(c.inflight))
	c.pending = append(c.inflight, c.pending...)
	c.inflight = nil
}

func (c *Conn) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// status records s and reports it. Closed is final; reconnecting is reported
// on every failure so each error is seen.
func (c *Conn) status(s Status, err error) {
	c.mu.Lock()
	prev := c.state
	if prev == StatusClosed || (prev == s && s != StatusReconnecting) {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(s, err)
	}
}

// Run connects and reconnects until ctx is cancelled, Close is called or the
// server turns out not to speak the protocol. It returns nil after Close.
func (c *Conn) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.BackoffMin,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         c.cfg.BackoffMax,
	}
	b.Reset()

	c.status(StatusConnecting, nil)
	for {
		greeted, err := c.connect(runCtx)
		if runCtx.Err() != nil {
			return c.stop(ctx)
		}
		if errors.Is(err, ErrProtocolUnsupported) {
			c.status(StatusClosed, err)
			return err
		}
		if greeted {
			b.Reset()
		}
		c.status(StatusReconnecting, err)

		wait := b.NextBackOff()
		c.logger.Debug("reconnecting", "in", wait, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-runCtx.Done():
			t.Stop()
			return c.stop(ctx)
		case <-t.C:
		}
	}
}

func (c *Conn) stop(parent context.Context) error {
	c.status(StatusClosed, nil)
	if err := parent.Err(); err != nil {
		return err
	}
	return nil
}

// connect runs one socket until it fails. greeted reports whether the server
// sent its greeting on it.
func (c *Conn) connect(ctx context.Context) (greeted bool, err error) {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	if last := c.cfg.Checkpoint(); last > 0 {
		q.Set("last_sequence", strconv.FormatInt(last, 10))
	}
	if c.cfg.TaskID != "" {
		q.Set("task_id", c.cfg.TaskID)
	}
	target, err := wsURL(c.cfg.BaseURL, c.cfg.ConversationID, q)
	if err != nil {
		return false, err
	}

	dialer := *c.cfg.Dialer
	dialer.Subprotocols = c.cfg.Subprotocols
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	selected := ws.Subprotocol()
	if !slices.Contains(c.cfg.Subprotocols, selected) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "unsupported subprotocol"),
			time.Now().Add(writeWait))
		return false, fmt.Errorf("%w: selected %q", ErrProtocolUnsupported, selected)
	}
	codec, _ := protocol.CodecFor(selected)
	c.logger.Debug("connected", "codec", codec.Name(), "last_sequence", q.Get("last_sequence"))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
	c.requeue()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- c.writeLoop(connCtx, ws, codec)
		// unblock the reader
		_ = ws.Close()
	}()

	greeted, err = c.readLoop(ws, codec)
	cancel()
	if werr := <-writeErr; werr != nil && err == nil {
		err = werr
	}
	return greeted, err
}

func (c *Conn) readLoop(ws *websocket.Conn, codec protocol.Codec) (greeted bool, err error) {
	watchdog := watchdogFactor * c.cfg.HeartbeatInterval
	for {
		_ = ws.SetReadDeadline(time.Now().Add(watchdog))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return greeted, fmt.Errorf("read: %w", err)
		}
		env, err := codec.Decode(data)
		if err != nil {
			c.logger.Warn("envelope dropped", "error", err)
			continue
		}
		switch env.Type {
		case protocol.TypeSessionConnected, protocol.TypeSessionResumed:
			if !greeted {
				greeted = true
				c.status(StatusConnected, nil)
			}
		}
		c.settle(settledKey(env))
		c.cfg.Handle(env)
		if env.Type == protocol.TypeSessionState && greeted {
			// the greeting is complete once the state follows it
			c.mu.Lock()
			wasReady := c.ready
			c.ready = true
			c.mu.Unlock()
			if !wasReady {
				c.signal()
			}
		}
	}
}

// writeLoop owns every write to ws: queued commands and heartbeats.
func (c *Conn) writeLoop(ctx context.Context, ws *websocket.Conn, codec protocol.Codec) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	frameType := websocket.TextMessage
	if codec.Binary() {
		frameType = websocket.BinaryMessage
	}
	var seq int64
	write := func(typ protocol.Type, payload json.RawMessage) error {
		seq++
		env := protocol.Envelope{
			Type:           typ,
			ConversationID: c.cfg.ConversationID,
			Sequence:       seq,
			Timestamp:      time.Now().UTC(),
			TraceID:        protocol.NewTraceID(),
			Payload:        payload,
		}
		data, err := codec.Encode(env)
		if err != nil {
			return fmt.Errorf("encode %s: %w", typ, err)
		}
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(frameType, data); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil
		case <-ticker.C:
			if err := write(protocol.TypeHeartbeat, json.RawMessage("{}")); err != nil {
				return err
			}
		case <-c.kick:
			if err := c.flush(write); err != nil {
				return err
			}
		}
	}
}

// flush writes queued commands in order while the socket is ready. A command
// leaves the queue only once written; one that waits for an ack moves to the
// in-flight list.
func (c *Conn) flush(write func(protocol.Type, json.RawMessage) error) error {
	for {
		c.mu.Lock()
		if !c.ready || len(c.pending) == 0 {
			c.mu.Unlock()
			return nil
		}
		next := c.pending[0]
		c.mu.Unlock()

		if err := write(next.typ, next.payload); err != nil {
			return err
		}

		c.mu.Lock()
		// settle may have removed it while it was being written
		if len(c.pending) > 0 && c.pending[0].key == next.key && c.pending[0].typ == next.typ {
			c.pending = c.pending[1:]
			if next.key != "" {
				c.inflight = append(c.inflight, next)
			}
		}
		c.mu.Unlock()
	}
}
