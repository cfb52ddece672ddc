package web

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/inercia/parley/internal/conversation"
	"github.com/inercia/parley/internal/guard"
	"github.com/inercia/parley/internal/protocol"
)

// Conn is one client connection to a conversation. It implements
// conversation.BatchObserver: envelopes are encoded with the negotiated codec
// and queued for the write pump without blocking. A replay is queued as one
// item and written at the pace of the socket.
type Conn struct {
	ws       *websocket.Conn
	codec    protocol.Codec
	cfg      SecurityConfig
	logger   *slog.Logger
	limiter  *rate.Limiter
	clientID string
	// offense reports client misbehavior; nil ignores it.
	offense func(guard.Offense)

	send      chan outFrame
	done      chan struct{}
	closeOnce sync.Once
}

var _ conversation.BatchObserver = (*Conn)(nil)

// outFrame is one queued item: an encoded envelope or a replay batch that the
// write pump encodes as it goes.
type outFrame struct {
	data  []byte
	batch []protocol.Envelope
}

func newConn(ws *websocket.Conn, codec protocol.Codec, cfg SecurityConfig, limiter *rate.Limiter, clientID string, logger *slog.Logger) *Conn {
	configureConn(ws, cfg)
	return &Conn{
		ws:       ws,
		codec:    codec,
		cfg:      cfg,
		logger:   logger,
		limiter:  limiter,
		clientID: clientID,
		send:     make(chan outFrame, cfg.SendBuffer),
		done:     make(chan struct{}),
	}
}

// Deliver implements conversation.Observer. A connection whose buffer is full
// is closed; the client reconnects and resumes from its checkpoint.
func (c *Conn) Deliver(env protocol.Envelope) bool {
	data, err := c.codec.Encode(env)
	if err != nil {
		c.logger.Error("failed to encode envelope", "type", env.Type, "sequence", env.Sequence, "error", err)
		return false
	}
	return c.enqueue(outFrame{data: data})
}

// DeliverBatch implements conversation.BatchObserver. The batch takes a single
// slot of the send buffer however long it is.
func (c *Conn) DeliverBatch(envs []protocol.Envelope) bool {
	if len(envs) == 0 {
		return true
	}
	return c.enqueue(outFrame{batch: envs})
}

func (c *Conn) enqueue(f outFrame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		c.logger.Warn("send buffer full, closing connection", "buffer", cap(c.send))
		c.Close()
		return false
	}
}

// Close stops the write pump and closes the socket. It is safe to call more
// than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed once the connection is shutting down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// writePump writes queued frames and pings until the connection closes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}
	for {
		select {
		case f := <-c.send:
			if err := c.write(frameType, f, ticker.C); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush(frameType)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			return
		}
	}
}

// errClosing stops a batch half way. Nothing queued behind it may be written
// after that, or the client would skip the unwritten part of the batch.
var errClosing = errors.New("connection closing")

// write sends one queued item. Batches are encoded one envelope at a time and
// keep the ping schedule while they drain.
func (c *Conn) write(frameType int, f outFrame, pings <-chan time.Time) error {
	if f.batch == nil {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
		return c.ws.WriteMessage(frameType, f.data)
	}
	for _, env := range f.batch {
		select {
		case <-c.done:
			return errClosing
		case <-pings:
			if err := c.ping(); err != nil {
				return err
			}
		default:
		}
		data, err := c.codec.Encode(env)
		if err != nil {
			c.logger.Error("failed to encode envelope", "type", env.Type, "sequence", env.Sequence, "error", err)
			continue
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
		if err := c.ws.WriteMessage(frameType, data); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) ping() error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

// flush writes the single frames still queued ahead of any batch, best
// effort. Stopping at a batch keeps the client's checkpoint gap-free; it
// resumes the rest after reconnecting.
func (c *Conn) flush(frameType int) {
	for {
		select {
		case f := <-c.send:
			if f.batch != nil {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(frameType, f.data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump decodes client frames one at a time and hands them to conv until
// the socket fails or the connection is closed.
func (c *Conn) readPump(ctx context.Context, conv *conversation.Conversation) {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("connection closed unexpectedly", "error", err)
			}
			return
		}

		env, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Debug("malformed envelope", "error", err)
			conv.ReportError(ctx, c.clientID, protocol.CodeMalformedEnvelope, err.Error(), "")
			c.report(guard.OffenseMalformed)
			continue
		}
		if !env.Type.FromClient() {
			conv.ReportError(ctx, c.clientID, protocol.CodeMalformedEnvelope, "not a client command", env.Type)
			c.report(guard.OffenseMalformed)
			continue
		}
		if env.Type != protocol.TypeHeartbeat && !c.limiter.Allow() {
			conv.ReportError(ctx, c.clientID, protocol.CodeRateLimited, "too many commands", env.Type)
			c.report(guard.OffenseRateLimited)
			continue
		}

		err = conv.HandleCommand(ctx, c.clientID, env)
		if errors.Is(err, conversation.ErrClosed) {
			return
		}
		if err != nil {
			c.logger.Debug("command rejected", "type", env.Type, "error", err)
		}
	}
}

func (c *Conn) report(o guard.Offense) {
	if c.offense != nil {
		c.offense(o)
	}
}
