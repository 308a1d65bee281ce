package main

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// frameHandler is invoked for each inbound client frame.
type frameHandler func(ctx context.Context, c *clientConn, frame []byte)

// closeHandler is invoked exactly once when the connection terminates.
type closeHandler func(c *clientConn, err error)

// clientConn is one authenticated websocket connection. Reads and writes
// run on their own goroutines; Send is safe for concurrent use.
type clientConn struct {
	id        uuid.UUID
	principal Principal
	ws        *websocket.Conn

	send        chan []byte
	readTimeout time.Duration

	onFrame frameHandler
	onClose closeHandler

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

func newClientConn(parent context.Context, ws *websocket.Conn, principal Principal, cfg Config, onFrame frameHandler, onClose closeHandler) *clientConn {
	id := uuid.New()
	ctx, cancel := context.WithCancel(parent)
	return &clientConn{
		id:          id,
		principal:   principal,
		ws:          ws,
		send:        make(chan []byte, cfg.SendQueueSize),
		readTimeout: cfg.ReadTimeout,
		onFrame:     onFrame,
		onClose:     onClose,
		ctx:         ctx,
		cancel:      cancel,
		logger: slog.Default().With(
			slog.String("connId", id.String()),
			slog.String("userId", principal.UserID),
		),
	}
}

func (c *clientConn) run() {
	go c.readPump()
	go c.writePump()
	c.logger.Debug("Connection active")
}

// readPump reads frames until the transport fails or the read deadline
// passes without traffic. The deadline exceeds the client heartbeat
// interval, so a healthy client never trips it.
func (c *clientConn) readPump() {
	var readErr error
	defer func() {
		c.close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.readTimeout)
		typ, r, err := c.ws.Reader(readCtx)
		if err != nil {
			cancelRead()
			readErr = err
			return
		}
		if typ != websocket.MessageText {
			cancelRead()
			continue
		}
		frame, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		c.onFrame(c.ctx, c, frame)
	}
}

func (c *clientConn) writePump() {
	var writeErr error
	defer func() {
		c.close(writeErr)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.ws.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := c.ws.Write(c.ctx, websocket.MessageText, frame); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.ws.Close(websocket.StatusGoingAway, "shutting down")
			return
		}
	}
}

// Send queues a frame for delivery. Frames to a closed or saturated
// connection are dropped; a client that cannot drain its queue is already
// on its way out via the read deadline.
func (c *clientConn) Send(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
	default:
		c.logger.Warn("Send queue full, dropping frame")
	}
}

// close tears the connection down exactly once and notifies the hub.
func (c *clientConn) close(err error) {
	c.closeOnce.Do(func() {
		c.cancel()
		c.ws.Close(websocket.StatusNormalClosure, "")
		c.logger.Debug("Connection closed", "reason", err)
		if c.onClose != nil {
			c.onClose(c, err)
		}
	})
}
