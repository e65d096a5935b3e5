package gateway

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harborline/chatgate/internal/registry"
)

const (
	pongWait      = 60 * time.Second
	pingInterval  = 54 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256
)

// Client owns one WebSocket connection: the socket, its buffered outbound
// channel, and the read/write pumps. It implements registry.Sink so the
// broadcast engine can deliver to it without knowing about sockets.
type Client struct {
	gw   *Gateway
	conn *websocket.Conn
	meta *registry.Connection

	id   uuid.UUID
	addr string
	log  zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// newClient builds the socket wrapper. The registry entry is attached by the
// caller after registration, since registering requires the client as sink.
func newClient(gw *Gateway, conn *websocket.Conn, id uuid.UUID, addr string) *Client {
	return &Client{
		gw:   gw,
		conn: conn,
		id:   id,
		addr: addr,
		log:  gw.log.With().Stringer("conn_id", id).Str("addr", addr).Logger(),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues a payload for the write pump. It never blocks: a full buffer or
// a closed connection reports false and the caller decides what to do.
func (c *Client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close tears the socket down. Safe to call from any goroutine, repeatedly.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("error closing connection")
		}
	})
}

// run starts both pumps and blocks until the read pump exits.
func (c *Client) run() {
	go c.writePump()
	c.readPump()
}

func (c *Client) setupReadConnection() {
	c.conn.SetReadLimit(c.gw.cfg.MaxMessageSize + maxEnvelopeOverhead)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// readPump consumes inbound frames until the socket dies, then synchronously
// removes the connection from all local indices so no further writes target
// a dead socket.
func (c *Client) readPump() {
	defer func() {
		c.gw.teardown(c)
		c.Close()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.meta.Touch()
		c.gw.handleInbound(c, raw)
	}
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.gw.cfg.MaxMessageSize).Msg("frame exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure),
		errors.Is(err, io.EOF),
		isExpectedCloseError(err):
		c.log.Debug().Err(err).Msg("client disconnected")
	default:
		c.log.Warn().Err(err).Msg("websocket read error")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if !c.writeFrame(payload) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

// writeFrame writes the payload and coalesces anything else already queued
// into the same websocket frame, newline-separated.
func (c *Client) writeFrame(payload []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return false
	}

	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return false
	}
	if _, err := w.Write(payload); err != nil {
		return false
	}

	queued := len(c.send)
	for i := 0; i < queued; i++ {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return false
		}
		if _, err := w.Write(<-c.send); err != nil {
			return false
		}
	}
	return w.Close() == nil
}

func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return false
	}
	return c.conn.WriteMessage(websocket.PingMessage, nil) == nil
}

// isExpectedCloseError checks for the error strings every closing socket
// produces.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}
