package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 1 << 20 // 1 MiB
	sendBufferSize = 256
)

// Client is one WebSocket connection. Outbound frames are serialized
// through a buffered channel drained by a single writer goroutine, so
// per-session delivery order matches enqueue order.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan *protocol.Frame

	mu        sync.Mutex
	sessionID string
	channel   string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan *protocol.Frame, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// SessionID returns the session bound at connect, "" before that.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Channel returns the connection channel bound at connect.
func (c *Client) Channel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

func (c *Client) bind(sessionID, channel string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.channel = channel
	c.mu.Unlock()
}

// Send enqueues a frame for delivery. Frames are dropped with a log line
// when the client cannot keep up; the connection is closed in that case
// so the client reconnects to a clean stream.
func (c *Client) Send(f *protocol.Frame) {
	select {
	case <-c.closed:
	case c.send <- f:
	default:
		slog.Warn("client send queue full, closing", "client", c.id)
		c.Close()
	}
}

// Close tears the connection down exactly once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Run drives both pumps and returns when the connection dies.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

// readPump reads frames until error or close. The first frame must be a
// connect; anything else is a protocol error that closes the socket.
func (c *Client) readPump(ctx context.Context) {
	defer c.Close()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	connected := false
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("client read error", "client", c.id, "error", err)
			}
			return
		}

		frame, err := protocol.Parse(data)
		if err != nil {
			c.Send(protocol.ErrorFrame("", "INVALID_FRAME", err.Error()))
			return
		}

		if !connected {
			if frame.Type != protocol.TypeConnect {
				c.Send(protocol.ErrorFrame("", "PROTOCOL", "first frame must be connect"))
				return
			}
			if err := c.server.handleConnect(c, frame); err != nil {
				c.Send(protocol.ErrorFrame("", "PROTOCOL", err.Error()))
				return
			}
			connected = true
			continue
		}

		c.server.handleFrame(ctx, c, frame)
	}
}

// writePump owns all writes to the socket.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				slog.Debug("client write error", "client", c.id, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
