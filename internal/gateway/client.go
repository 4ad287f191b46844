package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
)

const (
	writeTimeout   = 10 * time.Second
	sendBufferSize = 64
)

// Client is one connected WebSocket consumer of the event feed.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan bus.Event
	done chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.NewString(),
		conn: conn,
		send: make(chan bus.Event, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Send queues an event for delivery. Slow consumers drop events rather than
// blocking the pipeline.
func (c *Client) Send(ev bus.Event) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		slog.Debug("gateway.ws_event_dropped", "client_id", c.ID, "event", ev.Name)
	}
}

// Run pumps queued events to the connection and discards inbound frames
// until the peer disconnects or the context ends.
func (c *Client) Run(ctx context.Context) {
	go c.readLoop()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				slog.Debug("gateway.ws_write_failed", "client_id", c.ID, "error", err)
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop drains the connection so pings are answered; the feed is one-way.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.conn.Close()
}
