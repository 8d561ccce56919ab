// Package live implements the chat hub connection over WebSocket. The sync
// engine itself only consumes the tracker and the event handlers; this is
// one transport behind that boundary.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"chat-sync-core/internal/connection"
	"chat-sync-core/internal/event"
	"chat-sync-core/internal/model"
	"chat-sync-core/internal/pkg/logger"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// backoffSchedule matches the app's reconnect steps; attempts past the last
// step keep its delay.
var backoffSchedule = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

type outboundFrame struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Client dials the chat hub, pumps inbound events to registered handlers
// and exposes the send primitive consumed by the tracker.
type Client struct {
	url     string
	room    string
	tracker *connection.Tracker
	logger  logger.ILogger

	mu       sync.Mutex
	conn     net.Conn
	handlers map[int]func(*event.LiveEvent)
	nextId   int

	// writeMu serializes frame writes; the wsutil writer is not safe for
	// concurrent use on one socket.
	writeMu sync.Mutex
}

func New(url, room string, tracker *connection.Tracker, log logger.ILogger) *Client {
	return &Client{
		url:      url,
		room:     room,
		tracker:  tracker,
		logger:   log,
		handlers: make(map[int]func(*event.LiveEvent)),
	}
}

// OnEvent registers an inbound event handler and returns its unsubscribe.
func (c *Client) OnEvent(fn func(*event.LiveEvent)) func() {
	c.mu.Lock()
	id := c.nextId
	c.nextId++
	c.handlers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Send writes one outbound frame. Fails when the socket is down; the
// tracker's status check normally catches that first.
func (c *Client) Send(ctx context.Context, eventName string, payload interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return connection.ErrNotConnected
	}

	data, err := json.Marshal(outboundFrame{Event: eventName, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode outbound frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := wsutil.WriteClientText(conn, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", eventName, err)
	}
	return nil
}

// Run owns the connection lifecycle: dial, read loop, reconnect with the
// backoff schedule. Blocks until ctx is cancelled. Status transitions are
// broadcast through the tracker; a reconnect attempt that loses the race
// with cancellation is abandoned, not aborted mid-I/O.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.tracker.SetStatus(model.StatusConnecting)

		conn, br, _, err := ws.Dial(ctx, c.url)
		if err != nil {
			c.tracker.SetStatus(model.StatusDisconnected)
			attempt := c.tracker.RecordRetry()
			c.logger.Warn("LiveConnection", "Dial failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			if !c.wait(ctx, backoffFor(attempt)) {
				return
			}
			continue
		}
		if br != nil {
			ws.PutReader(br)
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.tracker.SetStatus(model.StatusConnected)

		if c.room != "" {
			if err := c.Send(ctx, event.JoinRoomEvent, map[string]string{"room": c.room}); err != nil {
				c.logger.Warn("LiveConnection", "Join failed", map[string]interface{}{"error": err.Error()})
			}
		}

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		c.tracker.SetStatus(model.StatusDisconnected)

		if ctx.Err() != nil {
			return
		}
		attempt := c.tracker.RecordRetry()
		if !c.wait(ctx, backoffFor(attempt)) {
			return
		}
	}
}

func (c *Client) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			c.logger.Warn("LiveConnection", "Read loop ended", map[string]interface{}{"error": err.Error()})
			return
		}
		ev, err := event.Decode(data)
		if err != nil {
			// Malformed frames stop at the boundary.
			c.logger.Warn("LiveConnection", "Dropping invalid event", map[string]interface{}{"error": err.Error()})
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev *event.LiveEvent) {
	c.mu.Lock()
	handlers := make([]func(*event.LiveEvent), 0, len(c.handlers))
	for id := 0; id < c.nextId; id++ {
		if fn, ok := c.handlers[id]; ok {
			handlers = append(handlers, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}
