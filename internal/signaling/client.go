package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/callcore/internal/util"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 10 * time.Second
	flushPoll  = 10 * time.Millisecond
)

// ErrOutboxFull is returned by Send when the outbound buffer is exhausted,
// typically during a long reconnect window.
var ErrOutboxFull = errors.New("signaling outbox full")

// Client is the peer side of the gateway. It keeps one WebSocket to the
// signaling authority alive, reconnecting with backoff, and buffers outbound
// messages while the link is down so they are delivered after reconnect.
type Client struct {
	endpoint string
	outbox   chan Message

	mu        sync.Mutex
	onMessage func(Message)
	onState   func(connected bool)

	connected atomic.Bool
	unsent    atomic.Int64 // accepted by Send, not yet written
}

// NewClient creates a client for endpoint (see Endpoint). outboxSize bounds
// how many messages survive a disconnect.
func NewClient(endpoint string, outboxSize int) *Client {
	if outboxSize < 1 {
		outboxSize = 1
	}
	return &Client{
		endpoint: endpoint,
		outbox:   make(chan Message, outboxSize),
	}
}

// OnMessage registers the inbound handler. It runs on the read goroutine
// and must not block.
func (c *Client) OnMessage(fn func(Message)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnConnectionChange registers a callback for link up/down transitions.
func (c *Client) OnConnectionChange(fn func(connected bool)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Connected reports whether the link is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Send queues msg for delivery. It never blocks.
func (c *Client) Send(msg Message) error {
	select {
	case c.outbox <- msg:
		c.unsent.Add(1)
		return nil
	default:
		util.LogWarning("signaling outbox full, dropping %s", msg.Event)
		return fmt.Errorf("%w: dropped %s", ErrOutboxFull, msg.Event)
	}
}

// Flush waits until every message accepted by Send has been written, or
// ctx is done.
func (c *Client) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPoll)
	defer ticker.Stop()
	for c.unsent.Load() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("flush: %d messages unsent: %w", c.unsent.Load(), ctx.Err())
		}
	}
	return nil
}

// Run keeps the connection alive until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	backoff := minBackoff
	var pending *Message

	for {
		conn, err := Dial(ctx, c.endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			util.LogWarning("signaling dial failed, retrying in %s: %v", backoff, err)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = minBackoff
		c.setConnected(true)
		util.LogSuccess("signaling connected")

		pending, err = c.serve(ctx, conn, pending)
		conn.Close()
		c.setConnected(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		util.LogWarning("signaling link lost: %v", err)
	}
}

// serve pumps one connection. The returned message is one that could not be
// written and must go first on the next connection.
func (c *Client) serve(ctx context.Context, conn *Conn, pending *Message) (*Message, error) {
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := conn.Read()
			if err != nil {
				readErr <- err
				return
			}
			c.dispatch(msg)
		}
	}()

	if pending != nil {
		if err := conn.Write(*pending); err != nil {
			return pending, err
		}
		c.unsent.Add(-1)
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case msg := <-c.outbox:
			if err := conn.Write(msg); err != nil {
				return &msg, err
			}
			c.unsent.Add(-1)
		case <-ping.C:
			if err := conn.Ping(); err != nil {
				return nil, err
			}
		case err := <-readErr:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) dispatch(msg Message) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
}

func (c *Client) setConnected(up bool) {
	if c.connected.Swap(up) == up {
		return
	}
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(up)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
