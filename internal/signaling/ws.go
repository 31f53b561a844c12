package signaling

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a peer may stay silent before the link is dead.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is generous enough for a video SDP.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is a WebSocket carrying Messages. Writes are serialized; reads must
// come from a single goroutine.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func newConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &Conn{ws: ws}
}

// Upgrade accepts a WebSocket on the server side.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newConn(ws), nil
}

// Dial connects to a signaling endpoint.
func Dial(ctx context.Context, endpoint string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return newConn(ws), nil
}

// Write sends one message.
func (c *Conn) Write(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

// Read blocks for the next message. Any frame, including a pong, extends
// the read deadline.
func (c *Conn) Read() (Message, error) {
	var msg Message
	if err := c.ws.ReadJSON(&msg); err != nil {
		return Message{}, err
	}
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	return msg, nil
}

// Ping sends a keepalive.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a normal close frame and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.mu.Unlock()
	return c.ws.Close()
}

// Endpoint appends the caller identity to a signaling URL.
func Endpoint(base string, self Party) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse signaling url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("signaling url must be ws:// or wss://, got %q", base)
	}

	q := u.Query()
	q.Set("user", self.ID)
	if self.Name != "" {
		q.Set("name", self.Name)
	}
	if self.Avatar != "" {
		q.Set("avatar", self.Avatar)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// PartyFromRequest reads the identity a client put in its URL.
func PartyFromRequest(r *http.Request) Party {
	q := r.URL.Query()
	return Party{ID: q.Get("user"), Name: q.Get("name"), Avatar: q.Get("avatar")}
}
