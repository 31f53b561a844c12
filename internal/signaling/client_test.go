package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/callcore/internal/media"
)

// testServer hands every accepted connection to conns.
func testServer(t *testing.T) (string, <-chan *Conn) {
	t.Helper()
	conns := make(chan *Conn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func receive(t *testing.T, conns <-chan *Conn) *Conn {
	t.Helper()
	select {
	case c := <-conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func TestMessageWireFormat(t *testing.T) {
	msg := Message{
		Event: EventMediaToggle,
		Data:  Payload{SessionID: "s1", MediaKind: media.KindVideo, Enabled: Bool(false)},
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"call:media-toggle","data":{"session_id":"s1","media_kind":"video","enabled":false}}`, string(raw))

	offer := Message{
		Event: EventOffer,
		Data: Payload{
			SessionID:  "s1",
			ReceiverID: "bob",
			SDP:        &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
		},
	}
	raw, err = json.Marshal(offer)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"webrtc:offer","data":{"session_id":"s1","receiver_id":"bob","sdp":{"type":"offer","sdp":"v=0"}}}`, string(raw))
}

func TestEndpoint(t *testing.T) {
	got, err := Endpoint("ws://localhost:8080/ws", Party{ID: "alice", Name: "Alice A"})
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws?name=Alice+A&user=alice", got)

	_, err = Endpoint("http://localhost", Party{ID: "alice"})
	require.Error(t, err)
}

func TestClientDeliversBothWays(t *testing.T) {
	url, conns := testServer(t)
	client := NewClient(url, 8)

	inbound := make(chan Message, 1)
	client.OnMessage(func(m Message) { inbound <- m })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	server := receive(t, conns)
	defer server.Close()

	require.NoError(t, client.Send(SessionMessage(EventAccept, "s1")))
	got, err := server.Read()
	require.NoError(t, err)
	assert.Equal(t, EventAccept, got.Event)
	assert.Equal(t, "s1", got.Data.SessionID)

	require.NoError(t, server.Write(SessionMessage(EventStarted, "s1")))
	select {
	case m := <-inbound:
		assert.Equal(t, EventStarted, m.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound message")
	}
}

func TestClientBuffersAndReconnects(t *testing.T) {
	url, conns := testServer(t)
	client := NewClient(url, 8)

	var mu sync.Mutex
	var states []bool
	client.OnConnectionChange(func(up bool) {
		mu.Lock()
		states = append(states, up)
		mu.Unlock()
	})

	// Queued before any connection exists.
	require.NoError(t, client.Send(SessionMessage(EventEnd, "s0")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	first := receive(t, conns)
	got, err := first.Read()
	require.NoError(t, err)
	assert.Equal(t, "s0", got.Data.SessionID)

	first.Close()
	second := receive(t, conns)
	defer second.Close()

	require.NoError(t, client.Send(SessionMessage(EventEnd, "s1")))
	got, err = second.Read()
	require.NoError(t, err)
	assert.Equal(t, "s1", got.Data.SessionID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 3
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, states[:3])
}

func TestClientOutboxFull(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/ws", 1)
	require.NoError(t, client.Send(SessionMessage(EventEnd, "a")))
	require.ErrorIs(t, client.Send(SessionMessage(EventEnd, "b")), ErrOutboxFull)
}

func TestClientFlush(t *testing.T) {
	url, conns := testServer(t)
	client := NewClient(url, 8)
	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, client.Send(SessionMessage(EventEnd, id)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	conn := receive(t, conns)
	defer conn.Close()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	require.NoError(t, client.Flush(flushCtx))

	for _, want := range []string{"s1", "s2", "s3"} {
		got, err := conn.Read()
		require.NoError(t, err)
		assert.Equal(t, want, got.Data.SessionID)
	}
}

func TestClientFlushTimesOutWhileDisconnected(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/ws", 4)
	require.NoError(t, client.Send(SessionMessage(EventEnd, "s1")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, client.Flush(ctx), context.DeadlineExceeded)
}
