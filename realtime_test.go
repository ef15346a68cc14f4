package storysync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// wsHarness is the server side of a realtime test connection: frames the
// client sends arrive on recv, frames pushed into send go to the client.
type wsHarness struct {
	recv chan envelope
	send chan envelope
}

func newWSServer(t *testing.T) (*httptest.Server, *wsHarness) {
	t.Helper()
	h := &wsHarness{
		recv: make(chan envelope, 16),
		send: make(chan envelope, 16),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ws", r.URL.Path)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		go func() {
			for {
				select {
				case env := <-h.send:
					data, _ := json.Marshal(env)
					if conn.Write(ctx, websocket.MessageText, data) != nil {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env envelope
			if json.Unmarshal(data, &env) == nil {
				h.recv <- env
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, h
}

func (h *wsHarness) waitFrame(t *testing.T) envelope {
	t.Helper()
	select {
	case env := <-h.recv:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return envelope{}
	}
}

func TestChannelConnectAuthenticatesWithCurrentToken(t *testing.T) {
	srv, h := newWSServer(t)
	token := "tok1"
	ch := NewChannel(srv.URL, func() string { return token })
	t.Cleanup(func() { ch.Disconnect() })

	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, StateConnected, ch.State())

	auth := h.waitFrame(t)
	assert.Equal(t, "auth", auth.Event)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(auth.Payload, &payload))
	assert.Equal(t, "tok1", payload["token"])
}

func TestChannelConnectIsIdempotent(t *testing.T) {
	srv, h := newWSServer(t)
	ch := NewChannel(srv.URL, func() string { return "t" })
	t.Cleanup(func() { ch.Disconnect() })

	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, ch.Connect(context.Background()))

	h.waitFrame(t) // auth
	select {
	case env := <-h.recv:
		t.Fatalf("unexpected second frame: %+v", env)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChannelJoinLeaveRefcounted(t *testing.T) {
	srv, h := newWSServer(t)
	ch := NewChannel(srv.URL, func() string { return "t" })
	t.Cleanup(func() { ch.Disconnect() })
	ctx := context.Background()

	require.NoError(t, ch.Connect(ctx))
	h.waitFrame(t) // auth

	require.NoError(t, ch.Join(ctx, "story:s1"))
	require.NoError(t, ch.Join(ctx, "story:s1"))
	join := h.waitFrame(t)
	assert.Equal(t, "join", join.Event)
	assert.Equal(t, "story:s1", join.Room)

	// First leave only decrements.
	require.NoError(t, ch.Leave(ctx, "story:s1"))
	select {
	case env := <-h.recv:
		t.Fatalf("unexpected frame before last leave: %+v", env)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, ch.Leave(ctx, "story:s1"))
	leave := h.waitFrame(t)
	assert.Equal(t, "leave", leave.Event)
	assert.Equal(t, "story:s1", leave.Room)
}

func TestChannelRejoinsRoomsOnConnect(t *testing.T) {
	srv, h := newWSServer(t)
	ch := NewChannel(srv.URL, func() string { return "t" })
	t.Cleanup(func() { ch.Disconnect() })
	ctx := context.Background()

	// Subscribed before any connection exists.
	require.NoError(t, ch.Join(ctx, "story:s1"))

	require.NoError(t, ch.Connect(ctx))
	h.waitFrame(t) // auth
	join := h.waitFrame(t)
	assert.Equal(t, "join", join.Event)
	assert.Equal(t, "story:s1", join.Room)
}

func TestChannelDispatchesEvents(t *testing.T) {
	srv, h := newWSServer(t)
	ch := NewChannel(srv.URL, func() string { return "t" })
	t.Cleanup(func() { ch.Disconnect() })

	got := make(chan string, 1)
	ch.On("comment:new", func(room string, payload json.RawMessage) {
		got <- room
	})

	require.NoError(t, ch.Connect(context.Background()))
	h.waitFrame(t) // auth

	h.send <- envelope{Event: "comment:new", Room: "story:s1", Payload: json.RawMessage(`{"_id":"c1"}`)}

	select {
	case room := <-got:
		assert.Equal(t, "story:s1", room)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestChannelFeedsCommentStore(t *testing.T) {
	srv, h := newWSServer(t)
	client := NewClient(srv.URL)
	ch := client.Realtime()
	t.Cleanup(func() { ch.Disconnect() })

	client.Comments.BindRealtime(ch)
	require.NoError(t, ch.Connect(context.Background()))
	h.waitFrame(t) // auth

	h.send <- envelope{Event: "comment:count", Room: "story:s1", Payload: json.RawMessage(`{"total":12}`)}

	require.Eventually(t, func() bool {
		return client.Comments.Count("s1") == 12
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChannelDisconnectKeepsSubscriptions(t *testing.T) {
	srv, h := newWSServer(t)
	ch := NewChannel(srv.URL, func() string { return "t" })
	ctx := context.Background()

	require.NoError(t, ch.Connect(ctx))
	h.waitFrame(t) // auth
	require.NoError(t, ch.Join(ctx, "story:s1"))
	h.waitFrame(t) // join

	require.NoError(t, ch.Disconnect())
	assert.Equal(t, StateDisconnected, ch.State())

	// Reconnecting restores the room without a fresh Join call.
	require.NoError(t, ch.Connect(ctx))
	t.Cleanup(func() { ch.Disconnect() })
	h.waitFrame(t) // auth
	join := h.waitFrame(t)
	assert.Equal(t, "join", join.Event)
	assert.Equal(t, "story:s1", join.Room)
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(time.Second, 10*time.Second, 3)

	d1 := r.nextDelay()
	d2 := r.nextDelay()
	d3 := r.nextDelay()
	assert.GreaterOrEqual(t, d2, d1)
	assert.LessOrEqual(t, d3, 10*time.Second+time.Second)
	assert.False(t, r.shouldReconnect())

	// A long stable connection resets the attempt counter.
	r.connectedAt = time.Now().Add(-2 * time.Minute)
	_ = r.nextDelay()
	assert.Equal(t, 1, r.attempt)
	assert.True(t, r.shouldReconnect())
}
