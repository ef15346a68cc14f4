package storysync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// envelope is the wire format for all realtime frames, both directions.
type envelope struct {
	Event   string          `json:"event"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventHandler receives a realtime event scoped to the room it arrived on.
// Handlers run on the read loop; they must not block.
type EventHandler func(room string, payload json.RawMessage)

// ChannelState represents the connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(baseDelay, maxDelay time.Duration, maxAttempts int) *reconnector {
	return &reconnector{baseDelay: baseDelay, maxDelay: maxDelay, maxAttempts: maxAttempts}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// ============================================================================
// Channel
// ============================================================================

// Channel is the process's single realtime connection. It authenticates with
// the current token at each (re)connect (an existing connection is never
// re-authenticated in place; a token change rides the next reconnect) and
// re-joins subscribed rooms transparently after reconnecting. Room
// subscriptions are reference-counted so multiple consumers of the same room
// produce one transport-level join.
//
// Delivery order within a room is not guaranteed across reconnects; events
// are hints to merge or re-fetch, never the sole source of truth for
// monotonic counters.
type Channel struct {
	baseURL string
	tokenFn func() string
	log     *zap.Logger
	recon   *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ChannelState
	intentionalClose bool
	cancel           context.CancelFunc
	rooms            map[string]int

	handlersMu sync.RWMutex
	handlers   map[string][]EventHandler
	onState    []func(ChannelState)
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithChannelLogger sets the channel's logger.
func WithChannelLogger(log *zap.Logger) ChannelOption {
	return func(ch *Channel) { ch.log = log }
}

// WithReconnect overrides the reconnect backoff policy. maxAttempts of zero
// means unbounded.
func WithReconnect(baseDelay, maxDelay time.Duration, maxAttempts int) ChannelOption {
	return func(ch *Channel) { ch.recon = newReconnector(baseDelay, maxDelay, maxAttempts) }
}

// NewChannel creates a disconnected channel. tokenFn is consulted for the
// auth token each time a connection is dialed.
func NewChannel(baseURL string, tokenFn func() string, opts ...ChannelOption) *Channel {
	ch := &Channel{
		baseURL:  strings.TrimRight(baseURL, "/"),
		tokenFn:  tokenFn,
		log:      zap.NewNop(),
		recon:    newReconnector(time.Second, 30*time.Second, 10),
		state:    StateDisconnected,
		rooms:    make(map[string]int),
		handlers: make(map[string][]EventHandler),
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// On registers a handler for a named event.
func (ch *Channel) On(event string, h EventHandler) {
	ch.handlersMu.Lock()
	ch.handlers[event] = append(ch.handlers[event], h)
	ch.handlersMu.Unlock()
}

// OnStateChange registers a handler invoked on every connection state change.
func (ch *Channel) OnStateChange(h func(ChannelState)) {
	ch.handlersMu.Lock()
	ch.onState = append(ch.onState, h)
	ch.handlersMu.Unlock()
}

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) setState(s ChannelState) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
	ch.handlersMu.RLock()
	handlers := append([]func(ChannelState){}, ch.onState...)
	ch.handlersMu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

// Connect dials the realtime endpoint, sends the auth frame, and starts the
// read loop. Idempotent while connected or connecting.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == StateConnected || ch.state == StateConnecting {
		ch.mu.Unlock()
		return nil
	}
	ch.state = StateConnecting
	ch.intentionalClose = false
	ch.mu.Unlock()

	wsURL := strings.Replace(ch.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ch.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	auth, _ := json.Marshal(map[string]string{"token": ch.tokenFn()})
	if err := ch.writeEnvelope(ctx, conn, envelope{Event: "auth", Payload: auth}); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ch.setState(StateDisconnected)
		return fmt.Errorf("send auth: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ch.mu.Lock()
	ch.conn = conn
	ch.cancel = cancel
	rooms := make([]string, 0, len(ch.rooms))
	for room := range ch.rooms {
		rooms = append(rooms, room)
	}
	ch.mu.Unlock()
	ch.recon.markConnected()
	ch.setState(StateConnected)

	// Re-assert subscriptions that predate this connection.
	for _, room := range rooms {
		if err := ch.writeEnvelope(ctx, conn, envelope{Event: "join", Room: room}); err != nil {
			ch.log.Warn("room rejoin failed", zap.String("room", room), zap.Error(err))
		}
	}

	go ch.readLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection without clearing room subscriptions, so a
// later Connect restores them.
func (ch *Channel) Disconnect() error {
	ch.mu.Lock()
	ch.intentionalClose = true
	if ch.cancel != nil {
		ch.cancel()
		ch.cancel = nil
	}
	conn := ch.conn
	ch.conn = nil
	ch.mu.Unlock()

	ch.setState(StateDisconnected)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Join subscribes to a room, reference-counted: only the first subscriber
// emits a transport-level join.
func (ch *Channel) Join(ctx context.Context, room string) error {
	if room == "" {
		return validationErr("room", "required")
	}
	ch.mu.Lock()
	ch.rooms[room]++
	first := ch.rooms[room] == 1
	conn := ch.conn
	ch.mu.Unlock()

	if !first || conn == nil {
		return nil
	}
	return ch.writeEnvelope(ctx, conn, envelope{Event: "join", Room: room})
}

// Leave drops one subscription reference; the transport-level leave is sent
// when the last subscriber goes.
func (ch *Channel) Leave(ctx context.Context, room string) error {
	ch.mu.Lock()
	n, ok := ch.rooms[room]
	if !ok {
		ch.mu.Unlock()
		return nil
	}
	if n > 1 {
		ch.rooms[room] = n - 1
		ch.mu.Unlock()
		return nil
	}
	delete(ch.rooms, room)
	conn := ch.conn
	ch.mu.Unlock()

	if conn == nil {
		return nil
	}
	return ch.writeEnvelope(ctx, conn, envelope{Event: "leave", Room: room})
}

func (ch *Channel) writeEnvelope(ctx context.Context, conn *websocket.Conn, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.mu.Lock()
			intentional := ch.intentionalClose
			if ch.conn == conn {
				ch.conn = nil
			}
			ch.mu.Unlock()
			if intentional || ctx.Err() != nil {
				return
			}

			ch.setState(StateDisconnected)
			ch.log.Info("realtime connection lost", zap.Error(err))
			if ch.recon.shouldReconnect() {
				ch.scheduleReconnect()
			}
			return
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			continue
		}
		ch.dispatch(env)
	}
}

func (ch *Channel) dispatch(env envelope) {
	ch.handlersMu.RLock()
	handlers := append([]EventHandler{}, ch.handlers[env.Event]...)
	ch.handlersMu.RUnlock()
	for _, h := range handlers {
		h(env.Room, env.Payload)
	}
}

func (ch *Channel) scheduleReconnect() {
	delay := ch.recon.nextDelay()
	ch.setState(StateReconnecting)
	ch.log.Info("realtime reconnecting", zap.Int("attempt", ch.recon.attempt), zap.Duration("delay", delay))

	time.Sleep(delay)

	ch.mu.Lock()
	intentional := ch.intentionalClose
	ch.mu.Unlock()
	if intentional {
		return
	}
	// The reconnect carries whatever token tokenFn returns now.
	if err := ch.Connect(context.Background()); err != nil {
		if ch.recon.shouldReconnect() {
			ch.scheduleReconnect()
		} else {
			ch.setState(StateDisconnected)
		}
	}
}
