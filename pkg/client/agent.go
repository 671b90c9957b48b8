// Package client keeps a realtime channel to a TaskPulse server open: it sends
// heartbeats, reconnects with capped exponential backoff and hands inbound
// frames to registered handlers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
)

// State is the connection state of an Agent
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Defaults used when Options leaves a field zero
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBaseDelay         = time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultMaxAttempts       = 10
)

// ErrClosed is returned by Connect after Close
var ErrClosed = errors.New("client agent closed")

// Message is an inbound frame other than pong
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler receives inbound messages on the agent's read goroutine
type Handler func(Message)

// Conn is the subset of *websocket.Conn the agent uses
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a channel to url
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial implements Dialer
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

var _ Conn = (*websocket.Conn)(nil)

// Options configures an Agent
type Options struct {
	URL               string
	HeartbeatInterval time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	Dialer            Dialer
	Logger            arbor.ILogger
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Agent is the client side of one owner's delivery channel.
//
// States cycle disconnected -> connecting -> connected -> disconnected. After a
// drop or failed dial a reconnect is scheduled until MaxAttempts consecutive
// attempts have been made; a successful connect resets the count.
type Agent struct {
	opts   Options
	logger arbor.ILogger

	mu             sync.Mutex
	state          State
	attempts       int
	ownerID        string
	conn           Conn
	generation     uint64
	reconnectTimer *time.Timer
	stopHeartbeat  chan struct{}
	closed         bool

	handlersMu    sync.RWMutex
	handlers      []handlerEntry
	nextHandlerID uint64

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewAgent creates a disconnected agent
func NewAgent(opts Options) *Agent {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	// Negative disables automatic reconnects
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	} else if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	}
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.Logger == nil {
		opts.Logger = arbor.NewLogger()
	}

	return &Agent{
		opts:   opts,
		logger: opts.Logger,
		state:  StateDisconnected,
	}
}

// Backoff returns min(base * 2^attempt, max)
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// State returns the current connection state
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Attempts returns the number of consecutive reconnect attempts scheduled
func (a *Agent) Attempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

// OnMessage registers a handler. Handlers run in registration order and survive
// reconnects. Call the returned func to remove it.
func (a *Agent) OnMessage(handler Handler) (remove func()) {
	a.handlersMu.Lock()
	a.nextHandlerID++
	id := a.nextHandlerID
	a.handlers = append(a.handlers, handlerEntry{id: id, fn: handler})
	a.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.handlersMu.Lock()
			defer a.handlersMu.Unlock()
			for i, entry := range a.handlers {
				if entry.id == id {
					a.handlers = append(a.handlers[:i:i], a.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// channelURL appends ownerId to the configured URL
func (a *Agent) channelURL(ownerID string) (string, error) {
	u, err := url.Parse(a.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	query := u.Query()
	query.Set("ownerId", ownerID)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// Connect opens the channel for ownerID. It is a no-op while connecting or connected.
func (a *Agent) Connect(ctx context.Context, ownerID string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.state != StateDisconnected {
		a.mu.Unlock()
		return nil
	}
	generation := a.beginConnectLocked(ownerID)
	a.mu.Unlock()

	return a.dial(ctx, ownerID, generation)
}

// reconnect runs a scheduled attempt armed under expected. Any Connect or
// Disconnect since then has moved the generation on and the attempt is dropped.
func (a *Agent) reconnect(expected uint64, ownerID string) {
	a.mu.Lock()
	if a.closed || a.generation != expected || a.state != StateDisconnected {
		a.mu.Unlock()
		return
	}
	generation := a.beginConnectLocked(ownerID)
	a.mu.Unlock()

	_ = a.dial(context.Background(), ownerID, generation)
}

// beginConnectLocked moves to connecting and returns the new generation. Caller holds a.mu.
func (a *Agent) beginConnectLocked(ownerID string) uint64 {
	a.state = StateConnecting
	a.ownerID = ownerID
	a.cancelReconnectLocked()
	a.generation++
	return a.generation
}

func (a *Agent) dial(ctx context.Context, ownerID string, generation uint64) error {
	target, err := a.channelURL(ownerID)
	if err == nil {
		var conn Conn
		conn, err = a.opts.Dialer.Dial(ctx, target)
		if err == nil {
			a.onConnected(generation, conn)
			return nil
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.generation != generation {
		return err
	}
	a.state = StateDisconnected
	a.logger.Warn().Err(err).Str("owner_id", ownerID).Int("attempts", a.attempts).Msg("Connect failed")
	a.scheduleReconnectLocked()
	return err
}

func (a *Agent) onConnected(generation uint64, conn Conn) {
	a.mu.Lock()
	if a.generation != generation {
		// Disconnected while dialing
		a.mu.Unlock()
		_ = conn.Close()
		return
	}

	a.conn = conn
	a.state = StateConnected
	a.attempts = 0
	stop := make(chan struct{})
	a.stopHeartbeat = stop
	ownerID := a.ownerID
	a.mu.Unlock()

	a.logger.Info().Str("owner_id", ownerID).Msg("Connected")

	go a.heartbeat(generation, conn, stop)
	go a.readLoop(generation, conn)
}

func (a *Agent) heartbeat(generation uint64, conn Conn, stop chan struct{}) {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	ping := []byte(`{"type":"ping"}`)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, ping)
			a.writeMu.Unlock()
			if err != nil {
				a.dropped(generation, err)
				return
			}
		}
	}
}

func (a *Agent) readLoop(generation uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.dropped(generation, err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			continue
		}
		if msg.Type == "pong" {
			continue
		}
		a.dispatch(msg)
	}
}

func (a *Agent) dispatch(msg Message) {
	a.handlersMu.RLock()
	handlers := make([]Handler, len(a.handlers))
	for i, entry := range a.handlers {
		handlers[i] = entry.fn
	}
	a.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(msg)
	}
}

// dropped handles a read or heartbeat failure on the connection of generation
func (a *Agent) dropped(generation uint64, cause error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.generation != generation || a.state != StateConnected {
		return
	}

	a.teardownLocked()
	a.logger.Warn().Err(cause).Str("owner_id", a.ownerID).Msg("Connection lost")
	a.scheduleReconnectLocked()
}

// teardownLocked stops the heartbeat and closes the connection. Caller holds a.mu.
func (a *Agent) teardownLocked() {
	if a.stopHeartbeat != nil {
		close(a.stopHeartbeat)
		a.stopHeartbeat = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	a.state = StateDisconnected
}

// scheduleReconnectLocked arms the next attempt unless the limit is reached. Caller holds a.mu.
func (a *Agent) scheduleReconnectLocked() {
	if a.closed {
		return
	}
	if a.attempts >= a.opts.MaxAttempts {
		a.logger.Warn().Int("attempts", a.attempts).Msg("Reconnect attempts exhausted")
		return
	}

	delay := Backoff(a.opts.BaseDelay, a.opts.MaxDelay, a.attempts)
	a.attempts++
	generation := a.generation
	ownerID := a.ownerID

	a.logger.Debug().
		Int("attempt", a.attempts).
		Dur("delay", delay).
		Msg("Reconnect scheduled")

	a.reconnectTimer = time.AfterFunc(delay, func() {
		a.reconnect(generation, ownerID)
	})
}

func (a *Agent) cancelReconnectLocked() {
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
}

// Disconnect closes the channel now and suppresses automatic reconnects
// until the next explicit Connect.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.generation++
	a.cancelReconnectLocked()
	a.teardownLocked()
	a.attempts = a.opts.MaxAttempts
}

// Close disconnects and drops every handler. Later calls do nothing.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		a.Disconnect()

		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()

		a.handlersMu.Lock()
		a.handlers = nil
		a.handlersMu.Unlock()
	})
}
