// -----------------------------------------------------------------------
// Connection Multiplexer - per-owner fan-out of task events over websockets
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskpulse/internal/common"
	"github.com/ternarybob/taskpulse/internal/interfaces"
	"golang.org/x/time/rate"
)

// Frame types on the wire
const (
	FrameTaskUpdate   = "task:update"
	FrameNotification = "notification"
	FramePing         = "ping"
	FramePong         = "pong"
)

const maxInboundFrameSize = 64 * 1024

// WSMessage is the envelope for every frame
type WSMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// WebSocketHandler keeps the set of live channels per owner and delivers
// task events and notifications to them. A channel whose write fails is
// removed and closed on the spot.
type WebSocketHandler struct {
	logger           arbor.ILogger
	tasks            interfaces.TaskReader
	eventService     interfaces.EventService
	recorder         interfaces.MetricsRecorder
	upgrader         websocket.Upgrader
	writeTimeout     time.Duration
	serverInstanceID string

	channels     map[string]map[Channel]struct{}
	channelCount int
	mu           sync.RWMutex

	updateInterval time.Duration            // zero disables throttling of progress updates
	throttlers     map[string]*rate.Limiter // per task id
	throttleMu     sync.Mutex

	subscriptions []subscriptionRef
}

type subscriptionRef struct {
	eventType interfaces.EventType
	id        interfaces.SubscriptionID
}

// NewWebSocketHandler creates the multiplexer. tasks resolves the owner of a task event.
func NewWebSocketHandler(tasks interfaces.TaskReader, eventService interfaces.EventService, recorder interfaces.MetricsRecorder, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	if recorder == nil {
		recorder = interfaces.NopMetrics{}
	}
	if config == nil {
		config = &common.WebSocketConfig{}
	}

	h := &WebSocketHandler{
		logger:           logger,
		tasks:            tasks,
		eventService:     eventService,
		recorder:         recorder,
		writeTimeout:     common.ParseDuration(config.WriteTimeout, 5*time.Second),
		serverInstanceID: common.NewInstanceID(),
		channels:         make(map[string]map[Channel]struct{}),
		throttlers:       make(map[string]*rate.Limiter),
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(config.AllowedOrigins),
	}

	if intervalStr, ok := config.ThrottleIntervals[FrameTaskUpdate]; ok {
		if duration, err := time.ParseDuration(intervalStr); err == nil && duration > 0 {
			h.updateInterval = duration
			logger.Debug().
				Str("frame_type", FrameTaskUpdate).
				Str("interval", intervalStr).
				Msg("Throttler initialized for progress updates")
		} else {
			logger.Warn().
				Err(err).
				Str("interval", intervalStr).
				Msg("Failed to parse task:update throttle interval - throttler disabled")
		}
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized with server instance ID")

	return h
}

// originChecker allows every origin when allowed is empty
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}

	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// InstanceID identifies this server process
func (h *WebSocketHandler) InstanceID() string {
	return h.serverInstanceID
}

// Register adds a channel to an owner's set
func (h *WebSocketHandler) Register(ownerID string, ch Channel) {
	h.mu.Lock()
	set, ok := h.channels[ownerID]
	if !ok {
		set = make(map[Channel]struct{})
		h.channels[ownerID] = set
	}
	if _, exists := set[ch]; !exists {
		set[ch] = struct{}{}
		h.channelCount++
	}
	owners, total, ownerChannels := len(h.channels), h.channelCount, len(set)
	h.mu.Unlock()

	h.recorder.SetChannels(owners, total)
	h.logger.Debug().
		Str("owner_id", ownerID).
		Int("owner_channels", ownerChannels).
		Int("total_channels", total).
		Msg("WebSocket channel registered")
}

// Unregister removes a channel; the owner entry goes away with its last channel.
// It does not close the channel.
func (h *WebSocketHandler) Unregister(ownerID string, ch Channel) bool {
	h.mu.Lock()
	set, ok := h.channels[ownerID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	if _, exists := set[ch]; !exists {
		h.mu.Unlock()
		return false
	}

	delete(set, ch)
	h.channelCount--
	if len(set) == 0 {
		delete(h.channels, ownerID)
	}
	owners, total := len(h.channels), h.channelCount
	h.mu.Unlock()

	h.recorder.SetChannels(owners, total)
	h.logger.Debug().
		Str("owner_id", ownerID).
		Int("total_channels", total).
		Msg("WebSocket channel unregistered")
	return true
}

// OwnerCount returns the number of owners with at least one channel
func (h *WebSocketHandler) OwnerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// ChannelCount returns the number of channels registered for ownerID
func (h *WebSocketHandler) ChannelCount(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[ownerID])
}

// TotalChannels returns the number of channels across all owners
func (h *WebSocketHandler) TotalChannels() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelCount
}

// SendNotification delivers an arbitrary payload to every channel of ownerID
// and returns how many channels accepted it.
func (h *WebSocketHandler) SendNotification(ctx context.Context, ownerID string, data interface{}) int {
	return h.deliver(ctx, ownerID, WSMessage{Type: FrameNotification, Data: data})
}

// deliver marshals msg once and writes it to each channel of ownerID, pruning failures
func (h *WebSocketHandler) deliver(ctx context.Context, ownerID string, msg WSMessage) int {
	h.mu.RLock()
	set := h.channels[ownerID]
	targets := make([]Channel, 0, len(set))
	for ch := range set {
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("frame_type", msg.Type).Msg("Failed to marshal frame")
		return 0
	}

	delivered := 0
	for _, ch := range targets {
		if err := ch.Send(ctx, data); err != nil {
			h.prune(ownerID, ch, err)
			continue
		}
		delivered++
		h.recorder.FrameSent(msg.Type)
	}
	return delivered
}

func (h *WebSocketHandler) prune(ownerID string, ch Channel, cause error) {
	if !h.Unregister(ownerID, ch) {
		return
	}
	_ = ch.Close()
	h.recorder.ChannelPruned()
	h.logger.Warn().
		Err(cause).
		Str("owner_id", ownerID).
		Msg("WebSocket write failed, channel removed")
}

// CloseAll closes and forgets every channel. Used on shutdown since hijacked
// connections are not closed by the HTTP server.
func (h *WebSocketHandler) CloseAll() {
	h.mu.Lock()
	all := h.channels
	h.channels = make(map[string]map[Channel]struct{})
	h.channelCount = 0
	h.mu.Unlock()

	for _, set := range all {
		for ch := range set {
			_ = ch.Close()
		}
	}
	h.recorder.SetChannels(0, 0)
}

// HandleWebSocket upgrades GET /ws?ownerId=<id> and serves the channel until it closes
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")
	if ownerID == "" {
		WriteError(w, http.StatusBadRequest, "ownerId is required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	conn.SetReadLimit(maxInboundFrameSize)

	ch := newWSChannel(conn, h.writeTimeout)
	h.Register(ownerID, ch)

	h.logger.Debug().Str("owner_id", ownerID).Msgf("WebSocket client connected (total: %d)", h.TotalChannels())

	defer func() {
		h.Unregister(ownerID, ch)
		_ = ch.Close()
		h.logger.Debug().Str("owner_id", ownerID).Msgf("WebSocket client disconnected (remaining: %d)", h.TotalChannels())
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("WebSocket error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.handleInbound(r.Context(), ownerID, ch, data)
	}
}

// handleInbound answers pings; anything else, malformed or not, is ignored
func (h *WebSocketHandler) handleInbound(ctx context.Context, ownerID string, ch Channel, data []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Debug().Str("owner_id", ownerID).Msg("Ignoring malformed frame")
		return
	}

	if msg.Type != FramePing {
		return
	}

	pong, err := json.Marshal(WSMessage{Type: FramePong, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	if err := ch.Send(ctx, pong); err != nil {
		h.prune(ownerID, ch, err)
		return
	}
	h.recorder.FrameSent(FramePong)
}
