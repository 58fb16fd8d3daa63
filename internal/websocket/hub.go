package websocket

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 512
	sendBufferSize        = 256
)

// HubConfig contains configuration for the WebSocket hub
type HubConfig struct {
	BroadcastDetections  bool
	BroadcastConnections bool
	// Username enables basic auth when non-empty
	Username       string
	Password       string
	MaxConnections int
	AllowedOrigins []string
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

// HubStats tracks WebSocket hub statistics
type HubStats struct {
	TotalConnections   int64     `json:"total_connections"`
	ActiveConnections  int64     `json:"active_connections"`
	TotalMessages      int64     `json:"total_messages"`
	TotalBroadcasts    int64     `json:"total_broadcasts"`
	DroppedEvents      int64     `json:"dropped_events"`
	LastConnectionTime time.Time `json:"last_connection_time"`
	LastDisconnectTime time.Time `json:"last_disconnect_time"`
	LastBroadcastTime  time.Time `json:"last_broadcast_time"`
}

type directMessage struct {
	client *Client
	event  Event
}

// Hub maintains the set of active clients and broadcasts events to them.
// The clients map is owned by the Run goroutine.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	direct     chan directMessage
	done       chan struct{}

	config   HubConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	active atomic.Int64
	mu     sync.RWMutex
	stats  HubStats
}

// NewHub creates a new WebSocket hub
func NewHub(config HubConfig, logger *zap.Logger) *Hub {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteWait
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = defaultPongWait
	}
	if config.PingInterval <= 0 || config.PingInterval >= config.PongTimeout {
		config.PingInterval = (config.PongTimeout * 9) / 10
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan Event, sendBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan directMessage),
		done:       make(chan struct{}),
		config:     config,
		logger:     logger.With(zap.String("component", "websocket")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run handles client registration and broadcasting until ctx is done.
// All clients are disconnected on return.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket hub")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.removeClient(client)
			}
			h.logger.Info("WebSocket hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event, nil)

		case msg := <-h.direct:
			h.deliver(msg)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.clients[client] = struct{}{}
	active := h.active.Add(1)

	h.mu.Lock()
	h.stats.TotalConnections++
	h.stats.LastConnectionTime = time.Now()
	h.mu.Unlock()

	h.logger.Info("Client connected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int64("active_connections", active),
	)

	if h.config.BroadcastConnections {
		h.broadcastEvent(connectionEvent("connected", client), client)
	}
}

func (h *Hub) unregisterClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	h.removeClient(client)

	h.mu.Lock()
	h.stats.LastDisconnectTime = time.Now()
	h.mu.Unlock()

	h.logger.Info("Client disconnected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int64("active_connections", h.active.Load()),
	)

	if h.config.BroadcastConnections {
		h.broadcastEvent(connectionEvent("disconnected", client), nil)
	}
}

func (h *Hub) removeClient(client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.active.Add(-1)
}

// broadcastEvent delivers event to every subscribed client except skip.
// Clients whose send buffer is full are disconnected.
func (h *Hub) broadcastEvent(event Event, skip *Client) {
	var sent, dropped int64
	for client := range h.clients {
		if client == skip || !shouldSendToClient(client, event) {
			continue
		}
		select {
		case client.send <- event:
			sent++
		default:
			h.logger.Warn("Client send channel full, closing connection",
				zap.String("client_id", client.ID),
			)
			h.removeClient(client)
			dropped++
		}
	}

	h.mu.Lock()
	h.stats.TotalBroadcasts++
	h.stats.TotalMessages += sent
	h.stats.DroppedEvents += dropped
	h.stats.LastBroadcastTime = time.Now()
	h.mu.Unlock()
}

// shouldSendToClient applies the client's subscription to event
func shouldSendToClient(client *Client, event Event) bool {
	sub := client.Subscription()
	if sub == nil {
		return true
	}
	if !slices.Contains(sub.Events, event.Type) {
		return false
	}
	if sub.Filter == nil {
		return true
	}
	return applyEventFilter(sub.Filter, event)
}

// applyEventFilter filters detection events; other events always pass
func applyEventFilter(filter *EventFilter, event Event) bool {
	detection, ok := event.Data.(DetectionEvent)
	if !ok {
		return true
	}
	if detection.TotalEntities < filter.MinEntities {
		return false
	}
	if len(filter.EntityTypes) == 0 {
		return true
	}
	for _, t := range filter.EntityTypes {
		if detection.CountsByType[strings.ToUpper(t)] > 0 {
			return true
		}
	}
	return false
}

// BroadcastEvent queues an event for all clients when its type is enabled
func (h *Hub) BroadcastEvent(event Event) {
	if !h.shouldBroadcastEvent(event.Type) {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case h.broadcast <- event:
	default:
		h.mu.Lock()
		h.stats.DroppedEvents++
		h.mu.Unlock()
		h.logger.Warn("Broadcast channel full, dropping event",
			zap.String("event_type", string(event.Type)),
		)
	}
}

// PublishDetection broadcasts a detection summary
func (h *Hub) PublishDetection(detection DetectionEvent) {
	h.BroadcastEvent(Event{
		Type:      EventTypeDetection,
		Timestamp: time.Now(),
		Data:      detection,
		RequestID: detection.RequestID,
	})
}

func (h *Hub) shouldBroadcastEvent(eventType EventType) bool {
	switch eventType {
	case EventTypeDetection:
		return h.config.BroadcastDetections
	case EventTypeConnection:
		return h.config.BroadcastConnections
	default:
		return false
	}
}

// HandleWebSocket upgrades the request and serves the client until it
// disconnects or the hub stops
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="desensitizer"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if h.config.MaxConnections > 0 && h.active.Load() >= int64(h.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
		conn:        conn,
		send:        make(chan Event, sendBufferSize),
		lastPing:    time.Now(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(event); err != nil {
				h.logger.Debug("Failed to write WebSocket message",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(client *Client) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
		client.conn.Close()
	}()

	client.conn.SetReadLimit(h.config.MaxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	client.conn.SetPongHandler(func(string) error {
		client.touch()
		return client.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	})

	for {
		var msg ClientMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket error",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
			}
			return
		}
		h.handleClientMessage(client, msg)
	}
}

// handleClientMessage handles messages received from clients
func (h *Hub) handleClientMessage(client *Client, msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		var sub SubscriptionRequest
		if err := json.Unmarshal(msg.Data, &sub); err != nil {
			h.logger.Debug("Invalid subscription", zap.String("client_id", client.ID), zap.Error(err))
			return
		}
		client.setSubscription(&sub)
		h.logger.Info("Client subscription updated",
			zap.String("client_id", client.ID),
			zap.Any("events", sub.Events),
		)
		h.reply(client, Event{Type: EventTypeSubscribed, Timestamp: time.Now(), Data: sub})

	case "unsubscribe":
		client.setSubscription(nil)
		h.reply(client, Event{Type: EventTypeSubscribed, Timestamp: time.Now(), Data: nil})

	case "ping":
		client.touch()
		h.reply(client, Event{Type: EventTypePong, Timestamp: time.Now(), Data: map[string]string{"message": "pong"}})
	}
}

// reply sends a direct response to one client via the Run goroutine
func (h *Hub) reply(client *Client, event Event) {
	select {
	case h.direct <- directMessage{client: client, event: event}:
	case <-h.done:
	}
}

func (h *Hub) deliver(msg directMessage) {
	if _, ok := h.clients[msg.client]; !ok {
		return
	}
	select {
	case msg.client.send <- msg.event:
	default:
	}
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := h.stats
	stats.ActiveConnections = h.active.Load()
	return stats
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	return int(h.active.Load())
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.config.Username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.config.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.config.Password)) == 1
	return userOK && passOK
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func connectionEvent(action string, client *Client) Event {
	return Event{
		Type:      EventTypeConnection,
		Timestamp: time.Now(),
		Data: ConnectionEvent{
			Action:    action,
			ClientID:  client.ID,
			ClientIP:  client.IP,
			UserAgent: client.UserAgent,
			Message:   fmt.Sprintf("Client %s %s", client.ID, action),
		},
	}
}

// clientIP extracts the client IP from the request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
