package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeDetection is sent after every successful desensitize call
	EventTypeDetection EventType = "detection"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypeSubscribed acknowledges a subscription update
	EventTypeSubscribed EventType = "subscribed"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	RequestID string    `json:"request_id,omitempty"`
}

// DetectionEvent summarizes one desensitize call. It carries counts only,
// never input, masked or entity text.
type DetectionEvent struct {
	RequestID     string         `json:"request_id"`
	Source        string         `json:"source"`
	Strategy      string         `json:"strategy"`
	Detectors     string         `json:"detectors"`
	CountsByType  map[string]int `json:"counts_by_type"`
	TotalEntities int            `json:"total_entities"`
	Cached        bool           `json:"cached,omitempty"`
	DurationMS    float64        `json:"duration_ms"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType  `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows detection events
type EventFilter struct {
	// EntityTypes keeps detections containing at least one of these types
	EntityTypes []string `json:"entity_types,omitempty"`
	// MinEntities drops detections with fewer entities
	MinEntities int `json:"min_entities,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	conn *websocket.Conn
	send chan Event

	mu           sync.RWMutex
	subscription *SubscriptionRequest
	lastPing     time.Time
}

// Subscription returns the client's current subscription, nil for all events
func (c *Client) Subscription() *SubscriptionRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscription
}

func (c *Client) setSubscription(sub *SubscriptionRequest) {
	c.mu.Lock()
	c.subscription = sub
	c.mu.Unlock()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}
