// Package realtime streams workspace activity over WebSocket.
//
// Clients connect to /ws and by default receive every event. Sending a JSON
// Subscription narrows the stream to chosen event types, workspaces, or a
// minimum result severity.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/poisonguard/internal/decision"
	"github.com/mbd888/poisonguard/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType for real-time events
type EventType string

const (
	EventAnalysisCompleted EventType = "analysis_completed"
	EventDatasetLoaded     EventType = "dataset_loaded"
	EventDatasetCleared    EventType = "dataset_cleared"
	EventParamsUpdated     EventType = "params_updated"
)

// Event represents a real-time event. Severity is the most severe action in
// an analysis and is empty for other event types.
type Event struct {
	Type      EventType       `json:"type"`
	Workspace string          `json:"workspace"`
	Timestamp time.Time       `json:"timestamp"`
	Severity  decision.Action `json:"severity,omitempty"`
	Data      any             `json:"data"`
}

// Subscription filters for a client
type Subscription struct {
	AllEvents   bool            `json:"allEvents"`
	EventTypes  []EventType     `json:"eventTypes"`
	Workspaces  []string        `json:"workspaces"`  // watch specific workspaces
	MinSeverity decision.Action `json:"minSeverity"` // analyses at or above this
}

// SubscriptionFromQuery builds the initial subscription of a connection
// from ?workspace=, ?type= and ?minSeverity= (each repeatable where it makes
// sense). With none of them set the client receives every event.
func SubscriptionFromQuery(q url.Values) Subscription {
	sub := Subscription{
		Workspaces:  q["workspace"],
		MinSeverity: decision.Action(q.Get("minSeverity")),
	}
	for _, t := range q["type"] {
		sub.EventTypes = append(sub.EventTypes, EventType(t))
	}
	sub = sub.normalize()
	sub.AllEvents = len(sub.Workspaces) == 0 && len(sub.EventTypes) == 0 && sub.MinSeverity == ""
	return sub
}

// normalize upper-cases the severity and drops blank filters.
func (s Subscription) normalize() Subscription {
	s.MinSeverity = decision.Action(strings.ToUpper(strings.TrimSpace(string(s.MinSeverity))))
	s.Workspaces = slices.DeleteFunc(slices.Clone(s.Workspaces), func(w string) bool { return w == "" })
	s.EventTypes = slices.DeleteFunc(slices.Clone(s.EventTypes), func(t EventType) bool { return t == "" })
	return s
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// maxSubscriptionSize bounds inbound messages; clients only send
// subscriptions.
const maxSubscriptionSize = 16 * 1024

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload := h.serialize(event)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.dropSlow(slow)
			}
		}
	}
}

// shouldSend checks if event matches client's subscription
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.EventTypes) > 0 && !slices.Contains(sub.EventTypes, event.Type) {
		return false
	}
	if len(sub.Workspaces) > 0 && !slices.Contains(sub.Workspaces, event.Workspace) {
		return false
	}
	// Severity only applies to analyses; an analysis with no results has
	// no severity and is filtered out.
	if sub.MinSeverity != "" && event.Type == EventAnalysisCompleted {
		if event.Severity == "" || !event.Severity.AtLeast(sub.MinSeverity) {
			return false
		}
	}
	return true
}

// dropSlow disconnects clients whose send buffer is full.
func (h *Hub) dropSlow(slow []*Client) {
	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			close(client.send)
			delete(h.clients, client)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("dropped slow websocket clients", "dropped", len(slow), "total", n)
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast sends an event to all matching clients
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// Publish sends a workspace event stamped with the current time.
func (h *Hub) Publish(workspace string, typ EventType, severity decision.Action, data any) {
	h.Broadcast(&Event{
		Type:      typ,
		Workspace: workspace,
		Timestamp: time.Now(),
		Severity:  severity,
		Data:      data,
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// Ping fails once the hub loop has stopped.
func (h *Hub) Ping(ctx context.Context) error {
	select {
	case <-h.done:
		return errors.New("realtime hub stopped")
	default:
		return nil
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  SubscriptionFromQuery(r.URL.Query()),
	}

	h.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump reads messages from WebSocket (subscriptions, pings)
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxSubscriptionSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		// Anything that is not a subscription is ignored.
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub.normalize()
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
