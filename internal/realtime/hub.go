// Package realtime streams authorization decisions and intent transitions to
// WebSocket clients.
//
// Operators watch the gate live instead of polling the audit log. Clients
// send a subscription JSON frame to narrow what they receive; the default is
// everything.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/spendgate/internal/audit"
	"github.com/mbd888/spendgate/internal/intent"
	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/usdc"
)

// Connection tuning. Pongs must arrive within pongWait; pings go out well
// before that so a healthy client always has one in flight.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// MaxClients caps concurrent WebSocket connections.
const MaxClients = 10000

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// EventType for streamed events
type EventType string

const (
	// EventAuthorization is one gate decision, allowed or blocked.
	EventAuthorization EventType = "authorization"
	// EventIntent is one intent lifecycle transition.
	EventIntent EventType = "intent"
)

// Event is one frame on the stream.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription filters for a client. Field filters apply only to events that
// carry the field: a Kinds filter never suppresses intent events, and events
// without an amount pass a MinAmount filter.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	Principals []string    `json:"principals"` // Match sender or recipient
	Kinds      []string    `json:"kinds"`      // allowed / blocked
	MinAmount  string      `json:"minAmount"`  // Canonical decimal floor
}

// Client is one WebSocket connection and its current subscription.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Hub owns the client set. Membership changes only happen on Run's
// goroutine; the mutex guards reads from other goroutines.
type Hub struct {
	clients    map[*Client]struct{}
	events     chan *Event
	join       chan *Client
	leave      chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. Call Run before accepting connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		events:     make(chan *Event, 256),
		join:       make(chan *Client),
		leave:      make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run drives the hub until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.join:
			h.add(c)
		case c := <-h.leave:
			h.drop(c)
		case e := <-h.events:
			h.fanOut(e)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.totalClients.Add(1)
	if int64(n) > h.peakClients.Load() {
		h.peakClients.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("client connected", "total", n)
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("client disconnected", "total", n)
}

func (h *Hub) closeAll() {
	h.logger.Info("realtime hub shutting down, closing client connections")
	h.mu.Lock()
	for c := range h.clients {
		close(c.send) // writePump sends CloseMessage on closed channel
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
	h.logger.Info("realtime hub stopped")
}

// fanOut delivers one event to every matching client. The payload is
// marshaled once, not per client. Clients whose buffers are full get
// dropped; a reader that far behind would only fall further.
func (h *Hub) fanOut(e *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("event marshal failed", "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !h.shouldSend(c, e) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.drop(c)
	}
}

// shouldSend checks event against the client's subscription.
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	sub := client.subscription()

	if sub.AllEvents {
		return true
	}

	if len(sub.EventTypes) > 0 && !slices.Contains(sub.EventTypes, event.Type) {
		return false
	}

	data, isMap := event.Data.(map[string]any)

	// Principal filter matches either side of the payment.
	if len(sub.Principals) > 0 && isMap {
		sender, _ := data["sender"].(string)
		recipient, _ := data["recipient"].(string)
		match := func(p string) bool {
			return strings.EqualFold(p, sender) || strings.EqualFold(p, recipient)
		}
		if !slices.ContainsFunc(sub.Principals, match) {
			return false
		}
	}

	if len(sub.Kinds) > 0 && isMap {
		if kind, ok := data["kind"].(string); ok {
			if !slices.ContainsFunc(sub.Kinds, func(k string) bool { return strings.EqualFold(k, kind) }) {
				return false
			}
		}
	}

	if sub.MinAmount != "" && isMap {
		if amtStr, ok := data["amount"].(string); ok {
			floor, okMin := usdc.Parse(sub.MinAmount)
			amt, okAmt := usdc.Parse(amtStr)
			if okMin && okAmt && amt.Cmp(floor) < 0 {
				return false
			}
		}
	}

	return true
}

// Broadcast queues an event for fan-out, dropping it if the queue is full.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.events <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// PaymentDecided streams a gate decision. Satisfies the gate's listener;
// Broadcast drops rather than blocks, so the decision path never waits on a
// slow client.
func (h *Hub) PaymentDecided(e *audit.Event) {
	data := map[string]any{
		"kind":      string(e.Kind),
		"sender":    e.Sender,
		"recipient": e.Recipient,
		"amount":    e.Amount,
		"rule":      e.Rule,
	}
	if e.Reason != "" {
		data["reason"] = e.Reason
	}
	if e.IntentID != "" {
		data["intentId"] = e.IntentID
	}

	h.Broadcast(&Event{
		Type:      EventAuthorization,
		Timestamp: e.CreatedAt,
		Data:      data,
	})
}

// IntentTransitioned streams an intent lifecycle transition. Satisfies the
// registry's listener.
func (h *Hub) IntentTransitioned(i *intent.PaymentIntent) {
	data := map[string]any{
		"intentId":  i.ID,
		"sender":    i.Sender,
		"recipient": i.Recipient,
		"amount":    i.Amount,
		"status":    string(i.Status),
	}
	if i.DecidedBy != "" {
		data["decidedBy"] = i.DecidedBy
	}
	if i.Reason != "" {
		data["reason"] = i.Reason
	}
	if i.ExecutionFailed {
		data["executionFailed"] = true
	}

	h.Broadcast(&Event{
		Type:      EventIntent,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Stats reports hub counters for the admin surface.
func (h *Hub) Stats() map[string]any {
	return map[string]any{
		"connectedClients": h.clientCount(),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and hands the connection to the hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		// Run already exited; an upgrade now would orphan the connection.
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if h.clientCount() >= h.maxClients {
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
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{AllEvents: true}, // until the client narrows it
	}

	h.join <- client
	go client.writePump()
	go client.readPump()
}

// readPump consumes inbound frames. The only meaningful payload is a
// subscription update; pongs keep the read deadline fresh.
func (c *Client) readPump() {
	defer func() {
		c.hub.leave <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue // not a subscription frame
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

// writePump pushes queued events and keepalive pings. A closed send channel
// means the hub dropped this client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, open := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
