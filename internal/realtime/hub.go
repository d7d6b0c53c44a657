// Package realtime streams payment request updates over WebSocket.
//
// Clients receive every update by default. Sending a Subscription message
// (or passing payment/address query parameters on connect) narrows the
// stream to specific payment requests or receiving addresses.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cryptohook/cryptohook/internal/amount"
	"github.com/cryptohook/cryptohook/internal/metrics"
	"github.com/cryptohook/cryptohook/internal/payments"
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
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType for real-time events
type EventType string

const EventPaymentUpdated EventType = "payment.updated"

// PaymentUpdate is the data of a payment.updated event.
type PaymentUpdate struct {
	PaymentID             string          `json:"paymentId"`
	Status                payments.Status `json:"status"`
	Currency              string          `json:"currency"`
	Network               string          `json:"network"`
	ReceivingAddress      string          `json:"receivingAddress"`
	AmountExpected        amount.Amount   `json:"amountExpected"`
	AmountPaid            amount.Amount   `json:"amountPaid"`
	Confirmations         uint32          `json:"confirmations"`
	ConfirmationsRequired uint32          `json:"confirmationsRequired"`
	TransactionID         string          `json:"transactionId,omitempty"`
}

// Event represents a real-time event
type Event struct {
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Data      PaymentUpdate `json:"data"`
}

// Subscription filters for a client. Empty filters match everything;
// PaymentIDs and Addresses are alternatives (either may match).
type Subscription struct {
	PaymentIDs []string `json:"paymentIds"`
	Addresses  []string `json:"addresses"`
	Currencies []string `json:"currencies"`
}

func (s Subscription) matches(u *PaymentUpdate) bool {
	if len(s.Currencies) > 0 && !containsFold(s.Currencies, u.Currency) {
		return false
	}
	if len(s.PaymentIDs) == 0 && len(s.Addresses) == 0 {
		return true
	}
	return containsFold(s.PaymentIDs, u.PaymentID) || containsFold(s.Addresses, u.ReceivingAddress)
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
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
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to encode realtime event", "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				client.mu.RLock()
				ok := client.sub.matches(&event.Data)
				client.mu.RUnlock()
				if !ok {
					continue
				}
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// Broadcast queues an event for all matching clients.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "payment", event.Data.PaymentID)
	}
}

// PublishPayment broadcasts a payment.updated event for req.
func (h *Hub) PublishPayment(req *payments.PaymentRequest) {
	h.Broadcast(&Event{
		Type:      EventPaymentUpdated,
		Timestamp: time.Now().UTC(),
		Data: PaymentUpdate{
			PaymentID:             req.ID,
			Status:                req.Status,
			Currency:              req.CurrencySymbol,
			Network:               req.Network,
			ReceivingAddress:      req.ReceivingAddress,
			AmountExpected:        req.AmountExpected,
			AmountPaid:            req.AmountPaid,
			Confirmations:         req.ConfirmationsObserved,
			ConfirmationsRequired: req.ConfirmationsRequired,
			TransactionID:         req.TransactionID,
		},
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]int64{
		"connectedClients": int64(len(h.clients)),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket. The optional query
// parameters payment and address (repeatable) set the initial filter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	sub := Subscription{
		PaymentIDs: q["payment"],
		Addresses:  q["address"],
		Currencies: q["currency"],
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
		sub:  sub,
	}

	if !h.attach(client) {
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// attach hands c to the run loop. It reports false once the hub has stopped.
func (h *Hub) attach(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// detach removes c. After Run returns every client is already gone.
func (h *Hub) detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// readPump reads subscription updates and keeps the read deadline fresh.
func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
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

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
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
