package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/predyx/exchange-core/internal/metrics"
	"github.com/predyx/exchange-core/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string `json:"type"`
	EventID   string `json:"event_id"`
	OrderID   string `json:"order_id,omitempty"`
	TradeID   string `json:"trade_id,omitempty"`
	Side      string `json:"side,omitempty"`
	Action    string `json:"action,omitempty"`
	Status    string `json:"status,omitempty"`
	Quantity  string `json:"quantity,omitempty"`
	Price     string `json:"price,omitempty"`
	Remaining string `json:"remaining,omitempty"`
	Source    string `json:"source,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts order and trade
// updates to all connected clients.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				metrics.WebSocketClients.Dec()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			// Failed writes remove the client from the map, so the
			// full lock is required here.
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
					metrics.WebSocketClients.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking trade execution.
	}
}

// OrderPlaced implements Sink.
func (h *WSHub) OrderPlaced(_ context.Context, o *model.Order) {
	h.Broadcast(orderMessage("order_placed", o))
}

// OrderUpdated implements Sink.
func (h *WSHub) OrderUpdated(_ context.Context, o *model.Order) {
	h.Broadcast(orderMessage("order_updated", o))
}

// TradeExecuted implements Sink.
func (h *WSHub) TradeExecuted(_ context.Context, t *model.Trade) {
	h.Broadcast(WSMessage{
		Type:     "trade",
		EventID:  t.EventID,
		TradeID:  t.ID,
		Side:     string(t.Side),
		Quantity: t.Quantity.String(),
		Price:    t.Price.String(),
		Source:   string(t.Type),
	})
}

func orderMessage(typ string, o *model.Order) WSMessage {
	return WSMessage{
		Type:      typ,
		EventID:   o.EventID,
		OrderID:   o.ID,
		Side:      string(o.Side),
		Action:    string(o.Action),
		Status:    string(o.Status),
		Quantity:  o.OriginalQuantity.String(),
		Remaining: o.RemainingQuantity.String(),
		Price:     o.LimitPrice.String(),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
