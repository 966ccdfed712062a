// Package stream pushes ledger and simulation events to WebSocket clients.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stocksim/sim-engine/internal/metrics"
)

// Event types.
const (
	TradeExecuted  = "trade_executed"
	SessionStarted = "session_started"
	TimeAdvanced   = "time_advanced"
)

// Event is a JSON message sent to WebSocket clients.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	PortfolioID int64     `json:"portfolio_id"`
	Timestamp   time.Time `json:"timestamp"`
	Data        any       `json:"data,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(typ string, portfolioID int64, data any) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        typ,
		PortfolioID: portfolioID,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	}
}

// Hub manages WebSocket connections and fans events out to every connected
// client. Clients may pass ?portfolio_id= to receive only that portfolio's
// events.
type Hub struct {
	clients    map[*websocket.Conn]int64 // conn -> portfolio filter, 0 = all
	broadcast  chan Event
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

type subscription struct {
	conn        *websocket.Conn
	portfolioID int64
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]int64),
		broadcast:  make(chan Event, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and returns when ctx is cancelled, closing
// every client. Must be called in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.portfolioID
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n, "portfolio", sub.portfolioID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("ws encode failed", "type", ev.Type, "err", err)
				continue
			}
			h.mu.Lock()
			for conn, filter := range h.clients {
				if filter != 0 && filter != ev.PortfolioID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Publish queues an event for delivery. A nil hub is a no-op, and events
// are dropped when the buffer is full so publishers never block.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	select {
	case h.broadcast <- ev:
	default:
		slog.Warn("ws buffer full, dropping event", "type", ev.Type, "portfolio", ev.PortfolioID)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	filter, err := portfolioFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- subscription{conn: conn, portfolioID: filter}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
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
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}

func portfolioFilter(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("portfolio_id")
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("portfolio_id must be a positive integer")
	}
	return id, nil
}
