// WebSocket hub for the live activity feed.
package staking

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/oracle-engine/internal/metrics"
)

// Event types broadcast to clients.
const (
	EventMarketCreated  = "market_created"
	EventStakePlaced    = "stake_placed"
	EventMarketResolved = "market_resolved"
	EventPayoutClaimed  = "payout_claimed"
)

// Event is a JSON message sent to WebSocket clients.
type Event struct {
	Type           string `json:"type"`
	MarketID       string `json:"market_id"`
	User           string `json:"user,omitempty"`
	Outcome        string `json:"outcome,omitempty"`
	Amount         int64  `json:"amount,omitempty"`
	PoolYes        int64  `json:"pool_yes"`
	PoolNo         int64  `json:"pool_no"`
	OddsYes        int64  `json:"odds_yes_bps"`
	WinningOutcome string `json:"winning_outcome,omitempty"`
	Time           int64  `json:"time"`
}

// WSHub manages WebSocket connections and fans out market events.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client.
func (h *WSHub) Run(ctx context.Context) {
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

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var dead []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range dead {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Publish queues an event for every connected client. A nil hub is a no-op.
func (h *WSHub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Time == 0 {
		ev.Time = time.Now().Unix()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop rather than block a settlement.
		slog.Warn("ws broadcast buffer full, event dropped", "type", ev.Type, "market", ev.MarketID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // feed is public and read-only
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: clients only send pongs; a read error means disconnect.
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

	// Keepalive through proxies.
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
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
