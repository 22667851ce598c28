package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veridex/pnl-engine/internal/metrics"
	"github.com/veridex/pnl-engine/internal/model"
)

// WSMessage is the payload pushed to subscribers when a wallet summary
// finishes computing.
type WSMessage struct {
	Type    string                  `json:"type"`
	Wallet  string                  `json:"wallet"`
	Summary *model.WalletPnlSummary `json:"summary"`
}

// wsClient is one connected subscriber. An empty wallet filter receives
// every summary; otherwise only that wallet's.
type wsClient struct {
	conn   *websocket.Conn
	wallet string
}

type wsEvent struct {
	wallet string
	data   []byte
}

// WSHub manages WebSocket connections for real-time summary updates.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan wsEvent
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan wsEvent, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run processes client registration and broadcasts. Call in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "wallet", c.wallet, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
				metrics.WebSocketClients.Dec()
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.wallet != "" && c.wallet != ev.wallet {
					continue
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, ev.data); err != nil {
					c.conn.Close()
					delete(h.clients, c)
					metrics.WebSocketClients.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastSummary pushes a finished summary to matching subscribers.
func (h *WSHub) BroadcastSummary(summary *model.WalletPnlSummary) {
	msg := WSMessage{
		Type:    "summary_computed",
		Wallet:  summary.Wallet,
		Summary: summary,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal ws message", "err", err)
		return
	}

	select {
	case h.broadcast <- wsEvent{wallet: summary.Wallet, data: data}:
	default:
		// Drop if buffer full to avoid blocking the compute path.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS upgrades HTTP connections to WebSocket. The optional wallet
// query parameter narrows the stream to one wallet's summaries.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, wallet: r.URL.Query().Get("wallet")}
	h.register <- c

	// Read pump: detect client disconnect.
	go func() {
		defer func() { h.unregister <- c }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Ping ticker keeps the connection alive.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[c]
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
