package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xypine/codestrain/internal/battle"
)

const (
	writeWait      = 10 * time.Second
	clientBuffer   = 256
	broadcastQueue = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage is the envelope for everything sent over a websocket.
type WSMessage struct {
	Type     string `json:"type"`
	BattleID string `json:"battle_id,omitempty"`
	Data     any    `json:"data,omitempty"`
}

type liveMessage struct {
	battleID string
	payload  []byte
}

// Client is one spectator connection. An empty battleID follows every
// battle.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	battleID string
}

// Hub fans out turn events of running battles to spectators.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan liveMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	spectators atomic.Int32
	logger     *zap.Logger
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan liveMessage, broadcastQueue),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run serves registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.spectators.Store(int32(len(h.clients)))
			h.logger.Debug("spectator registered", zap.String("battle_id", client.battleID))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.spectators.Store(int32(len(h.clients)))
				h.logger.Debug("spectator unregistered", zap.String("battle_id", client.battleID))
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				if client.battleID != "" && client.battleID != msg.battleID {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					close(client.send)
					delete(h.clients, client)
					h.spectators.Store(int32(len(h.clients)))
				}
			}
		}
	}
}

// Spectators returns the number of connected spectators.
func (h *Hub) Spectators() int {
	return int(h.spectators.Load())
}

// Publish queues a turn event for every interested spectator. It never
// blocks the battle; events are dropped when the queue is full.
func (h *Hub) Publish(event battle.TurnEvent) {
	payload, err := json.Marshal(WSMessage{
		Type:     "turn",
		BattleID: event.BattleID,
		Data:     event,
	})
	if err != nil {
		h.logger.Error("failed to encode turn event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- liveMessage{battleID: event.BattleID, payload: payload}:
	default:
		h.logger.Warn("live queue full, dropping turn event",
			zap.String("battle_id", event.BattleID),
			zap.Int("turn", event.Entry.Turn),
		)
	}
}

// ServeWS upgrades the request and registers a spectator. The optional
// battle query parameter restricts the feed to one battle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:     conn,
		send:     make(chan []byte, clientBuffer),
		battleID: r.URL.Query().Get("battle"),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

// readPump only watches for the peer going away.
func (c *Client) readPump(hub *Hub) {
	defer func() {
		select {
		case hub.unregister <- c:
		case <-hub.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			break
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}
