// Package realtime pushes message row changes to the members currently
// subscribed to a chat.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"messaging/internal/observability/metrics"
	"messaging/pkg/chatwire"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Hub keeps one room per chat. Delivery is at-least-once with no ordering
// guarantee across events; clients reconcile.
type Hub struct {
	mu    sync.RWMutex
	rooms map[uuid.UUID]map[string]*Connection
	log   *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[uuid.UUID]map[string]*Connection),
		log:   slog.Default().With("component", "realtime"),
	}
}

// NewUpgrader accepts the given origins; an empty list accepts any origin.
func NewUpgrader(origins []string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// Accept joins the chat room, upgrades the request and blocks until the
// socket closes. The room is joined before the handshake so an event
// committed while the client is connecting is queued rather than lost.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, up *websocket.Upgrader, userID, chatID uuid.UUID) error {
	conn := NewConnection(userID, chatID)
	h.join(conn)
	defer h.leave(conn)

	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	if !conn.attach(ws) {
		return ErrConnectionClosed
	}

	h.log.Debug("subscriber joined", "chat_id", chatID, "user_id", userID, "conn_id", conn.ID)
	go conn.writeLoop()
	conn.readLoop()
	h.log.Debug("subscriber left", "chat_id", chatID, "user_id", userID, "conn_id", conn.ID)
	return nil
}

func (h *Hub) join(conn *Connection) {
	h.mu.Lock()
	room := h.rooms[conn.ChatID]
	if room == nil {
		room = make(map[string]*Connection)
		h.rooms[conn.ChatID] = room
	}
	room[conn.ID] = conn
	h.mu.Unlock()
	metrics.RealtimeSubscribers.WithLabelValues().Inc()
}

func (h *Hub) leave(conn *Connection) {
	h.mu.Lock()
	if room := h.rooms[conn.ChatID]; room != nil {
		delete(room, conn.ID)
		if len(room) == 0 {
			delete(h.rooms, conn.ChatID)
		}
	}
	h.mu.Unlock()
	conn.Close(websocket.CloseNormalClosure, "")
	metrics.RealtimeSubscribers.WithLabelValues().Dec()
}

// Publish sends ev to every subscriber of chatID and returns how many
// connections accepted it.
func (h *Hub) Publish(chatID uuid.UUID, ev chatwire.Event) int {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("encode realtime event", "chat_id", chatID, "error", err)
		return 0
	}
	metrics.RealtimeEventsTotal.WithLabelValues(string(ev.Type)).Inc()

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.rooms[chatID]))
	for _, c := range h.rooms[chatID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if err := c.Send(payload); err == nil {
			delivered++
		} else {
			h.log.Debug("dropped realtime subscriber", "chat_id", chatID, "conn_id", c.ID, "error", err)
		}
	}
	return delivered
}

// Subscribers reports the number of open connections on chatID.
func (h *Hub) Subscribers(chatID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}

// Close disconnects everyone; used on shutdown.
func (h *Hub) Close() {
	h.mu.RLock()
	var conns []*Connection
	for _, room := range h.rooms {
		for _, c := range room {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutdown")
	}
}
