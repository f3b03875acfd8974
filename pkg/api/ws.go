package api

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// Message is the WebSocket envelope in both directions.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ClientCommand is a decision sent by a connected operator.
type ClientCommand struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	AlwaysAllow bool   `json:"alwaysAllow"`
	AlwaysDeny  bool   `json:"alwaysDeny"`
}

// Hub tracks connected WebSocket operators and broadcasts queue and rule
// events to them.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*wsClient
	log     *slog.Logger
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes to the connection
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{clients: make(map[string]*wsClient), log: log}
}

func (h *Hub) register(conn *websocket.Conn) string {
	id := ulid.Make().String()
	h.mu.Lock()
	h.clients[id] = &wsClient{conn: conn}
	h.mu.Unlock()
	h.log.Info("ws client connected", "client", id)
	return id
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	client, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	if ok {
		client.conn.Close()
		h.log.Info("ws client disconnected", "client", id)
	}
}

// Broadcast sends one message to every connected client. A failed send
// skips that client; the read loop's close handling prunes dead sockets.
func (h *Hub) Broadcast(msgType string, data any) {
	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		h.log.Warn("ws marshal failed", "type", msgType, "error", err)
		return
	}

	h.mu.Lock()
	snapshot := make(map[string]*wsClient, len(h.clients))
	for id, client := range h.clients {
		snapshot[id] = client
	}
	h.mu.Unlock()

	for id, client := range snapshot {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, payload)
		client.mu.Unlock()
		if err != nil {
			h.log.Warn("ws send failed", "client", id, "error", err)
		}
	}
}

// send writes one message to a single client.
func (h *Hub) send(id string, msgType string, data any) {
	h.mu.Lock()
	client, ok := h.clients[id]
	h.mu.Unlock()
	if !ok {
		return
	}
	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		return
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		h.log.Warn("ws send failed", "client", id, "error", err)
	}
}
