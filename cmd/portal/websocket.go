// Package main provides the WebSocket event hub for open portal views.
package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/schooldesk/backend/internal/logging"
	"github.com/kimhsiao/schooldesk/backend/internal/notify"
	"github.com/kimhsiao/schooldesk/backend/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Only allow connections from localhost
		host := r.Host
		return strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1")
	},
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	hub           *WSHub
	subscriptions map[string]bool
}

// wants reports whether the client should receive an event kind. A client
// with no subscriptions receives everything.
func (c *WSClient) wants(kind string) bool {
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[kind]
}

// WSHub maintains active client connections and fans bus events out to
// them. Every open portal view holds one connection; views recompute their
// state from the store when a signal arrives.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan notify.Event
	register   chan *WSClient
	unregister chan *WSClient
	subscribe  chan subscriptionChange
	done       chan struct{}
}

// subscriptionChange is applied on the hub goroutine so the client's
// subscription set is never touched concurrently with a broadcast.
type subscriptionChange struct {
	client *WSClient
	kinds  []string
	add    bool
}

// WSEnvelope wraps all outbound WebSocket messages.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Table     string                 `json:"table,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// NewWSHub creates a hub and starts its dispatch goroutine.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan notify.Event, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		subscribe:  make(chan subscriptionChange),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

// BridgeBus forwards engine bus events into the hub until cancel is called.
func (h *WSHub) BridgeBus(bus *notify.Bus) func() {
	events, cancel := bus.Subscribe()
	go func() {
		for event := range events {
			select {
			case h.broadcast <- event:
			default:
				// Hub backlog full; views resync from the store on the
				// next signal that gets through.
			}
		}
	}()
	return cancel
}

// Close stops the dispatch goroutine and disconnects all clients.
func (h *WSHub) Close() {
	close(h.done)
}

// run manages client connections and broadcasts.
func (h *WSHub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client.id] = client
			logging.Info("WebSocket client connected",
				map[string]interface{}{"client_id": client.id, "total": len(h.clients)})

		case client := <-h.unregister:
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			logging.Info("WebSocket client disconnected",
				map[string]interface{}{"client_id": client.id, "total": len(h.clients)})

		case change := <-h.subscribe:
			for _, kind := range change.kinds {
				if change.add {
					change.client.subscriptions[kind] = true
				} else {
					delete(change.client.subscriptions, kind)
				}
			}

		case event := <-h.broadcast:
			envelope := WSEnvelope{
				Type:      event.Kind,
				Table:     event.Table,
				Data:      event.Data,
				Timestamp: event.Timestamp,
			}
			message, err := json.Marshal(envelope)
			if err != nil {
				logging.Error("Failed to marshal WebSocket event", err)
				continue
			}
			for _, client := range h.clients {
				if !client.wants(event.Kind) {
					continue
				}
				select {
				case client.send <- message:
				default:
					// Client send buffer is full, close connection
					close(client.send)
					delete(h.clients, client.id)
				}
			}

		case <-h.done:
			for _, client := range h.clients {
				delete(h.clients, client.id)
				close(client.send)
			}
			return
		}
	}
}

// readPump pumps messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read error",
					map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			break
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Warn("Invalid WebSocket message",
				map[string]interface{}{"client_id": c.id, "error": err.Error()})
			continue
		}

		action, ok := msg["action"].(string)
		if !ok {
			continue
		}

		switch action {
		case "subscribe":
			if kinds := eventKinds(msg); len(kinds) > 0 {
				c.hub.subscribe <- subscriptionChange{client: c, kinds: kinds, add: true}
				c.sendAck("subscribe_ack", kinds)
			}

		case "unsubscribe":
			if kinds := eventKinds(msg); len(kinds) > 0 {
				c.hub.subscribe <- subscriptionChange{client: c, kinds: kinds, add: false}
			}

		case "ping":
			c.sendPong()
		}
	}
}

// eventKinds extracts the "events" list from a client message.
func eventKinds(msg map[string]interface{}) []string {
	raw, ok := msg["events"].([]interface{})
	if !ok {
		return nil
	}
	var kinds []string
	for _, e := range raw {
		if kind, ok := e.(string); ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendAck sends a subscription acknowledgment.
func (c *WSClient) sendAck(action string, kinds []string) {
	envelope := map[string]interface{}{
		"action":     action,
		"subscribed": kinds,
		"timestamp":  time.Now().Unix(),
	}

	bytes, _ := json.Marshal(envelope)
	c.send <- bytes
}

// sendPong sends a pong response.
func (c *WSClient) sendPong() {
	envelope := map[string]interface{}{
		"action":    "pong",
		"timestamp": time.Now().Unix(),
	}

	bytes, _ := json.Marshal(envelope)
	c.send <- bytes
}

// HandleWebSocket upgrades a portal view's connection and registers it.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error("Failed to upgrade WebSocket", err)
			return
		}

		client := &WSClient{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, 256),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}
