package events

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// client is one WebSocket connection.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu sync.RWMutex
	// types holds exact event types and "prefix.*" patterns; empty
	// receives everything.
	types   map[string]bool
	sources map[string]bool
}

// controlMessage is what clients send to the hub.
type controlMessage struct {
	Action  string   `json:"action"`
	Events  []string `json:"events"`
	Sources []string `json:"sources"`
}

func (c *client) wants(eventType, sourceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sources) > 0 && !c.sources[sourceID] {
		return false
	}
	if len(c.types) == 0 || c.types[eventType] {
		return true
	}
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		return c.types[eventType[:i]+".*"]
	}
	return false
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 << 10)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			if c.types == nil {
				c.types = make(map[string]bool)
				c.sources = make(map[string]bool)
			}
			for _, e := range msg.Events {
				c.types[e] = true
			}
			for _, s := range msg.Sources {
				c.sources[s] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "events": msg.Events, "sources": msg.Sources})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.types, e)
			}
			for _, s := range msg.Sources {
				delete(c.sources, s)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a control response without blocking the read loop.
func (c *client) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().Unix()
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}
