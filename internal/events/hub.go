// Package events provides the WebSocket progress channel. Commits,
// approval decisions and pipeline progress are broadcast to connected
// clients, which may narrow what they receive by event type and source.
package events

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ourtextscores/scorecore/internal/logging"
	"github.com/ourtextscores/scorecore/internal/uuid"
)

const (
	EventRevisionCommitted = "revision.committed"
	EventRevisionPending   = "revision.pending_approval"
	EventApprovalDecided   = "approval.decided"

	EventPipelineStarted   = "pipeline.started"
	EventPipelineStage     = "pipeline.stage"
	EventPipelineCompleted = "pipeline.completed"
	EventPipelineRetrying  = "pipeline.retrying"
	EventPipelineFailed    = "pipeline.failed"
)

const (
	sendBuffer   = 256
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Publisher receives progress events. Publish never blocks.
type Publisher interface {
	Publish(eventType string, data map[string]interface{})
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(string, map[string]interface{}) {}

// Envelope wraps every message sent to clients.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

type message struct {
	eventType string
	sourceID  string
	payload   []byte
}

// Hub maintains client connections and fans events out to them.
type Hub struct {
	clients    map[string]*client
	broadcast  chan message
	register   chan *client
	unregister chan *client
	stop       chan struct{}
	done       chan struct{}
	mu         sync.RWMutex

	upgrader websocket.Upgrader
	log      *logging.Logger
}

// NewHub creates and starts a hub. allowedOrigins lists the origins
// (scheme://host[:port]) permitted to connect; when empty only same-host
// connections are accepted.
func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan message, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        logging.Get().With("events"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	go h.run()
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && len(allowed) == 0 && strings.EqualFold(u.Host, r.Host)
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", map[string]interface{}{"client": c.id, "total": n})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", map[string]interface{}{"client": c.id, "total": n})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				if !c.wants(msg.eventType, msg.sourceID) {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					// A client that cannot keep up is dropped.
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Publish broadcasts an event. When the broadcast buffer is full the
// event is dropped rather than blocking the caller.
func (h *Hub) Publish(eventType string, data map[string]interface{}) {
	payload, err := json.Marshal(Envelope{Type: eventType, Data: data, Timestamp: time.Now().Unix()})
	if err != nil {
		h.log.Error("failed to marshal event", err, map[string]interface{}{"type": eventType})
		return
	}
	sourceID, _ := data["source_id"].(string)
	select {
	case h.broadcast <- message{eventType: eventType, sourceID: sourceID, payload: payload}:
	case <-h.done:
	default:
		h.log.Warn("event dropped, broadcast buffer full", map[string]interface{}{"type": eventType})
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	select {
	case <-h.done:
	default:
		close(h.stop)
		<-h.done
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	c := &client{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
