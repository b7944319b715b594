// Package panel implements the web dashboard server: the REST API, the
// browser event stream, and the single managed session to the agent.
package panel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/gamedock/gamedock/pkg/bus"
)

// BrowserEvent is a message fanned out to dashboard WebSocket clients.
type BrowserEvent struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Hub fans agent events out to connected browser clients. Slow consumers
// are dropped rather than allowed to stall the feed.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

// Attach subscribes the hub to the panel's event bus. Every subject under
// the gamedock namespace becomes a browser event named by its last tokens.
func (h *Hub) Attach(ctx context.Context, eb bus.EventBus) (bus.Subscription, error) {
	return eb.Subscribe(ctx, "gamedock.>", func(msg *bus.Message) {
		h.Broadcast(BrowserEvent{
			Type:      msg.Subject,
			Payload:   msg.Data,
			Timestamp: time.Now(),
		})
	})
}

// Broadcast sends an event to all clients, dropping slow consumers.
func (h *Hub) Broadcast(event BrowserEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.enqueue(event) {
			go h.removeClient(c)
		}
	}
}

// ClientCount reports connected browser clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(conn wsConn, filter func(BrowserEvent) bool) *hubClient {
	c := &hubClient{
		conn:   conn,
		send:   make(chan BrowserEvent, 64),
		filter: filter,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	metricHubClients.Set(float64(count))
	return c
}

func (h *Hub) removeClient(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	metricHubClients.Set(float64(count))
}

// Shutdown closes every client connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		close(c.send)
		clients = append(clients, c)
	}
	h.clients = make(map[*hubClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "panel shutting down")
	}
	metricHubClients.Set(0)
}

type wsConn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Close(status websocket.StatusCode, reason string) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

type hubClient struct {
	conn   wsConn
	send   chan BrowserEvent
	filter func(BrowserEvent) bool
}

func (c *hubClient) enqueue(event BrowserEvent) bool {
	if c.filter != nil && !c.filter(event) {
		return true
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

func (c *hubClient) writeLoop(ctx context.Context) error {
	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *hubClient) close(status websocket.StatusCode, reason string) {
	_ = c.conn.Close(status, reason)
}
