// Package statusfeed pushes stream status snapshots to observers: local
// WebSocket clients and, when configured, a Redis channel for out-of-process
// dashboards.
package statusfeed

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamcast/orchestrator/internal/controller"
)

// Publisher mirrors status snapshots to an external channel (e.g. Redis).
type Publisher interface {
	PublishStatus(payload []byte) error
}

// Hub maintains the set of connected WebSocket clients and fans status
// snapshots out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	last    *controller.Status
	logger  *zap.Logger
	mirror  Publisher
}

// NewHub creates a status hub. mirror may be nil.
func NewHub(logger *zap.Logger, mirror Publisher) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
		mirror:  mirror,
	}
}

// Register adds a client and immediately sends it the last known status so a
// freshly attached UI renders without waiting for the next transition.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	last := h.last
	h.mu.Unlock()
	if last != nil {
		c.enqueue(*last)
	}
	h.logger.Debug("status client attached", zap.String("client_id", c.ID))
}

// Unregister removes a client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()
	h.logger.Debug("status client detached", zap.String("client_id", c.ID))
}

// Broadcast sends a status snapshot to every connected client and the mirror.
// Slow clients are skipped rather than allowed to stall the controller.
func (h *Hub) Broadcast(st controller.Status) {
	h.mu.Lock()
	h.last = &st
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.enqueue(st)
	}
	if h.mirror != nil {
		if data, err := json.Marshal(st); err == nil {
			if err := h.mirror.PublishStatus(data); err != nil {
				h.logger.Debug("status mirror publish failed", zap.Error(err))
			}
		}
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
