package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukerupert/expensebackup/internal/model"
)

const (
	TypeBackupState = "backup_state"
	EntityBackup    = "backup"
)

// Message is a backup state change pushed to subscribed clients.
type Message struct {
	Type     string `json:"type"`
	Entity   string `json:"entity"`
	Action   string `json:"action"`
	ID       string `json:"id"`
	TenantID string `json:"tenant_id,omitempty"`
}

// NewStateMessage describes request id of tenantID entering state.
func NewStateMessage(id, tenantID string, state model.BackupState) Message {
	return Message{
		Type:     TypeBackupState,
		Entity:   EntityBackup,
		Action:   string(state),
		ID:       id,
		TenantID: tenantID,
	}
}

// Hub maintains the set of active WebSocket clients and broadcasts messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends msg to every client subscribed to msg.TenantID. Clients
// without a tenant filter receive everything.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.tenantID != "" && c.tenantID != msg.TenantID {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Client buffer full, drop rather than block the pipeline.
			h.logger.Warn("dropping state message for slow client", "backup_id", msg.ID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
