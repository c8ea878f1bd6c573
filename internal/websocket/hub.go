package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/xelth-com/eckdisplay/internal/dispatch"
	"github.com/xelth-com/eckdisplay/internal/metrics"
	"github.com/xelth-com/eckdisplay/internal/models"
	"github.com/xelth-com/eckdisplay/internal/registry"
)

// Outbound message types
const (
	MsgPairingCode        = "pairing-code"
	MsgPaired             = "paired"
	MsgPlanUpdate         = "plan-update"
	MsgPairingUnavailable = "pairing-unavailable"
	MsgPong               = "pong"
)

// Lifecycle is the pairing side of a connection's life
type Lifecycle interface {
	Connect(ctx context.Context, deviceID, connID string, clientInfo []byte) (*models.Device, error)
	Resume(ctx context.Context, deviceID, connID string) (*models.Device, error)
	Disconnect(ctx context.Context, deviceID, connID string) error
	Seen(ctx context.Context, deviceID string) error
}

// Hub maintains the set of open connections and is the only writer of the
// connection registry
type Hub struct {
	// Open connections: connID -> Client
	clients map[string]*Client

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	registry  *registry.Registry
	lifecycle Lifecycle
	log       *slog.Logger
}

var _ dispatch.Sender = (*Hub)(nil)

// NewHub creates a new Hub instance
func NewHub(reg *registry.Registry, log *slog.Logger) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		registry: reg,
		log:      log.With("component", "gateway"),
	}
}

// SetLifecycle wires the pairing coordinator. It must be called before the
// hub serves connections.
func (h *Hub) SetLifecycle(l Lifecycle) {
	h.lifecycle = l
}

// Registry exposes the connection registry read side
func (h *Hub) Registry() registry.Lookup {
	return h.registry
}

// Len returns the number of open connections
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.connID] = c
	h.mu.Unlock()
	metrics.LiveConnections.Inc()
}

// remove drops c and closes its send channel, which makes the write pump
// send a close frame. Repeated calls are no-ops.
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.connID]; !ok || cur != c {
		return false
	}
	delete(h.clients, c.connID)
	close(c.send)
	metrics.LiveConnections.Dec()
	return true
}

// CloseAll disconnects every client. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.remove(c)
	}
}

type pairingCodeMessage struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	DeviceID string `json:"deviceId"`
}

type pairedMessage struct {
	Type       string `json:"type"`
	OrgID      string `json:"orgId"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

type planUpdateMessage struct {
	Type     string          `json:"type"`
	DeviceID string          `json:"deviceId"`
	DayPlan  *models.DayPlan `json:"dayPlan"`
	Revision int64           `json:"revision"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// SendPairedNotice implements dispatch.Sender
func (h *Hub) SendPairedNotice(connID string, n dispatch.PairedNotice) bool {
	return h.send(connID, pairedMessage{
		Type:       MsgPaired,
		OrgID:      n.OrganisationID,
		DeviceID:   n.DeviceID,
		DeviceName: n.DeviceName,
	})
}

// SendPlanUpdate implements dispatch.Sender
func (h *Hub) SendPlanUpdate(connID string, u dispatch.PlanUpdate) bool {
	return h.send(connID, planUpdateMessage{
		Type:     MsgPlanUpdate,
		DeviceID: u.DeviceID,
		DayPlan:  u.DayPlan,
		Revision: u.Revision,
	})
}

// send queues message for connID without blocking
func (h *Hub) send(connID string, message any) bool {
	jsonMsg, err := json.Marshal(message)
	if err != nil {
		h.log.Error("failed to marshal message", "error", err)
		return false
	}

	// Held across the send so remove cannot close the channel underneath us
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[connID]
	if !ok {
		h.log.Info("connection gone, message dropped", "socket_id", connID)
		return false
	}

	select {
	case client.send <- jsonMsg:
		return true
	default:
		// Buffer full or client dead
		h.log.Warn("send buffer full, message dropped", "socket_id", connID)
		return false
	}
}
