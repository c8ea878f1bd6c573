package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xelth-com/eckdisplay/internal/codes"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Displays only send small control messages.
	maxMessageSize = 4 * 1024

	// Bound on lifecycle calls made outside a request
	lifecycleTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Displays are served from arbitrary origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// Transport connection id, fresh for every connection
	connID string

	// Device bound to this connection once attached
	deviceID string
}

// inboundMessage is the envelope displays send
type inboundMessage struct {
	Type string `json:"type"`
}

// ServeHTTP upgrades a display connection. A display that already knows its
// device id passes it as ?deviceId= and is resumed when it is paired;
// everything else gets a fresh pairing code.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.lifecycle == nil {
		http.Error(w, "gateway not ready", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 64),
		connID: uuid.NewString(),
	}
	h.add(client)
	go client.writePump()

	if !h.attach(r.Context(), client, r) {
		return
	}
	go client.readPump()
}

// attach binds the connection to a device. It returns false when the
// connection was refused and is being closed.
func (h *Hub) attach(ctx context.Context, c *Client, r *http.Request) bool {
	if requested := r.URL.Query().Get("deviceId"); requested != "" {
		h.registry.Bind(c.connID, requested)
		dev, err := h.lifecycle.Resume(ctx, requested, c.connID)
		if err == nil {
			c.deviceID = dev.ID
			return true
		}
		h.registry.Unbind(c.connID)
		h.log.Debug("resume refused, issuing new code", "device_id", requested, "error", err)
	}

	deviceID := uuid.NewString()
	// Bound before the row exists so a claim racing the insert can reach us
	h.registry.Bind(c.connID, deviceID)

	dev, err := h.lifecycle.Connect(ctx, deviceID, c.connID, clientInfo(r))
	if err != nil {
		h.registry.Unbind(c.connID)
		msg := "pairing failed"
		if errors.Is(err, codes.ErrCodeSpaceExhausted) {
			msg = "no pairing code available, retry later"
		}
		h.log.Error("connect failed", "socket_id", c.connID, "error", err)
		c.queue(errorMessage{Type: MsgPairingUnavailable, Error: msg})
		h.remove(c)
		return false
	}

	c.deviceID = dev.ID
	c.queue(pairingCodeMessage{Type: MsgPairingCode, Code: *dev.PairingCode, DeviceID: dev.ID})
	return true
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.seen()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read error", "socket_id", c.connID, "error", err)
			}
			break
		}
		c.seen()

		var msg inboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.Debug("ignoring malformed message", "socket_id", c.connID)
			continue
		}
		if msg.Type == "ping" {
			c.queue(inboundMessage{Type: MsgPong})
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
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
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// queue sends v to this client through the hub
func (c *Client) queue(v any) {
	c.hub.send(c.connID, v)
}

func (c *Client) seen() {
	if c.deviceID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()
	if err := c.hub.lifecycle.Seen(ctx, c.deviceID); err != nil {
		c.hub.log.Warn("failed to record activity", "device_id", c.deviceID, "error", err)
	}
}

// detach runs once when the read side ends: unbind, then let the pairing
// side clean up the device.
func (h *Hub) detach(c *Client) {
	h.remove(c)
	deviceID, ok := h.registry.Unbind(c.connID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()
	if err := h.lifecycle.Disconnect(ctx, deviceID, c.connID); err != nil {
		h.log.Error("disconnect cleanup failed", "device_id", deviceID, "socket_id", c.connID, "error", err)
		return
	}
	h.log.Info("device disconnected", "device_id", deviceID, "socket_id", c.connID)
}

// clientInfo captures what the display reports about itself at connect
func clientInfo(r *http.Request) []byte {
	info := map[string]any{
		"userAgent": r.UserAgent(),
	}
	q := r.URL.Query()
	for _, key := range []string{"width", "height"} {
		if v, err := strconv.Atoi(q.Get(key)); err == nil && v > 0 {
			info[key] = v
		}
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil
	}
	return raw
}
