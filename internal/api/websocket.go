package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-nikobus/internal/bridges/nikobus"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/config"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// wsSendBufferSize is the per-client outbound queue. A busy bus produces a
// few dozen lines per second.
const wsSendBufferSize = 256

// WSMessage is the envelope for every message in both directions.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe.
//
// Addresses narrows ChannelFrames to the listed module addresses
// ("C9A5"). With no addresses the client gets frames for every module.
type WSSubscribePayload struct {
	Channels  []string `json:"channels"`
	Addresses []string `json:"addresses,omitempty"`
}

// WSClient is one connected WebSocket peer.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	addresses     map[string]struct{}
	mu            sync.RWMutex
}

// The API binds to a local address, so any origin is accepted.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsTimings holds the keepalive durations derived from config.
type wsTimings struct {
	ping     time.Duration
	pongWait time.Duration
}

func timingsFrom(cfg config.WebSocketConfig) wsTimings {
	return wsTimings{
		ping:     time.Duration(cfg.PingInterval) * time.Second,
		pongWait: time.Duration(cfg.PongTimeout) * time.Second,
	}
}

// readDeadline allows one missed ping interval plus the pong timeout.
func (t wsTimings) readDeadline() time.Time {
	return time.Now().Add(t.ping + t.pongWait)
}

// handleWebSocket upgrades the request and starts the client pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", requestIDFrom(r.Context()))
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
		addresses:     make(map[string]struct{}),
	}
	s.hub.Register(client)

	t := timingsFrom(s.wsCfg)
	go client.writePump(t)
	go client.readPump(t, int64(s.wsCfg.MaxMessageSize))
}

func (c *WSClient) readPump(t wsTimings, maxSize int64) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxSize)
	c.conn.SetReadDeadline(t.readDeadline()) //nolint:errcheck // read error follows
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(t.readDeadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(t.readDeadline()) //nolint:errcheck // read error follows
		c.handleMessage(data)
	}
}

// writePump is the only writer on the connection. It exits when send is
// closed or a write fails.
func (c *WSClient) writePump(t wsTimings) {
	ticker := time.NewTicker(t.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(t.pongWait)) //nolint:errcheck // write error follows
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if write(websocket.TextMessage, data) != nil {
				return
			}
		case <-ticker.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.handleSubscribe(msg)
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// handleSubscribe applies a subscribe or unsubscribe request. Addresses are
// normalised to the four-digit uppercase form used in frame events.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, "invalid payload")
		return
	}
	var req WSSubscribePayload
	if err := json.Unmarshal(raw, &req); err != nil || len(req.Channels) == 0 {
		c.sendError(msg.ID, "payload must list channels")
		return
	}
	for _, ch := range req.Channels {
		if !knownChannels[ch] {
			c.sendError(msg.ID, "unknown channel: "+ch)
			return
		}
	}

	addresses := make([]string, 0, len(req.Addresses))
	for _, a := range req.Addresses {
		addr, err := nikobus.ParseAddress(a)
		if err != nil {
			c.sendError(msg.ID, "invalid address: "+a)
			return
		}
		addresses = append(addresses, addr.String())
	}

	subscribe := msg.Type == WSTypeSubscribe

	c.mu.Lock()
	for _, ch := range req.Channels {
		if subscribe {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	for _, a := range addresses {
		if subscribe {
			c.addresses[a] = struct{}{}
		} else {
			delete(c.addresses, a)
		}
	}
	c.mu.Unlock()

	result := map[string]any{}
	if subscribe {
		result["subscribed"] = req.Channels
		c.hub.logger.Debug("websocket client subscribed", "channels", req.Channels, "addresses", addresses)
	} else {
		result["unsubscribed"] = req.Channels
	}
	if len(addresses) > 0 {
		result["addresses"] = addresses
	}
	c.reply(msg.ID, WSTypeResponse, result)
}

// wants reports whether an event on channel for address should reach this
// client. Events without an address ignore the address filter.
func (c *WSClient) wants(channel, address string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.subscriptions[channel]; !ok {
		return false
	}
	if address == "" || len(c.addresses) == 0 {
		return true
	}
	_, ok := c.addresses[address]
	return ok
}

// trySend queues data without blocking. It returns false when the buffer
// is full. A send racing with Unregister is absorbed.
func (c *WSClient) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = true
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
