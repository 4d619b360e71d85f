package api

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-nikobus/internal/bridges/nikobus"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/logging"
)

// Broadcast channels.
const (
	// ChannelFrames carries every '$' frame, valid or not. It can be
	// narrowed to module addresses with the subscribe payload.
	ChannelFrames = "frames"

	// ChannelButtons carries wall button presses.
	ChannelButtons = "buttons"

	// ChannelLines carries every received line verbatim.
	ChannelLines = "lines"
)

var knownChannels = map[string]bool{
	ChannelFrames:  true,
	ChannelButtons: true,
	ChannelLines:   true,
}

// FrameEvent is broadcast on ChannelFrames.
type FrameEvent struct {
	Raw      string `json:"raw"`
	Valid    bool   `json:"valid"`
	Function string `json:"function,omitempty"`
	Address  string `json:"address,omitempty"`
	Args     string `json:"args,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Hub fans bus traffic out to WebSocket clients.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex

	// dropped counts events skipped because a client's buffer was full.
	dropped atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client. The send channel is closed by whichever
// caller actually removed it, so repeated calls are safe.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, found := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if found {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Broadcast sends payload to every client subscribed to channel.
func (h *Hub) Broadcast(channel string, payload any) {
	h.broadcast(channel, "", payload)
}

// broadcast delivers to clients that want channel and, for address-scoped
// events, the given module address.
func (h *Hub) broadcast(channel, address string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "channel", channel, "error", err)
		return
	}

	for _, client := range h.snapshot() {
		if client.wants(channel, address) && !client.trySend(data) {
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) snapshot() []*WSClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were skipped for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// closeAll disconnects every client. Closing send ends each writePump.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.clients, c)
	}
}

// relayLine is the Dispatcher handler feeding received lines to the hub.
func (s *Server) relayLine(line string) error {
	s.hub.Broadcast(ChannelLines, map[string]string{"raw": line})

	switch {
	case nikobus.IsCommandFrame(line):
		frame, err := nikobus.ParseFrame(line)
		if err != nil {
			s.hub.Broadcast(ChannelFrames, FrameEvent{Raw: line, Error: err.Error()})
			return nil
		}
		msg := nikobus.NewFrameMessage(frame)
		s.hub.broadcast(ChannelFrames, msg.Address, FrameEvent{
			Raw:      msg.Raw,
			Valid:    true,
			Function: msg.Function,
			Address:  msg.Address,
			Args:     msg.Args,
		})
	default:
		if button, ok := nikobus.ParseButtonPress(line); ok {
			s.hub.Broadcast(ChannelButtons, nikobus.ButtonMessage{
				Timestamp: time.Now().UTC(),
				Button:    button,
				Raw:       line,
			})
		}
	}
	return nil
}
