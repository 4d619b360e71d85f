package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/config"
)

// Client is the bridge's connection to the Gray Logic broker.
//
// paho handles reconnection; Client adds topic validation, subscription
// restore after reconnect, handler panic recovery and publish counters.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected  atomic.Bool
	everUp     atomic.Bool
	reconnects atomic.Uint64

	published     atomic.Uint64
	publishErrors atomic.Uint64

	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is satisfied by *logging.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MessageHandler receives one message. topic is the concrete topic the
// message arrived on. A returned error is logged and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// Stats is a snapshot of client counters.
type Stats struct {
	Connected     bool     `json:"connected"`
	Reconnects    uint64   `json:"reconnects"`
	Published     uint64   `json:"published"`
	PublishErrors uint64   `json:"publish_errors"`
	Subscriptions []string `json:"subscriptions"`
}

// Connect dials the broker and blocks until the first connection succeeds
// or the connect timeout passes.
//
// Parameters:
//   - cfg: Broker, auth and reconnect settings
//   - opts: WithWill, WithConnectTimeout, WithLogger
//
// Returns:
//   - *Client: Connected client
//   - error: Wrapped ErrConnectionFailed
func Connect(cfg config.MQTTConfig, opts ...Option) (*Client, error) {
	o := resolveOptions(opts)

	c := &Client{
		cfg:           cfg,
		subscriptions: make(map[string]subscription),
		logger:        o.logger,
	}

	pahoOpts := buildClientOptions(cfg, o)
	pahoOpts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	pahoOpts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	pahoOpts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.logInfo("reconnecting to MQTT broker", "broker", brokerURL(cfg))
	})

	c.client = pahomqtt.NewClient(pahoOpts)
	token := c.client.Connect()
	if !token.WaitTimeout(o.connectTimeout) {
		// ConnectRetry keeps trying in the background until disconnected.
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: no answer from %s within %v", ErrConnectionFailed, brokerURL(cfg), o.connectTimeout)
	}
	if err := token.Error(); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// OnConnect runs asynchronously and may not have fired yet.
	c.connected.Store(true)
	return c, nil
}

// await waits for a paho token and wraps failures in base.
func await(token pahomqtt.Token, base error, topic string) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %s: no broker response within %v", base, topic, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", base, topic, err)
	}
	return nil
}

func (c *Client) handleConnect() {
	c.connected.Store(true)

	if c.everUp.Swap(true) {
		n := c.reconnects.Add(1)
		c.logInfo("reconnected to MQTT broker", "reconnects", n)
	}

	c.restoreSubscriptions()

	c.callbackMu.RLock()
	cb := c.onConnect
	c.callbackMu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)

	if logger := c.getLogger(); logger != nil {
		logger.Warn("MQTT connection lost", "error", err)
	}

	c.callbackMu.RLock()
	cb := c.onDisconnect
	c.callbackMu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// restoreSubscriptions re-issues every tracked filter. The session is clean,
// so the broker forgot them. Failures show up as the next connection loss.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

// Close disconnects cleanly, which suppresses the Will. Safe on a nil client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck returns ErrNotConnected while the broker is unreachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// Reconnects returns how many times the connection was re-established.
func (c *Client) Reconnects() uint64 {
	return c.reconnects.Load()
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		Connected:     c.IsConnected(),
		Reconnects:    c.reconnects.Load(),
		Published:     c.published.Load(),
		PublishErrors: c.publishErrors.Load(),
		Subscriptions: c.Subscriptions(),
	}
}

// SetOnConnect sets a callback run after every successful (re)connect.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection drops.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger replaces the logger. Prefer WithLogger so that the first
// connection is logged too.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logInfo(msg string, args ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, args...)
	}
}

// wrapHandler adapts a MessageHandler to paho, recovering panics and
// logging returned errors.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		logger := c.getLogger()

		defer func() {
			if r := recover(); r != nil && logger != nil {
				logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil && logger != nil {
			logger.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
