package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Will is the Last Will and Testament the broker publishes if the client
// drops without a clean disconnect.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Option customises Connect.
type Option func(*connectOptions)

type connectOptions struct {
	will           *Will
	connectTimeout time.Duration
	logger         Logger
}

// WithWill registers a Last Will and Testament.
func WithWill(w Will) Option {
	return func(o *connectOptions) {
		o.will = &w
	}
}

// WithConnectTimeout bounds how long Connect waits for the broker.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *connectOptions) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithLogger sets the logger before the first connection so that
// reconnect events are logged from the start.
func WithLogger(l Logger) Option {
	return func(o *connectOptions) {
		o.logger = l
	}
}

func resolveOptions(opts []Option) connectOptions {
	o := connectOptions{connectTimeout: defaultConnectTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// brokerURL returns tcp:// or ssl:// depending on the TLS setting.
func brokerURL(cfg config.MQTTConfig) string {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)
}

// buildClientOptions creates paho MQTT options from the bridge config.
//
// This configures:
//   - Broker URL and client ID
//   - Authentication credentials (if provided)
//   - Auto-reconnect bounded by the reconnect delays
//   - TLS (if enabled)
//   - The Last Will (if one was given)
func buildClientOptions(cfg config.MQTTConfig, o connectOptions) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Subscriptions are restored by the client itself on reconnect.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(o.connectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	if o.will != nil {
		opts.SetBinaryWill(o.will.Topic, o.will.Payload, o.will.QoS, o.will.Retained)
	}

	return opts
}
