package influxdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// Option configures a Client.
type Option func(*options)

type options struct {
	tags map[string]string
}

// WithTags adds tags to every point the client writes, typically the site
// and bridge identifiers so several bridges can share one bucket.
// Empty values are skipped.
func WithTags(tags map[string]string) Option {
	return func(o *options) {
		for k, v := range tags {
			if v != "" {
				o.tags[k] = v
			}
		}
	}
}

// Client writes bridge counters to InfluxDB in non-blocking batches.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	tags     []string // sorted default tag keys, for logging

	connected atomic.Bool
	closeOnce sync.Once

	pointsWritten atomic.Uint64
	writeErrors   atomic.Uint64

	onErrorMu sync.RWMutex
	onError   func(err error)
}

// Stats holds write counters since Connect.
type Stats struct {
	PointsWritten uint64 `json:"points_written"`
	WriteErrors   uint64 `json:"write_errors"`
}

// Connect creates a batching client and pings the server once.
//
// Parameters:
//   - ctx: Bounds the initial ping (capped at 10 seconds)
//   - cfg: InfluxDB section of config.yaml
//   - opts: Optional settings such as WithTags
//
// Returns:
//   - *Client: Client ready for writes
//   - error: ErrDisabled, ErrInvalidConfig, or ErrConnectionFailed
func Connect(ctx context.Context, cfg config.InfluxDBConfig, opts ...Option) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: url, org and bucket are required", ErrInvalidConfig)
	}

	o := options{tags: map[string]string{}}
	for _, opt := range opts {
		opt(&o)
	}

	clientOpts := influxdb2.DefaultOptions().
		SetBatchSize(batchSize(cfg)).
		SetFlushInterval(flushIntervalMillis(cfg))
	keys := make([]string, 0, len(o.tags))
	for k, v := range o.tags {
		clientOpts.AddDefaultTag(k, v)
		keys = append(keys, k)
	}
	sort.Strings(keys)

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOpts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrConnectionFailed, cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %s is not healthy", ErrConnectionFailed, cfg.URL)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		tags:     keys,
	}
	c.connected.Store(true)

	go c.drainErrors(c.writeAPI.Errors())

	return c, nil
}

func batchSize(cfg config.InfluxDBConfig) uint {
	if cfg.BatchSize <= 0 {
		return defaultBatchSize
	}
	return uint(cfg.BatchSize) //nolint:gosec // positive
}

func flushIntervalMillis(cfg config.InfluxDBConfig) uint {
	interval := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		interval = time.Duration(cfg.FlushInterval) * time.Second
	}
	return uint(interval.Milliseconds()) //nolint:gosec // positive
}

// drainErrors counts asynchronous batch failures and forwards them to the
// OnError callback. It returns when the write API is closed.
func (c *Client) drainErrors(errs <-chan error) {
	for err := range errs {
		c.writeErrors.Add(1)

		c.onErrorMu.RLock()
		callback := c.onError
		c.onErrorMu.RUnlock()

		if callback != nil {
			callback(err)
		}
	}
}

// SetOnError sets a callback for asynchronous write failures.
func (c *Client) SetOnError(callback func(err error)) {
	c.onErrorMu.Lock()
	c.onError = callback
	c.onErrorMu.Unlock()
}

// Close flushes buffered points and releases the client. Safe to call
// more than once and on a nil Client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		c.writeAPI.Flush()
		c.client.Close()
	})
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}
	return nil
}

// IsConnected reports whether the client is open. Write failures do not
// change it; they are counted in Stats.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Flush blocks until buffered points are sent. No-op after Close.
func (c *Client) Flush() {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}

// Stats returns the write counters.
func (c *Client) Stats() Stats {
	return Stats{
		PointsWritten: c.pointsWritten.Load(),
		WriteErrors:   c.writeErrors.Load(),
	}
}

// DefaultTags returns the sorted keys of the tags added to every point.
func (c *Client) DefaultTags() []string {
	return append([]string(nil), c.tags...)
}
