package nikobus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Default timeouts and intervals for PC-link communication.
const (
	// defaultCommandTimeout bounds dialling and each write.
	defaultCommandTimeout = 10 * time.Second

	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval is the maximum delay between reconnection attempts.
	maxReconnectInterval = 2 * time.Minute

	// DefaultTerminator ends every line written to and read from the PC-link.
	DefaultTerminator byte = '\r'
)

// DefaultInitSequence is written after every (re)connect to put the PC-link
// into command mode with bus event echo enabled.
var DefaultInitSequence = []string{"++++", "ATH0", "ATZ", "$10110000B8CF9D", "#L0", "#E0", "#L0", "#E1"}

// CommanderConfig holds PC-link connection configuration.
type CommanderConfig struct {
	// Host is the serial-to-TCP gateway in front of the PC-link.
	Host string

	// Port is the gateway TCP port.
	Port int

	// Timeout bounds dialling and each write.
	// Default: 10 seconds.
	Timeout time.Duration

	// ReconnectInterval is the initial delay between reconnection attempts.
	// Default: 5 seconds.
	ReconnectInterval time.Duration

	// BufferSize is the read buffer size.
	// Default: 1024.
	BufferSize int

	// SkipInit disables writing DefaultInitSequence after connecting.
	SkipInit bool
}

// CommanderStats holds operational statistics.
type CommanderStats struct {
	FramesTx        uint64
	FramesRx        uint64
	ErrorsTotal     uint64
	ReconnectsTotal uint64
	LastActivity    time.Time
	Connected       bool
	Reconnecting    bool
}

// Sender transmits frames to the bus.
// This allows mocking the PC-link connection in tests.
type Sender interface {
	Send(ctx context.Context, frame string) error
	IsConnected() bool
	Stats() CommanderStats
	Close() error
}

// Ensure Commander implements Sender.
var _ Sender = (*Commander)(nil)

// Commander maintains the TCP connection to the PC-link.
//
// Outbound frames are written terminated by '\r'. Lines the PC-link sends
// back (status answers, bus echo, button presses) are published on
// TopicFrames of the Dispatcher, the same topic the Listener feeds.
//
// Auto-Reconnection:
//   - When the connection is lost, the commander reconnects in the background.
//   - Exponential backoff from ReconnectInterval up to maxReconnectInterval.
//   - Reconnection stops only when Close() is called.
type Commander struct {
	cfg        CommanderConfig
	dispatcher *Dispatcher
	address    string

	connMu    sync.RWMutex
	conn      net.Conn
	connected bool

	writeMu sync.Mutex

	reconnecting atomic.Bool

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	framesTx        atomic.Uint64
	framesRx        atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

// DialCommander connects to the PC-link and starts the receive loop.
//
// Parameters:
//   - ctx: Context for the initial connection
//   - cfg: Connection configuration
//   - dispatcher: Receives PC-link lines on TopicFrames (may be nil)
//
// Returns:
//   - *Commander: Connected commander
//   - error: ErrConnectionFailed if the gateway cannot be reached
func DialCommander(ctx context.Context, cfg CommanderConfig, dispatcher *Dispatcher) (*Commander, error) {
	c, err := newCommander(cfg, dispatcher)
	if err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.establish(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: init: %w", ErrConnectionFailed, err)
	}

	c.wg.Add(1)
	go c.receiveLoop()

	return c, nil
}

func newCommander(cfg CommanderConfig, dispatcher *Dispatcher) (*Commander, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: pc-link host is required", ErrConnectionFailed)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: pc-link port must be 1-65535, got %d", ErrRange, cfg.Port)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultCommandTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	c := &Commander{
		cfg:        cfg,
		dispatcher: dispatcher,
		address:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		done:       newCloseOnce(),
	}
	c.lastActivity.Store(time.Now().Unix())
	return c, nil
}

// dial opens a TCP connection bounded by the configured timeout.
func (c *Commander) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", c.address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, c.address, err)
	}
	return conn, nil
}

// establish runs the init sequence on conn and makes it the live connection.
// It refuses conn once Close has run; the caller closes it.
func (c *Commander) establish(conn net.Conn) error {
	if !c.cfg.SkipInit {
		for _, line := range DefaultInitSequence {
			if err := c.writeLine(conn, line, time.Now().Add(c.cfg.Timeout)); err != nil {
				return err
			}
		}
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.isClosed() {
		return fmt.Errorf("%w: commander closed", ErrNotConnected)
	}
	c.conn = conn
	c.connected = true
	return nil
}

// receiveLoop reads lines from the PC-link and publishes them.
// On connection loss it reconnects with exponential backoff.
func (c *Commander) receiveLoop() {
	defer c.wg.Done()

	splitter := newFrameSplitter(DefaultTerminator, DefaultMaxFrameSize)
	buf := make([]byte, c.cfg.BufferSize)

	for {
		if c.isClosed() {
			return
		}

		conn := c.currentConn()
		if conn == nil {
			if !c.reconnect() {
				return
			}
			splitter.Reset()
			continue
		}

		n, err := conn.Read(buf)
		if n > 0 {
			c.lastActivity.Store(time.Now().Unix())
			lines, ferr := splitter.Feed(buf[:n])
			for _, line := range lines {
				c.framesRx.Add(1)
				if c.dispatcher != nil {
					c.dispatcher.Publish(TopicFrames, line)
				}
			}
			if ferr != nil {
				c.errorsTotal.Add(1)
				c.logWarn("discarding pc-link input", "error", ferr)
			}
		}
		if err != nil {
			if c.isClosed() {
				return
			}
			c.errorsTotal.Add(1)
			c.logError("read failed", err)
			c.handleDisconnect(conn)
		}
	}
}

// handleDisconnect drops conn if it is still the live connection.
func (c *Commander) handleDisconnect(conn net.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != conn {
		return
	}
	c.conn.Close()
	c.conn = nil
	if c.connected {
		c.connected = false
		c.logInfo("connection lost, will attempt reconnection")
	}
}

// reconnect re-establishes the connection with exponential backoff.
// Returns false if Close was called.
func (c *Commander) reconnect() bool {
	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	backoff := c.cfg.ReconnectInterval
	for attempt := 1; ; attempt++ {
		if c.isClosed() {
			return false
		}
		c.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())

		conn, err := c.dial(context.Background())
		if err == nil {
			if err = c.establish(conn); err == nil {
				c.reconnectsTotal.Add(1)
				c.lastActivity.Store(time.Now().Unix())
				c.logInfo("reconnection successful", "total_reconnects", c.reconnectsTotal.Load())
				return true
			}
			conn.Close()
		}

		c.errorsTotal.Add(1)
		c.logError("reconnect failed", err)

		select {
		case <-c.done.Done():
			return false
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * 1.5)
		if backoff > maxReconnectInterval {
			backoff = maxReconnectInterval
		}
	}
}

// Send writes one frame to the PC-link.
//
// Parameters:
//   - ctx: Context for cancellation; its deadline tightens the write timeout
//   - frame: Frame text without terminator
//
// Returns:
//   - error: ErrNotConnected while disconnected, ErrCommandFailed if the
//     write fails
func (c *Commander) Send(ctx context.Context, frame string) error {
	if frame == "" || strings.IndexByte(frame, DefaultTerminator) >= 0 {
		return fmt.Errorf("%w: invalid frame %q", ErrCommandFailed, frame)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCommandFailed, ctx.Err())
	default:
	}

	conn := c.currentConn()
	if conn == nil || c.isClosed() {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.writeLine(conn, frame, deadline); err != nil {
		c.errorsTotal.Add(1)
		c.handleDisconnect(conn)
		return fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}

	c.framesTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	c.logDebug("frame sent", "frame", frame)
	return nil
}

// writeLine writes one terminated line. Writes are serialised so
// concurrent frames never interleave.
func (c *Commander) writeLine(conn net.Conn, line string, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if _, err := conn.Write([]byte(line + string(DefaultTerminator))); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Commander) currentConn() net.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Commander) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close stops the receive loop and closes the connection.
// Safe to call multiple times.
func (c *Commander) Close() error {
	c.done.Close()

	c.connMu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.wg.Wait()
	return nil
}

// IsConnected returns true while a PC-link connection is live.
func (c *Commander) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current operational statistics.
func (c *Commander) Stats() CommanderStats {
	return CommanderStats{
		FramesTx:        c.framesTx.Load(),
		FramesRx:        c.framesRx.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
		Reconnecting:    c.reconnecting.Load(),
	}
}

// SetLogger sets the logger for this commander.
func (c *Commander) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Commander) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Commander) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *Commander) logInfo(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Commander) logWarn(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (c *Commander) logError(msg string, err error, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}

// errIsConnection reports whether err is a connection-level failure.
func errIsConnection(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionFailed)
}
