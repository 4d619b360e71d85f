package nikobus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Listener defaults.
const (
	// DefaultDelimiter terminates one frame in the inbound stream.
	DefaultDelimiter byte = '\n'

	// DefaultBufferSize is the per-read buffer size of a connection.
	DefaultBufferSize = 1024

	// DefaultMaxFrameSize is the largest undelimited remainder a connection
	// may accumulate before it is dropped.
	DefaultMaxFrameSize = 4096

	// acceptRetryDelay is the pause after a non-fatal accept error.
	acceptRetryDelay = 100 * time.Millisecond
)

// ListenerState is the lifecycle state of a Listener.
type ListenerState int32

// Listener states.
const (
	StateIdle ListenerState = iota
	StateBound
	StateListening
	StateAccepting
	StateStopped
)

// String returns the state name.
func (s ListenerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBound:
		return "bound"
	case StateListening:
		return "listening"
	case StateAccepting:
		return "accepting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ListenerConfig holds the inbound TCP listener configuration.
type ListenerConfig struct {
	// Host is the interface to bind ("" or "0.0.0.0" for all).
	Host string

	// Port is the TCP port. 0 picks an ephemeral port (see Addr).
	Port int

	// Delimiter separates frames in the stream.
	// Default: '\n'.
	Delimiter byte

	// BufferSize is the read buffer size per connection.
	// Default: 1024.
	BufferSize int

	// MaxFrameSize caps the undelimited bytes held per connection.
	// Default: 4096.
	MaxFrameSize int
}

// ListenerStats holds operational statistics.
type ListenerStats struct {
	ConnectionsTotal  uint64
	ConnectionsActive int
	FramesRx          uint64
	ErrorsTotal       uint64
	LastActivity      time.Time
	State             ListenerState
}

// Listener accepts TCP clients and publishes every delimiter-terminated,
// whitespace-trimmed frame on TopicFrames of its Dispatcher.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Each connection is served by its own goroutine with its own buffer,
//     so partial frames of simultaneous clients never mix.
//   - Dispatcher handlers run on the connection goroutine. They must not
//     call Stop, which waits for that goroutine.
//
// Lifecycle:
//
//	Idle -> Bound -> Listening -> Accepting -> Stopped
type Listener struct {
	cfg        ListenerConfig
	dispatcher *Dispatcher

	lnMu sync.Mutex
	ln   net.Listener

	state atomic.Int32

	connsMu sync.Mutex
	conns   map[string]net.Conn

	done     *closeOnce
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	connectionsTotal atomic.Uint64
	framesRx         atomic.Uint64
	errorsTotal      atomic.Uint64
	lastActivity     atomic.Int64
}

// NewListener creates a listener in the Idle state.
//
// Parameters:
//   - cfg: Listener configuration (zero fields take defaults)
//   - dispatcher: Dispatcher receiving frames on TopicFrames
//
// Returns:
//   - *Listener: Listener ready for Start
//   - error: ErrRange for an invalid port or size
func NewListener(cfg ListenerConfig, dispatcher *Dispatcher) (*Listener, error) {
	if dispatcher == nil {
		return nil, errors.New("nikobus: dispatcher is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port must be 0-65535, got %d", ErrRange, cfg.Port)
	}
	if cfg.BufferSize < 0 || cfg.MaxFrameSize < 0 {
		return nil, fmt.Errorf("%w: buffer sizes must not be negative", ErrRange)
	}

	if cfg.Delimiter == 0 {
		cfg.Delimiter = DefaultDelimiter
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}

	return &Listener{
		cfg:        cfg,
		dispatcher: dispatcher,
		conns:      make(map[string]net.Conn),
		done:       newCloseOnce(),
	}, nil
}

// Start binds the listening socket and starts the accept loop.
//
// Binding happens synchronously so address-in-use and permission failures
// reach the caller. Cancelling ctx stops the listener as if Stop was called.
//
// Returns:
//   - error: ErrBind if the socket cannot be bound, ErrListenerStopped
//     after Stop
func (l *Listener) Start(ctx context.Context) error {
	if l.isStopped() {
		return ErrListenerStopped
	}
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateBound)) {
		return fmt.Errorf("%w: listener already started", ErrBind)
	}

	address := net.JoinHostPort(l.cfg.Host, strconv.Itoa(l.cfg.Port))

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		l.state.Store(int32(StateIdle))
		return fmt.Errorf("%w: %s: %w", ErrBind, address, err)
	}

	l.lnMu.Lock()
	if l.isStopped() {
		l.lnMu.Unlock()
		ln.Close()
		return ErrListenerStopped
	}
	l.ln = ln
	l.state.Store(int32(StateListening))
	l.lnMu.Unlock()

	l.logInfo("listening for frames", "address", ln.Addr().String())

	l.wg.Add(1)
	go l.acceptLoop(ln)

	// Not tracked by wg: Stop waits on wg and this goroutine may call Stop.
	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-l.done.Done():
		}
	}()

	return nil
}

// acceptLoop accepts clients until Stop. The listening socket is closed on
// every exit path.
func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	defer ln.Close()

	for {
		if l.isStopped() {
			return
		}
		l.state.Store(int32(StateAccepting))

		conn, err := ln.Accept()
		if err != nil {
			if l.isStopped() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.errorsTotal.Add(1)
			l.logError("accept failed", err)

			select {
			case <-l.done.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		l.wg.Add(1)
		go l.serve(conn)
	}
}

// serve reads one connection until the peer closes, an error occurs,
// or the listener stops.
func (l *Listener) serve(conn net.Conn) {
	defer l.wg.Done()

	id := uuid.NewString()
	if !l.track(id, conn) {
		conn.Close()
		return
	}
	defer l.untrack(id)
	defer conn.Close()

	l.connectionsTotal.Add(1)
	l.touch()
	l.logDebug("client connected", "conn_id", id, "remote", conn.RemoteAddr().String())

	splitter := newFrameSplitter(l.cfg.Delimiter, l.cfg.MaxFrameSize)
	buf := make([]byte, l.cfg.BufferSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			l.touch()
			frames, ferr := splitter.Feed(buf[:n])
			for _, frame := range frames {
				l.framesRx.Add(1)
				l.dispatcher.Publish(TopicFrames, frame)
			}
			if ferr != nil {
				l.errorsTotal.Add(1)
				l.logWarn("dropping connection", "conn_id", id, "error", ferr)
				return
			}
		}
		if err != nil {
			if pending := splitter.Pending(); pending > 0 {
				l.logDebug("discarding undelimited data", "conn_id", id, "bytes", pending)
			}
			if errors.Is(err, io.EOF) || l.isStopped() {
				l.logDebug("client disconnected", "conn_id", id)
				return
			}
			l.errorsTotal.Add(1)
			l.logError("read failed", err, "conn_id", id)
			return
		}
	}
}

// track registers a live connection. Returns false once the listener is stopping.
func (l *Listener) track(id string, conn net.Conn) bool {
	l.connsMu.Lock()
	defer l.connsMu.Unlock()
	if l.isStopped() {
		return false
	}
	l.conns[id] = conn
	return true
}

func (l *Listener) untrack(id string) {
	l.connsMu.Lock()
	delete(l.conns, id)
	l.connsMu.Unlock()
}

// Stop closes the listening socket and every live connection, then waits
// for all connection goroutines to finish. Safe to call multiple times,
// and before Start.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		l.done.Close()

		l.lnMu.Lock()
		if l.ln != nil {
			l.ln.Close()
		}
		l.lnMu.Unlock()

		l.connsMu.Lock()
		for _, conn := range l.conns {
			conn.Close()
		}
		l.connsMu.Unlock()

		l.wg.Wait()
		l.state.Store(int32(StateStopped))
		l.logInfo("listener stopped")
	})
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.lnMu.Lock()
	defer l.lnMu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// State returns the current lifecycle state.
func (l *Listener) State() ListenerState {
	return ListenerState(l.state.Load())
}

// Stats returns current operational statistics.
func (l *Listener) Stats() ListenerStats {
	l.connsMu.Lock()
	active := len(l.conns)
	l.connsMu.Unlock()

	return ListenerStats{
		ConnectionsTotal:  l.connectionsTotal.Load(),
		ConnectionsActive: active,
		FramesRx:          l.framesRx.Load(),
		ErrorsTotal:       l.errorsTotal.Load(),
		LastActivity:      time.Unix(l.lastActivity.Load(), 0),
		State:             l.State(),
	}
}

// SetLogger sets the logger for this listener.
func (l *Listener) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

func (l *Listener) isStopped() bool {
	select {
	case <-l.done.Done():
		return true
	default:
		return false
	}
}

func (l *Listener) touch() {
	l.lastActivity.Store(time.Now().Unix())
}

func (l *Listener) getLogger() Logger {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	return l.logger
}

func (l *Listener) logDebug(msg string, keysAndValues ...any) {
	if logger := l.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (l *Listener) logInfo(msg string, keysAndValues ...any) {
	if logger := l.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (l *Listener) logWarn(msg string, keysAndValues ...any) {
	if logger := l.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (l *Listener) logError(msg string, err error, keysAndValues ...any) {
	if logger := l.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
