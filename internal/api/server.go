// Package api provides the local HTTP API and WebSocket server of the
// Nikobus bridge.
//
// It exposes the configured modules and their last known outputs, accepts
// commands, serves the recorded frame log and the seen-address table, and
// streams bus traffic to WebSocket clients.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-nikobus/internal/bridges/nikobus"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// BridgeService is the part of the Nikobus bridge the API drives.
type BridgeService interface {
	Modules() []nikobus.ModuleConfig
	ModuleStates(moduleID string) ([]nikobus.StateMessage, bool)
	ExecuteCommand(cmd nikobus.CommandMessage) nikobus.AckMessage
	Statistics() nikobus.BridgeStatistics
	RefreshAll(ctx context.Context)
}

// FrameStore serves the recorded frame log.
type FrameStore interface {
	RecentFrames(ctx context.Context, limit int) ([]nikobus.RecordedFrame, error)
	Addresses(ctx context.Context) ([]nikobus.AddressRecord, error)
}

// Connectivity reports whether a connection is up.
type Connectivity interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config config.APIConfig
	WS     config.WebSocketConfig
	Logger *logging.Logger
	Bridge BridgeService

	// Frames is nil when frame recording is disabled.
	Frames FrameStore

	// Sender is the PC-link connection, nil when none is configured.
	Sender nikobus.Sender

	MQTT Connectivity

	// Dispatcher feeds received lines to WebSocket clients (optional).
	Dispatcher *nikobus.Dispatcher

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	Version string
}

// Server is the HTTP API server of the bridge.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	logger     *logging.Logger
	bridge     BridgeService
	frames     FrameStore
	sender     nikobus.Sender
	mqtt       Connectivity
	dispatcher *nikobus.Dispatcher
	metrics    http.Handler
	version    string
	startTime  time.Time

	server   *http.Server
	listener net.Listener
	hub      *Hub
	frameSub nikobus.Subscription
	bgCtx    context.Context
	cancel   context.CancelFunc // cancels background goroutines on Close()
	refresh  sync.WaitGroup
	mu       sync.Mutex
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, bridge)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		logger:     deps.Logger,
		bridge:     deps.Bridge,
		frames:     deps.Frames,
		sender:     deps.Sender,
		mqtt:       deps.MQTT,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		version:    deps.Version,
		startTime:  time.Now(),
		hub:        NewHub(deps.WS, deps.Logger),
		bgCtx:      bgCtx,
		cancel:     cancel,
	}, nil
}

// Start binds the listener and serves HTTP in the background.
//
// It starts the WebSocket hub and subscribes it to received lines. A bind
// failure (port in use, bad host) is returned synchronously.
//
// Parameters:
//   - ctx: Parent context for the hub and relay goroutines
//
// Returns:
//   - error: If the listener cannot be bound
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding API listener on %s: %w", addr, err)
	}

	s.cancel()
	s.bgCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(s.bgCtx)

	if s.dispatcher != nil {
		s.frameSub = s.dispatcher.Subscribe(nikobus.TopicFrames, s.relayLine)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server starting", "address", ln.Addr().String())

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.cancel()
	s.mu.Unlock()

	s.refresh.Wait()

	if srv == nil {
		return nil
	}

	if s.dispatcher != nil {
		s.dispatcher.Unsubscribe(s.frameSub)
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
