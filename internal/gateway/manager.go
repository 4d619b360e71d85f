package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-nikobus/internal/process"
)

const (
	// readyTimeout is how long to wait for the gateway to accept TCP connections.
	readyTimeout = 15 * time.Second

	readyPollInterval = 100 * time.Millisecond
	dialTimeout       = 500 * time.Millisecond
)

// HealthError is a health check failure with recoverability information.
type HealthError struct {
	// Layer is which health check layer failed (0-1).
	Layer int
	// Recoverable reports whether restarting the gateway might fix it.
	Recoverable bool
	Err         error
}

func (e *HealthError) Error() string {
	return fmt.Sprintf("health check layer %d failed: %v", e.Layer, e.Err)
}

func (e *HealthError) Unwrap() error {
	return e.Err
}

// IsRecoverable implements process.RecoverableError.
func (e *HealthError) IsRecoverable() bool {
	return e.Recoverable
}

func newHealthError(layer int, recoverable bool, err error) *HealthError {
	return &HealthError{Layer: layer, Recoverable: recoverable, Err: err}
}

// Logger defines the logging interface for the gateway manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager manages the gateway process.
type Manager struct {
	config  Config
	process *process.Manager
	logger  Logger
}

// NewManager creates a gateway manager, filling zero fields with defaults.
func NewManager(cfg Config) (*Manager, error) {
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.Device == "" {
		cfg.Device = def.Device
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = def.BaudRate
	}
	if cfg.ListenHost == "" {
		cfg.ListenHost = def.ListenHost
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = def.RestartDelay
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = def.GracefulTimeout
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gateway config: %w", err)
	}

	return &Manager{config: cfg, logger: noopLogger{}}, nil
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the gateway and blocks until it accepts connections.
//
// Returns:
//   - error: If the serial device is missing, the process cannot start,
//     or the port does not open within the ready timeout
func (m *Manager) Start(ctx context.Context) error {
	if !m.config.Managed {
		m.logger.Info("gateway management disabled, expecting external gateway",
			"address", m.config.Address())
		return nil
	}

	if err := m.checkDevicePresent(); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	args := m.config.BuildArgs()
	m.logger.Info("starting gateway", "binary", m.config.Binary, "args", args)

	m.process = process.NewManager(process.Config{
		Name:               "gateway",
		Binary:             m.config.Binary,
		Args:               args,
		RestartOnFailure:   m.config.RestartOnFailure,
		RestartDelay:       m.config.RestartDelay,
		MaxRestartAttempts: m.config.MaxRestartAttempts,
		GracefulTimeout:    m.config.GracefulTimeout,
		OnStart: func() {
			m.logger.Info("gateway process started", "pid", m.process.PID())
		},
		OnStop: func(err error) {
			if err != nil {
				m.logger.Warn("gateway process stopped", "error", err)
			} else {
				m.logger.Info("gateway process stopped")
			}
		},
		OnRestart: func(attempt int) {
			m.logger.Info("gateway restarting", "attempt", attempt)
		},
		HealthCheckInterval: m.config.HealthCheckInterval,
		HealthCheckFunc:     m.HealthCheck,
	})
	m.process.SetLogger(m.logger)

	if err := m.process.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	if err := m.waitForReady(ctx); err != nil {
		if stopErr := m.process.Stop(); stopErr != nil {
			m.logger.Warn("error stopping gateway after failed readiness check", "error", stopErr)
		}
		return fmt.Errorf("gateway failed to become ready: %w", err)
	}

	m.logger.Info("gateway ready", "address", m.config.Address(), "device", m.config.Device)
	return nil
}

// waitForReady polls the listen port until it accepts a connection.
func (m *Manager) waitForReady(ctx context.Context) error {
	addr := m.config.Address()
	deadline := time.Now().Add(readyTimeout)
	dialer := net.Dialer{Timeout: dialTimeout}

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled while waiting for gateway: %w", err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for gateway on %s after %v", addr, readyTimeout)
		}

		if !m.process.IsRunning() {
			if lastErr := m.process.LastError(); lastErr != nil {
				return fmt.Errorf("gateway process exited: %w", lastErr)
			}
			return errors.New("gateway process exited unexpectedly")
		}

		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
		case <-time.After(readyPollInterval):
		}
	}
}

// Stop stops the gateway process.
func (m *Manager) Stop() error {
	if !m.config.Managed || m.process == nil {
		return nil
	}
	m.logger.Info("stopping gateway")
	return m.process.Stop()
}

// IsRunning reports whether the gateway is running. An external gateway
// is assumed to be running.
func (m *Manager) IsRunning() bool {
	if !m.config.Managed {
		return true
	}
	if m.process == nil {
		return false
	}
	return m.process.IsRunning()
}

// IsManaged reports whether this manager runs the gateway.
func (m *Manager) IsManaged() bool {
	return m.config.Managed
}

// Address returns host:port for connecting to the gateway.
func (m *Manager) Address() string {
	return m.config.Address()
}

// Stats holds statistics about the gateway.
type Stats struct {
	Managed      bool          `json:"managed"`
	Status       string        `json:"status"`
	Address      string        `json:"address"`
	Device       string        `json:"device,omitempty"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the gateway.
func (m *Manager) Stats() Stats {
	stats := Stats{
		Managed: m.config.Managed,
		Address: m.config.Address(),
	}

	switch {
	case !m.config.Managed:
		stats.Status = "external"
	case m.process == nil:
		stats.Status = "stopped"
		stats.Device = m.config.Device
	default:
		ps := m.process.Stats()
		stats.Status = string(ps.Status)
		stats.Device = m.config.Device
		stats.PID = ps.PID
		stats.Uptime = ps.Uptime
		stats.RestartCount = ps.RestartCount
		stats.LastError = ps.LastError
	}

	return stats
}

// HealthCheck verifies the gateway is healthy.
//
// Layer 0 checks the serial device still exists; restarting will not bring
// back unplugged hardware. Layer 1 checks the process is not stopped or a
// zombie.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if !m.config.Managed {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.checkDevicePresent(); err != nil {
		return newHealthError(0, false, err)
	}

	if m.process != nil {
		if pid := m.process.PID(); pid > 0 {
			if err := checkProcessState(pid); err != nil {
				return newHealthError(1, true, err)
			}
		}
	}
	return nil
}

func (m *Manager) checkDevicePresent() error {
	info, err := os.Stat(m.config.Device)
	if err != nil {
		return fmt.Errorf("serial device %s: %w", m.config.Device, err)
	}
	if info.IsDir() {
		return fmt.Errorf("serial device %s is a directory", m.config.Device)
	}
	return nil
}

// checkProcessState reads /proc/PID/stat and fails for stopped, traced,
// zombie or dead processes.
func checkProcessState(pid int) error {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return fmt.Errorf("cannot read process state: %w", err)
	}
	return parseProcessState(string(data))
}

// parseProcessState checks the state field of a /proc/PID/stat line.
// Format: pid (comm) state ...
func parseProcessState(stat string) error {
	closeParen := strings.LastIndex(stat, ")")
	if closeParen == -1 || closeParen+2 >= len(stat) {
		return errors.New("invalid /proc/stat format")
	}
	fields := strings.Fields(stat[closeParen+2:])
	if len(fields) == 0 {
		return errors.New("invalid /proc/stat format: no state field")
	}

	switch state := fields[0]; state {
	case "T", "t":
		return fmt.Errorf("gateway process is stopped (state=%s)", state)
	case "Z":
		return fmt.Errorf("gateway process is zombie (state=%s)", state)
	case "X", "x":
		return fmt.Errorf("gateway process is dead (state=%s)", state)
	default:
		return nil
	}
}
