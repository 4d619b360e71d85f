package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status represents the current state of a managed process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// Supervision defaults.
const (
	defaultRestartDelay        = 5 * time.Second
	defaultMaxRestartDelay     = 5 * time.Minute
	defaultStableThreshold     = 2 * time.Minute
	defaultGracefulTimeout     = 10 * time.Second
	defaultHealthCheckInterval = 30 * time.Second

	// healthCheckTimeout bounds one HealthCheckFunc call.
	healthCheckTimeout = 5 * time.Second

	// maxConsecutiveFailures kills the process after this many failed checks.
	maxConsecutiveFailures = 3

	// killWait bounds the wait for exit after SIGKILL.
	killWait = 5 * time.Second

	// maxOutputLine caps one captured output line.
	maxOutputLine = 64 * 1024
)

// RecoverableError lets an exit error tell the manager whether a restart
// can help. A missing serial device is not recoverable by restarting.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether err permits a restart. Errors that do not
// implement RecoverableError are treated as recoverable.
func IsRecoverable(err error) bool {
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return true
}

// Config holds configuration for a managed subprocess.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format).
	// If nil, inherits from parent process.
	Env []string

	// WorkDir is the working directory for the process.
	WorkDir string

	// RestartOnFailure enables automatic restart when the process exits unexpectedly.
	RestartOnFailure bool

	// RestartDelay is the delay before the first restart. Later restarts
	// double it up to MaxRestartDelay.
	RestartDelay time.Duration

	// MaxRestartDelay caps the backoff.
	MaxRestartDelay time.Duration

	// StableThreshold resets the restart counter when the process ran at
	// least this long before failing.
	StableThreshold time.Duration

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// HealthCheckFunc is called periodically while the process runs. Three
	// consecutive failures kill the process, which then restarts as a failure.
	HealthCheckFunc func(ctx context.Context) error

	// HealthCheckInterval is how often to run health checks.
	HealthCheckInterval time.Duration

	// OnStart is called when the process starts successfully.
	OnStart func()

	// OnStop is called when the process stops (nil error for a requested stop).
	OnStop func(err error)

	// OnRestart is called before each restart attempt.
	OnRestart func(attempt int)
}

// DefaultConfig returns a Config with restart enabled and default timings.
func DefaultConfig(name, binary string, args []string) Config {
	return Config{
		Name:                name,
		Binary:              binary,
		Args:                args,
		RestartOnFailure:    true,
		RestartDelay:        defaultRestartDelay,
		MaxRestartDelay:     defaultMaxRestartDelay,
		StableThreshold:     defaultStableThreshold,
		MaxRestartAttempts:  10,
		GracefulTimeout:     defaultGracefulTimeout,
		HealthCheckInterval: defaultHealthCheckInterval,
	}
}

// Logger defines the logging interface for the process manager.
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

// Manager runs one subprocess, restarts it with exponential backoff when it
// fails, and kills it when its health check keeps failing.
//
// Thread Safety: All methods are safe for concurrent use.
type Manager struct {
	config Config

	loggerMu sync.RWMutex
	logger   Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	restartCount  int
	lastError     error
	startTime     time.Time
	stopRequested bool
	stop          chan struct{}
	done          chan struct{}
}

// NewManager creates a new process manager with the given configuration.
func NewManager(cfg Config) *Manager {
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.MaxRestartDelay == 0 {
		cfg.MaxRestartDelay = defaultMaxRestartDelay
	}
	if cfg.StableThreshold == 0 {
		cfg.StableThreshold = defaultStableThreshold
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}

	return &Manager{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()
}

func (m *Manager) log() Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}

// Start launches the subprocess and begins supervising it.
//
// Returns:
//   - error: If the process is already running or cannot be started
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting {
		m.mu.Unlock()
		return fmt.Errorf("process %s is already running", m.config.Name)
	}
	m.status = StatusStarting
	m.stopRequested = false
	m.restartCount = 0
	done := make(chan struct{})
	m.done = done
	m.stop = make(chan struct{})
	m.mu.Unlock()

	if err := m.startProcess(ctx); err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.lastError = err
		m.mu.Unlock()
		close(done)
		return err
	}

	go m.monitor(ctx, done)
	return nil
}

func (m *Manager) startProcess(ctx context.Context) error {
	m.log().Info("starting process",
		"name", m.config.Name,
		"binary", m.config.Binary,
		"args", m.config.Args,
	)

	cmd := exec.CommandContext(ctx, m.config.Binary, m.config.Args...) //nolint:gosec // arguments are validated by the caller's config

	// Own process group so Stop reaches children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if m.config.Env != nil {
		cmd.Env = append(os.Environ(), m.config.Env...)
	}
	if m.config.WorkDir != "" {
		cmd.Dir = m.config.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", m.config.Name, err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.status = StatusRunning
	m.startTime = time.Now()
	m.mu.Unlock()

	go m.captureOutput("stdout", stdout)
	go m.captureOutput("stderr", stderr)

	m.log().Info("process started",
		"name", m.config.Name,
		"pid", cmd.Process.Pid,
	)

	if m.config.OnStart != nil {
		m.config.OnStart()
	}
	return nil
}

// captureOutput logs the process output line by line at debug level.
func (m *Manager) captureOutput(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxOutputLine)
	for scanner.Scan() {
		m.log().Debug("process output",
			"name", m.config.Name,
			"stream", stream,
			"line", scanner.Text(),
		)
	}
}

// waitForExit waits for the process to exit. With a HealthCheckFunc it also
// acts as a watchdog and kills a process that stops answering.
func (m *Manager) waitForExit(ctx context.Context, cmd *exec.Cmd) error {
	exitCh := make(chan error, 1)
	go func() {
		exitCh <- cmd.Wait()
	}()

	if m.config.HealthCheckFunc == nil {
		return <-exitCh
	}

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case err := <-exitCh:
			return err

		case <-ctx.Done():
			// CommandContext kills the process; collect its exit
			<-exitCh
			return ctx.Err()

		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			err := m.config.HealthCheckFunc(checkCtx)
			cancel()

			if err == nil {
				if failures > 0 {
					m.log().Info("health check recovered",
						"name", m.config.Name,
						"previous_failures", failures,
					)
				}
				failures = 0
				continue
			}

			failures++
			m.log().Warn("health check failed",
				"name", m.config.Name,
				"error", err,
				"consecutive_failures", failures,
			)
			if failures < maxConsecutiveFailures {
				continue
			}

			m.log().Error("health check failed repeatedly, killing process",
				"name", m.config.Name,
				"failures", failures,
			)
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			select {
			case <-exitCh:
				return fmt.Errorf("killed after %d failed health checks: %w", failures, err)
			case <-time.After(killWait):
				return errors.New("process did not exit after kill")
			}
		}
	}
}

// monitor waits for exits and restarts the process until stopped.
func (m *Manager) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		m.mu.RLock()
		cmd := m.cmd
		started := m.startTime
		m.mu.RUnlock()

		if cmd == nil {
			return
		}

		err := m.waitForExit(ctx, cmd)

		m.mu.Lock()
		stopRequested := m.stopRequested
		if stopRequested || ctx.Err() != nil {
			m.status = StatusStopped
		} else {
			m.status = StatusFailed
			m.lastError = err
		}
		m.mu.Unlock()

		if stopRequested || ctx.Err() != nil {
			m.log().Info("process stopped", "name", m.config.Name)
			if m.config.OnStop != nil {
				m.config.OnStop(nil)
			}
			return
		}

		m.log().Warn("process exited unexpectedly",
			"name", m.config.Name,
			"error", err,
			"ran_for", time.Since(started).Round(time.Millisecond),
		)
		if m.config.OnStop != nil {
			m.config.OnStop(err)
		}

		if !m.config.RestartOnFailure {
			m.log().Info("restart disabled, not restarting", "name", m.config.Name)
			return
		}
		if !IsRecoverable(err) {
			m.log().Error("process failure is not recoverable, not restarting",
				"name", m.config.Name,
				"error", err,
			)
			return
		}

		attempt, ok := m.nextAttempt(time.Since(started))
		if !ok {
			m.log().Error("max restart attempts reached",
				"name", m.config.Name,
				"attempts", attempt-1,
			)
			return
		}

		if !m.restartAfterDelay(ctx, attempt) {
			return
		}
	}
}

// nextAttempt counts a restart. A run longer than StableThreshold resets the
// count so that occasional failures never exhaust MaxRestartAttempts.
func (m *Manager) nextAttempt(ranFor time.Duration) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ranFor >= m.config.StableThreshold {
		m.restartCount = 0
	}
	m.restartCount++
	attempt := m.restartCount

	if m.config.MaxRestartAttempts > 0 && attempt > m.config.MaxRestartAttempts {
		return attempt, false
	}
	return attempt, true
}

// restartAfterDelay waits the backoff delay and starts the process again.
// It returns false when the monitor should exit.
func (m *Manager) restartAfterDelay(ctx context.Context, attempt int) bool {
	delay := m.calculateBackoffDelay(attempt)
	m.log().Info("restarting process",
		"name", m.config.Name,
		"attempt", attempt,
		"delay", delay,
	)
	if m.config.OnRestart != nil {
		m.config.OnRestart(attempt)
	}

	m.mu.RLock()
	stop := m.stop
	m.mu.RUnlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.setStopped()
			return false
		case <-stop:
			m.setStopped()
			return false
		case <-timer.C:
		}

		err := m.startProcess(ctx)
		if err == nil {
			return true
		}

		m.log().Error("failed to restart process",
			"name", m.config.Name,
			"error", err,
		)
		m.mu.Lock()
		m.lastError = err
		m.mu.Unlock()

		next, ok := m.nextAttempt(0)
		if !ok {
			return false
		}
		timer.Reset(m.calculateBackoffDelay(next))
	}
}

func (m *Manager) setStopped() {
	m.mu.Lock()
	m.status = StatusStopped
	m.mu.Unlock()
}

// calculateBackoffDelay returns RestartDelay doubled per attempt, capped at
// MaxRestartDelay.
func (m *Manager) calculateBackoffDelay(attempt int) time.Duration {
	delay := m.config.RestartDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.config.MaxRestartDelay {
			return m.config.MaxRestartDelay
		}
	}
	return delay
}

// Stop terminates the process group with SIGTERM, then SIGKILL after
// GracefulTimeout. Stopping a process that is not running is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.status != StatusRunning && m.status != StatusStarting && m.status != StatusFailed {
		m.mu.Unlock()
		return nil
	}
	if !m.stopRequested {
		m.stopRequested = true
		close(m.stop)
	}
	cmd := m.cmd
	done := m.done
	running := m.status == StatusRunning
	m.mu.Unlock()

	if done == nil {
		return nil
	}
	if !running || cmd == nil || cmd.Process == nil {
		// Waiting out a restart delay, or the monitor has given up
		<-done
		return nil
	}

	pid := cmd.Process.Pid
	m.log().Info("stopping process", "name", m.config.Name, "pid", pid)

	// Negative PID signals the whole process group
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		m.log().Warn("failed to send SIGTERM", "name", m.config.Name, "error", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(m.config.GracefulTimeout):
		m.log().Warn("graceful shutdown timeout, sending SIGKILL",
			"name", m.config.Name,
			"timeout", m.config.GracefulTimeout,
		)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %s: %w", m.config.Name, err)
	}
	<-done
	return nil
}

// Done is closed when supervision ends (stopped, or restarts given up).
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

// Status returns the current status of the managed process.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning returns true if the process is currently running.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// LastError returns the last error that caused the process to exit.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// RestartCount returns the number of restarts since the last stable run.
func (m *Manager) RestartCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restartCount
}

// Uptime returns how long the process has been running, 0 if not running.
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusRunning {
		return 0
	}
	return time.Since(m.startTime)
}

// PID returns the process ID, or 0 if not running.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == StatusRunning && m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}

// Stats holds a snapshot of the managed process.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Name:         m.config.Name,
		Status:       m.status,
		RestartCount: m.restartCount,
	}
	if m.status == StatusRunning {
		if m.cmd != nil && m.cmd.Process != nil {
			stats.PID = m.cmd.Process.Pid
		}
		stats.Uptime = time.Since(m.startTime)
	}
	if m.lastError != nil {
		stats.LastError = m.lastError.Error()
	}
	return stats
}
