package nikobus

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// defaultHealthInterval is used when no interval is configured.
const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// BridgeID is the bridge identifier for health messages.
	BridgeID string

	// Version is the bridge software version.
	Version string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	// Publisher is the MQTT client for publishing messages.
	Publisher HealthPublisher

	// Sender provides PC-link connection state (may be nil).
	Sender Sender

	// Statistics returns the bridge's frame counters (may be nil).
	Statistics func() BridgeStatistics
}

// HealthReporter publishes the bridge status to MQTT at regular intervals.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time

	moduleCount   int
	moduleCountMu sync.RWMutex

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a new health reporter.
// Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval == 0 {
		cfg.Interval = defaultHealthInterval
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetModuleCount updates the number of configured modules.
func (h *HealthReporter) SetModuleCount(count int) {
	h.moduleCountMu.Lock()
	h.moduleCount = count
	h.moduleCountMu.Unlock()
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// LWTPayload returns the Last Will and Testament payload to register
// when connecting to the broker.
func (h *HealthReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(h.cfg.BridgeID))
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.cfg.Sender == nil {
		return HealthDegraded, "PC-link not configured"
	}
	if !h.cfg.Sender.IsConnected() {
		return HealthDegraded, "PC-link disconnected"
	}
	return HealthHealthy, ""
}

// buildMessage assembles a health message for status.
func (h *HealthReporter) buildMessage(status HealthStatus, reason string) HealthMessage {
	h.moduleCountMu.RLock()
	modules := h.moduleCount
	h.moduleCountMu.RUnlock()

	msg := HealthMessage{
		Bridge:         h.cfg.BridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        h.cfg.Version,
		UptimeSeconds:  int64(time.Since(h.startTime).Seconds()),
		ModulesManaged: modules,
		Reason:         reason,
	}

	if h.cfg.Sender != nil {
		stats := h.cfg.Sender.Stats()
		conn := &ConnectionStatus{Status: "disconnected", LastActivity: stats.LastActivity}
		switch {
		case stats.Connected:
			conn.Status = "connected"
		case stats.Reconnecting:
			conn.Status = "connecting"
		}
		msg.Connection = conn
	}

	if h.cfg.Statistics != nil {
		stats := h.cfg.Statistics()
		msg.Statistics = &stats
	}

	return msg
}

// publishStatus publishes a retained health message at QoS 1.
func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}

	payload, err := json.Marshal(h.buildMessage(status, reason))
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(HealthTopic(), payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
