package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-nikobus/internal/bridges/nikobus"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/mqtt"
)

// bytesPerMB converts byte counts to megabytes.
const bytesPerMB = 1024 * 1024

// SystemStatus is the response of GET /api/v1/status.
type SystemStatus struct {
	Timestamp     string                   `json:"timestamp"`
	Version       string                   `json:"version"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Runtime       RuntimeMetrics           `json:"runtime"`
	WebSocket     WSMetrics                `json:"websocket"`
	MQTT          MQTTMetrics              `json:"mqtt"`
	PCLink        PCLinkMetrics            `json:"pclink"`
	Bridge        nikobus.BridgeStatistics `json:"bridge"`
	Modules       int                      `json:"modules"`
	Recording     bool                     `json:"recording"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedMessages  uint64 `json:"dropped_messages"`
}

// MQTTMetrics contains MQTT client statistics. Counters are only filled
// when the client exposes them.
type MQTTMetrics struct {
	Connected     bool   `json:"connected"`
	Reconnects    uint64 `json:"reconnects"`
	Published     uint64 `json:"published"`
	PublishErrors uint64 `json:"publish_errors"`
}

// mqttStatsSource is implemented by *mqtt.Client.
type mqttStatsSource interface {
	Stats() mqtt.Stats
}

// PCLinkMetrics contains PC-link connection statistics.
type PCLinkMetrics struct {
	Status       string `json:"status"`
	FramesTx     uint64 `json:"frames_tx"`
	FramesRx     uint64 `json:"frames_rx"`
	Errors       uint64 `json:"errors"`
	Reconnects   uint64 `json:"reconnects"`
	LastActivity string `json:"last_activity,omitempty"`
}

// handleStatus returns runtime, connection and frame counters.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := SystemStatus{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / bytesPerMB,
			MemoryTotalMB: float64(memStats.TotalAlloc) / bytesPerMB,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			DroppedMessages:  s.hub.Dropped(),
		},
		PCLink:    PCLinkMetrics{Status: s.pcLinkStatus()},
		Bridge:    s.bridge.Statistics(),
		Modules:   len(s.bridge.Modules()),
		Recording: s.frames != nil,
	}

	if s.mqtt != nil {
		status.MQTT.Connected = s.mqtt.IsConnected()
		if src, ok := s.mqtt.(mqttStatsSource); ok {
			st := src.Stats()
			status.MQTT.Reconnects = st.Reconnects
			status.MQTT.Published = st.Published
			status.MQTT.PublishErrors = st.PublishErrors
		}
	}

	if s.sender != nil {
		stats := s.sender.Stats()
		status.PCLink.FramesTx = stats.FramesTx
		status.PCLink.FramesRx = stats.FramesRx
		status.PCLink.Errors = stats.ErrorsTotal
		status.PCLink.Reconnects = stats.ReconnectsTotal
		if !stats.LastActivity.IsZero() {
			status.PCLink.LastActivity = stats.LastActivity.UTC().Format(time.RFC3339)
		}
	}

	writeJSON(w, http.StatusOK, status)
}
