package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-nikobus/internal/bridges/nikobus"
)

// Frame log query limits.
const (
	defaultFrameLimit = 50
	maxFrameLimit     = 1000
)

// DiscoveredAddress is a module address seen on the bus.
type DiscoveredAddress struct {
	Address     string `json:"address"`
	FirstSeen   string `json:"first_seen"`
	LastSeen    string `json:"last_seen"`
	LastSeenAgo string `json:"last_seen_ago"`
	FrameCount  int64  `json:"frame_count"`

	// ModuleID is the configured module at this address, empty when the
	// address is not in the module table.
	ModuleID string `json:"module_id,omitempty"`
}

// DiscoverySummary provides aggregate statistics about seen addresses.
type DiscoverySummary struct {
	Total          int `json:"total"`
	Configured     int `json:"configured"`
	Unconfigured   int `json:"unconfigured"`
	ActiveLast5Min int `json:"active_last_5min"`
}

// handleListFrames returns the most recent recorded frames, newest first.
// Query: limit (1-1000, default 50).
func (s *Server) handleListFrames(w http.ResponseWriter, r *http.Request) {
	if s.frames == nil {
		writeUnavailable(w, "frame recording is disabled")
		return
	}

	limit := defaultFrameLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxFrameLimit {
			writeBadRequest(w, "limit must be 1-1000")
			return
		}
		limit = n
	}

	frames, err := s.frames.RecentFrames(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing frames", "error", err)
		writeInternalError(w, "failed to query frames")
		return
	}
	if frames == nil {
		frames = []nikobus.RecordedFrame{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"frames": frames,
		"count":  len(frames),
	})
}

// handleListAddresses returns every module address seen on the bus,
// annotated with the configured module, so installers can find modules
// missing from the configuration.
func (s *Server) handleListAddresses(w http.ResponseWriter, r *http.Request) {
	if s.frames == nil {
		writeUnavailable(w, "frame recording is disabled")
		return
	}

	records, err := s.frames.Addresses(r.Context())
	if err != nil {
		s.logger.Error("listing addresses", "error", err)
		writeInternalError(w, "failed to query addresses")
		return
	}

	configured := make(map[string]string)
	for _, m := range s.bridge.Modules() {
		if addr, err := nikobus.ParseAddress(m.Address); err == nil {
			configured[addr.String()] = m.ID
		}
	}

	now := time.Now()
	fiveMinAgo := now.Add(-5 * time.Minute)

	addresses := make([]DiscoveredAddress, 0, len(records))
	var summary DiscoverySummary
	for _, rec := range records {
		da := DiscoveredAddress{
			Address:     rec.Address,
			FirstSeen:   rec.FirstSeen.UTC().Format(time.RFC3339),
			LastSeen:    rec.LastSeen.UTC().Format(time.RFC3339),
			LastSeenAgo: formatDuration(now.Sub(rec.LastSeen)),
			FrameCount:  rec.FrameCount,
			ModuleID:    configured[rec.Address],
		}
		if da.ModuleID != "" {
			summary.Configured++
		} else {
			summary.Unconfigured++
		}
		if rec.LastSeen.After(fiveMinAgo) {
			summary.ActiveLast5Min++
		}
		addresses = append(addresses, da)
	}
	summary.Total = len(addresses)

	writeJSON(w, http.StatusOK, map[string]any{
		"addresses": addresses,
		"summary":   summary,
	})
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 min ago"
		}
		return strconv.Itoa(mins) + " mins ago"
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return strconv.Itoa(hours) + " hours ago"
	}
	days := int(d.Hours() / 24) //nolint:mnd // 24 hours per day
	if days == 1 {
		return "1 day ago"
	}
	return strconv.Itoa(days) + " days ago"
}
