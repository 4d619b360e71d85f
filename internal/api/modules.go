package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-nikobus/internal/bridges/nikobus"
)

// commandSource marks commands issued through the HTTP API.
const commandSource = "api"

// refreshTimeout bounds a background refresh of every module.
const refreshTimeout = 2 * time.Minute

// ModuleView is a configured module with its last known outputs.
type ModuleView struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name,omitempty"`
	Address  string                 `json:"address"`
	Type     string                 `json:"type"`
	Channels int                    `json:"channels"`
	Groups   int                    `json:"groups"`
	State    []nikobus.StateMessage `json:"state"`
}

// CommandRequest is the body of POST /modules/{id}/command.
type CommandRequest struct {
	ID      string `json:"id,omitempty"`
	Channel int    `json:"channel,omitempty"`
	Command string `json:"command"`
	Value   *int   `json:"value,omitempty"`
}

func (s *Server) moduleView(m nikobus.ModuleConfig) ModuleView {
	states, _ := s.bridge.ModuleStates(m.ID)
	if states == nil {
		states = []nikobus.StateMessage{}
	}
	return ModuleView{
		ID:       m.ID,
		Name:     m.Name,
		Address:  m.Address,
		Type:     m.Type,
		Channels: m.Channels,
		Groups:   m.Groups(),
		State:    states,
	}
}

// handleListModules returns every configured module in configuration order.
func (s *Server) handleListModules(w http.ResponseWriter, _ *http.Request) {
	modules := s.bridge.Modules()
	views := make([]ModuleView, 0, len(modules))
	for _, m := range modules {
		views = append(views, s.moduleView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"modules": views,
		"count":   len(views),
	})
}

// handleGetModule returns one module by ID.
func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, m := range s.bridge.Modules() {
		if m.ID == id {
			writeJSON(w, http.StatusOK, s.moduleView(m))
			return
		}
	}
	writeNotFound(w, "module not found")
}

// handleModuleCommand executes a command synchronously and returns the
// acknowledgment. The same acknowledgment is published on MQTT.
func (s *Server) handleModuleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	cmd := nikobus.CommandMessage{
		ID:        req.ID,
		Timestamp: time.Now().UTC(),
		ModuleID:  chi.URLParam(r, "id"),
		Channel:   req.Channel,
		Command:   req.Command,
		Value:     req.Value,
		Source:    commandSource,
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	s.logger.Info("api command",
		"command_id", cmd.ID,
		"module", cmd.ModuleID,
		"command", cmd.Command,
		"channel", cmd.Channel,
		"request_id", requestIDFrom(r.Context()),
	)

	ack := s.bridge.ExecuteCommand(cmd)
	writeJSON(w, ackHTTPStatus(ack), ack)
}

// handleRefresh requests the outputs of every module in the background.
// Answers arrive as frames and update module state. The poll is cancelled
// when the server closes.
func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	if s.sender == nil || !s.sender.IsConnected() {
		writeUnavailable(w, "PC-link not connected")
		return
	}

	// Close cancels bgCtx under s.mu before waiting, so no Add follows Wait.
	s.mu.Lock()
	bgCtx := s.bgCtx
	if bgCtx.Err() != nil {
		s.mu.Unlock()
		writeUnavailable(w, "server shutting down")
		return
	}
	s.refresh.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.refresh.Done()
		ctx, cancel := context.WithTimeout(bgCtx, refreshTimeout)
		defer cancel()
		s.bridge.RefreshAll(ctx)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "refreshing",
		"modules": len(s.bridge.Modules()),
	})
}
