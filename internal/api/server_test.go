package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-nikobus/internal/bridges/nikobus"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/mqtt"
)

// ─── Fakes ─────────────────────────────────────────────────────────

type fakeBridge struct {
	mu       sync.Mutex
	modules  []nikobus.ModuleConfig
	states   map[string][]nikobus.StateMessage
	ack      func(cmd nikobus.CommandMessage) nikobus.AckMessage
	commands []nikobus.CommandMessage
	stats    nikobus.BridgeStatistics
	refresh  chan struct{}
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		modules: []nikobus.ModuleConfig{
			{ID: "kitchen", Name: "Kitchen", Address: "C9A5", Type: "switch", Channels: 12},
			{ID: "shutters", Address: "1234", Type: "rollershutter", Channels: 6},
		},
		states: map[string][]nikobus.StateMessage{
			"kitchen": {{ModuleID: "kitchen", Address: "C9A5", Group: 1, Channels: []nikobus.ChannelState{
				{Channel: 1, Value: 0xFF, On: true},
			}}},
		},
		refresh: make(chan struct{}, 1),
	}
}

func (f *fakeBridge) Modules() []nikobus.ModuleConfig {
	return append([]nikobus.ModuleConfig(nil), f.modules...)
}

func (f *fakeBridge) ModuleStates(id string) ([]nikobus.StateMessage, bool) {
	for _, m := range f.modules {
		if m.ID == id {
			return f.states[id], true
		}
	}
	return nil, false
}

func (f *fakeBridge) ExecuteCommand(cmd nikobus.CommandMessage) nikobus.AckMessage {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	ack := f.ack
	f.mu.Unlock()
	if ack != nil {
		return ack(cmd)
	}
	return nikobus.NewAckMessage(cmd, nikobus.AckAccepted, "C9A5", []string{"$1E15A5C9FF00000000FFFF327BFC"})
}

func (f *fakeBridge) Statistics() nikobus.BridgeStatistics {
	return f.stats
}

func (f *fakeBridge) RefreshAll(_ context.Context) {
	f.refresh <- struct{}{}
}

func (f *fakeBridge) lastCommand(t *testing.T) nikobus.CommandMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		t.Fatal("no command executed")
	}
	return f.commands[len(f.commands)-1]
}

type fakeSender struct {
	stats nikobus.CommanderStats
}

func (f *fakeSender) Send(_ context.Context, _ string) error { return nil }
func (f *fakeSender) IsConnected() bool                      { return f.stats.Connected }
func (f *fakeSender) Stats() nikobus.CommanderStats          { return f.stats }
func (f *fakeSender) Close() error                           { return nil }

type fakeFrames struct {
	frames    []nikobus.RecordedFrame
	addresses []nikobus.AddressRecord
	err       error
	lastLimit int
}

func (f *fakeFrames) RecentFrames(_ context.Context, limit int) ([]nikobus.RecordedFrame, error) {
	f.lastLimit = limit
	return f.frames, f.err
}

func (f *fakeFrames) Addresses(_ context.Context) ([]nikobus.AddressRecord, error) {
	return f.addresses, f.err
}

type fakeMQTT bool

func (f fakeMQTT) IsConnected() bool { return bool(f) }

// fakeMQTTStats also reports counters, like *mqtt.Client.
type fakeMQTTStats struct{ stats mqtt.Stats }

func (f fakeMQTTStats) IsConnected() bool { return f.stats.Connected }
func (f fakeMQTTStats) Stats() mqtt.Stats { return f.stats }

// ─── Helpers ───────────────────────────────────────────────────────

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testDeps(bridge BridgeService) Deps {
	return Deps{
		Config: config.APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:  testLogger(),
		Bridge:  bridge,
		Version: "test",
	}
}

// testServer creates a Server around a fake bridge without starting it.
func testServer(t *testing.T, mutate ...func(*Deps)) (*Server, *fakeBridge) {
	t.Helper()

	bridge := newFakeBridge()
	deps := testDeps(bridge)
	for _, m := range mutate {
		m(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, bridge
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Deps{Bridge: newFakeBridge()}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without bridge should fail")
	}
}

// ─── Health and Status ─────────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp map[string]any
	decode(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
	if resp["pclink"] != "not_configured" {
		t.Errorf("pclink = %v, want not_configured", resp["pclink"])
	}
	if resp["mqtt_connected"] != false {
		t.Errorf("mqtt_connected = %v, want false", resp["mqtt_connected"])
	}
}

func TestHealth_PCLinkStatus(t *testing.T) {
	tests := []struct {
		name  string
		stats nikobus.CommanderStats
		want  string
	}{
		{"connected", nikobus.CommanderStats{Connected: true}, "connected"},
		{"reconnecting", nikobus.CommanderStats{Reconnecting: true}, "connecting"},
		{"down", nikobus.CommanderStats{}, "disconnected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, func(d *Deps) {
				d.Sender = &fakeSender{stats: tt.stats}
				d.MQTT = fakeMQTT(true)
			})

			var resp map[string]any
			decode(t, do(t, srv, http.MethodGet, "/api/v1/health", ""), &resp)
			if resp["pclink"] != tt.want {
				t.Errorf("pclink = %v, want %s", resp["pclink"], tt.want)
			}
			if resp["mqtt_connected"] != true {
				t.Errorf("mqtt_connected = %v, want true", resp["mqtt_connected"])
			}
		})
	}
}

func TestStatus(t *testing.T) {
	activity := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	srv, bridge := testServer(t, func(d *Deps) {
		d.Sender = &fakeSender{stats: nikobus.CommanderStats{
			Connected:       true,
			FramesTx:        7,
			FramesRx:        11,
			ReconnectsTotal: 2,
			LastActivity:    activity,
		}}
		d.Frames = &fakeFrames{}
		d.MQTT = fakeMQTTStats{stats: mqtt.Stats{Connected: true, Reconnects: 1, Published: 40, PublishErrors: 2}}
	})
	bridge.stats = nikobus.BridgeStatistics{FramesReceived: 11, FramesInvalid: 1, ButtonPresses: 3}

	w := do(t, srv, http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", w.Code)
	}

	var status SystemStatus
	decode(t, w, &status)
	if status.Version != "test" {
		t.Errorf("Version = %q, want test", status.Version)
	}
	if status.Modules != 2 {
		t.Errorf("Modules = %d, want 2", status.Modules)
	}
	if !status.Recording {
		t.Error("Recording = false, want true")
	}
	if status.Bridge.FramesReceived != 11 || status.Bridge.ButtonPresses != 3 {
		t.Errorf("Bridge = %+v", status.Bridge)
	}
	if status.PCLink.Status != "connected" || status.PCLink.FramesTx != 7 || status.PCLink.Reconnects != 2 {
		t.Errorf("PCLink = %+v", status.PCLink)
	}
	if status.PCLink.LastActivity != "2026-10-19T12:00:00Z" {
		t.Errorf("LastActivity = %q", status.PCLink.LastActivity)
	}
	if !status.MQTT.Connected || status.MQTT.Published != 40 || status.MQTT.PublishErrors != 2 || status.MQTT.Reconnects != 1 {
		t.Errorf("MQTT = %+v", status.MQTT)
	}
	if status.Runtime.Goroutines == 0 {
		t.Error("Runtime.Goroutines = 0")
	}
}

func TestMetricsMounted(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("nikobus_frames_total 1\n")) //nolint:errcheck // test handler
		})
	})

	w := do(t, srv, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "nikobus_frames_total") {
		t.Errorf("/metrics body = %q", w.Body.String())
	}

	srv, _ = testServer(t)
	if w := do(t, srv, http.MethodGet, "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("/metrics without handler = %d, want 404", w.Code)
	}
}

// ─── Middleware ────────────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/api/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
	var e Error
	decode(t, w, &e)
	if e.Code != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeNotFound)
	}
	if e.RequestID == "" || e.RequestID != w.Header().Get("X-Request-ID") {
		t.Errorf("request_id = %q, want the X-Request-ID header %q", e.RequestID, w.Header().Get("X-Request-ID"))
	}
}

func TestAckHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{nikobus.ErrCodeNotConfigured, http.StatusNotFound},
		{nikobus.ErrCodeInvalidCommand, http.StatusBadRequest},
		{nikobus.ErrCodeInvalidParameters, http.StatusBadRequest},
		{nikobus.ErrCodeDeviceUnreachable, http.StatusServiceUnavailable},
		{nikobus.ErrCodeBridgeError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			ack := nikobus.NewAckError(nikobus.CommandMessage{ModuleID: "kitchen"}, "C9A5", tt.code, "x")
			if got := ackHTTPStatus(ack); got != tt.want {
				t.Errorf("ackHTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}

	ok := nikobus.NewAckMessage(nikobus.CommandMessage{ModuleID: "kitchen"}, nikobus.AckAccepted, "C9A5", nil)
	if got := ackHTTPStatus(ok); got != http.StatusOK {
		t.Errorf("ackHTTPStatus(accepted) = %d, want 200", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodDelete, "/api/v1/health", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /health status = %d, want 405", w.Code)
	}
}

func TestRecovery(t *testing.T) {
	srv, _ := testServer(t)

	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ─── Modules ───────────────────────────────────────────────────────

func TestListModules(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/api/v1/modules", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Modules []ModuleView `json:"modules"`
		Count   int          `json:"count"`
	}
	decode(t, w, &resp)

	if resp.Count != 2 || len(resp.Modules) != 2 {
		t.Fatalf("count = %d, modules = %d, want 2", resp.Count, len(resp.Modules))
	}
	kitchen := resp.Modules[0]
	if kitchen.ID != "kitchen" || kitchen.Groups != 2 || len(kitchen.State) != 1 {
		t.Errorf("kitchen = %+v", kitchen)
	}
	shutters := resp.Modules[1]
	if shutters.Groups != 1 || shutters.State == nil || len(shutters.State) != 0 {
		t.Errorf("shutters = %+v, want empty state list", shutters)
	}
}

func TestGetModule(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/api/v1/modules/kitchen", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var view ModuleView
	decode(t, w, &view)
	if view.Address != "C9A5" || view.Name != "Kitchen" {
		t.Errorf("view = %+v", view)
	}
	if got := view.State[0].Channels[0]; !got.On || got.Value != 0xFF {
		t.Errorf("channel 1 = %+v, want on", got)
	}

	if w := do(t, srv, http.MethodGet, "/api/v1/modules/garage", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown module status = %d, want 404", w.Code)
	}
}

func TestModuleCommand(t *testing.T) {
	srv, bridge := testServer(t)

	w := do(t, srv, http.MethodPost, "/api/v1/modules/kitchen/command", `{"command":"on","channel":1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", w.Code, w.Body.String())
	}

	var ack nikobus.AckMessage
	decode(t, w, &ack)
	if ack.Status != nikobus.AckAccepted {
		t.Errorf("ack status = %q, want accepted", ack.Status)
	}

	cmd := bridge.lastCommand(t)
	if cmd.ModuleID != "kitchen" {
		t.Errorf("ModuleID = %q, want kitchen", cmd.ModuleID)
	}
	if cmd.Source != commandSource {
		t.Errorf("Source = %q, want %q", cmd.Source, commandSource)
	}
	if cmd.ID == "" {
		t.Error("command ID not generated")
	}
	if ack.CommandID != cmd.ID {
		t.Errorf("ack CommandID = %q, want %q", ack.CommandID, cmd.ID)
	}
}

func TestModuleCommand_KeepsClientID(t *testing.T) {
	srv, bridge := testServer(t)

	do(t, srv, http.MethodPost, "/api/v1/modules/kitchen/command", `{"id":"cmd-7","command":"set","channel":2,"value":128}`)

	cmd := bridge.lastCommand(t)
	if cmd.ID != "cmd-7" {
		t.Errorf("ID = %q, want cmd-7", cmd.ID)
	}
	if cmd.Value == nil || *cmd.Value != 128 {
		t.Errorf("Value = %v, want 128", cmd.Value)
	}
}

func TestModuleCommand_FailureStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{nikobus.ErrCodeNotConfigured, http.StatusNotFound},
		{nikobus.ErrCodeInvalidCommand, http.StatusBadRequest},
		{nikobus.ErrCodeInvalidParameters, http.StatusBadRequest},
		{nikobus.ErrCodeDeviceUnreachable, http.StatusServiceUnavailable},
		{nikobus.ErrCodeBridgeError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			srv, bridge := testServer(t)
			bridge.ack = func(cmd nikobus.CommandMessage) nikobus.AckMessage {
				return nikobus.NewAckError(cmd, "", tt.code, "failed")
			}

			w := do(t, srv, http.MethodPost, "/api/v1/modules/kitchen/command", `{"command":"on","channel":1}`)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			var ack nikobus.AckMessage
			decode(t, w, &ack)
			if ack.Error == nil || ack.Error.Code != tt.code {
				t.Errorf("ack error = %+v, want %s", ack.Error, tt.code)
			}
		})
	}
}

func TestModuleCommand_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"command":`},
		{"missing command", `{"channel":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, bridge := testServer(t)
			w := do(t, srv, http.MethodPost, "/api/v1/modules/kitchen/command", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if len(bridge.commands) != 0 {
				t.Error("bridge should not be called")
			}
		})
	}
}

func TestRefresh(t *testing.T) {
	srv, _ := testServer(t)
	if w := do(t, srv, http.MethodPost, "/api/v1/refresh", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("refresh without PC-link = %d, want 503", w.Code)
	}

	srv, bridge := testServer(t, func(d *Deps) {
		d.Sender = &fakeSender{stats: nikobus.CommanderStats{Connected: true}}
	})
	if w := do(t, srv, http.MethodPost, "/api/v1/refresh", ""); w.Code != http.StatusAccepted {
		t.Fatalf("refresh status = %d, want 202", w.Code)
	}

	select {
	case <-bridge.refresh:
	case <-time.After(2 * time.Second):
		t.Fatal("RefreshAll not called")
	}
}

type blockingRefreshBridge struct {
	*fakeBridge
	started chan struct{}
	stopped chan error
}

func (b *blockingRefreshBridge) RefreshAll(ctx context.Context) {
	close(b.started)
	<-ctx.Done()
	b.stopped <- ctx.Err()
}

func TestRefresh_CancelledOnClose(t *testing.T) {
	bridge := &blockingRefreshBridge{
		fakeBridge: newFakeBridge(),
		started:    make(chan struct{}),
		stopped:    make(chan error, 1),
	}
	srv, _ := testServer(t, func(d *Deps) {
		d.Bridge = bridge
		d.Sender = &fakeSender{stats: nikobus.CommanderStats{Connected: true}}
	})

	if w := do(t, srv, http.MethodPost, "/api/v1/refresh", ""); w.Code != http.StatusAccepted {
		t.Fatalf("refresh status = %d, want 202", w.Code)
	}
	select {
	case <-bridge.started:
	case <-time.After(2 * time.Second):
		t.Fatal("RefreshAll not called")
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	select {
	case err := <-bridge.stopped:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("refresh context error = %v, want context.Canceled", err)
		}
	default:
		t.Fatal("Close() returned before the refresh stopped")
	}

	if w := do(t, srv, http.MethodPost, "/api/v1/refresh", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("refresh after Close = %d, want 503", w.Code)
	}
}

// ─── Frames and Addresses ──────────────────────────────────────────

func TestListFrames(t *testing.T) {
	store := &fakeFrames{frames: []nikobus.RecordedFrame{
		{ID: 2, Raw: "$1012A5C94B71C1", Valid: true, Function: "12", Address: "C9A5"},
		{ID: 1, Raw: "$1012A5C94B71C2"},
	}}
	srv, _ := testServer(t, func(d *Deps) { d.Frames = store })

	w := do(t, srv, http.MethodGet, "/api/v1/frames", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if store.lastLimit != defaultFrameLimit {
		t.Errorf("limit = %d, want %d", store.lastLimit, defaultFrameLimit)
	}

	var resp struct {
		Frames []nikobus.RecordedFrame `json:"frames"`
		Count  int                     `json:"count"`
	}
	decode(t, w, &resp)
	if resp.Count != 2 || resp.Frames[0].Address != "C9A5" || resp.Frames[1].Valid {
		t.Errorf("resp = %+v", resp)
	}

	do(t, srv, http.MethodGet, "/api/v1/frames?limit=5", "")
	if store.lastLimit != 5 {
		t.Errorf("limit = %d, want 5", store.lastLimit)
	}
}

func TestListFrames_Errors(t *testing.T) {
	tests := []struct {
		name  string
		store FrameStore
		query string
		want  int
	}{
		{"recording disabled", nil, "", http.StatusServiceUnavailable},
		{"limit zero", &fakeFrames{}, "?limit=0", http.StatusBadRequest},
		{"limit too large", &fakeFrames{}, "?limit=1001", http.StatusBadRequest},
		{"limit not a number", &fakeFrames{}, "?limit=ten", http.StatusBadRequest},
		{"store error", &fakeFrames{err: errors.New("disk")}, "", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, func(d *Deps) { d.Frames = tt.store })
			if w := do(t, srv, http.MethodGet, "/api/v1/frames"+tt.query, ""); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestListAddresses(t *testing.T) {
	now := time.Now()
	store := &fakeFrames{addresses: []nikobus.AddressRecord{
		{Address: "C9A5", FirstSeen: now.Add(-time.Hour), LastSeen: now, FrameCount: 12},
		{Address: "0001", FirstSeen: now.Add(-3 * time.Hour), LastSeen: now.Add(-2 * time.Hour), FrameCount: 1},
	}}
	srv, _ := testServer(t, func(d *Deps) { d.Frames = store })

	w := do(t, srv, http.MethodGet, "/api/v1/addresses", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Addresses []DiscoveredAddress `json:"addresses"`
		Summary   DiscoverySummary    `json:"summary"`
	}
	decode(t, w, &resp)

	if len(resp.Addresses) != 2 {
		t.Fatalf("addresses = %d, want 2", len(resp.Addresses))
	}
	if resp.Addresses[0].ModuleID != "kitchen" {
		t.Errorf("C9A5 module = %q, want kitchen", resp.Addresses[0].ModuleID)
	}
	if resp.Addresses[1].ModuleID != "" {
		t.Errorf("0001 module = %q, want empty", resp.Addresses[1].ModuleID)
	}
	if resp.Addresses[1].LastSeenAgo != "2 hours ago" {
		t.Errorf("LastSeenAgo = %q, want 2 hours ago", resp.Addresses[1].LastSeenAgo)
	}
	want := DiscoverySummary{Total: 2, Configured: 1, Unconfigured: 1, ActiveLast5Min: 1}
	if resp.Summary != want {
		t.Errorf("summary = %+v, want %+v", resp.Summary, want)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "just now"},
		{time.Minute, "1 min ago"},
		{45 * time.Minute, "45 mins ago"},
		{time.Hour, "1 hour ago"},
		{5 * time.Hour, "5 hours ago"},
		{24 * time.Hour, "1 day ago"},
		{72 * time.Hour, "3 days ago"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

// ─── Hub ───────────────────────────────────────────────────────────

func newTestClient(hub *Hub, channels ...string) *WSClient {
	subs := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		subs[ch] = struct{}{}
	}
	return &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: subs,
		addresses:     make(map[string]struct{}),
	}
}

func receive(t *testing.T, client *WSClient) WSMessage {
	t.Helper()
	select {
	case data := <-client.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return WSMessage{}
	}
}

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	subscribed := newTestClient(hub, ChannelFrames)
	other := newTestClient(hub, ChannelButtons)
	hub.Register(subscribed)
	hub.Register(other)

	hub.Broadcast(ChannelFrames, FrameEvent{Raw: "$1012A5C94B71C1", Valid: true})

	if msg := receive(t, subscribed); msg.EventType != ChannelFrames || msg.Type != WSTypeEvent {
		t.Errorf("msg = %+v", msg)
	}
	select {
	case <-other.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_AddressFilter(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, testLogger())

	kitchen := newTestClient(hub, ChannelFrames)
	kitchen.addresses["C9A5"] = struct{}{}
	everything := newTestClient(hub, ChannelFrames)
	hub.Register(kitchen)
	hub.Register(everything)

	hub.broadcast(ChannelFrames, "0001", FrameEvent{Raw: "$10120100D2AE73", Valid: true, Address: "0001"})
	hub.broadcast(ChannelFrames, "C9A5", FrameEvent{Raw: "$1012A5C94B71C1", Valid: true, Address: "C9A5"})

	if got := len(kitchen.send); got != 1 {
		t.Errorf("filtered client queued %d events, want 1", got)
	}
	if got := len(everything.send); got != 2 {
		t.Errorf("unfiltered client queued %d events, want 2", got)
	}
	payload, ok := receive(t, kitchen).Payload.(map[string]any)
	if !ok || payload["address"] != "C9A5" {
		t.Errorf("filtered client got %v", payload)
	}
}

func TestHub_DroppedWhenBufferFull(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, testLogger())

	slow := &WSClient{
		hub:           hub,
		send:          make(chan []byte, 1),
		subscriptions: map[string]struct{}{ChannelLines: {}},
	}
	hub.Register(slow)

	for i := 0; i < 3; i++ {
		hub.Broadcast(ChannelLines, map[string]string{"raw": "#E1"})
	}
	if got := hub.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, testLogger())

	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}

	client := newTestClient(hub)
	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	hub.Unregister(client) // second call must not double-close
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

func TestRelayLine(t *testing.T) {
	srv, _ := testServer(t)
	client := newTestClient(srv.hub, ChannelFrames, ChannelButtons)
	srv.hub.Register(client)

	tests := []struct {
		name    string
		line    string
		channel string
		check   func(t *testing.T, payload map[string]any)
	}{
		{
			name:    "valid frame",
			line:    "$1012A5C94B71C1",
			channel: ChannelFrames,
			check: func(t *testing.T, p map[string]any) {
				if p["valid"] != true || p["address"] != "C9A5" || p["function"] != "12" {
					t.Errorf("payload = %v", p)
				}
			},
		},
		{
			name:    "bad checksum",
			line:    "$1012A5C94B71C2",
			channel: ChannelFrames,
			check: func(t *testing.T, p map[string]any) {
				if p["valid"] != false || p["error"] == nil {
					t.Errorf("payload = %v", p)
				}
			},
		},
		{
			name:    "button press",
			line:    "#N0d1c80",
			channel: ChannelButtons,
			check: func(t *testing.T, p map[string]any) {
				if p["button"] != "0D1C80" {
					t.Errorf("payload = %v", p)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := srv.relayLine(tt.line); err != nil {
				t.Fatalf("relayLine() error = %v", err)
			}
			msg := receive(t, client)
			if msg.EventType != tt.channel {
				t.Fatalf("event_type = %q, want %q", msg.EventType, tt.channel)
			}
			payload, ok := msg.Payload.(map[string]any)
			if !ok {
				t.Fatalf("payload type %T", msg.Payload)
			}
			tt.check(t, payload)
		})
	}

	// Unrecognised lines only go to ChannelLines.
	if err := srv.relayLine("#E1"); err != nil {
		t.Fatalf("relayLine() error = %v", err)
	}
	select {
	case data := <-client.send:
		t.Errorf("unexpected message %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

// ─── Live Server ───────────────────────────────────────────────────

// startServer starts a server on an ephemeral port.
func startServer(t *testing.T, mutate ...func(*Deps)) (*Server, string) {
	t.Helper()

	srv, _ := testServer(t, mutate...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { srv.Close() }) //nolint:errcheck // test cleanup

	return srv, srv.Addr().String()
}

func TestServer_StartAndClose(t *testing.T) {
	srv, addr := startServer(t)

	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check status = %d, want 200", resp.StatusCode)
	}

	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() after Close should fail")
	}

	if _, err := http.Get("http://" + addr + "/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestServer_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srv, _ := testServer(t, func(d *Deps) {
		d.Config.Port = ln.Addr().(*net.TCPAddr).Port
	})
	if err := srv.Start(context.Background()); err == nil {
		srv.Close() //nolint:errcheck // test cleanup
		t.Fatal("Start() on a busy port should fail")
	}
	if srv.Addr() != nil {
		t.Error("Addr() should be nil after failed Start")
	}
}

func TestServer_HealthCheckNotStarted(t *testing.T) {
	srv, _ := testServer(t)
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
}

func dialWS(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	return ws
}

func subscribe(t *testing.T, ws *websocket.Conn, channels ...string) WSMessage {
	t.Helper()
	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: channels},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	return resp
}

func TestWebSocket_SubscribeUnsubscribe(t *testing.T) {
	_, addr := startServer(t)
	ws := dialWS(t, addr)

	resp := subscribe(t, ws, ChannelFrames, ChannelButtons)
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Errorf("subscribe response = %+v", resp)
	}

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeUnsubscribe,
		ID:      "unsub-1",
		Payload: WSSubscribePayload{Channels: []string{ChannelButtons}},
	}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read unsubscribe response: %v", err)
	}
	if resp.Type != WSTypeResponse || resp.ID != "unsub-1" {
		t.Errorf("unsubscribe response = %+v", resp)
	}
}

func TestWebSocket_SubscribeAddresses(t *testing.T) {
	_, addr := startServer(t)
	ws := dialWS(t, addr)

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-addr",
		Payload: WSSubscribePayload{Channels: []string{ChannelFrames}, Addresses: []string{"c9a5"}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	payload, ok := resp.Payload.(map[string]any)
	if resp.Type != WSTypeResponse || !ok {
		t.Fatalf("subscribe response = %+v", resp)
	}
	addrs, ok := payload["addresses"].([]any)
	if !ok || len(addrs) != 1 || addrs[0] != "C9A5" {
		t.Errorf("addresses = %v, want [C9A5]", payload["addresses"])
	}
}

func TestWebSocket_Errors(t *testing.T) {
	tests := []struct {
		name string
		send func(ws *websocket.Conn) error
	}{
		{"invalid json", func(ws *websocket.Conn) error {
			return ws.WriteMessage(websocket.TextMessage, []byte("not json"))
		}},
		{"unknown type", func(ws *websocket.Conn) error {
			return ws.WriteJSON(WSMessage{Type: "unknown_type", ID: "x"})
		}},
		{"unknown channel", func(ws *websocket.Conn) error {
			return ws.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "x", Payload: WSSubscribePayload{Channels: []string{"devices"}}})
		}},
		{"empty channels", func(ws *websocket.Conn) error {
			return ws.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "x", Payload: WSSubscribePayload{}})
		}},
		{"bad address", func(ws *websocket.Conn) error {
			return ws.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "x", Payload: WSSubscribePayload{Channels: []string{ChannelFrames}, Addresses: []string{"XYZ"}}})
		}},
	}

	_, addr := startServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := dialWS(t, addr)
			if err := tt.send(ws); err != nil {
				t.Fatalf("write: %v", err)
			}
			var resp WSMessage
			if err := ws.ReadJSON(&resp); err != nil {
				t.Fatalf("read: %v", err)
			}
			if resp.Type != WSTypeError {
				t.Errorf("response type = %s, want error", resp.Type)
			}
		})
	}
}

func TestWebSocket_Ping(t *testing.T) {
	_, addr := startServer(t)
	ws := dialWS(t, addr)

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "ping-1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if resp.Type != WSTypePong || resp.ID != "ping-1" {
		t.Errorf("response = %+v, want pong ping-1", resp)
	}
}

func TestWebSocket_DispatcherRelay(t *testing.T) {
	dispatcher := nikobus.NewDispatcher()
	srv, addr := startServer(t, func(d *Deps) { d.Dispatcher = dispatcher })

	if got := dispatcher.SubscriberCount(nikobus.TopicFrames); got != 1 {
		t.Fatalf("dispatcher subscribers = %d, want 1", got)
	}

	ws := dialWS(t, addr)
	subscribe(t, ws, ChannelFrames)

	dispatcher.Publish(nikobus.TopicFrames, "$1012A5C94B71C1")

	var event struct {
		Type      string     `json:"type"`
		EventType string     `json:"event_type"`
		Payload   FrameEvent `json:"payload"`
	}
	if err := ws.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.EventType != ChannelFrames || !event.Payload.Valid || event.Payload.Address != "C9A5" {
		t.Errorf("event = %+v", event)
	}

	srv.Close() //nolint:errcheck // checked in TestServer_StartAndClose
	if got := dispatcher.SubscriberCount(nikobus.TopicFrames); got != 0 {
		t.Errorf("dispatcher subscribers after Close = %d, want 0", got)
	}
}
