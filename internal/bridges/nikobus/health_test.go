package nikobus

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func decodeHealth(t *testing.T, msg publishedMessage) HealthMessage {
	t.Helper()
	var h HealthMessage
	if err := json.Unmarshal(msg.payload, &h); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	return h
}

func TestHealthReporterDefaultInterval(t *testing.T) {
	hr := NewHealthReporter(HealthReporterConfig{BridgeID: "test-bridge"})
	if hr.cfg.Interval != 30*time.Second {
		t.Errorf("default interval = %v, want 30s", hr.cfg.Interval)
	}
}

func TestHealthReporterPublishNow(t *testing.T) {
	tests := []struct {
		name       string
		mqtt       bool
		sender     Sender
		wantStatus HealthStatus
		wantReason string
		wantConn   string
	}{
		{"healthy", true, newMockSender(true), HealthHealthy, "", "connected"},
		{"pc-link down", true, newMockSender(false), HealthDegraded, "PC-link disconnected", "disconnected"},
		{"no pc-link", true, nil, HealthDegraded, "PC-link not configured", ""},
		{"mqtt down", false, newMockSender(true), HealthDegraded, "MQTT disconnected", "connected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := newMockMQTT(tt.mqtt)
			hr := NewHealthReporter(HealthReporterConfig{
				BridgeID:   "test-bridge",
				Version:    "1.2.3",
				Publisher:  pub,
				Sender:     tt.sender,
				Statistics: func() BridgeStatistics { return BridgeStatistics{FramesReceived: 7} },
			})
			hr.SetModuleCount(3)

			if err := hr.PublishNow(); err != nil {
				t.Fatalf("PublishNow() error = %v", err)
			}

			msgs := pub.getMessages()
			if len(msgs) != 1 {
				t.Fatalf("published %d messages, want 1", len(msgs))
			}
			if msgs[0].topic != HealthTopic() || msgs[0].qos != 1 || !msgs[0].retained {
				t.Errorf("published on %q qos=%d retained=%v", msgs[0].topic, msgs[0].qos, msgs[0].retained)
			}

			h := decodeHealth(t, msgs[0])
			if h.Status != tt.wantStatus || h.Reason != tt.wantReason {
				t.Errorf("status = %s (%q), want %s (%q)", h.Status, h.Reason, tt.wantStatus, tt.wantReason)
			}
			if h.Bridge != "test-bridge" || h.Version != "1.2.3" || h.ModulesManaged != 3 {
				t.Errorf("health = %+v", h)
			}
			if h.Statistics == nil || h.Statistics.FramesReceived != 7 {
				t.Errorf("statistics = %+v", h.Statistics)
			}
			switch {
			case tt.wantConn == "" && h.Connection != nil:
				t.Errorf("connection = %+v, want none", h.Connection)
			case tt.wantConn != "" && (h.Connection == nil || h.Connection.Status != tt.wantConn):
				t.Errorf("connection = %+v, want %s", h.Connection, tt.wantConn)
			}
		})
	}
}

func TestHealthReporterReconnectingStatus(t *testing.T) {
	sender := newMockSender(false)
	sender.stats.Reconnecting = true

	pub := newMockMQTT(true)
	hr := NewHealthReporter(HealthReporterConfig{BridgeID: "b", Publisher: pub, Sender: sender})
	if err := hr.PublishNow(); err != nil {
		t.Fatalf("PublishNow() error = %v", err)
	}

	h := decodeHealth(t, pub.getMessages()[0])
	if h.Connection == nil || h.Connection.Status != "connecting" {
		t.Errorf("connection = %+v, want connecting", h.Connection)
	}
}

func TestHealthReporterStartStop(t *testing.T) {
	pub := newMockMQTT(true)
	hr := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "test-bridge",
		Interval:  20 * time.Millisecond,
		Publisher: pub,
		Sender:    newMockSender(true),
	})

	if err := hr.PublishStarting(); err != nil {
		t.Fatalf("PublishStarting() error = %v", err)
	}

	hr.Start(context.Background())
	if !waitFor(t, 2*time.Second, func() bool { return len(pub.getMessages()) >= 3 }) {
		t.Fatalf("periodic health not published, got %d messages", len(pub.getMessages()))
	}

	hr.Stop()
	hr.Stop()

	msgs := pub.getMessages()
	if first := decodeHealth(t, msgs[0]); first.Status != HealthStarting {
		t.Errorf("first status = %s, want starting", first.Status)
	}
	if last := decodeHealth(t, msgs[len(msgs)-1]); last.Status != HealthStopping {
		t.Errorf("last status = %s, want stopping", last.Status)
	}

	count := len(msgs)
	time.Sleep(60 * time.Millisecond)
	if len(pub.getMessages()) != count {
		t.Error("health published after Stop")
	}
}

func TestHealthReporterLWTPayload(t *testing.T) {
	hr := NewHealthReporter(HealthReporterConfig{BridgeID: "test-bridge"})

	payload, err := hr.LWTPayload()
	if err != nil {
		t.Fatalf("LWTPayload() error = %v", err)
	}
	var h HealthMessage
	if err := json.Unmarshal(payload, &h); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if h.Status != HealthOffline || h.Bridge != "test-bridge" {
		t.Errorf("LWT = %+v", h)
	}
}

func TestHealthReporterNilPublisher(t *testing.T) {
	hr := NewHealthReporter(HealthReporterConfig{BridgeID: "b"})
	if err := hr.PublishNow(); err != nil {
		t.Errorf("PublishNow() without publisher error = %v", err)
	}
}
