package nikobus

import (
	"context"
	"sync"
	"time"
)

// publishedMessage is one message captured by mockMQTT.
type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// mockMQTT implements MQTTClient and HealthPublisher for testing.
type mockMQTT struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	messages   []publishedMessage
	handlers   map[string]func(topic string, payload []byte)
}

func newMockMQTT(connected bool) *mockMQTT {
	return &mockMQTT{
		connected: connected,
		handlers:  make(map[string]func(string, []byte)),
	}
}

func (m *mockMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.messages = append(m.messages, publishedMessage{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// deliver invokes the handler subscribed on pattern as if a message
// arrived on topic.
func (m *mockMQTT) deliver(pattern, topic string, payload []byte) bool {
	m.mu.Lock()
	handler := m.handlers[pattern]
	m.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(topic, payload)
	return true
}

func (m *mockMQTT) getMessages() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]publishedMessage, len(m.messages))
	copy(result, m.messages)
	return result
}

// messagesOn returns the messages published on topic.
func (m *mockMQTT) messagesOn(topic string) []publishedMessage {
	var out []publishedMessage
	for _, msg := range m.getMessages() {
		if msg.topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func (m *mockMQTT) reset() {
	m.mu.Lock()
	m.messages = nil
	m.mu.Unlock()
}

// mockSender implements Sender for testing.
type mockSender struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	frames    []string
	stats     CommanderStats
}

func newMockSender(connected bool) *mockSender {
	return &mockSender{
		connected: connected,
		stats:     CommanderStats{Connected: connected, LastActivity: time.Now()},
	}
}

func (m *mockSender) Send(_ context.Context, frame string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.frames = append(m.frames, frame)
	m.stats.FramesTx++
	return nil
}

func (m *mockSender) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockSender) Stats() CommanderStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *mockSender) Close() error {
	return nil
}

func (m *mockSender) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.frames))
	copy(out, m.frames)
	return out
}

// mockRecorder implements FrameRecorder.
type mockRecorder struct {
	mu      sync.Mutex
	entries []recordedEntry
}

type recordedEntry struct {
	raw   string
	valid bool
	frame *Frame
}

func (m *mockRecorder) RecordFrame(raw string, frame *Frame, valid bool) {
	m.mu.Lock()
	m.entries = append(m.entries, recordedEntry{raw: raw, valid: valid, frame: frame})
	m.mu.Unlock()
}

func (m *mockRecorder) get() []recordedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]recordedEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// mockMetrics implements MetricsWriter and CommandMetricsWriter.
type mockMetrics struct {
	mu       sync.Mutex
	kinds    []string
	commands []string
}

func (m *mockMetrics) WriteCommandMetric(moduleID, command, result string) {
	m.mu.Lock()
	m.commands = append(m.commands, moduleID+"/"+command+"/"+result)
	m.mu.Unlock()
}

func (m *mockMetrics) getCommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func (m *mockMetrics) WriteFrameMetric(kind, _ string, _ bool) {
	m.mu.Lock()
	m.kinds = append(m.kinds, kind)
	m.mu.Unlock()
}

func (m *mockMetrics) get() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.kinds))
	copy(out, m.kinds)
	return out
}
