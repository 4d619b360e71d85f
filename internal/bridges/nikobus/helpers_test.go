package nikobus

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

// recordingLogger implements Logger and keeps every message.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level string
	msg   string
}

func (l *recordingLogger) add(level, msg string) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg})
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.add("debug", msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.add("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.add("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.add("error", msg) }

func (l *recordingLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

// frameCollector subscribes to TopicFrames and records payloads in order.
type frameCollector struct {
	mu     sync.Mutex
	frames []string
}

func collectFrames(d *Dispatcher) *frameCollector {
	c := &frameCollector{}
	d.Subscribe(TopicFrames, func(payload string) error {
		c.mu.Lock()
		c.frames = append(c.frames, payload)
		c.mu.Unlock()
		return nil
	})
	return c
}

func (c *frameCollector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	copy(out, c.frames)
	return out
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	if err != nil {
		t.Fatalf("Atoi(%q) error = %v", s, err)
	}
	return n
}

// testContext returns a context cancelled when the test finishes
// (stand-in for testing.T.Context, which needs Go 1.24).
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
