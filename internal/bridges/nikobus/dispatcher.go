package nikobus

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// TopicFrames is the dispatcher topic on which every received frame text
// is published.
const TopicFrames = "nikobus/frames"

// Handler receives a published payload. A returned error (or a panic) is
// reported by the Dispatcher and does not stop delivery to other handlers.
type Handler func(payload string) error

// Subscription identifies one registration with a Dispatcher.
// The zero value is a valid handle that unsubscribes nothing.
type Subscription struct {
	topic string
	id    uint64
}

// Topic returns the topic the subscription was registered on.
func (s Subscription) Topic() string {
	return s.topic
}

// DispatcherStats holds delivery statistics.
type DispatcherStats struct {
	Published        uint64 // Publish calls
	Delivered        uint64 // Handler invocations
	HandlerFailures  uint64 // Handler errors and panics
	SubscribersTotal int
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Dispatcher fans out payloads to the handlers registered on a topic.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Publish iterates a snapshot taken under the lock and calls handlers
//     outside it, so handlers may Subscribe or Unsubscribe without
//     deadlocking. A handler added during a Publish does not receive that
//     payload.
type Dispatcher struct {
	mu     sync.RWMutex
	topics map[string][]subscriber
	nextID uint64

	onError   func(topic string, err error)
	onErrorMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex

	published atomic.Uint64
	delivered atomic.Uint64
	failures  atomic.Uint64
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		topics: make(map[string][]subscriber),
	}
}

// Subscribe registers handler on topic.
//
// The same handler may be registered several times; it is then invoked once
// per registration. A nil handler is ignored and yields a zero Subscription.
//
// Parameters:
//   - topic: Topic name (usually TopicFrames)
//   - handler: Callback invoked for each payload
//
// Returns:
//   - Subscription: Handle for Unsubscribe
func (d *Dispatcher) Subscribe(topic string, handler Handler) Subscription {
	if handler == nil {
		return Subscription{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.topics[topic] = append(d.topics[topic], subscriber{id: d.nextID, handler: handler})
	return Subscription{topic: topic, id: d.nextID}
}

// Unsubscribe removes a registration. Removing an unknown or already
// removed subscription is a no-op.
func (d *Dispatcher) Unsubscribe(sub Subscription) {
	if sub.id == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.topics[sub.topic]
	subs = slices.DeleteFunc(subs, func(s subscriber) bool { return s.id == sub.id })
	if len(subs) == 0 {
		delete(d.topics, sub.topic)
		return
	}
	d.topics[sub.topic] = subs
}

// Publish delivers payload to every handler registered on topic at the
// moment of the call, in registration order.
//
// Handler errors and panics are logged, passed to the OnError hook, and
// do not prevent delivery to the remaining handlers.
//
// Returns:
//   - int: Number of handlers invoked
func (d *Dispatcher) Publish(topic, payload string) int {
	d.mu.RLock()
	snapshot := slices.Clone(d.topics[topic])
	d.mu.RUnlock()

	d.published.Add(1)

	for _, s := range snapshot {
		if err := d.invoke(s.handler, payload); err != nil {
			d.failures.Add(1)
			d.reportError(topic, err)
		}
		d.delivered.Add(1)
	}
	return len(snapshot)
}

// invoke calls one handler, converting a panic into an error.
func (d *Dispatcher) invoke(handler Handler, payload string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(payload)
}

// reportError logs a handler failure and forwards it to the OnError hook.
func (d *Dispatcher) reportError(topic string, err error) {
	d.loggerMu.RLock()
	logger := d.logger
	d.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn("dispatcher handler failed", "topic", topic, "error", err)
	}

	d.onErrorMu.RLock()
	hook := d.onError
	d.onErrorMu.RUnlock()
	if hook != nil {
		hook(topic, err)
	}
}

// SubscriberCount returns the number of registrations on topic.
func (d *Dispatcher) SubscriberCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.topics[topic])
}

// SetOnError sets a hook invoked for every handler failure.
func (d *Dispatcher) SetOnError(hook func(topic string, err error)) {
	d.onErrorMu.Lock()
	d.onError = hook
	d.onErrorMu.Unlock()
}

// SetLogger sets the logger for handler failure reports.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

// Stats returns delivery statistics.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.RLock()
	total := 0
	for _, subs := range d.topics {
		total += len(subs)
	}
	d.mu.RUnlock()

	return DispatcherStats{
		Published:        d.published.Load(),
		Delivered:        d.delivered.Load(),
		HandlerFailures:  d.failures.Load(),
		SubscribersTotal: total,
	}
}
