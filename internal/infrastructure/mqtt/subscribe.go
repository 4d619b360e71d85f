package mqtt

import (
	"fmt"
	"sort"
)

// Subscribe registers handler for a topic filter.
//
// Filters may use "+" for one level and "#" for the remaining levels, e.g.
// "graylogic/command/nikobus/+" receives commands for every module. The
// filter is remembered and re-subscribed after each reconnect. Handlers run
// on paho's goroutines; a panic in one is recovered and logged.
//
// Parameters:
//   - filter: Topic filter
//   - qos: Maximum QoS for delivered messages
//   - handler: Called once per message; must not be nil
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrNotConnected or a wrapped
//     ErrSubscribeFailed
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if err := validateFilter(filter); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, filter)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	sub := subscription{topic: filter, qos: qos, handler: handler}
	c.track(sub)

	if err := await(c.client.Subscribe(filter, qos, c.wrapHandler(handler)), ErrSubscribeFailed, filter); err != nil {
		c.untrack(filter)
		return err
	}
	return nil
}

// Unsubscribe drops a filter previously passed to Subscribe. Messages
// already in flight may still reach the old handler.
func (c *Client) Unsubscribe(filter string) error {
	if err := validateFilter(filter); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.untrack(filter)
	return await(c.client.Unsubscribe(filter), ErrSubscribeFailed, filter)
}

// Subscriptions returns the tracked filters in sorted order.
func (c *Client) Subscriptions() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	filters := make([]string, 0, len(c.subscriptions))
	for f := range c.subscriptions {
		filters = append(filters, f)
	}
	sort.Strings(filters)
	return filters
}

func (c *Client) track(sub subscription) {
	c.subMu.Lock()
	c.subscriptions[sub.topic] = sub
	c.subMu.Unlock()
}

func (c *Client) untrack(filter string) {
	c.subMu.Lock()
	delete(c.subscriptions, filter)
	c.subMu.Unlock()
}
