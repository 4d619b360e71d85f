package mqtt

import (
	"fmt"
)

// maxPayloadSize bounds a single message. Bridge payloads are small JSON
// documents; anything near this is a bug upstream.
const maxPayloadSize = 1 << 20

// Publish sends payload to a concrete topic and waits for the broker to
// acknowledge it (QoS 1 and 2) or for the write to complete (QoS 0).
//
// Parameters:
//   - topic: Concrete topic, no wildcards (e.g. "graylogic/state/nikobus/kitchen")
//   - payload: Message body, at most 1 MiB
//   - qos: 0, 1 or 2
//   - retained: Whether the broker keeps the message for late subscribers
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrPayloadTooLarge,
//     ErrNotConnected or a wrapped ErrPublishFailed
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validatePublishTopic(topic); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes on %s", ErrPayloadTooLarge, len(payload), topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	err := await(c.client.Publish(topic, qos, retained, payload), ErrPublishFailed, topic)
	if err != nil {
		c.publishErrors.Add(1)
		return err
	}
	c.published.Add(1)
	return nil
}

// PublishRetained publishes a retained message at the configured QoS.
// The bridge uses it for module state and the health topic.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), true)
}
