package mqtt

import "errors"

// Sentinel errors. Operations wrap them with detail, so match with errors.Is.
var (
	ErrNotConnected     = errors.New("mqtt: not connected to broker")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed covers both subscribing and unsubscribing.
	ErrSubscribeFailed = errors.New("mqtt: subscription change failed")

	ErrInvalidQoS   = errors.New("mqtt: QoS must be 0, 1 or 2")
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrPayloadTooLarge is returned for payloads over maxPayloadSize.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")
)
