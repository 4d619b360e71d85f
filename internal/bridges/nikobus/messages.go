package nikobus

import (
	"fmt"
	"time"
)

// MQTT message types exchanged between Gray Logic Core and the Nikobus bridge.

// Protocol is the protocol identifier carried in every message.
const Protocol = "nikobus"

// Commands accepted in CommandMessage.Command.
const (
	CommandOn   = "on"
	CommandOff  = "off"
	CommandSet  = "set"
	CommandRead = "read"
)

// CommandMessage is sent from Core to Bridge to drive a module output.
// Topic: graylogic/command/nikobus/{module_id}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	// The bridge generates one if it is empty.
	ID string `json:"id"`

	// Timestamp is when the command was issued.
	Timestamp time.Time `json:"timestamp,omitzero"`

	// ModuleID is the configured module identifier. When empty, the last
	// topic segment is used.
	ModuleID string `json:"module,omitempty"`

	// Channel is the 1-based output (1-12). Ignored by "read", which
	// refreshes every group of the module.
	Channel int `json:"channel,omitempty"`

	// Command is "on", "off", "set" or "read".
	Command string `json:"command"`

	// Value is the output byte for "set" (0-255).
	Value *int `json:"value,omitempty"`

	// Source indicates where the command originated.
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the frame was written to the PC-link.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from Bridge to Core to acknowledge a command.
// Topic: graylogic/ack/nikobus/{module_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	ModuleID  string    `json:"module"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`

	// Address is the module bus address (e.g. "C9A5").
	Address string `json:"address,omitempty"`

	// Frames are the frames written for the command.
	Frames []string `json:"frames,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// ChannelState is the output value of one module channel.
type ChannelState struct {
	Channel int   `json:"channel"`
	Value   uint8 `json:"value"`
	On      bool  `json:"on"`
}

// StateMessage is sent from Bridge to Core when a module reports the
// outputs of one group.
// Topic: graylogic/state/nikobus/{module_id}
// Retained: Yes
type StateMessage struct {
	ModuleID  string         `json:"module"`
	Timestamp time.Time      `json:"timestamp"`
	Protocol  string         `json:"protocol"`
	Address   string         `json:"address"`
	Type      string         `json:"type"`
	Group     int            `json:"group"`
	Channels  []ChannelState `json:"channels"`
}

// FrameMessage carries a valid frame that no configured module claims.
// Topic: graylogic/frame/nikobus/{address}
type FrameMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Raw       string    `json:"raw"`
	Function  string    `json:"function"`
	Address   string    `json:"address"`
	Args      string    `json:"args,omitempty"`
}

// ButtonMessage reports a wall button press seen on the bus.
// Topic: graylogic/button/nikobus/{button}
type ButtonMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Button    string    `json:"button"`
	Raw       string    `json:"raw"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/nikobus
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version,omitempty"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Connection     *ConnectionStatus `json:"connection,omitempty"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	ModulesManaged int               `json:"modules_managed"`
	Reason         string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the PC-link connection state.
type ConnectionStatus struct {
	// Status is "connected", "disconnected" or "connecting".
	Status       string    `json:"status"`
	LastActivity time.Time `json:"last_activity,omitzero"`
}

// BridgeStatistics contains operational metrics.
type BridgeStatistics struct {
	FramesReceived     uint64 `json:"frames_received"`
	FramesInvalid      uint64 `json:"frames_invalid"`
	FramesUnrecognised uint64 `json:"frames_unrecognised"`
	FramesSent         uint64 `json:"frames_sent"`
	ButtonPresses      uint64 `json:"button_presses"`
	Errors             uint64 `json:"errors"`
}

// NewAckMessage creates an acknowledgment for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus, address string, frames []string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		ModuleID:  cmd.ModuleID,
		Status:    status,
		Protocol:  Protocol,
		Address:   address,
		Frames:    frames,
	}
}

// NewAckError creates a failed acknowledgment with error details.
func NewAckError(cmd CommandMessage, address, code, message string) AckMessage {
	ack := NewAckMessage(cmd, AckFailed, address, nil)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message for one output group of a module.
// Only channels the module actually has are included.
func NewStateMessage(module ModuleConfig, group int, values GroupValues) StateMessage {
	channels := make([]ChannelState, 0, ChannelsPerGroup)
	for offset, v := range values {
		ch := ChannelAt(group, offset)
		if ch > module.Channels {
			break
		}
		channels = append(channels, ChannelState{Channel: ch, Value: v, On: v != OutputOff})
	}

	return StateMessage{
		ModuleID:  module.ID,
		Timestamp: time.Now().UTC(),
		Protocol:  Protocol,
		Address:   module.Address,
		Type:      module.Type,
		Group:     group,
		Channels:  channels,
	}
}

// NewFrameMessage creates a message for an unclaimed valid frame.
func NewFrameMessage(f Frame) FrameMessage {
	return FrameMessage{
		Timestamp: time.Now().UTC(),
		Raw:       f.Raw,
		Function:  EncodeHex(uint64(f.Function), functionDigits),
		Address:   f.Address.String(),
		Args:      f.Args,
	}
}

// NewLWTMessage creates the Last Will and Testament published by the
// broker if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = "graylogic"

// CommandTopic returns the MQTT topic for commands to a module.
// Example: graylogic/command/nikobus/kitchen-switch
func CommandTopic(moduleID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, moduleID)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
// Example: graylogic/command/nikobus/+
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, Protocol)
}

// AckTopic returns the MQTT topic for command acknowledgments.
func AckTopic(moduleID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, moduleID)
}

// StateTopic returns the MQTT topic for module output state.
func StateTopic(moduleID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, moduleID)
}

// FrameTopic returns the MQTT topic for unclaimed frames from an address.
func FrameTopic(address string) string {
	return fmt.Sprintf("%s/frame/%s/%s", TopicPrefix, Protocol, address)
}

// ButtonTopic returns the MQTT topic for presses of a button.
func ButtonTopic(button string) string {
	return fmt.Sprintf("%s/button/%s/%s", TopicPrefix, Protocol, button)
}

// HealthTopic returns the MQTT topic for health status.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}
