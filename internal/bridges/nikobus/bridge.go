package nikobus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Bridge operation constants.
const (
	// commandTimeout bounds the frame writes of one command.
	commandTimeout = 5 * time.Second

	// interReadDelay spaces status requests to avoid flooding the bus.
	interReadDelay = 50 * time.Millisecond

	// maxOutputValue is the largest output byte accepted by "set".
	maxOutputValue = 0xFF
)

// Frame kinds reported to the MetricsWriter.
const (
	KindState        = "state"
	KindFrame        = "frame"
	KindButton       = "button"
	KindInvalid      = "invalid"
	KindUnrecognised = "unrecognised"
)

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// FrameRecorder persists received frames.
// It is optional - if nil, the bridge operates without recording.
type FrameRecorder interface {
	// RecordFrame records a received line. frame is nil when the line did
	// not verify.
	RecordFrame(raw string, frame *Frame, valid bool)
}

// MetricsWriter records frame counters in a time-series store.
// It is optional - if nil, no metrics are written.
type MetricsWriter interface {
	WriteFrameMetric(kind, address string, valid bool)
}

// CommandMetricsWriter is optionally implemented by a MetricsWriter that
// also counts executed commands. result is "accepted" or the ack error code.
type CommandMetricsWriter interface {
	WriteCommandMetric(moduleID, command, result string)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the loaded bridge configuration.
	Config *Config

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Dispatcher delivers received frames on TopicFrames.
	Dispatcher *Dispatcher

	// Sender writes command frames to the PC-link. When nil, commands are
	// rejected as unreachable.
	Sender Sender

	// Recorder is optional frame persistence.
	Recorder FrameRecorder

	// Metrics is optional time-series output.
	Metrics MetricsWriter

	// Version is reported in health messages.
	Version string

	// Logger is optional structured logger.
	Logger Logger
}

// Bridge translates between Nikobus frames and Gray Logic MQTT messages.
// It handles:
//   - Frames from the Dispatcher: state updates, unclaimed frames, button presses
//   - Commands from Core via MQTT, written to the PC-link as group writes
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg        *Config
	mqtt       MQTTClient
	dispatcher *Dispatcher
	sender     Sender
	recorder   FrameRecorder
	metrics    MetricsWriter
	health     *HealthReporter
	qos        byte

	byAddress map[Address]ModuleConfig
	byID      map[string]ModuleConfig

	// Last known outputs per module and group
	outputs   map[Address]map[int]GroupValues
	outputsMu sync.RWMutex

	// Serialises read-modify-write of a group's outputs
	commandMu sync.Mutex

	frameSub Subscription

	started   atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex

	framesReceived     atomic.Uint64
	framesInvalid      atomic.Uint64
	framesUnrecognised atomic.Uint64
	buttonPresses      atomic.Uint64
	errorsTotal        atomic.Uint64
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	byAddress, byID := opts.Config.BuildModuleIndex()

	b := &Bridge{
		cfg:        opts.Config,
		mqtt:       opts.MQTTClient,
		dispatcher: opts.Dispatcher,
		sender:     opts.Sender,
		recorder:   opts.Recorder,
		metrics:    opts.Metrics,
		qos:        byte(opts.Config.Bridge.QoS), //nolint:gosec // validated 0-2
		byAddress:  byAddress,
		byID:       byID,
		outputs:    make(map[Address]map[int]GroupValues),
		done:       make(chan struct{}),
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		logger:     opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:   opts.Config.Bridge.ID,
		Version:    opts.Version,
		Interval:   opts.Config.GetHealthInterval(),
		Publisher:  opts.MQTTClient,
		Sender:     opts.Sender,
		Statistics: b.Statistics,
	})
	b.health.SetModuleCount(len(byID))
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to frames and commands and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("bridge already started")
	}

	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.frameSub = b.dispatcher.Subscribe(TopicFrames, b.HandleFrame)

	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		b.dispatcher.Unsubscribe(b.frameSub)
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish healthy status", err)
	}

	if b.cfg.Bridge.RefreshOnStart {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.RefreshAll(b.ctx)
		}()
	}

	b.logInfo("bridge started",
		"bridge_id", b.cfg.Bridge.ID,
		"modules", len(b.byID))

	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()

		b.dispatcher.Unsubscribe(b.frameSub)
		if b.started.Load() {
			if err := b.mqtt.Unsubscribe(CommandSubscribeTopic()); err != nil {
				b.logDebug("unsubscribe commands failed", "error", err)
			}
		}

		b.health.Stop()
		b.wg.Wait()

		b.logInfo("bridge stopped")
	})
}

// HandleFrame classifies one received line and publishes the result.
// It is registered on TopicFrames; errors are reported by the Dispatcher.
func (b *Bridge) HandleFrame(payload string) error {
	b.framesReceived.Add(1)

	if IsCommandFrame(payload) {
		return b.handleCommandFrame(payload)
	}

	if button, ok := ParseButtonPress(payload); ok {
		return b.handleButton(payload, button)
	}

	b.framesUnrecognised.Add(1)
	b.writeMetric(KindUnrecognised, "", true)
	b.logDebug("unrecognised line", "payload", payload)
	return nil
}

// handleCommandFrame verifies a '$' frame and publishes state or the raw frame.
func (b *Bridge) handleCommandFrame(payload string) error {
	frame, err := ParseFrame(payload)
	if err != nil {
		b.framesInvalid.Add(1)
		b.record(payload, nil, false)
		b.writeMetric(KindInvalid, "", false)
		b.logWarn("invalid frame", "payload", payload, "error", err)
		return nil
	}

	b.record(payload, &frame, true)

	if module, ok := b.byAddress[frame.Address]; ok {
		if group, isGroup := GroupOfFunction(frame.Function); isGroup {
			if values, err := ParseGroupValues(frame); err == nil {
				b.writeMetric(KindState, frame.Address.String(), true)
				return b.publishState(module, frame.Address, group, values)
			}
		}
	}

	b.writeMetric(KindFrame, frame.Address.String(), true)
	return b.publishJSON(FrameTopic(frame.Address.String()), NewFrameMessage(frame), false)
}

func (b *Bridge) handleButton(payload, button string) error {
	b.buttonPresses.Add(1)
	b.writeMetric(KindButton, button, true)

	msg := ButtonMessage{
		Timestamp: time.Now().UTC(),
		Button:    button,
		Raw:       payload,
	}
	return b.publishJSON(ButtonTopic(button), msg, false)
}

// publishState caches a group's outputs and publishes them retained.
func (b *Bridge) publishState(module ModuleConfig, addr Address, group int, values GroupValues) error {
	b.setOutputs(addr, group, values)
	return b.publishJSON(StateTopic(module.ID), NewStateMessage(module, group, values), true)
}

// handleMQTTMessage processes a command message from Core.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.errorsTotal.Add(1)
		b.logError("failed to parse command", err)
		return
	}

	if cmd.ModuleID == "" {
		if i := strings.LastIndexByte(topic, '/'); i >= 0 {
			cmd.ModuleID = topic[i+1:]
		}
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"module", cmd.ModuleID,
		"command", cmd.Command,
		"channel", cmd.Channel)

	b.ExecuteCommand(cmd)
}

// ExecuteCommand writes the frames for cmd, publishes the acknowledgment
// on AckTopic and returns it.
func (b *Bridge) ExecuteCommand(cmd CommandMessage) AckMessage {
	ack := b.execute(cmd)
	b.writeCommandMetric(ack, cmd.Command)
	//nolint:errcheck // logged by publishJSON
	b.publishJSON(AckTopic(cmd.ModuleID), ack, false)
	return ack
}

func (b *Bridge) execute(cmd CommandMessage) AckMessage {
	module, ok := b.byID[cmd.ModuleID]
	if !ok {
		return b.ackError(cmd, "", ErrCodeNotConfigured, fmt.Sprintf("module %s not configured", cmd.ModuleID))
	}

	addr, err := ParseAddress(module.Address)
	if err != nil {
		return b.ackError(cmd, module.Address, ErrCodeBridgeError, err.Error())
	}

	if b.sender == nil || !b.sender.IsConnected() {
		return b.ackError(cmd, module.Address, ErrCodeDeviceUnreachable, "PC-link not connected")
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	var frames []string
	switch cmd.Command {
	case CommandRead:
		frames, err = b.executeRead(ctx, module, addr)
	case CommandOn:
		frames, err = b.executeWrite(ctx, module, addr, cmd.Channel, OutputOn)
	case CommandOff:
		frames, err = b.executeWrite(ctx, module, addr, cmd.Channel, OutputOff)
	case CommandSet:
		if cmd.Value == nil || *cmd.Value < 0 || *cmd.Value > maxOutputValue {
			return b.ackError(cmd, module.Address, ErrCodeInvalidParameters, "set requires value 0-255")
		}
		frames, err = b.executeWrite(ctx, module, addr, cmd.Channel, uint8(*cmd.Value)) //nolint:gosec // range checked
	default:
		return b.ackError(cmd, module.Address, ErrCodeInvalidCommand, fmt.Sprintf("unknown command %q", cmd.Command))
	}

	if err != nil {
		return b.ackError(cmd, module.Address, ackCodeFor(err), err.Error())
	}
	return NewAckMessage(cmd, AckAccepted, module.Address, frames)
}

// executeWrite sets one channel and keeps the rest of its group unchanged.
func (b *Bridge) executeWrite(ctx context.Context, module ModuleConfig, addr Address, channel int, value uint8) ([]string, error) {
	if channel < 1 || channel > module.Channels {
		return nil, fmt.Errorf("%w: channel must be 1-%d, got %d", ErrRange, module.Channels, channel)
	}
	group, err := GroupOf(channel)
	if err != nil {
		return nil, err
	}

	b.commandMu.Lock()
	defer b.commandMu.Unlock()

	frame, updated, err := ChannelCommand(addr, channel, value, b.Outputs(addr, group))
	if err != nil {
		return nil, err
	}
	if err := b.sender.Send(ctx, frame); err != nil {
		return nil, err
	}

	b.setOutputs(addr, group, updated)
	return []string{frame}, nil
}

// executeRead requests the outputs of every group the module uses.
func (b *Bridge) executeRead(ctx context.Context, module ModuleConfig, addr Address) ([]string, error) {
	frames := make([]string, 0, maxGroups)
	for group := 1; group <= module.Groups(); group++ {
		frame, err := ReadGroupCommand(addr, group)
		if err != nil {
			return frames, err
		}
		if err := b.sender.Send(ctx, frame); err != nil {
			return frames, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// RefreshAll requests the outputs of every configured module.
// Answers arrive asynchronously as frames.
func (b *Bridge) RefreshAll(ctx context.Context) {
	if b.sender == nil {
		return
	}

	for _, module := range b.cfg.Modules {
		addr, err := ParseAddress(module.Address)
		if err != nil {
			continue
		}
		for group := 1; group <= module.Groups(); group++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interReadDelay):
			}

			frame, err := ReadGroupCommand(addr, group)
			if err != nil {
				continue
			}
			if err := b.sender.Send(ctx, frame); err != nil {
				b.errorsTotal.Add(1)
				b.logError("status request failed", err)
			}
		}
	}
}

// ackCodeFor maps an execution error to an acknowledgment error code.
func ackCodeFor(err error) string {
	switch {
	case errors.Is(err, ErrRange):
		return ErrCodeInvalidParameters
	case errIsConnection(err), errors.Is(err, ErrCommandFailed):
		return ErrCodeDeviceUnreachable
	default:
		return ErrCodeBridgeError
	}
}

// Outputs returns the last known outputs of one group of a module.
// Unknown groups read as all off.
func (b *Bridge) Outputs(addr Address, group int) GroupValues {
	b.outputsMu.RLock()
	defer b.outputsMu.RUnlock()
	return b.outputs[addr][group]
}

func (b *Bridge) setOutputs(addr Address, group int, values GroupValues) {
	b.outputsMu.Lock()
	defer b.outputsMu.Unlock()
	if b.outputs[addr] == nil {
		b.outputs[addr] = make(map[int]GroupValues, maxGroups)
	}
	b.outputs[addr][group] = values
}

// ackError counts and logs a failed command and builds its acknowledgment.
func (b *Bridge) ackError(cmd CommandMessage, address, code, message string) AckMessage {
	b.errorsTotal.Add(1)
	b.logError("command failed",
		fmt.Errorf("command_id=%s code=%s message=%s", cmd.ID, code, message))
	return NewAckError(cmd, address, code, message)
}

// publishJSON marshals v and publishes it at the configured QoS.
func (b *Bridge) publishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		b.errorsTotal.Add(1)
		b.logError("failed to marshal message", err)
		return err
	}
	if err := b.mqtt.Publish(topic, payload, b.qos, retained); err != nil {
		b.errorsTotal.Add(1)
		b.logError("failed to publish", err)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *Bridge) record(raw string, frame *Frame, valid bool) {
	if b.recorder != nil {
		b.recorder.RecordFrame(raw, frame, valid)
	}
}

func (b *Bridge) writeMetric(kind, address string, valid bool) {
	if b.metrics != nil {
		b.metrics.WriteFrameMetric(kind, address, valid)
	}
}

func (b *Bridge) writeCommandMetric(ack AckMessage, command string) {
	w, ok := b.metrics.(CommandMetricsWriter)
	if !ok {
		return
	}
	result := string(ack.Status)
	if ack.Error != nil {
		result = ack.Error.Code
	}
	w.WriteCommandMetric(ack.ModuleID, command, result)
}

// Statistics returns the bridge's frame counters.
func (b *Bridge) Statistics() BridgeStatistics {
	stats := BridgeStatistics{
		FramesReceived:     b.framesReceived.Load(),
		FramesInvalid:      b.framesInvalid.Load(),
		FramesUnrecognised: b.framesUnrecognised.Load(),
		ButtonPresses:      b.buttonPresses.Load(),
		Errors:             b.errorsTotal.Load(),
	}
	if b.sender != nil {
		stats.FramesSent = b.sender.Stats().FramesTx
	}
	return stats
}

// Modules returns the configured modules in configuration order.
func (b *Bridge) Modules() []ModuleConfig {
	return append([]ModuleConfig(nil), b.cfg.Modules...)
}

// ModuleStates returns one state message per group with known outputs.
// ok is false when no module has the given ID.
func (b *Bridge) ModuleStates(moduleID string) (states []StateMessage, ok bool) {
	module, ok := b.byID[moduleID]
	if !ok {
		return nil, false
	}
	addr, err := ParseAddress(module.Address)
	if err != nil {
		return nil, true
	}

	b.outputsMu.RLock()
	defer b.outputsMu.RUnlock()

	for group := 1; group <= module.Groups(); group++ {
		values, known := b.outputs[addr][group]
		if !known {
			continue
		}
		states = append(states, NewStateMessage(module, group, values))
	}
	return states, true
}

// Health returns the bridge's health reporter.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
