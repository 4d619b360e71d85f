package nikobus

import (
	"encoding/hex"
	"fmt"
)

// PC-link function codes for switch, dimmer and roller shutter modules.
//
// Output modules expose their channels in groups of six. Group 1 covers
// channels 1-6, group 2 covers channels 7-12.
const (
	// FuncReadGroup1 requests the output state of channels 1-6.
	FuncReadGroup1 uint8 = 0x12

	// FuncReadGroup2 requests the output state of channels 7-12.
	FuncReadGroup2 uint8 = 0x17

	// FuncWriteGroup1 sets the outputs of channels 1-6.
	FuncWriteGroup1 uint8 = 0x15

	// FuncWriteGroup2 sets the outputs of channels 7-12.
	FuncWriteGroup2 uint8 = 0x16
)

// Output values.
const (
	// OutputOff switches a channel off (or stops a shutter).
	OutputOff uint8 = 0x00

	// OutputOn switches a channel fully on.
	OutputOn uint8 = 0xFF

	// writeGroupTrailer terminates the six output bytes of a group write.
	writeGroupTrailer = "FF"

	// maxGroups is the number of output groups a module can expose.
	maxGroups = 2
)

// GroupValues holds the output bytes of one six-channel group,
// indexed by OffsetOf(channel).
type GroupValues [ChannelsPerGroup]uint8

// readFunction returns the read function code for a group.
func readFunction(group int) (uint8, error) {
	switch group {
	case 1:
		return FuncReadGroup1, nil
	case 2:
		return FuncReadGroup2, nil
	default:
		return 0, fmt.Errorf("%w: group must be 1-%d, got %d", ErrRange, maxGroups, group)
	}
}

// writeFunction returns the write function code for a group.
func writeFunction(group int) (uint8, error) {
	switch group {
	case 1:
		return FuncWriteGroup1, nil
	case 2:
		return FuncWriteGroup2, nil
	default:
		return 0, fmt.Errorf("%w: group must be 1-%d, got %d", ErrRange, maxGroups, group)
	}
}

// GroupOfFunction maps a group read/write function code back to its group.
//
// Returns:
//   - int: Group number (1 or 2)
//   - bool: false if the function is not a group command
func GroupOfFunction(function uint8) (int, bool) {
	switch function {
	case FuncReadGroup1, FuncWriteGroup1:
		return 1, true
	case FuncReadGroup2, FuncWriteGroup2:
		return 2, true
	default:
		return 0, false
	}
}

// ReadGroupCommand builds the frame requesting a module's output group state.
//
// Example:
//
//	frame, _ := ReadGroupCommand(0xC9A5, 1) // "$1012A5C94B71C1"
func ReadGroupCommand(addr Address, group int) (string, error) {
	fn, err := readFunction(group)
	if err != nil {
		return "", err
	}
	return BuildFrame(fn, addr, "")
}

// WriteGroupCommand builds the frame setting all six outputs of a group.
//
// Parameters:
//   - addr: Module address
//   - group: Output group (1 or 2)
//   - values: Output bytes for the six channels of the group
//
// Returns:
//   - string: Frame text
//   - error: ErrRange for an unknown group
func WriteGroupCommand(addr Address, group int, values GroupValues) (string, error) {
	fn, err := writeFunction(group)
	if err != nil {
		return "", err
	}
	return BuildFrame(fn, addr, values.Hex()+writeGroupTrailer)
}

// ChannelCommand builds the group write frame that sets one channel while
// keeping the other five outputs of its group at their current values.
//
// Parameters:
//   - addr: Module address
//   - channel: 1-based channel number (1-12)
//   - value: New output byte for the channel
//   - current: Current values of the channel's group
//
// Returns:
//   - string: Frame text
//   - GroupValues: The group values the frame sets
//   - error: ErrRange if the channel is outside the supported groups
func ChannelCommand(addr Address, channel int, value uint8, current GroupValues) (string, GroupValues, error) {
	group, err := GroupOf(channel)
	if err != nil {
		return "", current, err
	}
	offset, err := OffsetOf(channel)
	if err != nil {
		return "", current, err
	}

	updated := current
	updated[offset] = value

	frame, err := WriteGroupCommand(addr, group, updated)
	if err != nil {
		return "", current, err
	}
	return frame, updated, nil
}

// ParseGroupValues decodes the six output bytes carried in a group frame's args.
// Any trailing bytes (such as the write trailer) are ignored.
//
// Returns:
//   - GroupValues: Decoded outputs
//   - error: ErrFormat if args carries fewer than six bytes
func ParseGroupValues(f Frame) (GroupValues, error) {
	var values GroupValues
	need := ChannelsPerGroup * byteDigits
	if len(f.Args) < need {
		return values, fmt.Errorf("%w: group frame needs %d arg digits, got %d", ErrFormat, need, len(f.Args))
	}
	raw, err := hex.DecodeString(f.Args[:need])
	if err != nil {
		return values, fmt.Errorf("%w: group args %q: %w", ErrFormat, f.Args, err)
	}
	copy(values[:], raw)
	return values, nil
}

// Hex returns the six output bytes as 12 upper-case hex digits.
func (v GroupValues) Hex() string {
	out := make([]byte, 0, len(v)*byteDigits)
	for _, b := range v {
		out = append(out, EncodeHex(uint64(b), byteDigits)...)
	}
	return string(out)
}
