package nikobus

import "fmt"

// ChannelsPerGroup is the number of output channels addressed by one
// group command.
const ChannelsPerGroup = 6

// GroupOf returns the 1-based output group a channel belongs to.
//
// Six consecutive channels share a group: channels 1-6 are group 1,
// 7-12 are group 2, and so on.
//
// Parameters:
//   - channel: 1-based channel number
//
// Returns:
//   - int: 1-based group number
//   - error: ErrRange if channel <= 0
func GroupOf(channel int) (int, error) {
	if channel <= 0 {
		return 0, fmt.Errorf("%w: channel must be positive, got %d", ErrRange, channel)
	}
	return (channel-1)/ChannelsPerGroup + 1, nil
}

// OffsetOf returns the zero-based position (0-5) of a channel within its group.
//
// Returns:
//   - int: Offset within the group
//   - error: ErrRange if channel <= 0
func OffsetOf(channel int) (int, error) {
	if channel <= 0 {
		return 0, fmt.Errorf("%w: channel must be positive, got %d", ErrRange, channel)
	}
	return (channel - 1) % ChannelsPerGroup, nil
}

// ChannelAt is the inverse of GroupOf/OffsetOf.
func ChannelAt(group, offset int) int {
	return (group-1)*ChannelsPerGroup + offset + 1
}
