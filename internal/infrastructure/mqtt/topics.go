package mqtt

import (
	"fmt"
	"strings"
)

// maxTopicLength is the MQTT limit on topic length in bytes.
const maxTopicLength = 65535

// validatePublishTopic checks a topic used for publishing.
// Wildcards are only meaningful in subscription filters.
func validatePublishTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if len(topic) > maxTopicLength {
		return fmt.Errorf("%w: topic exceeds %d bytes", ErrInvalidTopic, maxTopicLength)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards not allowed when publishing to %q", ErrInvalidTopic, topic)
	}
	if strings.ContainsRune(topic, 0) {
		return fmt.Errorf("%w: topic contains NUL", ErrInvalidTopic)
	}
	return nil
}

// validateFilter checks a subscription filter.
//
// '+' must occupy a whole level and '#' must be the whole last level:
//
//	graylogic/command/nikobus/+   valid
//	graylogic/#                   valid
//	graylogic/command/nik+        invalid
//	graylogic/#/state             invalid
func validateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	if len(filter) > maxTopicLength {
		return fmt.Errorf("%w: filter exceeds %d bytes", ErrInvalidTopic, maxTopicLength)
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.ContainsRune(level, '#') && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidTopic, filter)
		}
		if strings.ContainsRune(level, '+') && level != "+" {
			return fmt.Errorf("%w: '+' must occupy a whole level in %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}
