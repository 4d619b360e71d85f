package nikobus

import (
	"bytes"
	"fmt"
	"strings"
)

// frameSplitter accumulates stream bytes and cuts them into
// delimiter-terminated frames.
//
// Each connection owns its own splitter so partial frames of concurrent
// clients never mix. Not safe for concurrent use.
type frameSplitter struct {
	delimiter byte
	maxSize   int
	pending   []byte
}

func newFrameSplitter(delimiter byte, maxSize int) *frameSplitter {
	return &frameSplitter{
		delimiter: delimiter,
		maxSize:   maxSize,
	}
}

// Feed appends data and returns every completed frame, trimmed of
// surrounding whitespace. Segments that are empty after trimming are
// skipped. Bytes after the last delimiter are retained for the next call.
//
// Returns ErrFrameTooLarge (alongside any frames completed by this call)
// when the retained remainder exceeds maxSize.
func (s *frameSplitter) Feed(data []byte) ([]string, error) {
	s.pending = append(s.pending, data...)

	var frames []string
	start := 0
	for {
		i := bytes.IndexByte(s.pending[start:], s.delimiter)
		if i < 0 {
			break
		}
		segment := strings.TrimSpace(string(s.pending[start : start+i]))
		start += i + 1
		if segment != "" {
			frames = append(frames, segment)
		}
	}

	// Shift the remainder to the front so the buffer does not grow unbounded.
	s.pending = append(s.pending[:0], s.pending[start:]...)

	if s.maxSize > 0 && len(s.pending) > s.maxSize {
		n := len(s.pending)
		s.pending = s.pending[:0]
		return frames, fmt.Errorf("%w: %d bytes without delimiter (max %d)", ErrFrameTooLarge, n, s.maxSize)
	}
	return frames, nil
}

// Pending returns the number of retained undelimited bytes.
func (s *frameSplitter) Pending() int {
	return len(s.pending)
}

// Reset discards retained bytes.
func (s *frameSplitter) Reset() {
	s.pending = s.pending[:0]
}
