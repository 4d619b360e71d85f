package nikobus

import (
	"errors"
	"slices"
	"testing"
)

func TestFrameSplitterFeed(t *testing.T) {
	tests := []struct {
		name        string
		chunks      []string
		want        []string
		wantPending int
	}{
		{"single frame", []string{"ABCD\n"}, []string{"ABCD"}, 0},
		{"two chunks", []string{"ABCD\n", "EF\n"}, []string{"ABCD", "EF"}, 0},
		{"split across chunks", []string{"AB", "CD\nEF", "\n"}, []string{"ABCD", "EF"}, 0},
		{"empty segments skipped", []string{"\n\n  \nX\n"}, []string{"X"}, 0},
		{"whitespace trimmed", []string{" $1012A5C94B71C1 \r\n"}, []string{"$1012A5C94B71C1"}, 0},
		{"remainder retained", []string{"ABCD\nEF"}, []string{"ABCD"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFrameSplitter('\n', 64)
			var got []string
			for _, chunk := range tt.chunks {
				frames, err := s.Feed([]byte(chunk))
				if err != nil {
					t.Fatalf("Feed(%q) error = %v", chunk, err)
				}
				got = append(got, frames...)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("frames = %q, want %q", got, tt.want)
			}
			if s.Pending() != tt.wantPending {
				t.Errorf("Pending() = %d, want %d", s.Pending(), tt.wantPending)
			}
		})
	}
}

func TestFrameSplitterTooLarge(t *testing.T) {
	s := newFrameSplitter('\n', 8)

	frames, err := s.Feed([]byte("OK\n0123456789"))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Feed() error = %v, want ErrFrameTooLarge", err)
	}
	if !slices.Equal(frames, []string{"OK"}) {
		t.Errorf("frames = %q, want [OK]", frames)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d after overflow, want 0", s.Pending())
	}

	frames, err = s.Feed([]byte("NEXT\n"))
	if err != nil || !slices.Equal(frames, []string{"NEXT"}) {
		t.Errorf("Feed after overflow = %q, %v", frames, err)
	}
}

func TestFrameSplitterCarriageReturn(t *testing.T) {
	s := newFrameSplitter('\r', 0)

	frames, err := s.Feed([]byte("#N0D1C80\r$0512\r$1012"))
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if !slices.Equal(frames, []string{"#N0D1C80", "$0512"}) {
		t.Errorf("frames = %q", frames)
	}

	s.Reset()
	if s.Pending() != 0 {
		t.Errorf("Pending() after Reset = %d", s.Pending())
	}
}
