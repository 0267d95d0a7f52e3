package harness

import (
	"strings"
	"testing"
)

func TestScanSSE(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []sseFrame
	}{
		{
			name:     "single frame",
			input:    "data: {\"a\":1}\n\n",
			expected: []sseFrame{{Data: `{"a":1}`}},
		},
		{
			name:  "multiple frames",
			input: "data: one\n\ndata: two\n\n",
			expected: []sseFrame{
				{Data: "one"},
				{Data: "two"},
			},
		},
		{
			name:     "multi-line data joined with newline",
			input:    "data: line1\ndata: line2\n\n",
			expected: []sseFrame{{Data: "line1\nline2"}},
		},
		{
			name:     "event name attached",
			input:    "event: update\ndata: payload\n\n",
			expected: []sseFrame{{Event: "update", Data: "payload"}},
		},
		{
			name:     "comments and keepalives ignored",
			input:    ": ping\ndata: payload\n: ping\n\n",
			expected: []sseFrame{{Data: "payload"}},
		},
		{
			name:     "trailing frame without blank line flushed at eof",
			input:    "data: complete\n\ndata: truncated",
			expected: []sseFrame{{Data: "complete"}, {Data: "truncated"}},
		},
		{
			name:     "no space after colon",
			input:    "data:tight\n\n",
			expected: []sseFrame{{Data: "tight"}},
		},
		{
			name:     "blank stream",
			input:    "\n\n\n",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var frames []sseFrame
			err := scanSSE(strings.NewReader(tt.input), func(f sseFrame) bool {
				frames = append(frames, f)
				return true
			})
			if err != nil {
				t.Fatalf("scanSSE failed: %v", err)
			}
			if len(frames) != len(tt.expected) {
				t.Fatalf("got %d frames, expected %d: %+v", len(frames), len(tt.expected), frames)
			}
			for i, f := range frames {
				if f != tt.expected[i] {
					t.Errorf("frame %d = %+v, expected %+v", i, f, tt.expected[i])
				}
			}
		})
	}
}

func TestScanSSEStopsEarly(t *testing.T) {
	input := "data: one\n\ndata: two\n\ndata: three\n\n"

	var frames []sseFrame
	err := scanSSE(strings.NewReader(input), func(f sseFrame) bool {
		frames = append(frames, f)
		return len(frames) < 2
	})
	if err != nil {
		t.Fatalf("scanSSE failed: %v", err)
	}
	if len(frames) != 2 {
		t.Errorf("got %d frames, expected scan to stop after 2", len(frames))
	}
}
