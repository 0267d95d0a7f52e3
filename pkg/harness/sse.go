package harness

import (
	"bufio"
	"io"
	"strings"
)

// sseFrame is one server-sent event: an optional event name and the
// accumulated data payload.
type sseFrame struct {
	Event string
	Data  string
}

// scanSSE reads line-delimited SSE frames: "data:" lines accumulate
// until a blank line flushes the frame. A partial frame still buffered
// when the stream ends is flushed too, so a truncated trailing frame is
// never lost. Emit returning false stops the scan early.
func scanSSE(r io.Reader, emit func(sseFrame) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		data  strings.Builder
		event string
	)

	flush := func() bool {
		if data.Len() == 0 && event == "" {
			return true
		}
		frame := sseFrame{Event: event, Data: data.String()}
		data.Reset()
		event = ""
		return emit(frame)
	}

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if !flush() {
				return nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, ":"):
			// comment/keepalive
		}
	}

	if err := scanner.Err(); err != nil {
		flush()
		return err
	}
	flush()
	return nil
}
