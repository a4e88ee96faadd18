package provider

import (
	"bufio"
	"io"
	"strings"
)

// forEachSSEEvent reads events from body and hands each to handle until
// handle reports the stream is done. The return value is nil after a
// handle-driven stop and the read error (io.EOF on a plain disconnect)
// otherwise, so adapters can decide whether the stream ended cleanly.
func forEachSSEEvent(body io.Reader, handle func(*SSEEvent) (done bool)) error {
	reader := NewSSEReader(body)
	for {
		event, err := reader.ReadEvent()
		if err != nil {
			return err
		}
		if handle(event) {
			return nil
		}
	}
}

// SSEEvent is a single Server-Sent Event.
type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

// SSEReader reads SSE events from a provider response body.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(r),
	}
}

// ReadEvent reads the next SSE event. It returns io.EOF when the stream ends.
func (r *SSEReader) ReadEvent() (*SSEEvent, error) {
	event := &SSEEvent{}

	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Empty line terminates an event.
			if event.Data != "" {
				return event, nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			// Comment, ignore.
			continue
		}

		colonIdx := strings.Index(line, ":")
		var field, value string
		if colonIdx == -1 {
			field = line
		} else {
			field = line[:colonIdx]
			value = strings.TrimPrefix(line[colonIdx+1:], " ")
		}

		switch field {
		case "event":
			event.Event = value
		case "data":
			if event.Data != "" {
				event.Data += "\n"
			}
			event.Data += value
		case "id":
			event.ID = value
		}
	}
}
