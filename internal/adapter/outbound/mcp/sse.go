package mcp

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"strings"
)

// maxEventSize bounds the data of a single event read from a backend stream.
const maxEventSize = maxLineSize

// sseEvent is one dispatched Server-Sent Event.
type sseEvent struct {
	Event string
	Data  string
	ID    string
}

// sseReader parses a text/event-stream body into events.
type sseReader struct {
	r      *bufio.Reader
	logger *slog.Logger
}

func newSSEReader(r io.Reader, logger *slog.Logger) *sseReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &sseReader{r: bufio.NewReaderSize(r, 64<<10), logger: logger}
}

// Next returns the next event carrying data. Comments and events with no
// data lines are skipped. Events whose lines or data exceed maxEventSize are
// consumed and skipped with a warning. A partial event at end of stream is
// discarded.
func (s *sseReader) Next() (sseEvent, error) {
	var (
		ev        sseEvent
		data      strings.Builder
		hasData   bool
		oversized bool
	)
	reset := func() {
		ev, hasData, oversized = sseEvent{}, false, false
		data.Reset()
	}
	for {
		raw, err := readLine(s.r)
		if errors.Is(err, errLineTooLong) {
			oversized = true
			data.Reset()
			continue
		}
		if err != nil {
			return sseEvent{}, err
		}
		line := string(raw)

		if line == "" {
			if oversized {
				s.logger.Warn("skipping oversized event from backend", "event", ev.Event, "limit", maxEventSize)
				reset()
				continue
			}
			if hasData {
				ev.Data = data.String()
				if ev.Event == "" {
					ev.Event = "message"
				}
				return ev, nil
			}
			reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Event = value
		case "data":
			if oversized {
				continue
			}
			if data.Len()+len(value)+1 > maxEventSize {
				oversized = true
				data.Reset()
				continue
			}
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			ev.ID = value
		}
	}
}
