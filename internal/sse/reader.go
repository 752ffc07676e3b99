package sse

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Event is one dispatched server-sent event
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// Reader parses an event stream. Comment lines are skipped and an event is
// dispatched on a blank line; multiple data lines are joined with "\n".
type Reader struct {
	scanner *bufio.Scanner
}

// maxLineSize bounds a single line of the stream
const maxLineSize = 1 << 20

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	return &Reader{scanner: scanner}
}

// Next returns the next event with data. It returns io.EOF when the stream
// ends cleanly; a partial event at EOF is discarded.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    []string
		hasData bool
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if hasData {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			ev = Event{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			ev.Event = value
		case "id":
			ev.ID = value
		case "retry":
			if n, err := strconv.Atoi(value); err == nil {
				ev.Retry = n
			}
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
