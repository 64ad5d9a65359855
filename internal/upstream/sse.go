package upstream

import (
	"bufio"
	"io"
	"strings"
)

// frame is one server-sent event.
type frame struct {
	event string
	data  string
}

// readFrames scans an SSE body and calls fn for each complete frame. Multiple
// data lines in one event are joined with newlines. Comments and unknown
// fields are ignored.
func readFrames(r io.Reader, fn func(frame) error) error {
	scanner := bufio.NewScanner(r)
	// Increase buffer size for potentially large chunks
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var (
		event string
		data  []string
	)
	flush := func() error {
		if len(data) == 0 {
			event = ""
			return nil
		}
		f := frame{event: event, data: strings.Join(data, "\n")}
		event, data = "", nil
		return fn(f)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}
