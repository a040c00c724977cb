package generation

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// sseEvent is one event read from a provider's event stream.
type sseEvent struct {
	Event string
	Data  string
}

// sseParser incrementally parses a text/event-stream body.
type sseParser struct {
	reader *bufio.Reader
}

func newSSEParser(r io.Reader) *sseParser {
	return &sseParser{reader: bufio.NewReader(r)}
}

// Next reads the next event. Returns io.EOF when the stream ends.
func (p *sseParser) Next() (*sseEvent, error) {
	event := &sseEvent{}
	var dataLines []string

	for {
		line, err := p.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				event.Data = strings.Join(dataLines, "\n")
				return event, nil
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Blank line terminates the event.
		if len(line) == 0 {
			if len(dataLines) > 0 || event.Event != "" {
				event.Data = strings.Join(dataLines, "\n")
				return event, nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte(":")) {
			continue
		}

		field, value := parseSSELine(line)
		switch field {
		case "event":
			event.Event = value
		case "data":
			dataLines = append(dataLines, value)
		}
	}
}

func parseSSELine(line []byte) (field, value string) {
	if idx := bytes.IndexByte(line, ':'); idx >= 0 {
		field = string(line[:idx])
		value = string(bytes.TrimPrefix(line[idx+1:], []byte(" ")))
	} else {
		field = string(line)
	}
	return
}
