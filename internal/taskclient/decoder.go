package taskclient

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one event-stream frame.
type Frame struct {
	Event string
	ID    string
	Data  string
}

// Decoder splits an event stream into frames regardless of how the bytes were chunked.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next complete frame. It returns io.EOF when the stream ends;
// a trailing frame without its terminating blank line is discarded.
func (d *Decoder) Next() (Frame, error) {
	var (
		frame   Frame
		data    []string
		hasData bool
	)
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			// A final line without newline cannot terminate a frame.
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !hasData {
				frame = Frame{}
				continue
			}
			frame.Data = strings.Join(data, "\n")
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := line, ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], strings.TrimPrefix(line[i+1:], " ")
		}
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			frame.Event = value
		case "id":
			frame.ID = value
		}
	}
}
