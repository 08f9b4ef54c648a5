// Package sse provides server-sent-event framing shared by the stream
// transformers and the metering reader.
package sse

import (
	"bytes"
)

// DoneData is the terminal sentinel OpenAI-family streams emit.
const DoneData = "[DONE]"

// maxEventSize caps how much of a terminator-less stream stays buffered.
// Tool-call argument deltas run large, so the cap is generous; past it the
// buffer is flushed as an opaque event and forwarded untouched.
const maxEventSize = 1 << 20

// Event is one complete server-sent event. Raw preserves the exact bytes as
// received (terminator included) so untransformed events can be forwarded
// without reframing.
type Event struct {
	Name string // from the "event:" field, may be empty
	Data []byte // data lines joined with '\n'
	Raw  []byte
}

// Done reports whether the event is the [DONE] sentinel.
func (e *Event) Done() bool {
	return bytes.Equal(e.Data, []byte(DoneData))
}

// Comment reports whether the event carried no event/data fields (e.g. a
// ":keep-alive" ping). Such events pass through untouched.
func (e *Event) Comment() bool {
	return e.Name == "" && len(e.Data) == 0
}

// Encode renders the event in wire format: optional "event:" line, one
// "data:" line and the blank-line terminator.
func (e *Event) Encode() []byte {
	var b bytes.Buffer
	b.Grow(len(e.Name) + len(e.Data) + 16)
	if e.Name != "" {
		b.WriteString("event: ")
		b.WriteString(e.Name)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(e.Data)
	b.WriteString("\n\n")
	return b.Bytes()
}

// Splitter accumulates stream fragments and yields complete events. Feed
// may be called with arbitrary chunk boundaries; partial events stay
// buffered until their blank-line terminator arrives.
type Splitter struct {
	buf []byte
}

// Feed appends a fragment and returns the complete events it finished.
func (s *Splitter) Feed(p []byte) []Event {
	s.buf = append(s.buf, p...)

	var events []Event
	for {
		idx, skip := terminatorIndex(s.buf)
		if idx < 0 {
			break
		}
		raw := make([]byte, idx+skip)
		copy(raw, s.buf[:idx+skip])
		s.buf = s.buf[idx+skip:]
		events = append(events, parseEvent(raw))
	}
	if len(s.buf) > maxEventSize {
		// No terminator in sight. Hand the bytes through opaque rather
		// than buffering without bound.
		events = append(events, Event{Raw: s.buf})
		s.buf = nil
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return events
}

// Rest returns any buffered partial event. Used at end-of-stream so a
// truncated trailing event is still forwarded verbatim.
func (s *Splitter) Rest() []byte {
	if len(s.buf) == 0 {
		return nil
	}
	rest := s.buf
	s.buf = nil
	return rest
}

// terminatorIndex locates the first blank-line terminator in buf. idx is
// the position just past the event's final newline, skip the blank line's
// length. Handles \n\n and \n\r\n endings.
func terminatorIndex(buf []byte) (idx, skip int) {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\n' {
			if buf[i+1] == '\n' {
				return i + 1, 1
			}
			if i+2 < len(buf) && buf[i+1] == '\r' && buf[i+2] == '\n' {
				return i + 1, 2
			}
		}
	}
	return -1, 0
}

// parseEvent extracts the event name and joined data payload from one raw
// event block.
func parseEvent(raw []byte) Event {
	ev := Event{Raw: raw}
	var data [][]byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		field, value, ok := parseField(line)
		if !ok {
			continue
		}
		switch field {
		case "event":
			ev.Name = string(value)
		case "data":
			data = append(data, value)
		}
	}
	if len(data) > 0 {
		ev.Data = bytes.Join(data, []byte("\n"))
	}
	return ev
}

// parseField splits one SSE line into its field name and value. Blank
// lines, ":" comments and names outside the SSE vocabulary report
// ok=false. A single space after the colon is part of the framing, not
// the value.
func parseField(line []byte) (field string, value []byte, ok bool) {
	if len(line) == 0 || line[0] == ':' {
		return "", nil, false
	}
	name, rest, found := bytes.Cut(line, []byte(":"))
	if !found {
		return "", nil, false
	}
	rest = bytes.TrimPrefix(rest, []byte(" "))
	switch string(name) {
	case "event", "data", "id", "retry":
		return string(name), rest, true
	}
	return "", nil, false
}
