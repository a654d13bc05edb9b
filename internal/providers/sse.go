package providers

import "strings"

// lineBuffer assembles complete lines from raw byte chunks whose boundaries
// are arbitrary: a chunk may end mid-line, or even mid-rune. The trailing
// fragment of each chunk is carried over and prepended to the next one
// instead of being parsed early.
type lineBuffer struct {
	carry []byte
}

// Lines returns the complete lines contained in the carry-over buffer plus
// this chunk. Trailing \r is stripped so CRLF streams parse the same as LF.
func (b *lineBuffer) Lines(chunk []byte) []string {
	data := append(b.carry, chunk...)
	var lines []string
	start := 0
	for i, c := range data {
		if c == '\n' {
			lines = append(lines, strings.TrimSuffix(string(data[start:i]), "\r"))
			start = i + 1
		}
	}
	b.carry = append([]byte(nil), data[start:]...)
	return lines
}

// Rest returns any unterminated final fragment. Used by newline-delimited
// JSON streams whose last record may lack a trailing newline.
func (b *lineBuffer) Rest() string {
	rest := strings.TrimSuffix(string(b.carry), "\r")
	b.carry = nil
	return rest
}

// sseEvent is one complete server-sent event record.
type sseEvent struct {
	name string
	data string
}

// sseScanner parses a server-sent-event byte stream incrementally. Events
// are flushed on blank lines; event and data fields accumulate in between;
// comment and id lines are ignored.
type sseScanner struct {
	lines lineBuffer
	name  string
	data  []string
}

// Feed consumes one chunk and returns any events completed by it.
func (s *sseScanner) Feed(chunk []byte) []sseEvent {
	var events []sseEvent
	for _, line := range s.lines.Lines(chunk) {
		switch {
		case line == "":
			if s.name != "" || len(s.data) > 0 {
				events = append(events, sseEvent{
					name: s.name,
					data: strings.Join(s.data, "\n"),
				})
				s.name = ""
				s.data = nil
			}
		case strings.HasPrefix(line, "event:"):
			s.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			s.data = append(s.data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return events
}

// Flush returns a pending event that was never terminated by a blank line.
func (s *sseScanner) Flush() (sseEvent, bool) {
	if s.name == "" && len(s.data) == 0 {
		return sseEvent{}, false
	}
	ev := sseEvent{name: s.name, data: strings.Join(s.data, "\n")}
	s.name = ""
	s.data = nil
	return ev, true
}
