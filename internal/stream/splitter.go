// Package stream turns the upstream's unframed JSON stream into
// OpenAI-style SSE, including the keep-alive mode that bridges a
// non-stream upstream call onto a heartbeating client stream.
package stream

import "bytes"

type splitState int

const (
	stateTop splitState = iota
	stateObject
	stateString
	stateEscape
)

// Splitter extracts complete top-level JSON objects from a byte stream
// cut at arbitrary boundaries. The upstream frames objects as a JSON
// array streamed piecemeal; brackets, commas, and whitespace between
// objects are discarded. Braces inside strings and escaped quotes do
// not confuse the depth tracking.
type Splitter struct {
	state splitState
	depth int
	buf   bytes.Buffer
}

// Feed consumes one window of bytes and returns every object completed
// by it, in order. Partial objects stay buffered for the next window.
func (s *Splitter) Feed(p []byte) [][]byte {
	var objects [][]byte
	for _, b := range p {
		switch s.state {
		case stateTop:
			if b == '{' {
				s.state = stateObject
				s.depth = 1
				s.buf.Reset()
				s.buf.WriteByte(b)
			}
		case stateObject:
			s.buf.WriteByte(b)
			switch b {
			case '"':
				s.state = stateString
			case '{':
				s.depth++
			case '}':
				s.depth--
				if s.depth == 0 {
					objects = append(objects, s.take())
					s.state = stateTop
				}
			}
		case stateString:
			s.buf.WriteByte(b)
			switch b {
			case '\\':
				s.state = stateEscape
			case '"':
				s.state = stateObject
			}
		case stateEscape:
			s.buf.WriteByte(b)
			s.state = stateString
		}
	}
	return objects
}

// Flush returns whatever partial object is still buffered, or nil, and
// resets the splitter. Called once at end of stream.
func (s *Splitter) Flush() []byte {
	if s.state == stateTop || s.buf.Len() == 0 {
		s.reset()
		return nil
	}
	obj := s.take()
	s.reset()
	return obj
}

func (s *Splitter) take() []byte {
	obj := make([]byte, s.buf.Len())
	copy(obj, s.buf.Bytes())
	s.buf.Reset()
	return obj
}

func (s *Splitter) reset() {
	s.state = stateTop
	s.depth = 0
	s.buf.Reset()
}
