package inventory

import "bytes"

// FrameSplitter turns an arbitrarily fragmented byte stream into complete
// newline-terminated lines. Any unterminated remainder is held until a later
// chunk completes it. The remainder is not bounded.
type FrameSplitter struct {
	buf []byte
}

// Split appends chunk to the pending remainder and returns every complete
// line in arrival order. Line delimiters ("\n" and an optional preceding
// "\r") are stripped. Empty lines are returned as empty strings.
func (s *FrameSplitter) Split(chunk []byte) []string {
	s.buf = append(s.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		line := s.buf[:i]
		line = bytes.TrimSuffix(line, []byte{'\r'})
		lines = append(lines, string(line))
		s.buf = s.buf[i+1:]
	}

	// release the backing array once everything has been consumed
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return lines
}

// Buffered returns the number of bytes held for an incomplete line.
func (s *FrameSplitter) Buffered() int {
	return len(s.buf)
}

// Reset drops any buffered partial line.
func (s *FrameSplitter) Reset() {
	s.buf = nil
}
