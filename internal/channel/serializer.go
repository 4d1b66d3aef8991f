package channel

import (
	"github.com/codefionn/pluginhost/internal/logger"
)

// Serializer streams one payload at a time into caller-provided buffers.
// The offset is non-zero only while a payload is partially written.
type Serializer struct {
	current *Package
	data    []byte
	offset  int
}

// IsIdle reports whether no payload is in flight.
func (s *Serializer) IsIdle() bool {
	return s.current == nil
}

// Offset returns the number of bytes of the current payload already written.
func (s *Serializer) Offset() int {
	return s.offset
}

// Submit makes pkg the payload in flight. The serializer must be idle.
func (s *Serializer) Submit(pkg *Package) {
	if s.current != nil {
		panic("channel: serializer already busy")
	}
	s.current = pkg
	s.data = nil
	s.offset = 0
}

// Serialize copies as much of the current payload into dst as fits and
// returns the byte count. The serializer becomes idle once the last byte has
// been handed out. A payload that cannot be rendered is dropped with 0 bytes.
func (s *Serializer) Serialize(dst []byte) int {
	if s.current == nil {
		return 0
	}

	if s.data == nil {
		data, err := s.current.bytes()
		if err != nil {
			logger.Error("dropping outbound payload that failed to serialize: %v", err)
			s.reset()
			return 0
		}
		s.data = data
	}

	n := copy(dst, s.data[s.offset:])
	s.offset += n
	if s.offset == len(s.data) {
		s.reset()
	}
	return n
}

// Clear abandons the payload in flight.
func (s *Serializer) Clear() {
	s.reset()
}

func (s *Serializer) reset() {
	s.current = nil
	s.data = nil
	s.offset = 0
}
