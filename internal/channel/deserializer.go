package channel

import "fmt"

// Deserializer feeds bytes into one element at a time. It scans for the end
// of the top-level JSON value itself, so a buffer holding several values is
// consumed exactly up to the end of the first one.
type Deserializer struct {
	current Element
	buf     []byte

	started  bool
	depth    int
	inString bool
	escape   bool
	scalar   bool
	done     bool
}

// IsIdle reports whether no element is being filled.
func (d *Deserializer) IsIdle() bool {
	return d.current == nil
}

// Offset returns the number of bytes buffered for the pending value.
func (d *Deserializer) Offset() int {
	return len(d.buf)
}

// Begin makes element the receive target. The deserializer must be idle.
func (d *Deserializer) Begin(element Element) {
	if d.current != nil {
		panic("channel: deserializer already busy")
	}
	d.current = element
}

// Completed reports whether the pending value is syntactically closed.
func (d *Deserializer) Completed() bool {
	return d.done
}

// Deserialize scans src and returns the number of bytes consumed. It stops
// right after the byte that closes the top-level value.
func (d *Deserializer) Deserialize(src []byte) int {
	if d.current == nil || d.done {
		return 0
	}

	for i, c := range src {
		if !d.started {
			if isSpace(c) {
				continue
			}
			d.started = true
			d.buf = append(d.buf, c)
			switch c {
			case '{', '[':
				d.depth = 1
			case '"':
				d.inString = true
			default:
				d.scalar = true
			}
			continue
		}

		if d.scalar {
			if isSpace(c) || c == ',' || c == ']' || c == '}' {
				d.done = true
				return i
			}
			d.buf = append(d.buf, c)
			continue
		}

		d.buf = append(d.buf, c)

		if d.inString {
			switch {
			case d.escape:
				d.escape = false
			case c == '\\':
				d.escape = true
			case c == '"':
				d.inString = false
				if d.depth == 0 {
					d.done = true
					return i + 1
				}
			}
			continue
		}

		switch c {
		case '"':
			d.inString = true
		case '{', '[':
			d.depth++
		case '}', ']':
			d.depth--
			if d.depth == 0 {
				d.done = true
				return i + 1
			}
		}
	}
	return len(src)
}

// Flush ends the pending value at a message boundary, where no closing
// delimiter will follow. A bare scalar completes normally; a truncated
// object, array or string completes as well and fails to parse in Take, so
// it cannot swallow the messages after it.
func (d *Deserializer) Flush() {
	if !d.started {
		d.reset()
		return
	}
	d.done = true
}

// Take populates and returns the element once Completed, making the
// deserializer idle again. The element is returned even when it fails to
// parse, together with the parse error.
func (d *Deserializer) Take() (Element, error) {
	if !d.done {
		return nil, fmt.Errorf("channel: value not complete")
	}
	element := d.current
	err := element.UnmarshalJSON(d.buf)
	d.reset()
	return element, err
}

// Clear abandons the pending value.
func (d *Deserializer) Clear() {
	d.reset()
}

func (d *Deserializer) reset() {
	d.current = nil
	d.buf = nil
	d.started = false
	d.depth = 0
	d.inString = false
	d.escape = false
	d.scalar = false
	d.done = false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
