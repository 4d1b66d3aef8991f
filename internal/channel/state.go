package channel

import "strings"

// State is the protocol mode of a channel plus the orthogonal flag bits.
type State uint16

const (
	Closed  State = 0x0000
	Web     State = 0x0001
	JSON    State = 0x0002
	RAW     State = 0x0004
	Text    State = 0x0008
	JSONRPC State = 0x0010

	// Pinged marks that a keep-alive ping was forced because no traffic was seen.
	Pinged State = 0x4000
	// Notified marks that the protocol layer has been told about the last transition.
	Notified State = 0x8000

	flagMask = Pinged | Notified
)

// Mode returns the state without flag bits.
func (s State) Mode() State {
	return s &^ flagMask
}

// Has reports whether all bits of flag are set.
func (s State) Has(flag State) bool {
	return s&flag == flag
}

func (s State) String() string {
	var name string
	switch s.Mode() {
	case Closed:
		name = "CLOSED"
	case Web:
		name = "WEB"
	case JSON:
		name = "JSON"
	case RAW:
		name = "RAW"
	case Text:
		name = "TEXT"
	case JSONRPC:
		name = "JSONRPC"
	default:
		name = "UNKNOWN"
	}

	parts := []string{name}
	if s.Has(Pinged) {
		parts = append(parts, "PINGED")
	}
	if s.Has(Notified) {
		parts = append(parts, "NOTIFIED")
	}
	return strings.Join(parts, "|")
}

// isJSON reports whether the mode carries JSON frames.
func (s State) isJSON() bool {
	m := s.Mode()
	return m == JSON || m == JSONRPC
}
