// Package core holds the types shared between the protocol layers and the
// hosting layer: status codes, shared-ownership handles, the Shell interface
// through which a dispatcher reaches its owning plugin, and the process-wide
// Connector.
package core

import "encoding/json"

// ShellState is the lifecycle state of a plugin as seen by the host.
type ShellState int

const (
	ShellDeactivated ShellState = iota
	ShellActivating
	ShellActivated
	ShellDeactivating
	ShellUnavailable
)

func (s ShellState) String() string {
	switch s {
	case ShellDeactivated:
		return "deactivated"
	case ShellActivating:
		return "activating"
	case ShellActivated:
		return "activated"
	case ShellDeactivating:
		return "deactivating"
	case ShellUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Shell is the host-side view of one plugin. It is implemented by the
// surrounding system; the JSON-RPC dispatcher binds to exactly one Shell
// while active.
type Shell interface {
	// Callsign is the unique name the plugin is addressed by.
	Callsign() string

	// State returns the current lifecycle state.
	State() ShellState

	// Submit delivers payload asynchronously to the connection identified
	// by channelID.
	Submit(channelID uint32, payload json.Marshaler) error
}
