// Package jsonrpc routes JSON-RPC 2.0 messages to the methods a plugin
// exposes. Designators take the form "[<version>.]<callsign>.<method>". A
// plugin may serve several versions at once through separate handlers, and
// clients subscribe to plugin events through the reserved "register" and
// "unregister" methods.
package jsonrpc

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/codefionn/pluginhost/internal/core"
)

// Version is the protocol tag carried in every message.
const Version = "2.0"

// InvalidVersion marks a designator without a version prefix.
const InvalidVersion = ^uint8(0)

// ErrorInfo is the error member of a response.
type ErrorInfo struct {
	Code    core.ErrorCode `json:"code"`
	Message string         `json:"message"`
}

// Message is a request, response or notification. A request without ID is
// a notification and never gets a response. Result holds JSON text that is
// embedded verbatim on the wire.
type Message struct {
	JSONRPC    string
	ID         *uint32
	Designator string
	Parameters json.RawMessage
	Result     string
	Error      *ErrorInfo

	malformed bool
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint32         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// ParseErrorResponse answers a frame that could not be decoded. Its id is
// null because the request id is unknown.
func ParseErrorResponse() *Message {
	return &Message{
		JSONRPC: Version,
		Error:   &ErrorInfo{Code: core.ErrorParse, Message: core.ErrorToMessage(core.ErrorParse)},
	}
}

// Malformed reports whether the last UnmarshalJSON into m failed.
func (m *Message) Malformed() bool {
	return m.malformed
}

// IsResponse reports whether m answers a request rather than calling a method.
func (m *Message) IsResponse() bool {
	return m.Designator == "" && m.ID != nil
}

// MarshalJSON renders m. Responses always carry exactly one of result or
// error; an empty result is written as null.
func (m *Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		JSONRPC: m.JSONRPC,
		ID:      m.ID,
		Method:  m.Designator,
		Params:  m.Parameters,
		Error:   m.Error,
	}
	if w.JSONRPC == "" {
		w.JSONRPC = Version
	}
	if m.IsResponse() && m.Error == nil {
		w.Result = encodeResult(m.Result)
	}
	if m.ID == nil && m.Designator == "" && m.Error != nil {
		// Error responses without a known id carry "id": null.
		return json.Marshal(struct {
			wireMessage
			ID *uint32 `json:"id"`
		}{wireMessage: w})
	}
	return json.Marshal(w)
}

// UnmarshalJSON populates m from wire form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		*m = Message{malformed: true}
		return err
	}
	*m = Message{
		JSONRPC:    w.JSONRPC,
		ID:         w.ID,
		Designator: w.Method,
		Parameters: w.Params,
		Error:      w.Error,
	}
	if len(w.Result) > 0 && string(w.Result) != "null" {
		m.Result = string(w.Result)
	}
	return nil
}

func encodeResult(result string) json.RawMessage {
	if result == "" {
		return json.RawMessage("null")
	}
	if json.Valid([]byte(result)) {
		return json.RawMessage(result)
	}
	quoted, _ := json.Marshal(result)
	return quoted
}

// Callsign returns the plugin part of the designator.
func (m *Message) Callsign() string { return Callsign(m.Designator) }

// Method returns the method part of the designator.
func (m *Message) Method() string { return Method(m.Designator) }

// FullMethod returns the designator without its version prefix.
func (m *Message) FullMethod() string { return FullMethod(m.Designator) }

// Version returns the requested interface version or InvalidVersion.
func (m *Message) Version() uint8 { return DesignatorVersion(m.Designator) }

// VersionedFullCallsign returns everything before the method.
func (m *Message) VersionedFullCallsign() string { return VersionedFullCallsign(m.Designator) }

// splitVersion separates a leading all-digit segment from the rest.
func splitVersion(designator string) (uint8, string) {
	dot := strings.IndexByte(designator, '.')
	if dot <= 0 {
		return InvalidVersion, designator
	}
	prefix := designator[:dot]
	for i := 0; i < len(prefix); i++ {
		if prefix[i] < '0' || prefix[i] > '9' {
			return InvalidVersion, designator
		}
	}
	v, err := strconv.ParseUint(prefix, 10, 8)
	if err != nil || uint8(v) == InvalidVersion {
		return InvalidVersion, designator[dot+1:]
	}
	return uint8(v), designator[dot+1:]
}

// DesignatorVersion returns the version prefix of designator, or
// InvalidVersion when there is none.
func DesignatorVersion(designator string) uint8 {
	v, _ := splitVersion(designator)
	return v
}

// FullMethod strips the version prefix.
func FullMethod(designator string) string {
	_, rest := splitVersion(designator)
	return rest
}

// Callsign returns the designator between version and method. Callsigns may
// contain dots; the method is always the last segment.
func Callsign(designator string) string {
	rest := FullMethod(designator)
	if dot := strings.LastIndexByte(rest, '.'); dot >= 0 {
		return rest[:dot]
	}
	return ""
}

// Method returns the last designator segment.
func Method(designator string) string {
	if dot := strings.LastIndexByte(designator, '.'); dot >= 0 {
		return designator[dot+1:]
	}
	return designator
}

// VersionedFullCallsign returns the designator without its method.
func VersionedFullCallsign(designator string) string {
	if dot := strings.LastIndexByte(designator, '.'); dot >= 0 {
		return designator[:dot]
	}
	return ""
}
