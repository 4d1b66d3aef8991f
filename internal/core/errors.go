package core

import "fmt"

// ErrorCode is the status of a plugin operation. It travels on the wire as
// the JSON-RPC error code, so values must stay stable.
type ErrorCode uint32

const (
	ErrorNone              ErrorCode = 0
	ErrorGeneral           ErrorCode = 1
	ErrorUnavailable       ErrorCode = 2
	ErrorAsync             ErrorCode = 3
	ErrorIllegalState      ErrorCode = 5
	ErrorTimedOut          ErrorCode = 11
	ErrorInProgress        ErrorCode = 12
	ErrorUnknownKey        ErrorCode = 22
	ErrorPrivilegedRequest ErrorCode = 24
	ErrorDuplicateKey      ErrorCode = 29
	ErrorBadRequest        ErrorCode = 30
	ErrorInvalidSignature  ErrorCode = 38
	ErrorIncorrectHandler  ErrorCode = 41
	ErrorIncorrectVersion  ErrorCode = 42
	ErrorInvalidParameter  ErrorCode = 43
	ErrorParse             ErrorCode = 44

	// ErrorNoResponse is returned by handlers that answer later (through
	// an event) instead of producing a response now.
	ErrorNoResponse ErrorCode = ^ErrorCode(0)
)

var errorText = map[ErrorCode]string{
	ErrorNone:              "ERROR_NONE",
	ErrorGeneral:           "ERROR_GENERAL",
	ErrorUnavailable:       "ERROR_UNAVAILABLE",
	ErrorAsync:             "ERROR_ASYNC_FAILED",
	ErrorIllegalState:      "ERROR_ILLEGAL_STATE",
	ErrorTimedOut:          "ERROR_TIMEDOUT",
	ErrorInProgress:        "ERROR_INPROGRESS",
	ErrorUnknownKey:        "ERROR_UNKNOWN_KEY",
	ErrorPrivilegedRequest: "ERROR_PRIVILIGED_REQUEST",
	ErrorDuplicateKey:      "ERROR_DUPLICATE_KEY",
	ErrorBadRequest:        "ERROR_BAD_REQUEST",
	ErrorInvalidSignature:  "ERROR_INVALID_SIGNATURE",
	ErrorIncorrectHandler:  "ERROR_INVALID_DESIGNATOR",
	ErrorIncorrectVersion:  "ERROR_INVALID_VERSION",
	ErrorInvalidParameter:  "ERROR_INVALID_PARAMETER",
	ErrorParse:             "ERROR_PARSE_FAILURE",
	ErrorNoResponse:        "ERROR_NO_RESPONSE",
}

var errorMessage = map[ErrorCode]string{
	ErrorGeneral:           "General failure",
	ErrorUnavailable:       "Requested service is not available",
	ErrorIllegalState:      "The service is in an illegal state",
	ErrorUnknownKey:        "Unknown method",
	ErrorPrivilegedRequest: "Request needs more privileges",
	ErrorDuplicateKey:      "Key already registered",
	ErrorBadRequest:        "Bad request",
	ErrorIncorrectHandler:  "Designator does not address this handler",
	ErrorIncorrectVersion:  "Requested version is not supported",
	ErrorInvalidParameter:  "Invalid parameters",
	ErrorParse:             "Message could not be parsed",
}

// ErrorToString returns the symbolic name of code.
func ErrorToString(code ErrorCode) string {
	if text, ok := errorText[code]; ok {
		return text
	}
	return fmt.Sprintf("ERROR_UNKNOWN_%d", uint32(code))
}

// ErrorToMessage returns a human readable description of code for
// JSON-RPC error objects.
func ErrorToMessage(code ErrorCode) string {
	if text, ok := errorMessage[code]; ok {
		return text
	}
	return ErrorToString(code)
}

// Error lets an ErrorCode be returned through Go error values.
func (code ErrorCode) Error() string {
	return ErrorToString(code)
}
