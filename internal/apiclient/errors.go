package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// Error kinds. Every failure that leaves this package is exactly one of
// these; raw transport errors never escape.
const (
	KindNetwork    = "network"    // no response received
	KindTimeout    = "timeout"    // request exceeded deadline
	KindValidation = "validation" // 4xx other than 401
	KindAuth       = "auth"       // 401, triggers re-authentication
	KindServer     = "server"     // 5xx
	KindUnknown    = "unknown"    // anything uncategorized
)

// FieldError carries field-level validation detail from a 4xx response.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the normalized failure shape surfaced to callers.
type Error struct {
	Kind      string
	Status    int
	Message   string
	Retryable bool
	Fields    []FieldError
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// AsError extracts a normalized *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsConnectivity reports whether err is a network- or timeout-kind failure,
// the class of errors the offline queue absorbs.
func IsConnectivity(err error) bool {
	ae, ok := AsError(err)
	if !ok {
		return false
	}
	return ae.Kind == KindNetwork || ae.Kind == KindTimeout
}

// errorBody matches the backend's error envelope. Unknown fields are
// ignored so the wire format can grow.
type errorBody struct {
	Error struct {
		Code    string       `json:"code"`
		Message string       `json:"message"`
		Fields  []FieldError `json:"fields"`
	} `json:"error"`
}

// normalizeTransport maps a transport-level failure (no HTTP response) to
// a normalized Error.
func normalizeTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: err.Error(), Retryable: true}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return &Error{Kind: KindTimeout, Message: err.Error(), Retryable: true}
		}
		return &Error{Kind: KindNetwork, Message: err.Error(), Retryable: true}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindUnknown, Message: err.Error(), Retryable: false}
	}
	// *url.Error wrapping connection failures unwraps to net.Error above;
	// anything else with no response is still a connectivity failure.
	return &Error{Kind: KindNetwork, Message: err.Error(), Retryable: true}
}

// normalizeStatus maps an HTTP status and response body to a normalized
// Error.
func normalizeStatus(status int, body []byte) *Error {
	msg := ""
	var fields []FieldError
	var eb errorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		msg = eb.Error.Message
		fields = eb.Error.Fields
	}
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", status)
	}

	switch {
	case status == 401:
		return &Error{Kind: KindAuth, Status: status, Message: msg, Retryable: false}
	case status >= 400 && status < 500:
		return &Error{Kind: KindValidation, Status: status, Message: msg, Retryable: false, Fields: fields}
	case status >= 500:
		return &Error{Kind: KindServer, Status: status, Message: msg, Retryable: true}
	default:
		return &Error{Kind: KindUnknown, Status: status, Message: msg, Retryable: false}
	}
}

// errNoToken builds the fail-fast error used when no session token exists.
func errNoToken(err error) *Error {
	return &Error{Kind: KindAuth, Message: "no active session: " + err.Error(), Retryable: false}
}
