package devserver

import "fmt"

const (
	CodeValidation   = "validation"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal"
)

// Field carries field-level validation detail, mirrored into the error
// envelope the client normalizes from.
type Field struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Error struct {
	Code    string
	Message string
	Fields  []Field
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func statusForCode(code string) int {
	switch code {
	case CodeValidation:
		return 422
	case CodeUnauthorized:
		return 401
	case CodeNotFound:
		return 404
	case CodeConflict:
		return 409
	case CodeUnavailable:
		return 503
	default:
		return 500
	}
}

func newError(code, message string, fields ...Field) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Fields:  fields,
		Status:  statusForCode(code),
	}
}
