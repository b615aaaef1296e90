// Package errors carries the broker's semantic error taxonomy. Codes are
// deliberately transport-agnostic; the HTTP adapter maps them to status
// codes at the edge.
package errors

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	// ErrorNoSandboxesAvailable is expected under pool exhaustion or heavy
	// contention; retryable after tens of seconds.
	ErrorNoSandboxesAvailable = ErrorCode("NoSandboxesAvailable")
	// ErrorNotOwner covers absent records, non-allocated records and
	// ownership mismatches; not retryable.
	ErrorNotOwner = ErrorCode("NotOwner")
	// ErrorAllocationExpired means the client raced the expiry safety net;
	// the client must re-allocate.
	ErrorAllocationExpired = ErrorCode("AllocationExpired")
	// ErrorCircuitOpen is surfaced from loop metrics only, never on the
	// client hot path.
	ErrorCircuitOpen       = ErrorCode("CircuitOpen")
	ErrorStoreUnavailable  = ErrorCode("StoreUnavailable")
	ErrorUpstreamTransient = ErrorCode("UpstreamTransient")
	ErrorNotFound          = ErrorCode("NotFound")
	ErrorBadRequest        = ErrorCode("BadRequest")
	ErrorInternal          = ErrorCode("Internal")
	ErrorUnknown           = ErrorCode("Unknown")
)

type Error struct {
	Code    ErrorCode
	Message string
}

func (t *Error) Error() string {
	return fmt.Sprintf("%s: %s", t.Code, t.Message)
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

func Newf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetErrCode extracts the code from err, ErrorUnknown when err is not ours.
func GetErrCode(err error) ErrorCode {
	var innerErr = &Error{}
	ok := errors.As(err, &innerErr)
	if !ok {
		return ErrorUnknown
	}
	return innerErr.Code
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrCode(err) == code
}
