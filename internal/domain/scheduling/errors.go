package scheduling

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of scheduling failure. Codes are stable and
// part of the API contract.
type ErrorCode string

const (
	CodeValidation           ErrorCode = "VALIDATION_ERROR"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeForbidden            ErrorCode = "FORBIDDEN"
	CodeProviderUnavailable  ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeAppointmentConflict  ErrorCode = "APPOINTMENT_CONFLICT"
	CodeAvailabilityOverlap  ErrorCode = "AVAILABILITY_OVERLAP"
	CodeExistingAppointments ErrorCode = "EXISTING_APPOINTMENTS"
	CodeInvalidStatusChange  ErrorCode = "INVALID_STATUS_CHANGE"

	// CodeInternal is the transport-level fallback for errors outside the
	// domain taxonomy. Services never return it directly.
	CodeInternal ErrorCode = "INTERNAL"
)

// Error is a domain failure with a stable code. The HTTP layer translates
// codes to status codes; everything else travels as an opaque 500.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func ErrValidation(format string, args ...any) *Error {
	return newError(CodeValidation, format, args...)
}

func ErrNotFound(format string, args ...any) *Error {
	return newError(CodeNotFound, format, args...)
}

func ErrForbidden(format string, args ...any) *Error {
	return newError(CodeForbidden, format, args...)
}

func ErrProviderUnavailable(format string, args ...any) *Error {
	return newError(CodeProviderUnavailable, format, args...)
}

func ErrAppointmentConflict(format string, args ...any) *Error {
	return newError(CodeAppointmentConflict, format, args...)
}

func ErrAvailabilityOverlap(format string, args ...any) *Error {
	return newError(CodeAvailabilityOverlap, format, args...)
}

func ErrExistingAppointments(format string, args ...any) *Error {
	return newError(CodeExistingAppointments, format, args...)
}

func ErrInvalidStatusChange(format string, args ...any) *Error {
	return newError(CodeInvalidStatusChange, format, args...)
}

// CodeOf extracts the domain error code from err, unwrapping as needed.
// It returns "" for errors outside the taxonomy.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
