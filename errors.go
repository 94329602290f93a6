package clusterdb

import (
	"fmt"
)

// ErrorCode classifies the errors returned by this package.
type ErrorCode string

const (
	// CodeConfig is returned when an entity descriptor, an option or a query
	// cannot be used.
	CodeConfig ErrorCode = "CONFIG"
	// CodeLockConflict is returned when a no-wait transaction hits a record
	// locked by another open transaction.
	CodeLockConflict ErrorCode = "LOCK_CONFLICT"
	// CodeTxClosed is returned when a committed or rolled back transaction is
	// used.
	CodeTxClosed ErrorCode = "TX_CLOSED"
	// CodeBlocked is returned when a write is attempted on a blocked
	// repository.
	CodeBlocked ErrorCode = "BLOCKED"
	// CodeInternal is returned when an I/O or codec operation fails.
	CodeInternal ErrorCode = "INTERNAL"
)

// Sentinel errors, one per code. Use errors.Is to test an error against them.
var (
	ErrConfig       = &Error{code: CodeConfig, message: "configuration error"}
	ErrLockConflict = &Error{code: CodeLockConflict, message: "record locked by another transaction"}
	ErrTxClosed     = &Error{code: CodeTxClosed, message: "transaction closed"}
	ErrBlocked      = &Error{code: CodeBlocked, message: "repository blocked"}
	ErrInternal     = &Error{code: CodeInternal, message: "internal error"}
)

// Error is the concrete error type returned by this package.
type Error struct {
	code       ErrorCode
	op         string
	message    string
	details    map[string]any
	wrappedErr error
}

func newError(code ErrorCode, op, message string) *Error {
	return &Error{code: code, op: op, message: message}
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.message
	if e.op != "" {
		msg = e.op + ": " + msg
	}
	if e.wrappedErr != nil {
		return fmt.Sprintf("clusterdb: %s: %v", msg, e.wrappedErr)
	}
	return "clusterdb: " + msg
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Op returns the operation that failed.
func (e *Error) Op() string {
	return e.op
}

// Details returns additional error details.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Is reports whether target is an *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code
}

func configError(op, message string) *Error {
	return newError(CodeConfig, op, message)
}

func internalError(op string, err error) *Error {
	return newError(CodeInternal, op, "internal error").Wrap(err)
}
