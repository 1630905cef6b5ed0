package acme

import (
	"errors"
	"fmt"
)

// Stable error codes. Callers branch on these instead of matching messages.
const (
	CodeConfiguration = "E_CONFIGURATION"
	CodeIO            = "E_IO"
	CodeNotFound      = "E_NOT_FOUND"
	CodeNotRenewable  = "E_NOT_RENEWABLE"
	CodeProtocol      = "E_PROTOCOL"
	CodeConcatenate   = "E_CONCATENATE"
)

// Sentinels for errors.Is. They match any *Error carrying the same code.
var (
	ErrConfiguration = &Error{Code: CodeConfiguration}
	ErrIO            = &Error{Code: CodeIO}
	ErrNotFound      = &Error{Code: CodeNotFound}
	ErrNotRenewable  = &Error{Code: CodeNotRenewable}
	ErrProtocol      = &Error{Code: CodeProtocol}
	ErrConcatenate   = &Error{Code: CodeConcatenate}
)

// Error is the error type returned by every operation of this package.
type Error struct {
	Code string // one of the Code* constants
	Op   string // operation that failed, e.g. "store challenge"
	Path string // filesystem path involved, if any
	Err  error  // underlying cause
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func configErrorf(format string, args ...any) error {
	return &Error{Code: CodeConfiguration, Err: fmt.Errorf(format, args...)}
}

func ioError(op, path string, err error) error {
	return &Error{Code: CodeIO, Op: op, Path: path, Err: err}
}

func notFoundError(op, path string, err error) error {
	return &Error{Code: CodeNotFound, Op: op, Path: path, Err: err}
}

func protocolError(op string, err error) error {
	return &Error{Code: CodeProtocol, Op: op, Err: err}
}
