package types

import "errors"

// Error codes surfaced to HTTP responses and WebSocket replyTo errors.
const (
	CodeInvalidInput = 400
	CodeUnauthorized = 401
	CodeNotFound     = 404
	CodeStorage      = 500
)

// Error is the typed error carried across the pipeline surface.
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return e.Msg
}

// NewError creates a typed pipeline error.
func NewError(code int, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// CodeOf extracts the error code from err, defaulting to 500 for errors
// that did not originate at the pipeline surface.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStorage
}

// AsError converts err into a typed Error, wrapping foreign errors as
// storage failures so internals never leak to callers.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeStorage, Msg: "storage failure"}
}
