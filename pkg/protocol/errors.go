package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes carried in ErrorShape.Code.
const (
	CodeAuth               = "AUTH_ERROR"
	CodeRateLimited        = "RATE_LIMITED"
	CodeForbidden          = "FORBIDDEN"
	CodeMalformedEvent     = "MALFORMED_EVENT"
	CodeCaptureUnavailable = "CAPTURE_UNAVAILABLE"
	CodeEncoderUnavailable = "ENCODER_UNAVAILABLE"
	CodeStreamTerminated   = "STREAM_TERMINATED"
	CodePortInUse          = "PORT_IN_USE"

	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeAlreadyExists  = "ALREADY_EXISTS"
	CodeInternal       = "INTERNAL"
)

// Error is a classified failure. Two errors match under errors.Is when their
// codes are equal, so callers compare against the sentinels below.
type Error struct {
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrAuth               = &Error{Code: CodeAuth}
	ErrRateLimited        = &Error{Code: CodeRateLimited}
	ErrForbidden          = &Error{Code: CodeForbidden}
	ErrMalformedEvent     = &Error{Code: CodeMalformedEvent}
	ErrCaptureUnavailable = &Error{Code: CodeCaptureUnavailable}
	ErrEncoderUnavailable = &Error{Code: CodeEncoderUnavailable}
	ErrStreamTerminated   = &Error{Code: CodeStreamTerminated}
	ErrPortInUse          = &Error{Code: CodePortInUse}
	ErrInvalidRequest     = &Error{Code: CodeInvalidRequest}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrAlreadyExists      = &Error{Code: CodeAlreadyExists}
	ErrInternal           = &Error{Code: CodeInternal}
)

// Errorf builds a classified error.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code, keeping it reachable through errors.Unwrap.
func Wrap(code string, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// RateLimited builds a RATE_LIMITED error carrying the retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Code: CodeRateLimited, Message: "too many attempts", RetryAfter: retryAfter}
}

// CodeOf returns the code of the first *Error in err's chain, or INTERNAL.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}

// ShapeOf converts err into its wire representation.
func ShapeOf(err error) *ErrorShape {
	var pe *Error
	if !errors.As(err, &pe) {
		return &ErrorShape{Code: CodeInternal, Message: err.Error()}
	}
	shape := &ErrorShape{Code: pe.Code, Message: pe.Message}
	if shape.Message == "" {
		shape.Message = pe.Error()
	}
	if pe.RetryAfter > 0 {
		shape.Retryable = true
		shape.RetryAfterMs = int(pe.RetryAfter / time.Millisecond)
	}
	return shape
}

// HTTPStatus maps an error code to the status the HTTP API answers with.
func HTTPStatus(code string) int {
	switch code {
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeForbidden:
		return http.StatusForbidden
	case CodeMalformedEvent, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeCaptureUnavailable, CodeEncoderUnavailable:
		return http.StatusServiceUnavailable
	case CodeStreamTerminated:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
