package usecase

import (
	"context"
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrorInvalidQuestion   ErrorCode = "INVALID_QUESTION"
	ErrorPermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrorRetrievalTimeout  ErrorCode = "RETRIEVAL_TIMEOUT"
	ErrorRetrieval         ErrorCode = "RETRIEVAL_ERROR"
	ErrorSearchCircuitOpen ErrorCode = "SEARCH_CIRCUIT_OPEN"
	ErrorGeneration        ErrorCode = "GENERATION_ERROR"
	ErrorPersistence       ErrorCode = "PERSISTENCE_ERROR"
	ErrorCacheCorruption   ErrorCode = "CACHE_CORRUPTION"
	ErrorCanceled          ErrorCode = "CANCELED"
	ErrorInternal          ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// asError converts any error into an *Error, classifying context errors as
// cancellation.
func asError(err error) *Error {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorCanceled, "request_canceled", err)
	}
	return newError(ErrorInternal, "unexpected_error", err)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
