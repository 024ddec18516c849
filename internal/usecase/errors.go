package usecase

import (
	"context"
	"errors"
	"fmt"

	"relaychat/internal/domain"
)

type ErrorCode string

const (
	ErrorProviderNotConfigured ErrorCode = "PROVIDER_NOT_CONFIGURED"
	ErrorTransport             ErrorCode = "TRANSPORT_ERROR"
	ErrorUpstream              ErrorCode = "UPSTREAM_ERROR"
	ErrorInvalidInput          ErrorCode = "INVALID_INPUT"
	ErrorNotFound              ErrorCode = "NOT_FOUND"
	ErrorInternal              ErrorCode = "INTERNAL_ERROR"
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

// gatewayError classifies a model gateway failure. Anything the gateway did
// not mark as a transport failure is reported as an upstream failure.
func gatewayError(err error) *Error {
	switch {
	case errors.Is(err, domain.ErrTransport),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorTransport, "model_transport_error", err)
	case errors.Is(err, domain.ErrUpstream):
		return newError(ErrorUpstream, "model_upstream_error", err)
	default:
		return newError(ErrorUpstream, "model_error", err)
	}
}

func storeError(reason string, err error) *Error {
	if errors.Is(err, domain.ErrNotFound) {
		return newError(ErrorNotFound, "conversation_not_found", err)
	}
	return newError(ErrorInternal, reason, err)
}
