package usecase

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"

	"qchat-gateway/internal/integrations/identitycenter"
	"qchat-gateway/internal/integrations/kmscrypt"
	"qchat-gateway/internal/repository"
)

type ErrorCode string

const (
	ErrorInvalidState           ErrorCode = "INVALID_STATE"
	ErrorNoSession              ErrorCode = "NO_SESSION"
	ErrorSessionExpired         ErrorCode = "SESSION_EXPIRED"
	ErrorInvalidIdentityContext ErrorCode = "INVALID_IDENTITY_CONTEXT"
	ErrorContextMismatch        ErrorCode = "CONTEXT_MISMATCH"
	ErrorDecryptionFailure      ErrorCode = "DECRYPTION_FAILURE"
	ErrorUpstream               ErrorCode = "UPSTREAM_ERROR"
	ErrorInvalidInput           ErrorCode = "INVALID_INPUT"
	ErrorInternal               ErrorCode = "INTERNAL_ERROR"
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

// CodeOf returns the code of a usecase error, or ErrorInternal for anything else.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorInternal
}

// NeedsSignIn reports whether err is recovered by starting a new session.
func NeedsSignIn(err error) bool {
	switch CodeOf(err) {
	case ErrorNoSession, ErrorSessionExpired:
		return true
	}
	return false
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

// classify maps a leaf error onto the taxonomy. fallback is used for errors
// the leaves do not type.
func classify(err error, reason string, fallback ErrorCode) *Error {
	switch {
	case errors.Is(err, repository.ErrInvalidState):
		return newError(ErrorInvalidState, reason, err)
	case errors.Is(err, repository.ErrNoSession):
		return newError(ErrorNoSession, reason, err)
	case errors.Is(err, kmscrypt.ErrContextMismatch):
		return newError(ErrorContextMismatch, reason, err)
	case errors.Is(err, kmscrypt.ErrDecryptionFailure):
		return newError(ErrorDecryptionFailure, reason, err)
	case errors.Is(err, identitycenter.ErrInvalidIdentityContext):
		return newError(ErrorInvalidIdentityContext, reason, err)
	}
	if _, ok := upstreamStatusCode(err); ok {
		return newError(ErrorUpstream, reason, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return newError(ErrorUpstream, reason+":"+apiErr.ErrorCode(), err)
	}
	return newError(fallback, reason, err)
}
