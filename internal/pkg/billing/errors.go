package billing

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures at the billing boundary.
type ErrorKind string

const (
	KindUnauthenticated       ErrorKind = "unauthenticated"
	KindNotFound              ErrorKind = "not_found"
	KindConflict              ErrorKind = "conflict"
	KindInvalidInput          ErrorKind = "invalid_input"
	KindSignatureInvalid      ErrorKind = "signature_invalid"
	KindMalformedPayload      ErrorKind = "malformed_payload"
	KindUpstreamFailure       ErrorKind = "upstream_failure"
	KindReconciliationFailure ErrorKind = "reconciliation_failure"
	KindInternal              ErrorKind = "internal"
)

// Messages returned to API callers.
const (
	MsgUnauthorized        = "Unauthorized"
	MsgInvalidPlan         = "Invalid plan"
	MsgInvalidInterval     = "Invalid interval"
	MsgUserNotFound        = "User not found"
	MsgAlreadyActive       = "Already on an active plan. Manage it from billing settings."
	MsgCreateFailed        = "Failed to create subscription"
	MsgNoActiveSub         = "No active subscription found"
	MsgCancelFailed        = "Failed to cancel subscription"
	MsgReactivateFailed    = "Failed to reactivate"
	MsgInvalidSignature    = "Invalid signature"
	MsgInvalidJSON         = "Invalid JSON"
	MsgProcessingError     = "Processing error"
	MsgInternalServerError = "Internal server error"
)

// Error carries a kind, a caller-safe message and the underlying cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first billing error in the chain, or
// KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// PublicMessage returns the message that may be shown to API callers.
func PublicMessage(err error) string {
	var be *Error
	if errors.As(err, &be) && be.Message != "" {
		return be.Message
	}
	return MsgInternalServerError
}

// HTTPStatus maps an error kind to the response status. Reconciliation
// failures are acknowledged so the gateway does not redeliver.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalidInput, KindSignatureInvalid, KindMalformedPayload:
		return http.StatusBadRequest
	case KindReconciliationFailure:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
