package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry and reporting decisions.
// The scheduler is the only component that turns a kind into a retry.
type ErrorKind string

const (
	KindTransient          ErrorKind = "transient"
	KindRateLimited        ErrorKind = "rate_limited"
	KindResourceExhausted  ErrorKind = "resource_exhausted"
	KindConfigurationError ErrorKind = "configuration_error"
	KindPermissionDenied   ErrorKind = "permission_denied"
	KindInvalidInput       ErrorKind = "invalid_input"
	KindInternalError      ErrorKind = "internal_error"
	KindCancelled          ErrorKind = "cancelled"
	KindNotFound           ErrorKind = "not_found"
	KindPreconditionFailed ErrorKind = "precondition_failed"
)

// Retryable returns true for kinds eligible for automatic retry
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited || k == KindInternalError
}

// ClassifiedError tags a failure with a kind and a stable error code.
// Code is what user-facing surfaces show; Message is human-readable.
type ClassifiedError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *ClassifiedError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	return msg
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewError creates a classified error with a stable code
func NewError(kind ErrorKind, code, message string) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Code: code, Message: message}
}

// WrapError classifies an underlying error
func WrapError(kind ErrorKind, code string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Code: code, Err: err}
}

// KindOf extracts the classification of an error, unwrapping as
// needed. Context cancellation maps to Cancelled, deadline expiry to
// Transient, everything unclassified to InternalError.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternalError
}

// CodeOf returns the stable error code, or the kind when none was set
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	return string(KindOf(err))
}

// IsRetryable reports whether the error's kind permits automatic retry
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// ErrVersionConflict is returned by store writes when the optimistic
// version check fails. Callers reload and reapply.
var ErrVersionConflict = NewError(KindPreconditionFailed, "version_conflict", "row version changed since read")
