package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorKind_Retryable(t *testing.T) {
	retryable := []ErrorKind{KindTransient, KindRateLimited, KindInternalError}
	for _, kind := range retryable {
		if !kind.Retryable() {
			t.Errorf("Expected %s to be retryable", kind)
		}
	}

	nonRetryable := []ErrorKind{
		KindResourceExhausted,
		KindConfigurationError,
		KindPermissionDenied,
		KindInvalidInput,
		KindCancelled,
		KindNotFound,
		KindPreconditionFailed,
	}
	for _, kind := range nonRetryable {
		if kind.Retryable() {
			t.Errorf("Expected %s to not be retryable", kind)
		}
	}
}

func TestKindOf_Classified(t *testing.T) {
	err := NewError(KindRateLimited, "gateway_429", "too many dispatches")

	if got := KindOf(err); got != KindRateLimited {
		t.Errorf("Expected %s, got %s", KindRateLimited, got)
	}
	if got := CodeOf(err); got != "gateway_429" {
		t.Errorf("Expected code gateway_429, got %s", got)
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	inner := WrapError(KindTransient, "dial_failed", errors.New("connection refused"))
	outer := fmt.Errorf("dispatch run-1: %w", inner)

	if got := KindOf(outer); got != KindTransient {
		t.Errorf("Expected wrapped kind to survive, got %s", got)
	}
	if !IsRetryable(outer) {
		t.Error("Expected wrapped transient error to be retryable")
	}
}

func TestKindOf_Context(t *testing.T) {
	if got := KindOf(context.Canceled); got != KindCancelled {
		t.Errorf("Expected cancelled for context.Canceled, got %s", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTransient {
		t.Errorf("Expected transient for deadline exceeded, got %s", got)
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternalError {
		t.Errorf("Expected internal_error for plain errors, got %s", got)
	}
}

func TestErrVersionConflict(t *testing.T) {
	wrapped := fmt.Errorf("update run: %w", ErrVersionConflict)

	if !errors.Is(wrapped, ErrVersionConflict) {
		t.Error("Expected errors.Is to match the sentinel through wrapping")
	}
	if KindOf(wrapped) != KindPreconditionFailed {
		t.Errorf("Expected precondition_failed, got %s", KindOf(wrapped))
	}
}
