package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when operating on a client after Close.
	ErrClosed = errors.New("orderlink: broker client is closed")

	// ErrHandlerRequired is returned when subscribing without a handler.
	ErrHandlerRequired = errors.New("orderlink: handler function is required")

	// ErrQueueRequired is returned when subscribing without a queue name.
	ErrQueueRequired = errors.New("orderlink: queue name is required")

	// ErrBindingRequired is returned when subscribing without bindings.
	ErrBindingRequired = errors.New("orderlink: at least one binding is required")
)

// UnprocessableEventError marks a message that retrying cannot fix: malformed
// payload, missing required ids. The dispatcher acknowledges and drops it
// with a warning instead of requeueing.
type UnprocessableEventError struct {
	Reason string
	Err    error
}

func (e *UnprocessableEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unprocessable event: %s: %v", e.Reason, e.Err)
	}
	return "unprocessable event: " + e.Reason
}

func (e *UnprocessableEventError) Unwrap() error { return e.Err }

// Unprocessable wraps err as an UnprocessableEventError.
func Unprocessable(reason string, err error) error {
	return &UnprocessableEventError{Reason: reason, Err: err}
}

// DownstreamUnavailableError marks a transient failure: the external system a
// handler depends on was unreachable at send time. The dispatcher
// negative-acknowledges the message so it is requeued and redelivered.
type DownstreamUnavailableError struct {
	System string
	Err    error
}

func (e *DownstreamUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("downstream %s unavailable: %v", e.System, e.Err)
	}
	return "downstream " + e.System + " unavailable"
}

func (e *DownstreamUnavailableError) Unwrap() error { return e.Err }

// DownstreamUnavailable wraps err as a DownstreamUnavailableError.
func DownstreamUnavailable(system string, err error) error {
	return &DownstreamUnavailableError{System: system, Err: err}
}

// ErrorCategory classifies handler failures for metrics and logs.
type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// Classify maps a handler error onto its category.
func Classify(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var unprocessable *UnprocessableEventError
	if errors.As(err, &unprocessable) {
		return ErrorCategoryValidation
	}
	var downstream *DownstreamUnavailableError
	if errors.As(err, &downstream) {
		return ErrorCategoryDownstream
	}
	return ErrorCategoryOther
}
