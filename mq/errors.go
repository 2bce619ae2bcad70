package mq

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package matches exactly one of
// these with errors.Is.
var (
	// ErrAddress reports a malformed or unusable endpoint string.
	ErrAddress = errors.New("mq: invalid endpoint")
	// ErrResource reports a transport or OS resource failure.
	ErrResource = errors.New("mq: resource unavailable")
	// ErrState reports an operation that is invalid in the current lifecycle
	// or pattern state.
	ErrState = errors.New("mq: invalid state")
	// ErrWouldBlock reports that a non-blocking or timed operation could not
	// complete. The caller may retry.
	ErrWouldBlock = errors.New("mq: operation would block")
	// ErrClosed reports that a blocked call was interrupted by a close or
	// context termination.
	ErrClosed = errors.New("mq: socket closed")
	// ErrConfig reports an unknown option or an invalid option value.
	ErrConfig = errors.New("mq: invalid configuration")
	// ErrPoll reports a failure of the readiness wait.
	ErrPoll = errors.New("mq: poll failed")
)

// OpError describes a failed operation. Kind is one of the Err* sentinels,
// Err the underlying cause, if any.
type OpError struct {
	Op       string
	Endpoint string
	Kind     error
	Err      error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.Endpoint != "" {
		msg += " " + e.Endpoint
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind, cause error) error {
	return &OpError{Op: op, Kind: kind, Err: cause}
}

func opErrf(op string, kind error, format string, args ...any) error {
	return &OpError{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

func endpointErr(op, endpoint string, kind, cause error) error {
	return &OpError{Op: op, Endpoint: endpoint, Kind: kind, Err: cause}
}

// IsRetryable reports whether err is a would-block condition.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}

// IsClosed reports whether err was caused by a concurrent close or context
// termination.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
