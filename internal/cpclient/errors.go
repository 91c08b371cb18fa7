package cpclient

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/p4net/internal/cpproto"
)

var (
	// ErrNotFound is reported for operations on handles the runtime does
	// not know, such as deleting an entry twice.
	ErrNotFound = errors.New("control-plane entry not found")
	// ErrSessionClosed is returned by calls on a disconnected session.
	ErrSessionClosed = errors.New("control-plane session closed")
)

// ConnectErrorKind classifies connection failures.
type ConnectErrorKind int

const (
	// Refused means the endpoint was not reachable yet. Retryable.
	Refused ConnectErrorKind = iota + 1
	// ProtocolMismatch means the endpoint answered but does not speak a
	// compatible protocol. Not retryable.
	ProtocolMismatch
)

func (k ConnectErrorKind) String() string {
	switch k {
	case Refused:
		return "refused"
	case ProtocolMismatch:
		return "protocol mismatch"
	default:
		return "unknown"
	}
}

// ConnectError reports a failed connection to a runtime endpoint.
type ConnectError struct {
	Endpoint string
	Kind     ConnectErrorKind
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	msg := fmt.Sprintf("connect %s: %s", e.Endpoint, e.Kind)
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *ConnectError) Retryable() bool { return e.Kind == Refused }

// RuntimeError is a failure reported by the switch runtime. Code and
// Message are the runtime's own.
type RuntimeError struct {
	Op      cpproto.Op
	Code    int
	Message string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %s (%d): %s", e.Op, cpproto.CodeName(e.Code), e.Code, e.Message)
}

// Is matches ErrNotFound for unknown or expired handles.
func (e *RuntimeError) Is(target error) bool {
	if target != ErrNotFound {
		return false
	}
	return e.Code == cpproto.CodeInvalidHandle || e.Code == cpproto.CodeExpiredHandle
}
