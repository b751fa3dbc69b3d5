package chmux

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when sending to a port whose remote receiver has
	// been closed, or when using a half that was closed locally.
	ErrClosed = errors.New("port is closed")
	// ErrTerminated is returned by port and client operations once the
	// multiplexer has stopped.
	ErrTerminated = errors.New("multiplexer terminated")
	// ErrMessageTooLarge is returned when a message exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	// ErrNoPorts is returned by TryAllocate when all port numbers are in use.
	ErrNoPorts = errors.New("no free port numbers")
)

type ErrorKind int

const (
	ErrorSinkFailed ErrorKind = iota + 1
	ErrorStreamFailed
	ErrorStreamClosed
	ErrorProtocol
	ErrorTerminated
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorSinkFailed:
		return "sending to transport failed"
	case ErrorStreamFailed:
		return "receiving from transport failed"
	case ErrorStreamClosed:
		return "transport closed unexpectedly"
	case ErrorProtocol:
		return "protocol violation"
	case ErrorTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Error is a failure of the whole multiplexer. It terminates Run and every
// port of that multiplexer.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chmux: %s", e.Kind)
	}
	return fmt.Sprintf("chmux: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func protocolError(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrorProtocol, Err: fmt.Errorf(format, args...)}
}

type RejectReason byte

const (
	RejectUnknown      RejectReason = iota // unknown
	RejectNoListener                       // no listener
	RejectRefused                          // refused
	RejectBacklog                          // backlog full
	RejectNotListening                     // port not listening
	RejectShutdown                         // shutting down
)

func (r RejectReason) String() string {
	switch r {
	case RejectNoListener:
		return "remote has no listener"
	case RejectRefused:
		return "remote refused the connection"
	case RejectBacklog:
		return "remote accept backlog is full"
	case RejectNotListening:
		return "remote port is not receiving"
	case RejectShutdown:
		return "remote is shutting down"
	default:
		return "rejected"
	}
}

// ConnectError is a failed attempt to open a port. It only affects the port
// being opened.
type ConnectError struct {
	// Reason is set when the remote endpoint rejected the request.
	Reason RejectReason
	// Err is set when the request failed locally.
	Err error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect failed: %v", e.Err)
	}
	return fmt.Sprintf("connect failed: %s", e.Reason)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ListenerError is a failure while waiting for or accepting a request.
type ListenerError struct {
	Err error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listen failed: %v", e.Err)
}

func (e *ListenerError) Unwrap() error {
	return e.Err
}
