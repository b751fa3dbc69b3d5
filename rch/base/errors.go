package base

import (
	"context"
	"errors"
	"fmt"

	"github.com/zllovesuki/chanmux/chmux"
)

type SendErrorKind int

const (
	// SendSerialize means the value could not be encoded.
	SendSerialize SendErrorKind = iota + 1
	// SendSend means the encoded message could not be sent over the port.
	SendSend
	// SendPorts means the ports of handles inside the value could not be
	// requested.
	SendPorts
)

func (k SendErrorKind) String() string {
	switch k {
	case SendSerialize:
		return "serialization"
	case SendSend:
		return "send"
	case SendPorts:
		return "port connect"
	default:
		return "unknown"
	}
}

type SendError struct {
	Kind SendErrorKind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsFinal reports whether no further send on the same channel can succeed.
func (e *SendError) IsFinal() bool {
	switch e.Kind {
	case SendSerialize:
		return false
	case SendSend:
		return !errors.Is(e.Err, chmux.ErrMessageTooLarge) && !isContextErr(e.Err)
	default:
		return true
	}
}

// IsClosed reports whether the remote receiver has been closed.
func (e *SendError) IsClosed() bool {
	return errors.Is(e.Err, chmux.ErrClosed)
}

type RecvErrorKind int

const (
	// RecvReceive means receiving from the port failed.
	RecvReceive RecvErrorKind = iota + 1
	// RecvDeserialize means a message could not be decoded.
	RecvDeserialize
	// RecvMissingPorts means a message announced handles whose port
	// requests never arrived.
	RecvMissingPorts
)

func (k RecvErrorKind) String() string {
	switch k {
	case RecvReceive:
		return "receive"
	case RecvDeserialize:
		return "deserialization"
	case RecvMissingPorts:
		return "missing port requests"
	default:
		return "unknown"
	}
}

type RecvError struct {
	Kind RecvErrorKind
	Err  error
}

func (e *RecvError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed", e.Kind)
	}
	return fmt.Sprintf("%s failed: %v", e.Kind, e.Err)
}

func (e *RecvError) Unwrap() error {
	return e.Err
}

func (e *RecvError) IsFinal() bool {
	switch e.Kind {
	case RecvDeserialize:
		return false
	case RecvReceive:
		return !errors.Is(e.Err, chmux.ErrMessageTooLarge)
	default:
		return true
	}
}

type ConnectErrorKind int

const (
	ConnectConnect ConnectErrorKind = iota + 1
	ConnectListen
)

// ConnectError is returned when the initial channel pair cannot be opened.
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Kind == ConnectListen {
		return fmt.Sprintf("accepting channel failed: %v", e.Err)
	}
	return fmt.Sprintf("connecting channel failed: %v", e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
