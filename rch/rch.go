// Package rch holds the types shared by the remote channel kinds.
//
// A remote channel is established by sending one of its halves inside a
// value over an existing channel. The half that is sent registers a port
// connection that resolves after the surrounding message went out, while
// the receiving side accepts that port once the message arrived.
package rch

import (
	"errors"
	"fmt"
)

// DefaultBuffer is the local queue length of a handle whose sender did not
// ask for a specific one.
const DefaultBuffer = 2

// Backchannel messages a forwarding receiver sends to its sender.
const (
	BackchannelClose byte = 0x01
	BackchannelError byte = 0x02
)

var (
	// ErrMoved is returned by operations on a handle that has been sent to
	// a remote endpoint.
	ErrMoved = errors.New("channel handle has been sent to a remote endpoint")
	// ErrInTransit is returned when a handle is serialized while another
	// serialization of it has not completed.
	ErrInTransit = errors.New("channel handle is already being sent")
)

type ClosedReason int

const (
	// Closed means the receiver was closed explicitly.
	Closed ClosedReason = iota + 1
	// Dropped means the receiver was abandoned or its connection is gone.
	Dropped
)

func (r ClosedReason) String() string {
	switch r {
	case Closed:
		return "closed"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

type RemoteSendErrorKind int

const (
	// RemoteSend means forwarding a value over the port failed.
	RemoteSend RemoteSendErrorKind = iota + 1
	// RemoteConnect means the port of a sent half could not be connected.
	RemoteConnect
	// RemoteListen means the port of a received half could not be accepted.
	RemoteListen
	// RemoteForward means a forwarding hop further down the chain failed.
	RemoteForward
)

func (k RemoteSendErrorKind) String() string {
	switch k {
	case RemoteSend:
		return "send"
	case RemoteConnect:
		return "connect"
	case RemoteListen:
		return "listen"
	case RemoteForward:
		return "forward"
	default:
		return "unknown"
	}
}

// RemoteSendError is a failure observed by the forwarding side of a channel.
// It is final unless it wraps a send failure that is not.
type RemoteSendError struct {
	Kind RemoteSendErrorKind
	Err  error
}

func (e *RemoteSendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remote %s failed", e.Kind)
	}
	return fmt.Sprintf("remote %s failed: %v", e.Kind, e.Err)
}

func (e *RemoteSendError) Unwrap() error {
	return e.Err
}

func (e *RemoteSendError) IsFinal() bool {
	var f interface{ IsFinal() bool }
	if e.Kind == RemoteSend && errors.As(e.Err, &f) {
		return f.IsFinal()
	}
	return true
}
