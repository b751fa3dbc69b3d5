package mpsc

import (
	"errors"
	"fmt"

	"github.com/zllovesuki/chanmux/rch"
	"github.com/zllovesuki/chanmux/rch/base"
)

var (
	// ErrEmpty is returned by TryRecv when no value is queued but senders
	// remain.
	ErrEmpty = errors.New("channel is empty")
	// ErrClosed is returned by TryRecv once all senders are gone and the
	// queue is drained.
	ErrClosed = errors.New("channel is closed")
	// ErrFull is returned by TrySend when the queue has no free slot.
	ErrFull = errors.New("channel is full")
)

type RecvErrorKind int

const (
	RecvRemoteReceive RecvErrorKind = iota + 1
	RecvRemoteConnect
	RecvRemoteListen
)

// RecvError is a failure carried through the local queue of a receiver.
type RecvError struct {
	Kind RecvErrorKind
	Err  error
}

func (e *RecvError) Error() string {
	switch e.Kind {
	case RecvRemoteReceive:
		return fmt.Sprintf("receive error: %v", e.Err)
	case RecvRemoteConnect:
		return fmt.Sprintf("connect error: %v", e.Err)
	case RecvRemoteListen:
		return fmt.Sprintf("listen error: %v", e.Err)
	default:
		return fmt.Sprintf("mpsc error: %v", e.Err)
	}
}

func (e *RecvError) Unwrap() error {
	return e.Err
}

// IsFinal reports whether no further value can arrive from the failed
// source.
func (e *RecvError) IsFinal() bool {
	if e.Kind != RecvRemoteReceive {
		return true
	}
	var be *base.RecvError
	if errors.As(e.Err, &be) {
		return be.IsFinal()
	}
	return true
}

type SendErrorKind int

const (
	// SendClosed means the receiver has been closed or dropped.
	SendClosed SendErrorKind = iota + 1
	// SendRemote means forwarding to the remote endpoint failed.
	SendRemote
)

type SendError struct {
	Kind SendErrorKind
	Err  error
}

func (e *SendError) Error() string {
	if e.Kind == SendClosed {
		return "channel receiver is closed"
	}
	return fmt.Sprintf("remote send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

func (e *SendError) IsClosed() bool {
	return e.Kind == SendClosed
}

func (e *SendError) IsFinal() bool {
	if e.Kind == SendClosed {
		return true
	}
	var rse *rch.RemoteSendError
	if errors.As(e.Err, &rse) && rse.Kind == rch.RemoteSend {
		var be *base.SendError
		if errors.As(rse.Err, &be) {
			return be.IsFinal()
		}
	}
	return true
}
