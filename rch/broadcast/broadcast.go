// Package broadcast implements a channel where every value is delivered to
// every subscribed receiver. A receiver that falls behind skips values and
// is told so once by ErrLagged; the other receivers are not slowed down.
package broadcast

import (
	"errors"
)

// ErrLagged is returned by Receiver.Recv once after the receiver missed
// values because its queue was full.
var ErrLagged = errors.New("receiver lagged behind and missed values")

// ErrClosed is returned by Send after the sender was closed.
var ErrClosed = errors.New("broadcast sender is closed")

// Msg is the wire message of a subscription: a value or a lag marker.
type Msg[T any] struct {
	Value  T    `json:"value,omitempty" cbor:"value,omitempty"`
	Lagged bool `json:"lagged,omitempty" cbor:"lagged,omitempty"`
}

// Channel creates a sender and its first receiver, whose queue holds
// sendBuffer values.
func Channel[T any](sendBuffer int) (*Sender[T], *Receiver[T]) {
	s := &Sender[T]{}
	return s, s.Subscribe(sendBuffer)
}
