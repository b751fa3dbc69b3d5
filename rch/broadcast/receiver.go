package broadcast

import (
	"context"

	"github.com/zllovesuki/chanmux/rch/mpsc"
)

// Receiver is one subscription. It can be sent to a remote endpoint like an
// mpsc receiver.
type Receiver[T any] struct {
	rx *mpsc.Receiver[Msg[T]]
}

// Recv returns the next value. ok is false once the sender was closed and
// every queued value has been received.
func (r *Receiver[T]) Recv(ctx context.Context) (value T, ok bool, err error) {
	msg, ok, err := r.rx.Recv(ctx)
	if err != nil || !ok {
		return value, false, err
	}
	if msg.Lagged {
		return value, false, ErrLagged
	}
	return msg.Value, true, nil
}

// Close stops the sender from delivering further values to this receiver.
func (r *Receiver[T]) Close() error {
	return r.rx.Close()
}

// Drop abandons the receiver.
func (r *Receiver[T]) Drop() {
	r.rx.Drop()
}

func (r *Receiver[T]) inner() *mpsc.Receiver[Msg[T]] {
	if r.rx == nil {
		r.rx = new(mpsc.Receiver[Msg[T]])
	}
	return r.rx
}

func (r *Receiver[T]) MarshalJSON() ([]byte, error) {
	return r.inner().MarshalJSON()
}

func (r *Receiver[T]) UnmarshalJSON(b []byte) error {
	return r.inner().UnmarshalJSON(b)
}

func (r *Receiver[T]) MarshalCBOR() ([]byte, error) {
	return r.inner().MarshalCBOR()
}

func (r *Receiver[T]) UnmarshalCBOR(b []byte) error {
	return r.inner().UnmarshalCBOR(b)
}
