package base

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/zllovesuki/chanmux/chmux"
	"github.com/zllovesuki/chanmux/codec"
)

// Receiver receives values of type T sent by a remote Sender.
type Receiver[T any] struct {
	mu    sync.Mutex
	raw   *chmux.Receiver
	codec codec.Codec

	held    *T
	waiting map[uint32]acceptEntry
	next    []byte
}

func NewReceiver[T any](raw *chmux.Receiver, c codec.Codec) *Receiver[T] {
	if c == nil {
		c = codec.Default
	}
	return &Receiver[T]{raw: raw, codec: c}
}

func (r *Receiver[T]) Codec() codec.Codec {
	return r.codec
}

// Recv returns the next value. ok is false with a nil error once the remote
// sender closed the channel. Context errors are returned unwrapped.
func (r *Receiver[T]) Recv(ctx context.Context) (value T, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for {
		if r.held != nil && len(r.waiting) == 0 {
			v := *r.held
			r.held = nil
			return v, true, nil
		}

		var data []byte
		if r.next != nil {
			data, r.next = r.next, nil
		} else {
			rcv, err := r.raw.RecvAny(ctx)
			switch {
			case errors.Is(err, io.EOF):
				if r.held != nil {
					r.dropHeld()
					return zero, false, &RecvError{Kind: RecvMissingPorts}
				}
				return zero, false, nil
			case isContextErr(err):
				return zero, false, err
			case err != nil:
				return zero, false, &RecvError{Kind: RecvReceive, Err: err}
			}
			if rcv.Requests != nil {
				r.dispatch(rcv.Requests)
				continue
			}
			data = rcv.Data
		}

		if r.held != nil {
			// a new message arrived before all ports of the held one
			r.next = data
			r.dropHeld()
			return zero, false, &RecvError{Kind: RecvMissingPorts}
		}

		var v T
		pd, err := deserialize(r.raw.Allocator(), r.codec, data, &v)
		if err != nil {
			pd.release()
			return zero, false, &RecvError{Kind: RecvDeserialize, Err: err}
		}
		if len(pd.entries) == 0 {
			return v, true, nil
		}
		r.held = &v
		r.waiting = pd.entries
	}
}

func (r *Receiver[T]) dispatch(reqs []*chmux.Request) {
	for _, req := range reqs {
		e, ok := r.waiting[req.RemotePort()]
		if !ok {
			req.Refuse()
			continue
		}
		delete(r.waiting, req.RemotePort())
		go e.cb(e.port, req)
	}
}

func (r *Receiver[T]) dropHeld() {
	for _, e := range r.waiting {
		e.port.Release()
	}
	r.waiting = nil
	r.held = nil
}

// Close stops receiving. The remote sender observes a closed channel.
func (r *Receiver[T]) Close() error {
	return r.raw.Close()
}
