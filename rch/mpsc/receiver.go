package mpsc

import (
	"context"
	"sync"

	"github.com/zllovesuki/chanmux/chmux"
	"github.com/zllovesuki/chanmux/codec"
	"github.com/zllovesuki/chanmux/profiler"
	"github.com/zllovesuki/chanmux/rch"
	"github.com/zllovesuki/chanmux/rch/base"
)

// Receiver takes values from the queue of its channel. Copies of a Receiver
// value refer to the same handle.
type Receiver[T any] struct {
	*receiverState[T]
}

type receiverState[T any] struct {
	mu       sync.Mutex
	recvMu   sync.Mutex
	sh       *shared[T]
	codec    codec.Codec
	buffer   int
	isClosed bool
	finalErr *RecvError
	moving   chan struct{}

	transit bool
	dropReq bool
	moved   bool
	dropped bool
}

func newReceiver[T any](sh *shared[T], c codec.Codec, buffer int) *Receiver[T] {
	return &Receiver[T]{&receiverState[T]{sh: sh, codec: c, buffer: buffer, moving: make(chan struct{})}}
}

func (r *Receiver[T]) state() (*shared[T], bool, <-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.moved || r.transit:
		return nil, false, nil, rch.ErrMoved
	case r.dropped || r.sh == nil:
		return nil, false, nil, ErrClosed
	}
	return r.sh, r.isClosed, r.moving, nil
}

// Recv returns the next value. ok is false with a nil error once every
// sender is gone and the queue is drained, or once the receiver was closed
// and nothing is queued anymore. A final error reported by a forwarding
// task is held back until the values queued before it have been returned.
func (r *Receiver[T]) Recv(ctx context.Context) (value T, ok bool, err error) {
	r.recvMu.Lock()
	defer r.recvMu.Unlock()

	sh, closed, moving, err := r.state()
	if err != nil {
		return value, false, err
	}
	for {
		var it item[T]
		var open bool
		if closed {
			select {
			case it, open = <-sh.q.ch:
			default:
				return value, false, r.takeFinal()
			}
		} else {
			select {
			case it, open = <-sh.q.ch:
			case <-sh.closed.Ready():
				// closed while waiting, drain what is left
				closed = true
				continue
			case <-moving:
				return value, false, rch.ErrMoved
			case <-ctx.Done():
				return value, false, ctx.Err()
			}
		}
		if !open {
			return value, false, r.takeFinal()
		}
		if it.err != nil {
			if it.err.IsFinal() {
				r.holdFinal(it.err)
				continue
			}
			return value, false, it.err
		}
		return it.value, true, nil
	}
}

// BlockingRecv is Recv without a deadline.
func (r *Receiver[T]) BlockingRecv() (T, bool, error) {
	return r.Recv(context.Background())
}

// TryRecv returns a queued value without waiting. It returns ErrEmpty when
// nothing is queued and ErrClosed when the channel has ended.
func (r *Receiver[T]) TryRecv() (T, error) {
	r.recvMu.Lock()
	defer r.recvMu.Unlock()

	var zero T
	sh, closed, _, err := r.state()
	if err != nil {
		return zero, err
	}
	for {
		select {
		case it, open := <-sh.q.ch:
			if !open {
				if err := r.takeFinal(); err != nil {
					return zero, err
				}
				return zero, ErrClosed
			}
			if it.err != nil {
				if it.err.IsFinal() {
					r.holdFinal(it.err)
					continue
				}
				return zero, it.err
			}
			return it.value, nil
		default:
			if closed {
				return zero, ErrClosed
			}
			return zero, ErrEmpty
		}
	}
}

func (r *Receiver[T]) holdFinal(err *RecvError) {
	r.mu.Lock()
	if r.finalErr == nil {
		r.finalErr = err
	}
	r.mu.Unlock()
}

func (r *Receiver[T]) takeFinal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalErr == nil {
		return nil
	}
	err := r.finalErr
	r.finalErr = nil
	return err
}

// Error returns the held back final error without clearing it.
func (r *Receiver[T]) Error() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalErr == nil {
		return nil
	}
	return r.finalErr
}

// TakeError returns and clears the held back final error.
func (r *Receiver[T]) TakeError() error {
	return r.takeFinal()
}

// Close stops senders from queueing more values. Values already queued can
// still be received.
func (r *Receiver[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosed || r.moved || r.dropped || r.sh == nil {
		return nil
	}
	r.isClosed = true
	r.sh.closed.SetOnce(rch.Closed)
	return nil
}

// Drop abandons the receiver. Queued values are discarded and senders
// observe a dropped channel.
func (r *Receiver[T]) Drop() {
	r.mu.Lock()
	if r.moved || r.dropped || r.sh == nil {
		r.mu.Unlock()
		return
	}
	if r.transit {
		r.dropReq = true
		r.mu.Unlock()
		return
	}
	sh := r.sh
	r.sh = nil
	r.dropped = true
	r.mu.Unlock()

	sh.closed.SetOnce(rch.Dropped)
	sh.q.drop()
}

// SetCodec selects the codec used for the port of this handle once it is
// sent.
func (r *Receiver[T]) SetCodec(c codec.Codec) *Receiver[T] {
	r.mu.Lock()
	r.codec = c
	r.mu.Unlock()
	return r
}

// SetBuffer sets the queue length of the remote half created when this
// handle is sent.
func (r *Receiver[T]) SetBuffer(n int) *Receiver[T] {
	if n <= 0 {
		panic("mpsc: buffer must be positive")
	}
	r.mu.Lock()
	r.buffer = n
	r.mu.Unlock()
	return r
}

func (r *Receiver[T]) transport() (rch.Transported, error) {
	if r.receiverState == nil {
		return rch.Transported{}, ErrClosed
	}
	r.mu.Lock()
	switch {
	case r.moved:
		r.mu.Unlock()
		return rch.Transported{}, rch.ErrMoved
	case r.transit:
		r.mu.Unlock()
		return rch.Transported{}, rch.ErrInTransit
	case r.dropped || r.sh == nil:
		r.mu.Unlock()
		return rch.Transported{}, ErrClosed
	}
	r.transit = true
	c := r.codec
	if c == nil {
		c = base.EncodingCodec()
	}
	if c == nil {
		c = codec.Default
	}
	t := rch.Transported{Closed: r.isClosed, Codec: c.ContentType(), Buffer: r.buffer}
	r.mu.Unlock()

	port, err := base.Connect(func(connect base.Connector) {
		r.commit(connect, c)
	}, r.abort)
	if err != nil {
		r.abort()
		return rch.Transported{}, err
	}
	t.Port = port
	return t, nil
}

func (r *Receiver[T]) abort() {
	r.mu.Lock()
	req := r.transit && r.dropReq
	r.transit = false
	r.dropReq = false
	r.mu.Unlock()
	if req {
		r.Drop()
	}
}

// commit runs after the message carrying the receiver went out. Values
// queued locally are forwarded to the remote receiver.
func (r *Receiver[T]) commit(connect base.Connector, c codec.Codec) {
	r.mu.Lock()
	sh := r.sh
	r.sh = nil
	r.transit = false
	r.dropReq = false
	r.moved = true
	close(r.moving)
	r.mu.Unlock()

	// wait for a Recv that started before the handle was sent
	r.recvMu.Lock()
	r.recvMu.Unlock()

	tx, rx, err := connect(context.Background())
	if err != nil {
		profiler.ChannelForwards.WithLabelValues("mpsc", "connect_failed").Inc()
		sh.remoteErr.Set(&rch.RemoteSendError{Kind: rch.RemoteConnect, Err: err})
		return
	}
	sendImpl(sh, c, tx, rx)
}

func (r *Receiver[T]) fromTransport(t rch.Transported) error {
	if r.receiverState == nil {
		r.receiverState = &receiverState[T]{}
	}
	c := t.ChannelCodec(base.DecodingCodec())
	sh := newShared[T](t.BufferOr(rch.DefaultBuffer))
	if t.Closed {
		sh.closed.SetOnce(rch.Closed)
	}
	err := base.Accept(t.Port, func(pn *chmux.PortNumber, req *chmux.Request) {
		tx, rx, err := req.AcceptFrom(pn)
		if err != nil {
			profiler.ChannelForwards.WithLabelValues("mpsc", "listen_failed").Inc()
			sh.q.push(context.Background(), item[T]{err: &RecvError{Kind: RecvRemoteListen, Err: err}})
			sh.q.release()
			return
		}
		recvImpl(sh, c, tx, rx)
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sh = sh
	r.moving = make(chan struct{})
	r.codec = c
	r.buffer = t.Buffer
	r.isClosed = t.Closed
	r.mu.Unlock()
	return nil
}

func (r *Receiver[T]) MarshalJSON() ([]byte, error) {
	t, err := r.transport()
	if err != nil {
		return nil, err
	}
	return t.EncodeJSON()
}

func (r *Receiver[T]) UnmarshalJSON(b []byte) error {
	t, err := rch.DecodeJSON(b)
	if err != nil {
		return err
	}
	return r.fromTransport(t)
}

func (r *Receiver[T]) MarshalCBOR() ([]byte, error) {
	t, err := r.transport()
	if err != nil {
		return nil, err
	}
	return t.EncodeCBOR()
}

func (r *Receiver[T]) UnmarshalCBOR(b []byte) error {
	t, err := rch.DecodeCBOR(b)
	if err != nil {
		return err
	}
	return r.fromTransport(t)
}
