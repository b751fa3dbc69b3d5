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

// Sender queues values for the receiver of its channel. Senders are cloned
// with Clone and each clone must be closed; the receiver sees the end of the
// channel once every sender is closed.
//
// Copies of a Sender value refer to the same handle.
type Sender[T any] struct {
	*senderState[T]
}

type senderState[T any] struct {
	mu     sync.Mutex
	sh     *shared[T]
	active sync.WaitGroup
	stop   chan struct{}
	codec  codec.Codec
	buffer int

	transit  bool
	closeReq bool
	moved    bool
	closed   bool
}

func newSender[T any](sh *shared[T], c codec.Codec, buffer int) *Sender[T] {
	return &Sender[T]{&senderState[T]{sh: sh, stop: make(chan struct{}), codec: c, buffer: buffer}}
}

// begin registers an operation on the underlying queue. The caller must
// call s.active.Done when it finishes.
func (s *Sender[T]) begin() (*shared[T], <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.moved || s.transit:
		return nil, nil, rch.ErrMoved
	case s.closed || s.sh == nil:
		return nil, nil, &SendError{Kind: SendClosed}
	}
	s.active.Add(1)
	return s.sh, s.stop, nil
}

// Send queues v, waiting for room in the queue. It fails once the receiver
// has been closed or dropped, or forwarding to a remote receiver failed.
func (s *Sender[T]) Send(ctx context.Context, v T) error {
	sh, stop, err := s.begin()
	if err != nil {
		return err
	}
	defer s.active.Done()

	if err := sh.sendable(); err != nil {
		return err
	}
	select {
	case sh.q.ch <- item[T]{value: v}:
		return nil
	case <-sh.closed.Ready():
	case <-sh.remoteErr.Ready():
	case <-sh.q.gone:
	case <-stop:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := sh.sendable(); err != nil {
		return err
	}
	return &SendError{Kind: SendClosed}
}

// TrySend queues v if there is room right now and returns ErrFull otherwise.
func (s *Sender[T]) TrySend(v T) error {
	sh, _, err := s.begin()
	if err != nil {
		return err
	}
	defer s.active.Done()

	if err := sh.sendable(); err != nil {
		return err
	}
	select {
	case sh.q.ch <- item[T]{value: v}:
		return nil
	default:
		return ErrFull
	}
}

// Clone returns another sender of the same channel. Cloning a closed or
// moved sender returns a closed one.
func (s *Sender[T]) Clone() *Sender[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := newSender(s.sh, s.codec, s.buffer)
	if s.sh == nil || s.closed || s.moved {
		c.sh = nil
		c.closed = true
		return c
	}
	s.sh.q.acquire()
	return c
}

// Close releases this sender. Pending sends on it return an error. Closing a
// sender while the message carrying it is being sent has no effect unless
// that send fails.
func (s *Sender[T]) Close() error {
	s.mu.Lock()
	if s.closed || s.moved {
		s.mu.Unlock()
		return nil
	}
	if s.transit {
		s.closeReq = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sh := s.sh
	s.sh = nil
	close(s.stop)
	s.mu.Unlock()

	s.active.Wait()
	if sh != nil {
		sh.q.release()
	}
	return nil
}

func (s *Sender[T]) current() *shared[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sh
}

// IsClosed reports whether the receiver has been closed or dropped.
func (s *Sender[T]) IsClosed() bool {
	sh := s.current()
	if sh == nil {
		return true
	}
	_, ok := sh.closed.Get()
	return ok
}

// Closed is closed once the receiver has been closed or dropped.
func (s *Sender[T]) Closed() <-chan struct{} {
	sh := s.current()
	if sh == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sh.closed.Ready()
}

// ClosedReason tells whether the receiver was closed or dropped.
func (s *Sender[T]) ClosedReason() (rch.ClosedReason, bool) {
	sh := s.current()
	if sh == nil {
		return rch.Dropped, true
	}
	return sh.closed.Get()
}

// Error returns the forwarding failure observed for this channel, if any.
func (s *Sender[T]) Error() error {
	sh := s.current()
	if sh == nil {
		return nil
	}
	if err, ok := sh.remoteErr.Get(); ok && err != nil {
		return err
	}
	return nil
}

// SetCodec selects the codec used for the port of this handle once it is
// sent. By default the codec of the carrying message is used.
func (s *Sender[T]) SetCodec(c codec.Codec) *Sender[T] {
	s.mu.Lock()
	s.codec = c
	s.mu.Unlock()
	return s
}

// SetBuffer sets the queue length of the remote half created when this
// handle is sent.
func (s *Sender[T]) SetBuffer(n int) *Sender[T] {
	if n <= 0 {
		panic("mpsc: buffer must be positive")
	}
	s.mu.Lock()
	s.buffer = n
	s.mu.Unlock()
	return s
}

func (s *Sender[T]) transport() (rch.Transported, error) {
	if s.senderState == nil {
		return rch.Transported{}, &SendError{Kind: SendClosed}
	}
	s.mu.Lock()
	switch {
	case s.moved:
		s.mu.Unlock()
		return rch.Transported{}, rch.ErrMoved
	case s.transit:
		s.mu.Unlock()
		return rch.Transported{}, rch.ErrInTransit
	case s.closed || s.sh == nil:
		s.mu.Unlock()
		return rch.Transported{}, &SendError{Kind: SendClosed}
	}
	s.transit = true
	c := s.codec
	if c == nil {
		c = base.EncodingCodec()
	}
	if c == nil {
		c = codec.Default
	}
	buffer := s.buffer
	s.mu.Unlock()

	port, err := base.Connect(func(connect base.Connector) {
		s.commit(connect, c)
	}, s.abort)
	if err != nil {
		s.abort()
		return rch.Transported{}, err
	}
	return rch.Transported{Port: port, Codec: c.ContentType(), Buffer: buffer}, nil
}

func (s *Sender[T]) abort() {
	s.mu.Lock()
	req := s.transit && s.closeReq
	s.transit = false
	s.closeReq = false
	s.mu.Unlock()
	if req {
		s.Close()
	}
}

// take moves the queue reference out of the handle.
func (s *Sender[T]) take() *shared[T] {
	s.mu.Lock()
	sh := s.sh
	s.sh = nil
	s.transit = false
	s.closeReq = false
	s.moved = true
	s.mu.Unlock()
	s.active.Wait()
	return sh
}

// commit runs after the message carrying the sender went out. Values from
// the remote sender are fed into the local queue.
func (s *Sender[T]) commit(connect base.Connector, c codec.Codec) {
	sh := s.take()
	tx, rx, err := connect(context.Background())
	if err != nil {
		profiler.ChannelForwards.WithLabelValues("mpsc", "connect_failed").Inc()
		sh.q.push(context.Background(), item[T]{err: &RecvError{Kind: RecvRemoteConnect, Err: err}})
		sh.q.release()
		return
	}
	recvImpl(sh, c, tx, rx)
}

func (s *Sender[T]) fromTransport(t rch.Transported) error {
	if s.senderState == nil {
		s.senderState = &senderState[T]{}
	}
	c := t.ChannelCodec(base.DecodingCodec())
	sh := newShared[T](t.BufferOr(rch.DefaultBuffer))
	err := base.Accept(t.Port, func(pn *chmux.PortNumber, req *chmux.Request) {
		tx, rx, err := req.AcceptFrom(pn)
		if err != nil {
			profiler.ChannelForwards.WithLabelValues("mpsc", "listen_failed").Inc()
			sh.remoteErr.Set(&rch.RemoteSendError{Kind: rch.RemoteListen, Err: err})
			return
		}
		sendImpl(sh, c, tx, rx)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sh = sh
	s.stop = make(chan struct{})
	s.codec = c
	s.buffer = t.Buffer
	s.mu.Unlock()
	return nil
}

func (s *Sender[T]) MarshalJSON() ([]byte, error) {
	t, err := s.transport()
	if err != nil {
		return nil, err
	}
	return t.EncodeJSON()
}

func (s *Sender[T]) UnmarshalJSON(b []byte) error {
	t, err := rch.DecodeJSON(b)
	if err != nil {
		return err
	}
	return s.fromTransport(t)
}

func (s *Sender[T]) MarshalCBOR() ([]byte, error) {
	t, err := s.transport()
	if err != nil {
		return nil, err
	}
	return t.EncodeCBOR()
}

func (s *Sender[T]) UnmarshalCBOR(b []byte) error {
	t, err := rch.DecodeCBOR(b)
	if err != nil {
		return err
	}
	return s.fromTransport(t)
}
