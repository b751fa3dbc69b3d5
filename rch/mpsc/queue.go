package mpsc

import (
	"context"
	"sync"

	"github.com/zllovesuki/chanmux/rch"
)

type item[T any] struct {
	value T
	err   *RecvError
}

// queue is the local buffer of one channel. Every writer holds a reference
// and the channel is closed when the last one is released.
type queue[T any] struct {
	ch       chan item[T]
	mu       sync.Mutex
	refs     int
	gone     chan struct{}
	goneOnce sync.Once
	// dropMu orders drop against offer
	dropMu sync.Mutex
}

func newQueue[T any](buffer int) *queue[T] {
	return &queue[T]{
		ch:   make(chan item[T], buffer),
		refs: 1,
		gone: make(chan struct{}),
	}
}

// acquire must only be called by a holder of a reference.
func (q *queue[T]) acquire() {
	q.mu.Lock()
	q.refs++
	q.mu.Unlock()
}

func (q *queue[T]) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refs--
	if q.refs == 0 {
		close(q.ch)
	}
}

// drop marks the reading side as gone.
func (q *queue[T]) drop() {
	q.dropMu.Lock()
	defer q.dropMu.Unlock()
	q.goneOnce.Do(func() {
		close(q.gone)
	})
}

func (q *queue[T]) isGone() bool {
	select {
	case <-q.gone:
		return true
	default:
		return false
	}
}

// offer queues it if there is room and the reading side has not gone away.
func (q *queue[T]) offer(it item[T]) bool {
	q.dropMu.Lock()
	defer q.dropMu.Unlock()
	if q.isGone() {
		return false
	}
	select {
	case q.ch <- it:
		return true
	default:
		return false
	}
}

// push blocks until there is room for it. It reports false when the reading
// side went away or ctx is done first.
func (q *queue[T]) push(ctx context.Context, it item[T]) bool {
	select {
	case q.ch <- it:
		return true
	case <-q.gone:
		return false
	case <-ctx.Done():
		return false
	}
}

// shared is the state common to every local handle of one channel.
type shared[T any] struct {
	q         *queue[T]
	closed    *rch.Watch[rch.ClosedReason]
	remoteErr *rch.Watch[*rch.RemoteSendError]
}

func newShared[T any](buffer int) *shared[T] {
	return &shared[T]{
		q:         newQueue[T](buffer),
		closed:    rch.NewWatch[rch.ClosedReason](),
		remoteErr: rch.NewWatch[*rch.RemoteSendError](),
	}
}

// sendable returns the error a sender observes before queueing a value.
func (sh *shared[T]) sendable() error {
	if err, ok := sh.remoteErr.Get(); ok && err != nil {
		return &SendError{Kind: SendRemote, Err: err}
	}
	if _, ok := sh.closed.Get(); ok {
		return &SendError{Kind: SendClosed}
	}
	return nil
}
