package chmux

import (
	"context"
	"sync"
)

// dataSlots bounds the number of data frames waiting for the writer. Control
// frames are never bounded so the run loop cannot block on them.
const dataSlots = 8

type outFrame struct {
	typ  MessageType
	b    []byte
	data bool
}

// outQueue is the single ordered queue in front of the transport sink. Frames
// of one port leave in the order they were queued.
type outQueue struct {
	mu     sync.Mutex
	frames []outFrame
	signal chan struct{}
	slots  chan struct{}
}

func newOutQueue() *outQueue {
	return &outQueue{
		signal: make(chan struct{}, 1),
		slots:  make(chan struct{}, dataSlots),
	}
}

func (q *outQueue) push(f outFrame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pushData waits for a free data slot before queueing. The slot is returned
// by the writer once the frame has been written.
func (q *outQueue) pushData(ctx context.Context, done <-chan struct{}, b []byte) error {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrTerminated
	}
	q.push(outFrame{typ: MessageData, b: b, data: true})
	return nil
}

func (q *outQueue) pop() (outFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return outFrame{}, false
	}
	f := q.frames[0]
	q.frames[0] = outFrame{}
	q.frames = q.frames[1:]
	return f, true
}

func (q *outQueue) written(f outFrame) {
	if f.data {
		<-q.slots
	}
}
