package broadcast

import (
	"errors"
	"sync"

	"github.com/zllovesuki/chanmux/rch/mpsc"
)

type subscriber[T any] struct {
	tx     *mpsc.Sender[Msg[T]]
	lagged bool
}

// Sender delivers values to all subscribed receivers without waiting for
// any of them.
type Sender[T any] struct {
	mu     sync.Mutex
	subs   []*subscriber[T]
	closed bool
}

// Subscribe adds a receiver whose queue holds buffer values.
func (s *Sender[T]) Subscribe(buffer int) *Receiver[T] {
	tx, rx := mpsc.Channel[Msg[T]](buffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		tx.Close()
	} else {
		s.subs = append(s.subs, &subscriber[T]{tx: tx})
	}
	return &Receiver[T]{rx: rx}
}

// Send offers v to every receiver. Receivers whose queue is full miss it and
// receive a lag marker as soon as they have room again. Closed receivers are
// removed.
func (s *Sender[T]) Send(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	kept := s.subs[:0]
	for _, sub := range s.subs {
		if sub.deliver(v) {
			kept = append(kept, sub)
		} else {
			sub.tx.Close()
		}
	}
	for i := len(kept); i < len(s.subs); i++ {
		s.subs[i] = nil
	}
	s.subs = kept
	return nil
}

// deliver reports false when the subscriber is gone.
func (sub *subscriber[T]) deliver(v T) bool {
	if sub.lagged {
		switch err := sub.tx.TrySend(Msg[T]{Lagged: true}); {
		case err == nil:
			sub.lagged = false
		case errors.Is(err, mpsc.ErrFull):
			return true
		default:
			return false
		}
	}
	switch err := sub.tx.TrySend(Msg[T]{Value: v}); {
	case err == nil:
		return true
	case errors.Is(err, mpsc.ErrFull):
		sub.lagged = true
		return true
	default:
		return false
	}
}

// Len returns the number of receivers that have not been closed.
func (s *Sender[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if !sub.tx.IsClosed() {
			n++
		}
	}
	return n
}

// Close ends the channel. Receivers return the end of the stream after the
// values already queued for them.
func (s *Sender[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, sub := range s.subs {
		sub.tx.Close()
	}
	s.subs = nil
	return nil
}
