package mpsc

import (
	"reflect"
	"sync"

	"github.com/zllovesuki/chanmux/rch"
)

type subscriber[T any] struct {
	tx *Sender[T]
	sh *shared[T]
}

func (s *subscriber[T]) open() bool {
	_, closed := s.sh.closed.Get()
	return !closed
}

// Distributor spreads the values of one receiver over its subscribers. Each
// value goes to exactly one open subscriber: first to the next subscriber in
// turn that has room, otherwise to whichever subscriber frees room first.
type Distributor[T any] struct {
	mu          sync.Mutex
	sh          *shared[T]
	subs        []*subscriber[T]
	next        int
	waitOnEmpty bool
	seen        bool

	changed   chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Distribute moves the receiver into a Distributor. When waitOnEmpty is
// false the distributor ends once its last subscriber is closed, and the
// channel's senders observe a dropped receiver; otherwise it waits for new
// subscribers.
func (r *Receiver[T]) Distribute(waitOnEmpty bool) *Distributor[T] {
	r.mu.Lock()
	sh := r.sh
	if !r.moved && !r.dropped && sh != nil && !r.transit {
		r.sh = nil
		r.moved = true
		close(r.moving)
	} else {
		sh = nil
	}
	r.mu.Unlock()

	d := &Distributor[T]{
		sh:          sh,
		waitOnEmpty: waitOnEmpty,
		changed:     make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	if sh == nil {
		d.err = ErrClosed
		close(d.done)
		return d
	}
	// wait for a Recv that started before
	r.recvMu.Lock()
	r.recvMu.Unlock()
	go d.run()
	return d
}

// Subscribe adds a subscriber whose queue holds buffer values. Subscribing
// to a finished distributor returns an ended receiver.
func (d *Distributor[T]) Subscribe(buffer int) *Receiver[T] {
	tx, rx := Channel[T](buffer)
	select {
	case <-d.done:
		tx.Close()
		return rx
	default:
	}

	d.mu.Lock()
	d.subs = append(d.subs, &subscriber[T]{tx: tx, sh: tx.current()})
	d.seen = true
	d.mu.Unlock()
	d.notify()

	go func() {
		select {
		case <-tx.Closed():
			d.notify()
		case <-d.done:
		}
	}()
	return rx
}

func (d *Distributor[T]) notify() {
	select {
	case d.changed <- struct{}{}:
	default:
	}
}

// Close stops the distributor. Subscribers receive the end of their channel
// and the senders of the upstream channel observe a dropped receiver.
func (d *Distributor[T]) Close() {
	d.closeOnce.Do(func() {
		close(d.closeCh)
	})
}

// Done is closed once the distributor has stopped.
func (d *Distributor[T]) Done() <-chan struct{} {
	return d.done
}

// Err returns the final error of the upstream channel after Done is closed.
func (d *Distributor[T]) Err() error {
	<-d.done
	return d.err
}

// prune removes closed subscribers. It reports false when the distributor
// should stop because no subscriber remains.
func (d *Distributor[T]) prune() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.subs[:0]
	for _, s := range d.subs {
		if s.open() {
			kept = append(kept, s)
		} else {
			s.tx.Close()
		}
	}
	for i := len(kept); i < len(d.subs); i++ {
		d.subs[i] = nil
	}
	d.subs = kept
	if d.next >= len(d.subs) {
		d.next = 0
	}
	return len(d.subs) > 0 || d.waitOnEmpty || !d.seen
}

func (d *Distributor[T]) snapshot() []*subscriber[T] {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*subscriber[T](nil), d.subs...)
}

func (d *Distributor[T]) run() {
	defer func() {
		d.mu.Lock()
		subs := d.subs
		d.subs = nil
		d.mu.Unlock()
		for _, s := range subs {
			s.tx.Close()
		}
		d.sh.closed.SetOnce(rch.Dropped)
		d.sh.q.drop()
		close(d.done)
	}()

	for {
		var it item[T]
		var open bool
		select {
		case it, open = <-d.sh.q.ch:
		case <-d.changed:
			if !d.prune() {
				return
			}
			continue
		case <-d.closeCh:
			return
		}
		if !open {
			return
		}
		if it.err != nil {
			if it.err.IsFinal() {
				if d.err == nil {
					d.err = it.err
				}
			}
			continue
		}
		if !d.deliver(it) {
			return
		}
	}
}

// deliver hands it to one subscriber. It reports false when the distributor
// should stop.
func (d *Distributor[T]) deliver(it item[T]) bool {
	for {
		if !d.prune() {
			return false
		}
		subs := d.snapshot()

		d.mu.Lock()
		start := d.next
		d.mu.Unlock()
		for i := range subs {
			idx := (start + i) % len(subs)
			s := subs[idx]
			if !s.open() {
				continue
			}
			if s.sh.q.offer(it) {
				d.mu.Lock()
				d.next = idx + 1
				d.mu.Unlock()
				return true
			}
		}

		// Every subscriber is full, wait for room or for a change. The
		// subscribers cannot be dropped while their queue is a candidate,
		// a drop announces itself through changed first.
		cases := make([]reflect.SelectCase, 0, len(subs)+2)
		cases = append(cases,
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(d.changed)},
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(d.closeCh)},
		)
		targets := make([]int, 0, len(subs))
		for i, s := range subs {
			s.sh.q.dropMu.Lock()
			if s.sh.q.isGone() || !s.open() {
				s.sh.q.dropMu.Unlock()
				continue
			}
			targets = append(targets, i)
			cases = append(cases, reflect.SelectCase{
				Dir:  reflect.SelectSend,
				Chan: reflect.ValueOf(s.sh.q.ch),
				Send: reflect.ValueOf(it),
			})
		}
		chosen, _, _ := reflect.Select(cases)
		for _, i := range targets {
			subs[i].sh.q.dropMu.Unlock()
		}
		switch chosen {
		case 0:
			continue
		case 1:
			return false
		default:
			d.mu.Lock()
			d.next = targets[chosen-2] + 1
			d.mu.Unlock()
			return true
		}
	}
}
