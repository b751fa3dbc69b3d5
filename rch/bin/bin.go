// Package bin implements a raw binary channel over a single multiplexer
// port.
//
// A channel is established by sending either half to a remote endpoint; at
// least one half must leave the process before data can flow. When both
// halves are sent, possibly to different endpoints, the process in between
// forwards the data.
package bin

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/zllovesuki/chanmux/chmux"
	"github.com/zllovesuki/chanmux/profiler"
	"github.com/zllovesuki/chanmux/rch"

	"go.uber.org/zap"
)

// Channel creates an unconnected pair.
func Channel() (*Sender, *Receiver) {
	l := newLink(rch.NewInterlock())
	return &Sender{&senderState{link: l}}, &Receiver{&receiverState{link: l}}
}

// link is shared by the two halves of a pair in this process. Each side
// learns its raw port half from whichever half establishes the port.
type link struct {
	interlock *rch.Interlock

	mu       sync.Mutex
	tx       *chmux.Sender
	txErr    error
	txReady  chan struct{}
	txClosed bool
	rx       *chmux.Receiver
	rxErr    error
	rxReady  chan struct{}
	rxClosed bool
}

func newLink(il *rch.Interlock) *link {
	return &link{
		interlock: il,
		txReady:   make(chan struct{}),
		rxReady:   make(chan struct{}),
	}
}

func (l *link) setTx(tx *chmux.Sender, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.txClosed && tx != nil {
		tx.Close()
		tx = nil
	}
	select {
	case <-l.txReady:
		if tx != nil {
			tx.Close()
		}
		return
	default:
	}
	l.tx, l.txErr = tx, err
	close(l.txReady)
}

func (l *link) setRx(rx *chmux.Receiver, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rxClosed && rx != nil {
		rx.Close()
		rx = nil
	}
	select {
	case <-l.rxReady:
		if rx != nil {
			rx.Close()
		}
		return
	default:
	}
	l.rx, l.rxErr = rx, err
	close(l.rxReady)
}

func (l *link) waitTx(ctx context.Context) (*chmux.Sender, error) {
	select {
	case <-l.txReady:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tx == nil && l.txErr == nil {
		return nil, chmux.ErrClosed
	}
	return l.tx, l.txErr
}

func (l *link) waitRx(ctx context.Context) (*chmux.Receiver, error) {
	select {
	case <-l.rxReady:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rx == nil && l.rxErr == nil {
		return nil, io.EOF
	}
	return l.rx, l.rxErr
}

func (l *link) closeTx() {
	l.mu.Lock()
	l.txClosed = true
	tx := l.tx
	l.mu.Unlock()
	if tx != nil {
		tx.Close()
	}
}

func (l *link) closeRx() {
	l.mu.Lock()
	l.rxClosed = true
	rx := l.rx
	l.mu.Unlock()
	if rx != nil {
		rx.Close()
	}
}

// forward copies messages from one port to another until either end stops.
func forward(logger *zap.Logger, from *chmux.Receiver, to *chmux.Sender) {
	defer from.Close()
	defer to.Close()
	ctx := context.Background()
	for {
		msg, err := from.Recv(ctx)
		switch {
		case errors.Is(err, io.EOF):
			profiler.ChannelForwards.WithLabelValues("bin", "finished").Inc()
			return
		case err != nil:
			logger.Debug("forwarding source failed", zap.Error(err))
			profiler.ChannelForwards.WithLabelValues("bin", "failed").Inc()
			return
		}
		if err := to.Send(ctx, msg); err != nil {
			if !errors.Is(err, chmux.ErrClosed) {
				logger.Debug("forwarding target failed", zap.Error(err))
			}
			profiler.ChannelForwards.WithLabelValues("bin", "dropped").Inc()
			return
		}
	}
}
