package bin

import (
	"context"
	"io"
	"sync"

	"github.com/zllovesuki/chanmux/chmux"
	"github.com/zllovesuki/chanmux/rch"
	"github.com/zllovesuki/chanmux/rch/base"

	"go.uber.org/zap"
)

// Receiver is the receiving half of a binary channel. Copies of a Receiver
// value refer to the same half.
type Receiver struct {
	*receiverState
}

type receiverState struct {
	recvMu sync.Mutex
	mu     sync.Mutex
	link   *link
	moved  bool
	closed bool
}

func (r *Receiver) ready() (*link, error) {
	if r.receiverState == nil {
		return nil, io.EOF
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.moved:
		return nil, rch.ErrMoved
	case r.closed || r.link == nil:
		return nil, io.EOF
	}
	return r.link, nil
}

// Recv returns the next message, or io.EOF once the sender finished.
func (r *Receiver) Recv(ctx context.Context) ([]byte, error) {
	if r.receiverState == nil {
		return nil, io.EOF
	}
	r.recvMu.Lock()
	defer r.recvMu.Unlock()
	l, err := r.ready()
	if err != nil {
		return nil, err
	}
	rx, err := l.waitRx(ctx)
	if err != nil {
		return nil, err
	}
	return rx.Recv(ctx)
}

// Close stops receiving. The sender observes chmux.ErrClosed.
func (r *Receiver) Close() error {
	if r.receiverState == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed || r.moved || r.link == nil {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	l := r.link
	r.mu.Unlock()
	l.closeRx()
	return nil
}

func (r *Receiver) transport() (rch.Transported, error) {
	if _, err := r.ready(); err != nil {
		return rch.Transported{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.link
	otherLocal, err := l.interlock.Claim(rch.ReceiverSide)
	if err != nil {
		return rch.Transported{}, rch.ErrMoved
	}
	port, err := base.Connect(func(connect base.Connector) {
		commitReceiver(l, otherLocal, connect)
	}, r.abort)
	if err != nil {
		l.interlock.Release(rch.ReceiverSide)
		return rch.Transported{}, err
	}
	r.moved = true
	return rch.Transported{Port: port}, nil
}

func (r *Receiver) abort() {
	r.mu.Lock()
	r.moved = false
	l := r.link
	r.mu.Unlock()
	l.interlock.Release(rch.ReceiverSide)
}

func commitReceiver(l *link, otherLocal bool, connect base.Connector) {
	tx, rx, err := connect(context.Background())
	if otherLocal {
		// the local sender writes to the new port
		if err != nil {
			l.setTx(nil, err)
			return
		}
		rx.Close()
		l.setTx(tx, nil)
		return
	}
	if err != nil {
		return
	}
	own, err := l.waitRx(context.Background())
	if err != nil {
		tx.Logger().Debug("binary channel had no port to forward from", zap.Error(err))
		tx.Close()
		rx.Close()
		return
	}
	rx.Close()
	forward(tx.Logger(), own, tx)
}

func (r *Receiver) fromTransport(t rch.Transported) error {
	l := newLink(rch.NewInterlockFrom(rch.Sent, rch.Local))
	err := base.Accept(t.Port, func(pn *chmux.PortNumber, req *chmux.Request) {
		tx, rx, err := req.AcceptFrom(pn)
		if err != nil {
			l.setRx(nil, err)
			return
		}
		tx.Close()
		l.setRx(rx, nil)
	})
	if err != nil {
		return err
	}
	if r.receiverState == nil {
		r.receiverState = &receiverState{}
	}
	r.mu.Lock()
	r.link = l
	r.mu.Unlock()
	return nil
}

func (r *Receiver) MarshalJSON() ([]byte, error) {
	t, err := r.transport()
	if err != nil {
		return nil, err
	}
	return t.EncodeJSON()
}

func (r *Receiver) UnmarshalJSON(b []byte) error {
	t, err := rch.DecodeJSON(b)
	if err != nil {
		return err
	}
	return r.fromTransport(t)
}

func (r *Receiver) MarshalCBOR() ([]byte, error) {
	t, err := r.transport()
	if err != nil {
		return nil, err
	}
	return t.EncodeCBOR()
}

func (r *Receiver) UnmarshalCBOR(b []byte) error {
	t, err := rch.DecodeCBOR(b)
	if err != nil {
		return err
	}
	return r.fromTransport(t)
}
