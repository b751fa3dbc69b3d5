package bin

import (
	"context"
	"sync"

	"github.com/zllovesuki/chanmux/chmux"
	"github.com/zllovesuki/chanmux/rch"
	"github.com/zllovesuki/chanmux/rch/base"

	"go.uber.org/zap"
)

// Sender is the sending half of a binary channel. Copies of a Sender value
// refer to the same half.
type Sender struct {
	*senderState
}

type senderState struct {
	sendMu sync.Mutex
	mu     sync.Mutex
	link   *link
	moved  bool
	closed bool
}

func (s *Sender) ready() (*link, error) {
	if s.senderState == nil {
		return nil, chmux.ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.moved:
		return nil, rch.ErrMoved
	case s.closed || s.link == nil:
		return nil, chmux.ErrClosed
	}
	return s.link, nil
}

// Send transmits data as one message. It waits until the channel has been
// established.
func (s *Sender) Send(ctx context.Context, data []byte) error {
	if s.senderState == nil {
		return chmux.ErrClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	l, err := s.ready()
	if err != nil {
		return err
	}
	tx, err := l.waitTx(ctx)
	if err != nil {
		return err
	}
	return tx.Send(ctx, data)
}

// Close finishes the channel. The receiver gets io.EOF after the data
// already sent.
func (s *Sender) Close() error {
	if s.senderState == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed || s.moved || s.link == nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.link
	s.mu.Unlock()
	l.closeTx()
	return nil
}

func (s *Sender) transport() (rch.Transported, error) {
	if _, err := s.ready(); err != nil {
		return rch.Transported{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.link
	otherLocal, err := l.interlock.Claim(rch.SenderSide)
	if err != nil {
		return rch.Transported{}, rch.ErrMoved
	}
	port, err := base.Connect(func(connect base.Connector) {
		commitSender(l, otherLocal, connect)
	}, s.abort)
	if err != nil {
		l.interlock.Release(rch.SenderSide)
		return rch.Transported{}, err
	}
	s.moved = true
	return rch.Transported{Port: port}, nil
}

func (s *Sender) abort() {
	s.mu.Lock()
	s.moved = false
	l := s.link
	s.mu.Unlock()
	l.interlock.Release(rch.SenderSide)
}

func commitSender(l *link, otherLocal bool, connect base.Connector) {
	tx, rx, err := connect(context.Background())
	if otherLocal {
		// the local receiver reads from the new port
		if err != nil {
			l.setRx(nil, err)
			return
		}
		tx.Close()
		l.setRx(rx, nil)
		return
	}
	if err != nil {
		return
	}
	own, err := l.waitTx(context.Background())
	if err != nil {
		rx.Logger().Debug("binary channel had no port to forward to", zap.Error(err))
		tx.Close()
		rx.Close()
		return
	}
	tx.Close()
	forward(rx.Logger(), rx, own)
}

func (s *Sender) fromTransport(t rch.Transported) error {
	l := newLink(rch.NewInterlockFrom(rch.Local, rch.Sent))
	err := base.Accept(t.Port, func(pn *chmux.PortNumber, req *chmux.Request) {
		tx, rx, err := req.AcceptFrom(pn)
		if err != nil {
			l.setTx(nil, err)
			return
		}
		rx.Close()
		l.setTx(tx, nil)
	})
	if err != nil {
		return err
	}
	if s.senderState == nil {
		s.senderState = &senderState{}
	}
	s.mu.Lock()
	s.link = l
	s.mu.Unlock()
	return nil
}

func (s *Sender) MarshalJSON() ([]byte, error) {
	t, err := s.transport()
	if err != nil {
		return nil, err
	}
	return t.EncodeJSON()
}

func (s *Sender) UnmarshalJSON(b []byte) error {
	t, err := rch.DecodeJSON(b)
	if err != nil {
		return err
	}
	return s.fromTransport(t)
}

func (s *Sender) MarshalCBOR() ([]byte, error) {
	t, err := s.transport()
	if err != nil {
		return nil, err
	}
	return t.EncodeCBOR()
}

func (s *Sender) UnmarshalCBOR(b []byte) error {
	t, err := rch.DecodeCBOR(b)
	if err != nil {
		return err
	}
	return s.fromTransport(t)
}
