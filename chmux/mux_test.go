package chmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/zllovesuki/chanmux/transport"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type side struct {
	mux      *Multiplexer
	client   *Client
	listener *Listener
	result   chan error
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Logger = zap.NewNop()
	return cfg
}

func newSide(t *testing.T, ctx context.Context, cfg Config, tr transport.Transport) *side {
	m, c, l := New(cfg, tr, tr)
	s := &side{mux: m, client: c, listener: l, result: make(chan error, 1)}
	go func() {
		s.result <- m.Run(ctx)
	}()
	return s
}

func newPair(t *testing.T, cfg Config) (*side, *side) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a, b := transport.Pipe(16)
	return newSide(t, ctx, cfg, a), newSide(t, ctx, cfg, b)
}

func (s *side) wait(t *testing.T) error {
	select {
	case err := <-s.result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("multiplexer did not terminate")
		return nil
	}
}

func connectPair(t *testing.T, a, b *side) (*Sender, *Receiver, *Sender, *Receiver) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type accepted struct {
		tx  *Sender
		rx  *Receiver
		err error
	}
	ch := make(chan accepted, 1)
	go func() {
		req, err := b.listener.Accept(ctx)
		if err != nil {
			ch <- accepted{err: err}
			return
		}
		tx, rx, err := req.Accept(ctx)
		ch <- accepted{tx, rx, err}
	}()

	atx, arx, err := a.client.Connect(ctx)
	require.NoError(t, err)
	res := <-ch
	require.NoError(t, res.err)
	return atx, arx, res.tx, res.rx
}

func TestSendRecv(t *testing.T) {
	require := require.New(t)
	a, b := newPair(t, testConfig(t))
	atx, arx, btx, brx := connectPair(t, a, b)

	ctx := context.Background()
	require.NoError(atx.Send(ctx, []byte("hello")))
	require.NoError(btx.Send(ctx, []byte("world")))

	msg, err := brx.Recv(ctx)
	require.NoError(err)
	require.Equal([]byte("hello"), msg)

	msg, err = arx.Recv(ctx)
	require.NoError(err)
	require.Equal([]byte("world"), msg)

	require.NoError(atx.Send(ctx, nil))
	msg, err = brx.Recv(ctx)
	require.NoError(err)
	require.Empty(msg)
}

func TestLargeMessageIsChunked(t *testing.T) {
	require := require.New(t)
	cfg := testConfig(t)
	cfg.MaxFrameLength = 256
	cfg.ReceiveBuffer = 1024
	a, b := newPair(t, cfg)
	atx, _, _, brx := connectPair(t, a, b)

	payload := bytes.Repeat([]byte("0123456789"), 10000)
	done := make(chan error, 1)
	go func() {
		done <- atx.Send(context.Background(), payload)
	}()

	msg, err := brx.Recv(context.Background())
	require.NoError(err)
	require.Equal(payload, msg)
	require.NoError(<-done)
}

func TestSendWaitsForCredit(t *testing.T) {
	require := require.New(t)
	cfg := testConfig(t)
	cfg.MaxFrameLength = 1024
	cfg.ReceiveBuffer = 1024
	a, b := newPair(t, cfg)
	atx, _, _, brx := connectPair(t, a, b)

	require.NoError(atx.Send(context.Background(), make([]byte, 1000)))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := atx.Send(ctx, make([]byte, 100))
	require.ErrorIs(err, context.DeadlineExceeded)

	msg, err := brx.Recv(context.Background())
	require.NoError(err)
	require.Len(msg, 1000)

	require.NoError(atx.Send(context.Background(), []byte("more")))
	msg, err = brx.Recv(context.Background())
	require.NoError(err)
	require.Equal([]byte("more"), msg)
}

func TestMessageTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxMessageSize = 16
	a, b := newPair(t, cfg)
	atx, _, _, _ := connectPair(t, a, b)

	err := atx.Send(context.Background(), make([]byte, 17))
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestEOFAfterSendFinish(t *testing.T) {
	require := require.New(t)
	a, b := newPair(t, testConfig(t))
	atx, _, _, brx := connectPair(t, a, b)

	ctx := context.Background()
	require.NoError(atx.Send(ctx, []byte("last")))
	require.NoError(atx.Close())

	msg, err := brx.Recv(ctx)
	require.NoError(err)
	require.Equal([]byte("last"), msg)

	_, err = brx.Recv(ctx)
	require.ErrorIs(err, io.EOF)
	_, err = brx.Recv(ctx)
	require.ErrorIs(err, io.EOF)
}

func TestSendAfterRemoteReceiverClosed(t *testing.T) {
	a, b := newPair(t, testConfig(t))
	atx, _, _, brx := connectPair(t, a, b)

	require.NoError(t, brx.Close())
	require.Eventually(t, func() bool {
		return errors.Is(atx.Send(context.Background(), []byte("x")), ErrClosed)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConnectRejected(t *testing.T) {
	require := require.New(t)
	a, b := newPair(t, testConfig(t))

	go func() {
		req, err := b.listener.Accept(context.Background())
		if err == nil {
			req.Refuse()
		}
	}()
	_, _, err := a.client.Connect(context.Background())
	var ce *ConnectError
	require.ErrorAs(err, &ce)
	require.Equal(RejectRefused, ce.Reason)

	require.NoError(b.listener.Close())
	_, _, err = a.client.Connect(context.Background())
	require.ErrorAs(err, &ce)
	require.Equal(RejectNoListener, ce.Reason)

	_, err = b.listener.Accept(context.Background())
	require.ErrorIs(err, io.EOF)
}

func TestOpenPortsInBand(t *testing.T) {
	require := require.New(t)
	a, b := newPair(t, testConfig(t))
	atx, _, _, brx := connectPair(t, a, b)
	ctx := context.Background()

	pn, err := atx.Allocator().Allocate(ctx)
	require.NoError(err)

	require.NoError(atx.Send(ctx, []byte("before")))
	pending, err := atx.OpenPorts([]*PortNumber{pn})
	require.NoError(err)
	require.Len(pending, 1)
	require.Equal(pn.Number(), pending[0].Port())

	rcv, err := brx.RecvAny(ctx)
	require.NoError(err)
	require.Equal([]byte("before"), rcv.Data)

	rcv, err = brx.RecvAny(ctx)
	require.NoError(err)
	require.Len(rcv.Requests, 1)
	require.Equal(pn.Number(), rcv.Requests[0].RemotePort())

	ntx, nrx, err := rcv.Requests[0].Accept(ctx)
	require.NoError(err)

	ptx, prx, err := pending[0].Wait(ctx)
	require.NoError(err)

	require.NoError(ptx.Send(ctx, []byte("ping")))
	msg, err := nrx.Recv(ctx)
	require.NoError(err)
	require.Equal([]byte("ping"), msg)

	require.NoError(ntx.Send(ctx, []byte("pong")))
	msg, err = prx.Recv(ctx)
	require.NoError(err)
	require.Equal([]byte("pong"), msg)
}

func TestOpenPortsRejectedWhenReceiverClosed(t *testing.T) {
	require := require.New(t)
	a, b := newPair(t, testConfig(t))
	atx, _, _, brx := connectPair(t, a, b)
	ctx := context.Background()

	require.NoError(brx.Close())
	require.Eventually(func() bool {
		return errors.Is(atx.Send(ctx, []byte("x")), ErrClosed)
	}, 5*time.Second, 10*time.Millisecond)

	pn, err := atx.Allocator().Allocate(ctx)
	require.NoError(err)
	_, err = atx.OpenPorts([]*PortNumber{pn})
	require.ErrorIs(err, ErrClosed)
}

func TestGracefulShutdown(t *testing.T) {
	require := require.New(t)
	a, b := newPair(t, testConfig(t))
	atx, arx, btx, brx := connectPair(t, a, b)

	for _, c := range []io.Closer{atx, arx, btx, brx, a.client, b.client, a.listener, b.listener} {
		require.NoError(c.Close())
	}
	require.NoError(a.wait(t))
	require.NoError(b.wait(t))
}

func TestPortNumberReclaimed(t *testing.T) {
	require := require.New(t)
	cfg := testConfig(t)
	cfg.MaxPorts = 1
	a, b := newPair(t, cfg)
	atx, arx, btx, brx := connectPair(t, a, b)

	_, err := a.mux.Allocator().TryAllocate()
	require.ErrorIs(err, ErrNoPorts)

	require.NoError(atx.Close())
	require.NoError(arx.Close())
	require.NoError(btx.Close())
	require.NoError(brx.Close())

	require.Eventually(func() bool {
		pn, err := a.mux.Allocator().TryAllocate()
		if err != nil {
			return false
		}
		pn.Release()
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestContextCancelTerminates(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	ta, tb := transport.Pipe(16)
	a := newSide(t, ctx, testConfig(t), ta)
	b := newSide(t, context.Background(), testConfig(t), tb)
	atx, _, _, brx := connectPair(t, a, b)

	cancel()
	var me *Error
	require.ErrorAs(a.wait(t), &me)
	require.Equal(ErrorTerminated, me.Kind)

	require.ErrorAs(b.wait(t), &me)
	require.Equal(ErrorStreamClosed, me.Kind)

	require.ErrorIs(atx.Send(context.Background(), []byte("x")), ErrTerminated)
	_, err := brx.Recv(context.Background())
	require.ErrorIs(err, ErrTerminated)
}

func TestProtocolVersionMismatch(t *testing.T) {
	require := require.New(t)
	ta, tb := transport.Pipe(16)
	s := newSide(t, context.Background(), testConfig(t), ta)

	require.NoError(tb.WriteFrame((&message{Type: MessageHello, Version: 9}).Pack()))
	var me *Error
	require.ErrorAs(s.wait(t), &me)
	require.Equal(ErrorProtocol, me.Kind)
}

func TestDataForUnknownPort(t *testing.T) {
	require := require.New(t)
	ta, tb := transport.Pipe(16)
	s := newSide(t, context.Background(), testConfig(t), ta)

	require.NoError(tb.WriteFrame((&message{Type: MessageHello, Version: protocolVersion}).Pack()))
	require.NoError(tb.WriteFrame((&message{Type: MessageData, Port: 42, Flags: dataFlagFirst | dataFlagLast}).Pack()))
	var me *Error
	require.ErrorAs(s.wait(t), &me)
	require.Equal(ErrorProtocol, me.Kind)
}

func TestInvalidConfigPanics(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFrameLength = 10
	ta, _ := transport.Pipe(1)
	require.Panics(t, func() {
		New(cfg, ta, ta)
	})
}

func TestAllocator(t *testing.T) {
	require := require.New(t)
	a := newAllocator(2, zap.NewNop())

	p1, err := a.TryAllocate()
	require.NoError(err)
	p2, err := a.Allocate(context.Background())
	require.NoError(err)
	require.NotEqual(p1.Number(), p2.Number())

	_, err = a.TryAllocate()
	require.ErrorIs(err, ErrNoPorts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Allocate(ctx)
	require.ErrorIs(err, context.DeadlineExceeded)

	p1.Release()
	p1.Release()
	p3, err := a.TryAllocate()
	require.NoError(err)
	_, err = a.TryAllocate()
	require.ErrorIs(err, ErrNoPorts)
	p3.Release()
	p2.Release()
}
