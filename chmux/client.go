package chmux

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zllovesuki/chanmux/profiler"

	"go.uber.org/zap"
)

type connectResult struct {
	tx  *Sender
	rx  *Receiver
	err error
}

// PendingConnect is an outstanding port request.
type PendingConnect struct {
	port   *PortNumber
	result chan connectResult

	mu        sync.Mutex
	abandoned bool
}

func newPendingConnect(pn *PortNumber) *PendingConnect {
	return &PendingConnect{
		port:   pn,
		result: make(chan connectResult, 1),
	}
}

// Port is the local port number the connection will use.
func (pc *PendingConnect) Port() uint32 {
	return pc.port.n
}

func (pc *PendingConnect) resolve(res connectResult) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.abandoned {
		if res.err == nil {
			res.tx.Close()
			res.rx.Close()
		}
		return
	}
	pc.result <- res
}

// Wait blocks until the peer answered the request. Giving up through ctx
// closes the port once the peer accepts it.
func (pc *PendingConnect) Wait(ctx context.Context) (*Sender, *Receiver, error) {
	select {
	case res := <-pc.result:
		return res.tx, res.rx, res.err
	case <-ctx.Done():
	}
	pc.mu.Lock()
	pc.abandoned = true
	select {
	case res := <-pc.result:
		pc.mu.Unlock()
		if res.err == nil {
			return res.tx, res.rx, nil
		}
		return nil, nil, res.err
	default:
	}
	pc.mu.Unlock()
	return nil, nil, &ConnectError{Err: ctx.Err()}
}

// Client opens ports through the multiplexer's global listener on the peer.
// Clients are reference counted: the multiplexer only becomes idle once every
// clone has been closed.
type Client struct {
	mux    *Multiplexer
	closed atomic.Bool
}

func (c *Client) Allocator() *Allocator {
	return c.mux.allocator
}

// Connect opens a new port. It fails with a *ConnectError.
func (c *Client) Connect(ctx context.Context) (*Sender, *Receiver, error) {
	if c.closed.Load() {
		return nil, nil, &ConnectError{Err: ErrClosed}
	}
	pn, err := c.mux.allocator.Allocate(ctx)
	if err != nil {
		return nil, nil, &ConnectError{Err: err}
	}
	pc, err := c.mux.addPending(pn)
	if err != nil {
		pn.Release()
		return nil, nil, &ConnectError{Err: err}
	}
	c.mux.queue(&message{Type: MessageOpen, Port: pn.n, Window: c.mux.config.ReceiveBuffer})
	tx, rx, err := pc.Wait(ctx)
	if err != nil {
		c.mux.logger.Debug("port connect failed", zap.Uint32("port", pn.n), zap.Error(err))
		profiler.ConnectStats.WithLabelValues("failed").Inc()
		return nil, nil, err
	}
	c.mux.logger.Debug("port connected", zap.Uint32("port", pn.n))
	profiler.ConnectStats.WithLabelValues("connected").Inc()
	return tx, rx, nil
}

// Clone returns a new reference to the same client.
func (c *Client) Clone() *Client {
	c.mux.mu.Lock()
	c.mux.clients++
	c.mux.mu.Unlock()
	return &Client{mux: c.mux}
}

func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mux.mu.Lock()
	c.mux.clients--
	left := c.mux.clients
	c.mux.mu.Unlock()
	c.mux.logger.Debug("client closed", zap.Int("remaining", left))
	c.mux.checkIdle()
	return nil
}
