package chmux

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Request is a port request from the peer. It must be accepted or refused.
type Request struct {
	mux        *Multiplexer
	remotePort uint32
	window     uint32
	handled    atomic.Bool
}

// RemotePort is the peer's port number of the requested connection.
func (r *Request) RemotePort() uint32 {
	return r.remotePort
}

// Accept allocates a local port number and accepts the request.
func (r *Request) Accept(ctx context.Context) (*Sender, *Receiver, error) {
	pn, err := r.mux.allocator.Allocate(ctx)
	if err != nil {
		r.reject(RejectRefused)
		return nil, nil, &ListenerError{Err: err}
	}
	return r.AcceptFrom(pn)
}

// AcceptFrom accepts the request using an already allocated port number.
func (r *Request) AcceptFrom(pn *PortNumber) (*Sender, *Receiver, error) {
	if !r.handled.CompareAndSwap(false, true) {
		pn.Release()
		return nil, nil, &ListenerError{Err: errors.New("request already handled")}
	}
	defer r.mux.requestDone()

	p, err := r.mux.acceptPort(pn, r.remotePort, r.window)
	if err != nil {
		r.mux.logger.Debug("accepting port request failed", zap.Uint32("remote", r.remotePort), zap.Error(err))
		pn.Release()
		return nil, nil, &ListenerError{Err: err}
	}
	return &Sender{p: p}, &Receiver{p: p}, nil
}

func (r *Request) Refuse() {
	r.reject(RejectRefused)
}

func (r *Request) reject(reason RejectReason) {
	if !r.handled.CompareAndSwap(false, true) {
		return
	}
	r.mux.logger.Debug("rejecting port request", zap.Uint32("remote", r.remotePort), zap.Stringer("reason", reason))
	r.mux.queue(&message{Type: MessageRejected, Port: r.remotePort, Reason: reason})
	r.mux.requestDone()
}

// Listener receives port requests sent by the peer's Client.
type Listener struct {
	mux       *Multiplexer
	backlog   chan *Request
	closed    chan struct{}
	closeOnce sync.Once
}

// Accept waits for the next request. It returns io.EOF once the listener is
// closed and a *ListenerError when the multiplexer terminated.
func (l *Listener) Accept(ctx context.Context) (*Request, error) {
	select {
	case req := <-l.backlog:
		return req, nil
	default:
	}
	select {
	case req := <-l.backlog:
		return req, nil
	case <-l.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, &ListenerError{Err: ctx.Err()}
	case <-l.mux.done:
		return nil, &ListenerError{Err: l.mux.terminatedErr()}
	}
}

// Close stops listening and refuses every queued request.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.mux.mu.Lock()
		l.mux.listenerClosed = true
		l.mux.mu.Unlock()
		close(l.closed)
		refused := 0
		for {
			select {
			case req := <-l.backlog:
				req.reject(RejectNoListener)
				refused++
				continue
			default:
			}
			break
		}
		l.mux.logger.Debug("listener closed", zap.Int("refused", refused))
		l.mux.checkIdle()
	})
	return nil
}
