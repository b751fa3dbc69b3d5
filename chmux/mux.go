// Package chmux multiplexes many independent, flow controlled ports over a
// single framed transport.
package chmux

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/zllovesuki/chanmux/profiler"
	"github.com/zllovesuki/chanmux/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Multiplexer drives one transport. Run must be called for any port to make
// progress.
type Multiplexer struct {
	config    Config
	logger    *zap.Logger
	sink      transport.Sink
	stream    transport.Stream
	allocator *Allocator
	listener  *Listener
	out       *outQueue

	running        atomic.Bool
	done           chan struct{}
	doneOnce       sync.Once
	err            *Error
	goodbyeWritten chan struct{}

	mu             sync.Mutex
	ports          map[uint32]*port
	pending        map[uint32]*PendingConnect
	clients        int
	requests       int
	listenerClosed bool
	goodbyeQueued  bool
	terminated     bool
}

// New creates a multiplexer over sink and stream along with its first client
// reference and its listener. It panics if config is invalid.
func New(config Config, sink transport.Sink, stream transport.Stream) (*Multiplexer, *Client, *Listener) {
	if err := config.Validate(); err != nil {
		panic(fmt.Sprintf("invalid multiplexer config: %v", err))
	}
	m := &Multiplexer{
		config:         config,
		logger:         config.Logger.With(zap.String("component", "chmux")),
		sink:           sink,
		stream:         stream,
		allocator:      newAllocator(config.MaxPorts, config.Logger.With(zap.String("component", "allocator"))),
		out:            newOutQueue(),
		done:           make(chan struct{}),
		goodbyeWritten: make(chan struct{}),
		ports:          make(map[uint32]*port),
		pending:        make(map[uint32]*PendingConnect),
		clients:        1,
	}
	m.listener = &Listener{
		mux:     m,
		backlog: make(chan *Request, config.AcceptBacklog),
		closed:  make(chan struct{}),
	}
	m.queue(&message{Type: MessageHello, Version: protocolVersion})
	return m, &Client{mux: m}, m.listener
}

func (m *Multiplexer) Allocator() *Allocator {
	return m.allocator
}

// Done is closed once the multiplexer terminated.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.done
}

// Run processes the transport until both sides said goodbye, the transport
// fails, a protocol violation is detected or ctx is cancelled. A graceful
// shutdown returns nil, anything else an *Error.
func (m *Multiplexer) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("multiplexer is already running")
	}

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	writeErr := make(chan error, 1)
	go m.readLoop(frames, readErr)
	go m.writeLoop(writeErr)

	var (
		helloReceived   bool
		goodbyeReceived bool
		goodbyeSent     bool
		written         = m.goodbyeWritten
	)
	for {
		select {
		case <-ctx.Done():
			return m.terminate(&Error{Kind: ErrorTerminated, Err: ctx.Err()})
		case err := <-writeErr:
			return m.terminate(&Error{Kind: ErrorSinkFailed, Err: err})
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				if goodbyeReceived && m.isGoodbyeQueued() {
					return m.terminate(nil)
				}
				return m.terminate(&Error{Kind: ErrorStreamClosed})
			}
			return m.terminate(&Error{Kind: ErrorStreamFailed, Err: err})
		case <-written:
			written = nil
			goodbyeSent = true
		case b := <-frames:
			if err := m.handle(b, &helloReceived, &goodbyeReceived); err != nil {
				m.logger.Warn("terminating multiplexer", zap.Error(err))
				return m.terminate(err)
			}
		}
		if goodbyeSent && goodbyeReceived {
			m.logger.Debug("goodbye exchanged")
			return m.terminate(nil)
		}
	}
}

func (m *Multiplexer) readLoop(frames chan<- []byte, errCh chan<- error) {
	for {
		b, err := m.stream.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				err = errors.Wrap(err, "reading frame")
			}
			errCh <- err
			return
		}
		select {
		case frames <- b:
		case <-m.done:
			return
		}
	}
}

func (m *Multiplexer) writeLoop(errCh chan<- error) {
	for {
		f, ok := m.out.pop()
		if !ok {
			select {
			case <-m.out.signal:
				continue
			case <-m.done:
				return
			}
		}
		if err := m.sink.WriteFrame(f.b); err != nil {
			errCh <- errors.Wrap(err, "writing frame")
			return
		}
		m.out.written(f)
		profiler.MuxFrames.WithLabelValues("out", f.typ.String()).Inc()
		if f.data {
			profiler.MuxBytes.WithLabelValues("out").Add(float64(len(f.b) - dataHeaderLength))
		}
		if f.typ == MessageGoodbye {
			close(m.goodbyeWritten)
		}
	}
}

func (m *Multiplexer) handle(b []byte, helloReceived, goodbyeReceived *bool) *Error {
	if uint64(len(b)) > uint64(m.config.MaxFrameLength) {
		return protocolError("frame of %d bytes exceeds maximum frame length", len(b))
	}
	var msg message
	if err := msg.Unpack(b); err != nil {
		return &Error{Kind: ErrorProtocol, Err: err}
	}
	profiler.MuxFrames.WithLabelValues("in", msg.Type.String()).Inc()

	if !*helloReceived {
		if msg.Type != MessageHello {
			return protocolError("expected hello, received %s", msg.Type)
		}
		if msg.Version != protocolVersion {
			return protocolError("unsupported protocol version %d", msg.Version)
		}
		*helloReceived = true
		return nil
	}

	switch msg.Type {
	case MessageHello:
		return protocolError("duplicate hello")

	case MessageOpen:
		m.handleOpen(&msg)

	case MessageOpenVia:
		return m.handleOpenVia(&msg)

	case MessageAccepted:
		pc, err := m.connectedPort(msg.Port, msg.ServerPort, msg.Window)
		if err != nil {
			return err
		}
		pc.resolve(connectResult{tx: &Sender{p: pc.p}, rx: &Receiver{p: pc.p}})

	case MessageRejected:
		pc := m.takePending(msg.Port)
		if pc == nil {
			return protocolError("rejection for unknown port %d", msg.Port)
		}
		pc.port.Release()
		pc.resolve(connectResult{err: &ConnectError{Reason: msg.Reason}})
		m.checkIdle()

	case MessageData:
		p := m.getPort(msg.Port)
		if p == nil {
			return protocolError("data for unknown port %d", msg.Port)
		}
		profiler.MuxBytes.WithLabelValues("in").Add(float64(len(msg.Payload)))
		if err := p.deliver(msg.Flags, msg.Payload); err != nil {
			return err
		}

	case MessageCredits:
		// credits may race with our own receive close
		if p := m.getPort(msg.Port); p != nil {
			p.addCredit(msg.Amount)
		}

	case MessageSendFinish:
		p := m.getPort(msg.Port)
		if p == nil {
			return protocolError("send finish for unknown port %d", msg.Port)
		}
		p.remoteFinished()

	case MessageReceiveClose:
		p := m.getPort(msg.Port)
		if p == nil {
			return protocolError("receive close for unknown port %d", msg.Port)
		}
		p.remoteClosed()

	case MessageGoodbye:
		if *goodbyeReceived {
			return protocolError("duplicate goodbye")
		}
		*goodbyeReceived = true
		m.logger.Debug("peer said goodbye")
	}
	return nil
}

func (m *Multiplexer) handleOpen(msg *message) {
	req := &Request{mux: m, remotePort: msg.Port, window: msg.Window}
	m.mu.Lock()
	if m.listenerClosed || m.terminated {
		m.mu.Unlock()
		m.queue(&message{Type: MessageRejected, Port: msg.Port, Reason: RejectNoListener})
		return
	}
	select {
	case m.listener.backlog <- req:
		m.requests++
		m.mu.Unlock()
	default:
		m.mu.Unlock()
		m.logger.Debug("accept backlog full", zap.Uint32("remote", msg.Port))
		m.queue(&message{Type: MessageRejected, Port: msg.Port, Reason: RejectBacklog})
	}
}

func (m *Multiplexer) handleOpenVia(msg *message) *Error {
	p := m.getPort(msg.Port)
	if p == nil {
		return protocolError("port requests via unknown port %d", msg.Port)
	}
	reqs := make([]*Request, len(msg.Opens))
	for i, o := range msg.Opens {
		reqs[i] = &Request{mux: m, remotePort: o.Port, window: o.Window}
	}
	m.mu.Lock()
	m.requests += len(reqs)
	m.mu.Unlock()

	ok, err := p.deliverRequests(reqs)
	if err != nil {
		return err
	}
	if !ok {
		for _, r := range reqs {
			r.reject(RejectNotListening)
		}
	}
	return nil
}

func (m *Multiplexer) queue(msg *message) {
	m.out.push(outFrame{typ: msg.Type, b: msg.Pack()})
}

func (m *Multiplexer) getPort(n uint32) *port {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ports[n]
}

func (m *Multiplexer) addPending(pn *PortNumber) (*PendingConnect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated {
		return nil, m.terminatedErr()
	}
	pc := newPendingConnect(pn)
	m.pending[pn.n] = pc
	return pc, nil
}

func (m *Multiplexer) takePending(n uint32) *PendingConnect {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.pending[n]
	if !ok {
		return nil
	}
	delete(m.pending, n)
	return pc
}

type connected struct {
	*PendingConnect
	p *port
}

// connectedPort turns a pending connect into a live port in one step so the
// multiplexer is never observed idle in between.
func (m *Multiplexer) connectedPort(local, remote, window uint32) (connected, *Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.pending[local]
	if !ok {
		return connected{}, protocolError("accept for unknown port %d", local)
	}
	delete(m.pending, local)
	p := newPort(m, pc.port, remote, window)
	m.ports[local] = p
	profiler.MuxPorts.Inc()
	p.logger.Debug("port connected")
	return connected{PendingConnect: pc, p: p}, nil
}

func (m *Multiplexer) acceptPort(pn *PortNumber, remote, window uint32) (*port, error) {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return nil, m.terminatedErr()
	}
	p := newPort(m, pn, remote, window)
	m.ports[pn.n] = p
	m.mu.Unlock()
	profiler.MuxPorts.Inc()
	m.queue(&message{Type: MessageAccepted, Port: remote, ServerPort: pn.n, Window: m.config.ReceiveBuffer})
	p.logger.Debug("port accepted")
	return p, nil
}

func (m *Multiplexer) removePort(p *port) {
	m.mu.Lock()
	live := m.ports[p.local.n] == p
	if live {
		delete(m.ports, p.local.n)
	}
	m.mu.Unlock()
	if live {
		profiler.MuxPorts.Dec()
	}
	p.local.Release()
	m.checkIdle()
}

func (m *Multiplexer) requestDone() {
	m.mu.Lock()
	m.requests--
	m.mu.Unlock()
	m.checkIdle()
}

func (m *Multiplexer) isGoodbyeQueued() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.goodbyeQueued
}

// checkIdle queues Goodbye once nothing can create or use a port anymore.
func (m *Multiplexer) checkIdle() {
	m.mu.Lock()
	idle := !m.goodbyeQueued && !m.terminated &&
		m.clients == 0 && m.listenerClosed && m.requests == 0 &&
		len(m.ports) == 0 && len(m.pending) == 0
	if idle {
		m.goodbyeQueued = true
	}
	m.mu.Unlock()
	if idle {
		m.logger.Debug("multiplexer idle, saying goodbye")
		m.queue(&message{Type: MessageGoodbye})
	}
}

func (m *Multiplexer) terminate(err *Error) error {
	m.doneOnce.Do(func() {
		m.mu.Lock()
		m.terminated = true
		m.err = err
		pending := m.pending
		ports := m.ports
		m.pending = make(map[uint32]*PendingConnect)
		m.ports = make(map[uint32]*port)
		m.mu.Unlock()

		close(m.done)
		m.sink.Close()
		if c, ok := m.stream.(io.Closer); ok && any(m.stream) != any(m.sink) {
			c.Close()
		}

		for _, pc := range pending {
			pc.port.Release()
			pc.resolve(connectResult{err: &ConnectError{Err: ErrTerminated}})
		}
		for _, p := range ports {
			profiler.MuxPorts.Dec()
			p.local.Release()
		}
		if err != nil {
			m.logger.Debug("multiplexer terminated", zap.Error(err))
		}
	})
	if m.err == nil {
		return nil
	}
	return m.err
}

// terminatedErr is the error port operations report after termination.
func (m *Multiplexer) terminatedErr() error {
	if m.err == nil {
		return ErrTerminated
	}
	return fmt.Errorf("%w: %v", ErrTerminated, m.err)
}
