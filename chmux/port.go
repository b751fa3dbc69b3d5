package chmux

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
)

type portItem struct {
	flags    uint8
	data     []byte
	requests []*Request
}

// port is the shared state of one bidirectional port. The sending half owns
// credit toward the peer, the receiving half owns the queue of incoming chunks.
type port struct {
	mux    *Multiplexer
	local  *PortNumber
	remote uint32
	logger *zap.Logger

	mu sync.Mutex

	credit           uint32
	creditCh         chan struct{}
	sendClosed       bool
	remoteRecvClosed bool

	items              []portItem
	itemCh             chan struct{}
	window             uint32
	buffered           uint32
	consumed           uint32
	recvClosed         bool
	eof                bool
	remoteSendFinished bool

	released bool
}

func newPort(m *Multiplexer, local *PortNumber, remote, credit uint32) *port {
	return &port{
		mux:      m,
		local:    local,
		remote:   remote,
		logger:   m.logger.With(zap.Uint32("port", local.n), zap.Uint32("remote", remote)),
		credit:   credit,
		creditCh: make(chan struct{}, 1),
		itemCh:   make(chan struct{}, 1),
		window:   m.config.ReceiveBuffer,
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// acquireCredit reserves up to want bytes of credit, waiting while none is
// available. A want of 0 returns immediately unless the port is closed.
func (p *port) acquireCredit(ctx context.Context, want uint32) (uint32, error) {
	for {
		p.mu.Lock()
		if p.sendClosed || p.remoteRecvClosed {
			p.mu.Unlock()
			return 0, ErrClosed
		}
		select {
		case <-p.mux.done:
			p.mu.Unlock()
			return 0, p.mux.terminatedErr()
		default:
		}
		if want == 0 || p.credit > 0 {
			n := want
			if n > p.credit {
				n = p.credit
			}
			p.credit -= n
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.creditCh:
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-p.mux.done:
			return 0, p.mux.terminatedErr()
		}
	}
}

func (p *port) refundCredit(n uint32) {
	p.mu.Lock()
	p.credit += n
	p.mu.Unlock()
	notify(p.creditCh)
}

func (p *port) addCredit(n uint32) {
	p.mu.Lock()
	if !p.sendClosed {
		p.credit += n
	}
	p.mu.Unlock()
	notify(p.creditCh)
}

// deliver queues an incoming data chunk. It is called from the run loop only.
func (p *port) deliver(flags uint8, data []byte) *Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteSendFinished {
		return protocolError("data on port %d after send finish", p.local.n)
	}
	if p.recvClosed {
		return nil
	}
	n := uint32(len(data))
	if p.buffered+p.consumed+n > p.window {
		return protocolError("data on port %d exceeds granted credit", p.local.n)
	}
	p.buffered += n
	p.items = append(p.items, portItem{flags: flags, data: data})
	notify(p.itemCh)
	return nil
}

// deliverRequests queues port requests that arrived in band. It reports
// false when the receiving half is closed and the requests must be rejected.
func (p *port) deliverRequests(reqs []*Request) (bool, *Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteSendFinished {
		return false, protocolError("port requests on port %d after send finish", p.local.n)
	}
	if p.recvClosed {
		return false, nil
	}
	p.items = append(p.items, portItem{requests: reqs})
	notify(p.itemCh)
	return true, nil
}

func (p *port) remoteFinished() {
	p.mu.Lock()
	p.remoteSendFinished = true
	p.mu.Unlock()
	notify(p.itemCh)
	p.maybeRelease()
}

func (p *port) remoteClosed() {
	p.mu.Lock()
	p.remoteRecvClosed = true
	p.mu.Unlock()
	notify(p.creditCh)
	p.maybeRelease()
}

func (p *port) nextItem(ctx context.Context) (portItem, error) {
	for {
		p.mu.Lock()
		if p.eof {
			p.mu.Unlock()
			return portItem{}, io.EOF
		}
		if p.recvClosed {
			p.mu.Unlock()
			return portItem{}, ErrClosed
		}
		if len(p.items) > 0 {
			it := p.items[0]
			p.items[0] = portItem{}
			p.items = p.items[1:]
			p.mu.Unlock()
			return it, nil
		}
		if p.remoteSendFinished {
			p.mu.Unlock()
			p.closeReceive(true)
			return portItem{}, io.EOF
		}
		select {
		case <-p.mux.done:
			p.mu.Unlock()
			return portItem{}, p.mux.terminatedErr()
		default:
		}
		p.mu.Unlock()

		select {
		case <-p.itemCh:
		case <-ctx.Done():
			return portItem{}, ctx.Err()
		case <-p.mux.done:
		}
	}
}

// consume marks n bytes as read and returns credit to the peer once half of
// the window has been consumed.
func (p *port) consume(n uint32) {
	if n == 0 {
		return
	}
	p.mu.Lock()
	p.buffered -= n
	p.consumed += n
	if p.consumed < p.window/2 || p.recvClosed || p.remoteSendFinished {
		p.mu.Unlock()
		return
	}
	amount := p.consumed
	p.consumed = 0
	p.mu.Unlock()
	p.mux.queue(&message{Type: MessageCredits, Port: p.remote, Amount: amount})
}

func (p *port) closeSend() bool {
	p.mu.Lock()
	if p.sendClosed {
		p.mu.Unlock()
		return false
	}
	p.sendClosed = true
	p.mu.Unlock()
	notify(p.creditCh)
	return true
}

// closeReceive closes the receiving half. Queued data is discarded and queued
// port requests are refused.
func (p *port) closeReceive(eof bool) {
	p.mu.Lock()
	if p.recvClosed {
		p.mu.Unlock()
		return
	}
	p.recvClosed = true
	p.eof = eof
	items := p.items
	p.items = nil
	p.buffered = 0
	p.mu.Unlock()
	notify(p.itemCh)

	p.mux.queue(&message{Type: MessageReceiveClose, Port: p.remote})
	for _, it := range items {
		for _, r := range it.requests {
			r.reject(RejectNotListening)
		}
	}
	p.maybeRelease()
}

func (p *port) maybeRelease() {
	p.mu.Lock()
	if p.released || !p.sendClosed || !p.recvClosed || !p.remoteSendFinished || !p.remoteRecvClosed {
		p.mu.Unlock()
		return
	}
	p.released = true
	p.mu.Unlock()
	p.logger.Debug("port released")
	p.mux.removePort(p)
}

// Sender is the sending half of a port.
type Sender struct {
	p      *port
	sendMu sync.Mutex
}

// Port returns the local port number.
func (s *Sender) Port() uint32 {
	return s.p.local.n
}

// RemotePort returns the peer's port number.
func (s *Sender) RemotePort() uint32 {
	return s.p.remote
}

func (s *Sender) Allocator() *Allocator {
	return s.p.mux.allocator
}

// Logger is scoped to this port.
func (s *Sender) Logger() *zap.Logger {
	return s.p.logger
}

// MaxMessageSize is the largest message the peer accepts.
func (s *Sender) MaxMessageSize() uint32 {
	return s.p.mux.config.MaxMessageSize
}

// Send transmits msg as one message, split into chunks that fit the frame
// length and the available credit. It returns ErrClosed once the remote
// receiver has been closed.
func (s *Sender) Send(ctx context.Context, msg []byte) error {
	if uint64(len(msg)) > uint64(s.p.mux.config.MaxMessageSize) {
		return ErrMessageTooLarge
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	maxPayload := s.p.mux.config.maxPayload()
	rest := msg
	first := true
	for {
		want := uint32(len(rest))
		if want > maxPayload {
			want = maxPayload
		}
		n, err := s.p.acquireCredit(ctx, want)
		if err != nil {
			return err
		}
		chunk := rest[:n]
		rest = rest[n:]

		var flags uint8
		if first {
			flags |= dataFlagFirst
		}
		if len(rest) == 0 {
			flags |= dataFlagLast
		}
		frame := (&message{Type: MessageData, Port: s.p.remote, Flags: flags, Payload: chunk}).Pack()
		if err := s.p.mux.out.pushData(ctx, s.p.mux.done, frame); err != nil {
			s.p.refundCredit(n)
			if err == ErrTerminated {
				return s.p.mux.terminatedErr()
			}
			return err
		}
		first = false
		if len(rest) == 0 {
			return nil
		}
	}
}

// OpenPorts requests one new port per number in band, after all data sent so
// far on this port. The peer receives the requests from RecvAny.
func (s *Sender) OpenPorts(ports []*PortNumber) ([]*PendingConnect, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if len(ports) == 0 {
		return nil, nil
	}
	s.p.mu.Lock()
	closed := s.p.sendClosed || s.p.remoteRecvClosed
	s.p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	m := s.p.mux
	pending := make([]*PendingConnect, 0, len(ports))
	for _, pn := range ports {
		pc, err := m.addPending(pn)
		if err != nil {
			for _, p := range pending {
				m.takePending(p.port.n)
			}
			return nil, err
		}
		pending = append(pending, pc)
	}

	perFrame := int((m.config.MaxFrameLength - openViaHeaderLength) / openEntryLength)
	if perFrame > 0xffff {
		perFrame = 0xffff
	}
	for i := 0; i < len(ports); i += perFrame {
		end := i + perFrame
		if end > len(ports) {
			end = len(ports)
		}
		msg := &message{Type: MessageOpenVia, Port: s.p.remote}
		for _, pn := range ports[i:end] {
			msg.Opens = append(msg.Opens, openEntry{Port: pn.n, Window: m.config.ReceiveBuffer})
		}
		m.queue(msg)
	}
	return pending, nil
}

// Close finishes sending. Data already passed to Send is still delivered.
func (s *Sender) Close() error {
	if !s.p.closeSend() {
		return nil
	}
	s.sendMu.Lock()
	s.p.mux.queue(&message{Type: MessageSendFinish, Port: s.p.remote})
	s.sendMu.Unlock()
	s.p.maybeRelease()
	return nil
}

// Received is either a message or a batch of port requests.
type Received struct {
	Data     []byte
	Requests []*Request
}

// Receiver is the receiving half of a port.
type Receiver struct {
	p         *port
	recvMu    sync.Mutex
	partial   []byte
	assembled bool
	tooLarge  bool
}

func (r *Receiver) Port() uint32 {
	return r.p.local.n
}

func (r *Receiver) RemotePort() uint32 {
	return r.p.remote
}

func (r *Receiver) Allocator() *Allocator {
	return r.p.mux.allocator
}

func (r *Receiver) Logger() *zap.Logger {
	return r.p.logger
}

// RecvAny returns the next message or port request batch. It returns io.EOF
// once the remote sender has finished and everything has been received.
func (r *Receiver) RecvAny(ctx context.Context) (Received, error) {
	r.recvMu.Lock()
	defer r.recvMu.Unlock()

	max := uint64(r.p.mux.config.MaxMessageSize)
	for {
		it, err := r.p.nextItem(ctx)
		if err != nil {
			return Received{}, err
		}
		if it.requests != nil {
			return Received{Requests: it.requests}, nil
		}
		r.p.consume(uint32(len(it.data)))

		if it.flags&dataFlagFirst != 0 {
			r.partial = nil
			r.assembled = true
			r.tooLarge = false
		}
		if !r.assembled {
			// remainder of a message whose sender gave up
			continue
		}
		if !r.tooLarge {
			if uint64(len(r.partial))+uint64(len(it.data)) > max {
				r.tooLarge = true
				r.partial = nil
			} else if r.partial == nil && it.flags&dataFlagLast != 0 {
				r.partial = it.data
			} else {
				r.partial = append(r.partial, it.data...)
			}
		}
		if it.flags&dataFlagLast == 0 {
			continue
		}
		r.assembled = false
		if r.tooLarge {
			r.tooLarge = false
			return Received{}, ErrMessageTooLarge
		}
		msg := r.partial
		r.partial = nil
		if msg == nil {
			msg = []byte{}
		}
		return Received{Data: msg}, nil
	}
}

// Recv returns the next message. Port requests that arrive instead are
// refused.
func (r *Receiver) Recv(ctx context.Context) ([]byte, error) {
	for {
		rcv, err := r.RecvAny(ctx)
		if err != nil {
			return nil, err
		}
		if rcv.Requests == nil {
			return rcv.Data, nil
		}
		for _, req := range rcv.Requests {
			req.Refuse()
		}
	}
}

// Close stops receiving. The peer's sender observes ErrClosed and queued
// data is discarded.
func (r *Receiver) Close() error {
	r.p.closeReceive(false)
	return nil
}
