package transport

import (
	"io"
	"sync"
)

// PipeEnd is one end of an in-memory framed transport created by Pipe.
type PipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	self *pipeState
	peer *pipeState
}

type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

func (p *pipeState) close() {
	p.once.Do(func() { close(p.closed) })
}

var _ Transport = &PipeEnd{}

// Pipe creates a connected pair of framed transports. Each direction buffers up
// to buffer frames before WriteFrame blocks.
func Pipe(buffer int) (*PipeEnd, *PipeEnd) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	sa := &pipeState{closed: make(chan struct{})}
	sb := &pipeState{closed: make(chan struct{})}
	a := &PipeEnd{in: ba, out: ab, self: sa, peer: sb}
	b := &PipeEnd{in: ab, out: ba, self: sb, peer: sa}
	return a, b
}

func (p *PipeEnd) WriteFrame(b []byte) error {
	frame := make([]byte, len(b))
	copy(frame, b)
	select {
	case <-p.self.closed:
		return ErrClosed
	case <-p.peer.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- frame:
		return nil
	case <-p.self.closed:
		return ErrClosed
	case <-p.peer.closed:
		return io.ErrClosedPipe
	}
}

// ReadFrame drains frames already written by the peer before reporting io.EOF.
func (p *PipeEnd) ReadFrame() ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	default:
	}
	select {
	case b := <-p.in:
		return b, nil
	case <-p.peer.closed:
		select {
		case b := <-p.in:
			return b, nil
		default:
			return nil, io.EOF
		}
	case <-p.self.closed:
		return nil, ErrClosed
	}
}

// Close ends this side. The peer reads the remaining frames followed by io.EOF.
func (p *PipeEnd) Close() error {
	p.self.close()
	return nil
}
