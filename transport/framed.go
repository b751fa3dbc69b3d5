package transport

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"sync"

	"github.com/pkg/errors"
)

const (
	// HeaderLength is the size of the length prefix of each frame
	HeaderLength = 4
)

// LengthDelimited frames an unframed byte stream by prepending every frame with
// its length as a little-endian uint32.
type LengthDelimited struct {
	r       io.Reader
	w       io.Writer
	maxRecv uint32
	flush   func() error
	closer  io.Closer

	wmu    sync.Mutex
	header [HeaderLength]byte
}

var _ Transport = &LengthDelimited{}

// NewLengthDelimited returns a framed transport over r and w. Incoming frames
// longer than maxRecv fail with ErrFrameTooLarge.
func NewLengthDelimited(r io.Reader, w io.Writer, maxRecv uint32) *LengthDelimited {
	l := &LengthDelimited{
		r:       r,
		w:       w,
		maxRecv: maxRecv,
	}
	if c, ok := w.(io.Closer); ok {
		l.closer = c
	}
	return l
}

// NewBuffered is like NewLengthDelimited but buffers reads and writes with
// size bytes each. Every written frame is flushed.
func NewBuffered(r io.Reader, w io.Writer, maxRecv uint32, size int) *LengthDelimited {
	bw := bufio.NewWriterSize(w, size)
	l := NewLengthDelimited(bufio.NewReaderSize(r, size), bw, maxRecv)
	l.flush = bw.Flush
	if c, ok := w.(io.Closer); ok {
		l.closer = c
	}
	return l
}

func (l *LengthDelimited) ReadFrame() ([]byte, error) {
	var head [HeaderLength]byte
	if _, err := io.ReadFull(l.r, head[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.Wrap(err, "reading frame header")
		}
		// a clean EOF between frames is the end of the stream
		return nil, err
	}
	n := binary.LittleEndian.Uint32(head[:])
	if n > l.maxRecv {
		return nil, errors.Wrapf(ErrFrameTooLarge, "incoming frame of %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(l.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrap(err, "reading frame payload")
	}
	return buf, nil
}

func (l *LengthDelimited) WriteFrame(p []byte) error {
	if uint64(len(p)) > math.MaxUint32 {
		return errors.Wrapf(ErrFrameTooLarge, "outgoing frame of %d bytes", len(p))
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	binary.LittleEndian.PutUint32(l.header[:], uint32(len(p)))
	if _, err := l.w.Write(l.header[:]); err != nil {
		return errors.Wrap(err, "writing frame header")
	}
	if _, err := l.w.Write(p); err != nil {
		return errors.Wrap(err, "writing frame payload")
	}
	if l.flush != nil {
		if err := l.flush(); err != nil {
			return errors.Wrap(err, "flushing frame")
		}
	}
	return nil
}

// Close closes the underlying writer if it is an io.Closer.
func (l *LengthDelimited) Close() error {
	if l.closer == nil {
		return nil
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if l.flush != nil {
		l.flush()
	}
	return l.closer.Close()
}
