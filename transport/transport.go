// Package transport provides the framed byte transports a multiplexer runs on.
//
// A transport is an ordered, reliable sequence of opaque binary frames. Stream
// oriented connections are framed with a 4 byte little-endian length header.
package transport

import (
	"fmt"
)

// Sink accepts outgoing frames.
type Sink interface {
	WriteFrame(p []byte) error
	Close() error
}

// Stream produces incoming frames. ReadFrame returns io.EOF once the remote
// end has closed the transport in an orderly way.
type Stream interface {
	ReadFrame() ([]byte, error)
}

// Transport is both ends of a bidirectional framed connection.
type Transport interface {
	Sink
	Stream
}

var (
	ErrFrameTooLarge = fmt.Errorf("frame exceeds maximum length")
	ErrClosed        = fmt.Errorf("transport is closed")
)
