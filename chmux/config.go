package chmux

import (
	"errors"

	"go.uber.org/zap"
)

const (
	// MinFrameLength is the smallest usable MaxFrameLength
	MinFrameLength = 64
)

// Config holds the immutable parameters of a Multiplexer.
type Config struct {
	Logger *zap.Logger
	// MaxFrameLength bounds every frame written to and read from the transport,
	// including the multiplexer header.
	MaxFrameLength uint32
	// MaxPorts bounds the number of concurrently allocated local ports.
	MaxPorts uint32
	// ReceiveBuffer is the per-port receive window in bytes.
	ReceiveBuffer uint32
	// MaxMessageSize bounds a reassembled message.
	MaxMessageSize uint32
	// AcceptBacklog is the number of connect requests queued for the Listener.
	AcceptBacklog int
}

func DefaultConfig() Config {
	return Config{
		Logger:         zap.NewNop(),
		MaxFrameLength: 64 * 1024,
		MaxPorts:       16384,
		ReceiveBuffer:  256 * 1024,
		MaxMessageSize: 16 * 1024 * 1024,
		AcceptBacklog:  128,
	}
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("nil logger is invalid")
	}
	if c.MaxFrameLength < MinFrameLength {
		return errors.New("max frame length is too small")
	}
	if c.MaxPorts == 0 {
		return errors.New("max ports cannot be 0")
	}
	if c.ReceiveBuffer < c.MaxFrameLength {
		return errors.New("receive buffer cannot be smaller than max frame length")
	}
	if c.MaxMessageSize == 0 {
		return errors.New("max message size cannot be 0")
	}
	if c.AcceptBacklog <= 0 {
		return errors.New("accept backlog must be positive")
	}
	return nil
}

// maxPayload is the largest data chunk carried by a single frame.
func (c *Config) maxPayload() uint32 {
	return c.MaxFrameLength - dataHeaderLength
}
