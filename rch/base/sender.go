// Package base implements the base remote channel: one value per message
// over a single multiplexer port, with channel handles inside values
// connected through the port bridge.
package base

import (
	"context"
	"sync"

	"github.com/zllovesuki/chanmux/chmux"
	"github.com/zllovesuki/chanmux/codec"
)

// Sender sends values of type T to a remote Receiver.
type Sender[T any] struct {
	mu    sync.Mutex
	raw   *chmux.Sender
	codec codec.Codec
}

func NewSender[T any](raw *chmux.Sender, c codec.Codec) *Sender[T] {
	if c == nil {
		c = codec.Default
	}
	return &Sender[T]{raw: raw, codec: c}
}

func (s *Sender[T]) Codec() codec.Codec {
	return s.codec
}

// Send encodes v and sends it as one message. Port requests for handles
// contained in v follow the message on the same port.
func (s *Sender[T]) Send(ctx context.Context, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ps, err := serialize(s.raw.Allocator(), s.codec, v)
	if err != nil {
		ps.abort()
		return &SendError{Kind: SendSerialize, Err: err}
	}
	if err := s.raw.Send(ctx, data); err != nil {
		ps.fail(err)
		return &SendError{Kind: SendSend, Err: err}
	}
	if err := ps.commit(s.raw); err != nil {
		return &SendError{Kind: SendPorts, Err: err}
	}
	return nil
}

// Close finishes the channel. The remote receiver returns end of stream
// after the values already sent.
func (s *Sender[T]) Close() error {
	return s.raw.Close()
}
