// Package connect establishes a multiplexer over a transport and opens the
// initial base channel pair on it.
package connect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/zllovesuki/chanmux/chmux"
	"github.com/zllovesuki/chanmux/codec"
	"github.com/zllovesuki/chanmux/rch/base"
	"github.com/zllovesuki/chanmux/transport"
)

// DefaultBufferSize is used by IOBuffered callers that have no preference.
const DefaultBufferSize = 64 * 1024

type Config struct {
	Mux chmux.Config
	// Codec of the initial channel pair. codec.Default is used when nil.
	Codec codec.Codec
}

func DefaultConfig() Config {
	return Config{
		Mux:   chmux.DefaultConfig(),
		Codec: codec.Default,
	}
}

// ConnectError is returned when the connection could not be established.
// Exactly one of Mux and Channel is set.
type ConnectError struct {
	Mux     error
	Channel error
}

func (e *ConnectError) Error() string {
	if e.Mux != nil {
		return fmt.Sprintf("chmux error: %v", e.Mux)
	}
	return fmt.Sprintf("channel connect failed: %v", e.Channel)
}

func (e *ConnectError) Unwrap() error {
	if e.Mux != nil {
		return e.Mux
	}
	return e.Channel
}

// Connection runs the multiplexer of an established connection.
type Connection struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Wait blocks until the multiplexer stopped. It returns nil after a graceful
// shutdown, which happens once every channel on both sides is closed.
func (c *Connection) Wait() error {
	<-c.done
	return c.err
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close terminates the multiplexer without waiting for a graceful shutdown.
func (c *Connection) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// Framed runs a multiplexer over sink and stream and opens the initial
// channel pair with the peer, which must call Framed as well. The
// multiplexer keeps running in its own goroutine until the returned
// Connection is done.
//
// Framed panics if cfg.Mux is invalid.
func Framed[Tx, Rx any](ctx context.Context, cfg Config, sink transport.Sink, stream transport.Stream) (*Connection, *base.Sender[Tx], *base.Receiver[Rx], error) {
	mux, client, listener := chmux.New(cfg.Mux, sink, stream)
	runCtx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		conn.err = mux.Run(runCtx)
		close(conn.done)
	}()

	type pair struct {
		tx  *base.Sender[Tx]
		rx  *base.Receiver[Rx]
		err error
	}
	result := make(chan pair, 1)
	go func() {
		tx, rx, err := base.ConnectPair[Tx, Rx](ctx, client, listener, cfg.Codec)
		result <- pair{tx: tx, rx: rx, err: err}
	}()

	select {
	case <-conn.done:
		client.Close()
		listener.Close()
		err := conn.err
		if err == nil {
			err = chmux.ErrTerminated
		}
		return nil, nil, nil, &ConnectError{Mux: err}
	case p := <-result:
		client.Close()
		listener.Close()
		if p.err != nil {
			conn.Close()
			// report the multiplexer failure that made the channel fail
			var me *chmux.Error
			if errors.As(conn.err, &me) && me.Kind != chmux.ErrorTerminated {
				return nil, nil, nil, &ConnectError{Mux: conn.err}
			}
			return nil, nil, nil, &ConnectError{Channel: p.err}
		}
		return conn, p.tx, p.rx, nil
	}
}

// IO frames r and w with length headers and connects over them. The
// maximum incoming frame length follows cfg.Mux.
func IO[Tx, Rx any](ctx context.Context, cfg Config, r io.Reader, w io.Writer) (*Connection, *base.Sender[Tx], *base.Receiver[Rx], error) {
	t := transport.NewLengthDelimited(r, w, cfg.Mux.MaxFrameLength)
	return Framed[Tx, Rx](ctx, cfg, t, t)
}

// IOBuffered is IO with reads and writes buffered by size bytes each.
func IOBuffered[Tx, Rx any](ctx context.Context, cfg Config, r io.Reader, w io.Writer, size int) (*Connection, *base.Sender[Tx], *base.Receiver[Rx], error) {
	t := transport.NewBuffered(r, w, cfg.Mux.MaxFrameLength, size)
	return Framed[Tx, Rx](ctx, cfg, t, t)
}

// Conn connects over a network connection. conn is closed when the
// multiplexer stops.
func Conn[Tx, Rx any](ctx context.Context, cfg Config, conn net.Conn) (*Connection, *base.Sender[Tx], *base.Receiver[Rx], error) {
	t := transport.NewConn(conn, cfg.Mux.MaxFrameLength)
	return Framed[Tx, Rx](ctx, cfg, t, t)
}
