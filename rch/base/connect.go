package base

import (
	"context"
	"io"

	"github.com/zllovesuki/chanmux/chmux"
	"github.com/zllovesuki/chanmux/codec"

	"golang.org/x/sync/errgroup"
)

// ConnectPair opens the initial channel pair of a connection. Both peers
// call it: the sender uses the port this side connects, the receiver the
// port the peer connects.
func ConnectPair[Tx, Rx any](ctx context.Context, client *chmux.Client, listener *chmux.Listener, c codec.Codec) (*Sender[Tx], *Receiver[Rx], error) {
	var (
		connTx   *chmux.Sender
		connRx   *chmux.Receiver
		acceptTx *chmux.Sender
		acceptRx *chmux.Receiver
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tx, rx, err := client.Connect(gctx)
		if err != nil {
			return &ConnectError{Kind: ConnectConnect, Err: err}
		}
		connTx, connRx = tx, rx
		return nil
	})
	g.Go(func() error {
		req, err := listener.Accept(gctx)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return &ConnectError{Kind: ConnectListen, Err: err}
		}
		tx, rx, err := req.Accept(gctx)
		if err != nil {
			return &ConnectError{Kind: ConnectListen, Err: err}
		}
		acceptTx, acceptRx = tx, rx
		return nil
	})
	err := g.Wait()
	if connRx != nil {
		connRx.Close()
	}
	if acceptTx != nil {
		acceptTx.Close()
	}
	if err != nil {
		if connTx != nil {
			connTx.Close()
		}
		if acceptRx != nil {
			acceptRx.Close()
		}
		return nil, nil, err
	}
	return NewSender[Tx](connTx, c), NewReceiver[Rx](acceptRx, c), nil
}
