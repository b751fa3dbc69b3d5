// Package muxtest connects multiplexers in memory for tests.
package muxtest

import (
	"context"
	"testing"
	"time"

	"github.com/zllovesuki/chanmux/chmux"
	"github.com/zllovesuki/chanmux/codec"
	"github.com/zllovesuki/chanmux/rch/base"
	"github.com/zllovesuki/chanmux/transport"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type End struct {
	Mux      *chmux.Multiplexer
	Client   *chmux.Client
	Listener *chmux.Listener
	Result   chan error
	cancel   context.CancelFunc
}

func Config() chmux.Config {
	cfg := chmux.DefaultConfig()
	cfg.Logger = zap.NewNop()
	return cfg
}

// Pair runs two multiplexers connected by an in-memory pipe until the test
// ends.
func Pair(t testing.TB, cfg chmux.Config) (*End, *End) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ta, tb := transport.Pipe(64)
	return run(ctx, cfg, ta), run(ctx, cfg, tb)
}

func run(ctx context.Context, cfg chmux.Config, tr transport.Transport) *End {
	ctx, cancel := context.WithCancel(ctx)
	m, c, l := chmux.New(cfg, tr, tr)
	e := &End{Mux: m, Client: c, Listener: l, Result: make(chan error, 1), cancel: cancel}
	go func() {
		e.Result <- m.Run(ctx)
	}()
	return e
}

// Kill terminates this end without saying goodbye. The peer sees its
// transport fail.
func (e *End) Kill() {
	e.cancel()
}

// Wait returns the result of Run.
func (e *End) Wait(t testing.TB) error {
	select {
	case err := <-e.Result:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("multiplexer did not terminate")
		return nil
	}
}

// Base opens the initial base channel pair on both ends. The a sender talks
// to the b receiver and vice versa.
func Base[T any](t testing.TB, a, b *End, c codec.Codec) (*base.Sender[T], *base.Receiver[T], *base.Sender[T], *base.Receiver[T]) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type pair struct {
		tx  *base.Sender[T]
		rx  *base.Receiver[T]
		err error
	}
	ch := make(chan pair, 1)
	go func() {
		tx, rx, err := base.ConnectPair[T, T](ctx, b.Client, b.Listener, c)
		ch <- pair{tx, rx, err}
	}()
	atx, arx, err := base.ConnectPair[T, T](ctx, a.Client, a.Listener, c)
	require.NoError(t, err)
	p := <-ch
	require.NoError(t, p.err)
	return atx, arx, p.tx, p.rx
}
