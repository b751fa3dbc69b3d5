package bin_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/zllovesuki/chanmux/chmux"
	"github.com/zllovesuki/chanmux/codec"
	"github.com/zllovesuki/chanmux/internal/muxtest"
	"github.com/zllovesuki/chanmux/rch"
	"github.com/zllovesuki/chanmux/rch/bin"

	"github.com/stretchr/testify/require"
)

type pair struct {
	Tx *bin.Sender   `json:"tx,omitempty"`
	Rx *bin.Receiver `json:"rx,omitempty"`
}

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSentSender(t *testing.T) {
	require := require.New(t)
	ctx := timeout(t)

	a, b := muxtest.Pair(t, muxtest.Config())
	aTx, _, _, bRx := muxtest.Base[pair](t, a, b, codec.JSON())

	tx, rx := bin.Channel()
	require.NoError(aTx.Send(ctx, pair{Tx: tx}))
	require.ErrorIs(tx.Send(ctx, []byte("x")), rch.ErrMoved)

	msg, ok, err := bRx.Recv(ctx)
	require.NoError(err)
	require.True(ok)
	require.NotNil(msg.Tx)
	require.NoError(msg.Tx.Send(ctx, []byte("hello")))
	require.NoError(msg.Tx.Close())

	data, err := rx.Recv(ctx)
	require.NoError(err)
	require.Equal([]byte("hello"), data)
	_, err = rx.Recv(ctx)
	require.ErrorIs(err, io.EOF)
}

func TestSentReceiver(t *testing.T) {
	require := require.New(t)
	ctx := timeout(t)

	a, b := muxtest.Pair(t, muxtest.Config())
	aTx, _, _, bRx := muxtest.Base[pair](t, a, b, codec.CBOR())

	tx, rx := bin.Channel()
	require.NoError(aTx.Send(ctx, pair{Rx: rx}))

	msg, ok, err := bRx.Recv(ctx)
	require.NoError(err)
	require.True(ok)

	require.NoError(tx.Send(ctx, []byte{1, 2, 3}))
	require.NoError(tx.Close())

	data, err := msg.Rx.Recv(ctx)
	require.NoError(err)
	require.Equal([]byte{1, 2, 3}, data)
	_, err = msg.Rx.Recv(ctx)
	require.ErrorIs(err, io.EOF)
}

func TestBothHalvesSentAreForwarded(t *testing.T) {
	require := require.New(t)
	ctx := timeout(t)

	a, b := muxtest.Pair(t, muxtest.Config())
	aTx, _, _, bRx := muxtest.Base[pair](t, a, b, codec.JSON())

	tx, rx := bin.Channel()
	require.NoError(aTx.Send(ctx, pair{Tx: tx, Rx: rx}))

	msg, ok, err := bRx.Recv(ctx)
	require.NoError(err)
	require.True(ok)

	for _, word := range []string{"via", "the", "peer"} {
		require.NoError(msg.Tx.Send(ctx, []byte(word)))
		data, err := msg.Rx.Recv(ctx)
		require.NoError(err)
		require.Equal(word, string(data))
	}
	require.NoError(msg.Tx.Close())
	_, err = msg.Rx.Recv(ctx)
	require.ErrorIs(err, io.EOF)
}

func TestSendingHalfTwice(t *testing.T) {
	require := require.New(t)
	ctx := timeout(t)

	a, b := muxtest.Pair(t, muxtest.Config())
	aTx, _, _, _ := muxtest.Base[pair](t, a, b, codec.JSON())

	tx, rx := bin.Channel()
	defer rx.Close()
	require.NoError(aTx.Send(ctx, pair{Tx: tx}))
	require.ErrorIs(aTx.Send(ctx, pair{Tx: tx}), rch.ErrMoved)
}

func TestUnsentPairWaits(t *testing.T) {
	tx, rx := bin.Channel()
	defer tx.Close()
	defer rx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tx.Send(ctx, []byte("x")), context.DeadlineExceeded)
}

func TestCBORSentHalvesAreMoved(t *testing.T) {
	require := require.New(t)
	ctx := timeout(t)

	a, b := muxtest.Pair(t, muxtest.Config())
	aTx, _, _, bRx := muxtest.Base[pair](t, a, b, codec.CBOR())

	tx, rx := bin.Channel()
	require.NoError(aTx.Send(ctx, pair{Tx: tx}))
	require.NotPanics(func() {
		require.ErrorIs(tx.Send(ctx, []byte("x")), rch.ErrMoved)
	})
	require.ErrorIs(aTx.Send(ctx, pair{Tx: tx}), rch.ErrMoved)

	msg, ok, err := bRx.Recv(ctx)
	require.NoError(err)
	require.True(ok)
	require.NoError(msg.Tx.Send(ctx, []byte("cbor")))
	require.NoError(msg.Tx.Close())
	data, err := rx.Recv(ctx)
	require.NoError(err)
	require.Equal([]byte("cbor"), data)

	tx2, rx2 := bin.Channel()
	defer tx2.Close()
	require.NoError(aTx.Send(ctx, pair{Rx: rx2}))
	_, err = rx2.Recv(ctx)
	require.ErrorIs(err, rch.ErrMoved)
}

func TestHalfCopiesShareState(t *testing.T) {
	tx, rx := bin.Channel()
	defer rx.Close()
	txCopy := *tx
	require.NoError(t, txCopy.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, tx.Send(ctx, []byte("x")), chmux.ErrClosed)
}
