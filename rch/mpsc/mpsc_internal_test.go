package mpsc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zllovesuki/chanmux/codec"
	"github.com/zllovesuki/chanmux/internal/muxtest"
	"github.com/zllovesuki/chanmux/rch"
	"github.com/zllovesuki/chanmux/rch/base"

	"github.com/stretchr/testify/require"
)

func TestFinalErrorIsHeldBack(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	tx, rx := Channel[int](4)
	connectErr := errors.New("port refused")
	sh := tx.current()
	sh.q.ch <- item[int]{err: &RecvError{Kind: RecvRemoteConnect, Err: connectErr}}
	require.NoError(tx.Send(ctx, 1))
	require.NoError(tx.Close())

	v, ok, err := rx.Recv(ctx)
	require.NoError(err)
	require.True(ok)
	require.Equal(1, v)
	require.Error(rx.Error())

	_, ok, err = rx.Recv(ctx)
	require.False(ok)
	require.ErrorIs(err, connectErr)
	var re *RecvError
	require.ErrorAs(err, &re)
	require.Equal(RecvRemoteConnect, re.Kind)

	_, ok, err = rx.Recv(ctx)
	require.False(ok)
	require.NoError(err)
	require.NoError(rx.TakeError())
}

func TestNonFinalErrorIsReturned(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	tx, rx := Channel[int](4)
	defer tx.Close()
	decodeErr := &base.RecvError{Kind: base.RecvDeserialize, Err: errors.New("bad value")}
	tx.current().q.ch <- item[int]{err: &RecvError{Kind: RecvRemoteReceive, Err: decodeErr}}
	require.NoError(tx.Send(ctx, 2))

	_, ok, err := rx.Recv(ctx)
	require.False(ok)
	var re *RecvError
	require.ErrorAs(err, &re)
	require.False(re.IsFinal())

	v, ok, err := rx.Recv(ctx)
	require.NoError(err)
	require.True(ok)
	require.Equal(2, v)
	require.NoError(rx.Error())
}

func TestQueueClosesWithLastReference(t *testing.T) {
	q := newQueue[int](1)
	q.acquire()
	q.release()
	select {
	case <-q.ch:
		t.Fatal("queue closed early")
	default:
	}
	q.release()
	_, open := <-q.ch
	require.False(t, open)
}

func TestOfferSkipsDroppedQueue(t *testing.T) {
	require := require.New(t)
	q := newQueue[int](2)
	require.True(q.offer(item[int]{value: 1}))
	q.drop()
	require.False(q.offer(item[int]{value: 2}))
	require.Len(q.ch, 1)
}

func TestTransportFailureAfterSomeValues(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, b := muxtest.Pair(t, muxtest.Config())
	aTx, _, _, bRx := muxtest.Base[*Sender[int]](t, a, b, codec.JSON())

	tx, rx := Channel[int](8)
	keep := tx.Clone()
	require.NoError(aTx.Send(ctx, tx))
	remote, ok, err := bRx.Recv(ctx)
	require.NoError(err)
	require.True(ok)

	for i := 0; i < 3; i++ {
		require.NoError(remote.Send(ctx, i))
	}
	sh := rx.sh
	require.Eventually(func() bool {
		return len(sh.q.ch) == 3
	}, 5*time.Second, 5*time.Millisecond)

	b.Kill()
	// three values and the error of the broken port
	require.Eventually(func() bool {
		return len(sh.q.ch) == 4
	}, 5*time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		v, ok, err := rx.Recv(ctx)
		require.NoError(err)
		require.True(ok)
		require.Equal(i, v)
	}
	// the clone keeps the channel alive, the error stays held back
	_, err = rx.TryRecv()
	require.ErrorIs(err, ErrEmpty)
	require.Error(rx.Error())

	require.NoError(keep.Close())
	_, ok, err = rx.Recv(ctx)
	require.False(ok)
	var re *RecvError
	require.ErrorAs(err, &re)
	require.Equal(RecvRemoteReceive, re.Kind)
	require.True(re.IsFinal())
}

func TestQueuedErrorIsReportedToSenders(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	a, b := muxtest.Pair(t, muxtest.Config())
	aTx, _, _, bRx := muxtest.Base[*Receiver[int]](t, a, b, codec.JSON())

	tx, rx := Channel[int](4)
	defer tx.Close()
	tx.current().q.ch <- item[int]{err: &RecvError{Kind: RecvRemoteConnect, Err: errors.New("port refused")}}
	require.NoError(tx.Send(ctx, 1))
	require.NoError(aTx.Send(ctx, rx))

	remote, ok, err := bRx.Recv(ctx)
	require.NoError(err)
	require.True(ok)
	v, ok, err := remote.Recv(ctx)
	require.NoError(err)
	require.True(ok)
	require.Equal(1, v)

	require.Eventually(func() bool {
		return tx.Error() != nil
	}, 5*time.Second, 5*time.Millisecond)
	var rse *rch.RemoteSendError
	require.ErrorAs(tx.Error(), &rse)
	require.Equal(rch.RemoteForward, rse.Kind)
}
