package base_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zllovesuki/chanmux/chmux"
	"github.com/zllovesuki/chanmux/codec"
	"github.com/zllovesuki/chanmux/internal/muxtest"
	"github.com/zllovesuki/chanmux/rch/base"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X int    `json:"x" cbor:"x"`
	Y int    `json:"y" cbor:"y"`
	L string `json:"l" cbor:"l"`
}

func TestSendRecv(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON(), codec.CBOR()} {
		c := c
		t.Run(c.ContentType(), func(t *testing.T) {
			require := require.New(t)
			a, b := muxtest.Pair(t, muxtest.Config())
			atx, _, _, brx := muxtest.Base[point](t, a, b, c)
			ctx := context.Background()

			for i := 0; i < 10; i++ {
				require.NoError(atx.Send(ctx, point{X: i, Y: -i, L: "p"}))
			}
			require.NoError(atx.Close())

			for i := 0; i < 10; i++ {
				v, ok, err := brx.Recv(ctx)
				require.NoError(err)
				require.True(ok)
				require.Equal(point{X: i, Y: -i, L: "p"}, v)
			}
			_, ok, err := brx.Recv(ctx)
			require.NoError(err)
			require.False(ok)
		})
	}
}

type picky int

func (p *picky) UnmarshalJSON(b []byte) error {
	if string(b) == "13" {
		return errors.New("unlucky number")
	}
	return json.Unmarshal(b, (*int)(p))
}

func TestDeserializeErrorIsNotFinal(t *testing.T) {
	require := require.New(t)
	a, b := muxtest.Pair(t, muxtest.Config())
	atx, _, _, brx := muxtest.Base[picky](t, a, b, codec.JSON())
	ctx := context.Background()

	require.NoError(atx.Send(ctx, 13))
	require.NoError(atx.Send(ctx, 14))

	_, _, err := brx.Recv(ctx)
	var re *base.RecvError
	require.ErrorAs(err, &re)
	require.Equal(base.RecvDeserialize, re.Kind)
	require.False(re.IsFinal())

	v, ok, err := brx.Recv(ctx)
	require.NoError(err)
	require.True(ok)
	require.Equal(picky(14), v)
}

func TestBridgeOutsideSend(t *testing.T) {
	_, err := base.Connect(func(base.Connector) {}, nil)
	assert.ErrorIs(t, err, base.ErrNotActive)
	assert.ErrorIs(t, base.Accept(1, func(*chmux.PortNumber, *chmux.Request) {}), base.ErrNotActive)
	assert.Nil(t, base.EncodingCodec())
	assert.Nil(t, base.DecodingCodec())
}

// gatedCodec holds Marshal calls made after arm until release is closed.
type gatedCodec struct {
	codec.Codec
	armed   atomic.Bool
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedCodec(c codec.Codec) *gatedCodec {
	return &gatedCodec{Codec: c, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedCodec) Marshal(v any) ([]byte, error) {
	if g.armed.Load() {
		g.once.Do(func() {
			close(g.entered)
		})
		<-g.release
	}
	return g.Codec.Marshal(v)
}

type portResult struct {
	tx  *chmux.Sender
	rx  *chmux.Receiver
	err error
}

type portHandle struct {
	connected chan portResult
	aborted   chan struct{}
}

func newPortHandle() *portHandle {
	return &portHandle{connected: make(chan portResult, 1), aborted: make(chan struct{})}
}

func (h *portHandle) MarshalJSON() ([]byte, error) {
	port, err := base.Connect(func(connect base.Connector) {
		tx, rx, err := connect(context.Background())
		h.connected <- portResult{tx, rx, err}
	}, func() {
		close(h.aborted)
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(port)
}

func (h *portHandle) UnmarshalJSON(b []byte) error {
	var port uint32
	if err := json.Unmarshal(b, &port); err != nil {
		return err
	}
	h.connected = make(chan portResult, 1)
	return base.Accept(port, func(pn *chmux.PortNumber, req *chmux.Request) {
		tx, rx, err := req.AcceptFrom(pn)
		h.connected <- portResult{tx, rx, err}
	})
}

type envelope struct {
	Name   string      `json:"name"`
	Handle *portHandle `json:"handle"`
	Extra  interface{} `json:"extra,omitempty"`
}

func waitPort(t *testing.T, h *portHandle) portResult {
	select {
	case r := <-h.connected:
		require.NoError(t, r.err)
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("port was not connected")
		return portResult{}
	}
}

func TestHandlePortIsConnected(t *testing.T) {
	require := require.New(t)
	a, b := muxtest.Pair(t, muxtest.Config())
	atx, _, _, brx := muxtest.Base[envelope](t, a, b, codec.JSON())
	ctx := context.Background()

	h := newPortHandle()
	require.NoError(atx.Send(ctx, envelope{Name: "first", Handle: h}))

	env, ok, err := brx.Recv(ctx)
	require.NoError(err)
	require.True(ok)
	require.Equal("first", env.Name)

	local := waitPort(t, h)
	remote := waitPort(t, env.Handle)

	require.NoError(local.tx.Send(ctx, []byte("over the new port")))
	msg, err := remote.rx.Recv(ctx)
	require.NoError(err)
	require.Equal([]byte("over the new port"), msg)

	require.NoError(remote.tx.Send(ctx, []byte("and back")))
	msg, err = local.rx.Recv(ctx)
	require.NoError(err)
	require.Equal([]byte("and back"), msg)
}

func TestSerializeFailureAborts(t *testing.T) {
	require := require.New(t)
	a, b := muxtest.Pair(t, muxtest.Config())
	atx, _, _, _ := muxtest.Base[envelope](t, a, b, codec.JSON())

	h := newPortHandle()
	err := atx.Send(context.Background(), envelope{Handle: h, Extra: make(chan int)})
	var se *base.SendError
	require.ErrorAs(err, &se)
	require.Equal(base.SendSerialize, se.Kind)
	require.False(se.IsFinal())

	select {
	case <-h.aborted:
	case <-time.After(time.Second):
		t.Fatal("abort was not called")
	}
}

func TestMissingPorts(t *testing.T) {
	require := require.New(t)
	a, b := muxtest.Pair(t, muxtest.Config())
	ctx := context.Background()

	accepted := make(chan *chmux.Receiver, 1)
	go func() {
		req, err := b.Listener.Accept(ctx)
		if err != nil {
			return
		}
		_, rx, err := req.Accept(ctx)
		if err == nil {
			accepted <- rx
		}
	}()
	tx, _, err := a.Client.Connect(ctx)
	require.NoError(err)
	raw := <-accepted

	require.NoError(tx.Send(ctx, []byte(`{"name":"x","handle":7}`)))
	require.NoError(tx.Close())

	rx := base.NewReceiver[envelope](raw, codec.JSON())
	_, _, err = rx.Recv(ctx)
	var re *base.RecvError
	require.ErrorAs(err, &re)
	require.Equal(base.RecvMissingPorts, re.Kind)
	require.True(re.IsFinal())
}

func TestSendToClosedReceiver(t *testing.T) {
	a, b := muxtest.Pair(t, muxtest.Config())
	atx, _, _, brx := muxtest.Base[int](t, a, b, codec.JSON())

	require.NoError(t, brx.Close())
	require.Eventually(t, func() bool {
		err := atx.Send(context.Background(), 1)
		var se *base.SendError
		return errors.As(err, &se) && se.IsClosed() && se.IsFinal()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBridgeIsBoundToEncodingGoroutine(t *testing.T) {
	require := require.New(t)
	a, b := muxtest.Pair(t, muxtest.Config())
	gate := newGatedCodec(codec.JSON())
	atx, _, _, brx := muxtest.Base[envelope](t, a, b, gate)
	ctx := context.Background()
	gate.armed.Store(true)

	h := newPortHandle()
	sent := make(chan error, 1)
	go func() {
		sent <- atx.Send(ctx, envelope{Name: "gated", Handle: h})
	}()
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("send did not reach the codec")
	}

	// encoding another handle while the send sits in its codec
	_, err := json.Marshal(newPortHandle())
	require.ErrorIs(err, base.ErrNotActive)
	require.Nil(base.EncodingCodec())

	close(gate.release)
	require.NoError(<-sent)

	env, ok, err := brx.Recv(ctx)
	require.NoError(err)
	require.True(ok)
	require.Equal("gated", env.Name)
	waitPort(t, h)
	waitPort(t, env.Handle)
}

func TestConcurrentSendsKeepTheirHandles(t *testing.T) {
	const n = 8
	ctx := context.Background()

	type link struct {
		tx *base.Sender[envelope]
		rx *base.Receiver[envelope]
	}
	links := make([]link, n)
	for i := range links {
		a, b := muxtest.Pair(t, muxtest.Config())
		atx, _, _, brx := muxtest.Base[envelope](t, a, b, codec.JSON())
		links[i] = link{atx, brx}
	}

	var wg sync.WaitGroup
	for i := range links {
		wg.Add(1)
		go func(l link) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				h := newPortHandle()
				if !assert.NoError(t, l.tx.Send(ctx, envelope{Name: "h", Handle: h})) {
					return
				}
				env, ok, err := l.rx.Recv(ctx)
				if !assert.NoError(t, err) || !assert.True(t, ok) {
					return
				}
				assert.NotNil(t, env.Handle)
				local := <-h.connected
				remote := <-env.Handle.connected
				assert.NoError(t, local.err)
				assert.NoError(t, remote.err)
			}
		}(links[i])
	}
	wg.Wait()
}
