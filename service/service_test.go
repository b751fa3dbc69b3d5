package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zllovesuki/chanmux/codec"
	"github.com/zllovesuki/chanmux/internal/muxtest"
	"github.com/zllovesuki/chanmux/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCallAndServe(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON(), codec.CBOR()} {
		c := c
		t.Run(c.ContentType(), func(t *testing.T) {
			require := require.New(t)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			a, b := muxtest.Pair(t, muxtest.Config())
			aTx, _, _, bRx := muxtest.Base[service.Request](t, a, b, c)

			served := make(chan error, 1)
			go func() {
				served <- service.Serve(ctx, bRx, zap.NewNop())
			}()

			replies, err := service.Call(ctx, aTx, "hello big world")
			require.NoError(err)
			require.Equal([]string{"HELLO", "BIG", "WORLD"}, replies)

			replies, err = service.Call(ctx, aTx, "   ")
			require.NoError(err)
			require.Empty(replies)

			require.NoError(aTx.Close())
			require.NoError(<-served)
		})
	}
}

func TestConcurrentCalls(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, b := muxtest.Pair(t, muxtest.Config())
	aTx, _, _, bRx := muxtest.Base[service.Request](t, a, b, codec.JSON())
	go service.Serve(ctx, bRx, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			word := fmt.Sprintf("call%d", i)
			replies, err := service.Call(ctx, aTx, word+" "+word)
			if assert.NoError(t, err) {
				assert.Equal(t, []string{"CALL" + word[4:], "CALL" + word[4:]}, replies)
			}
		}(i)
	}
	wg.Wait()
}
