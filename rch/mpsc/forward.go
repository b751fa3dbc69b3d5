package mpsc

import (
	"context"
	"errors"

	"github.com/zllovesuki/chanmux/chmux"
	"github.com/zllovesuki/chanmux/codec"
	"github.com/zllovesuki/chanmux/profiler"
	"github.com/zllovesuki/chanmux/rch"
	"github.com/zllovesuki/chanmux/rch/base"

	"go.uber.org/zap"
)

// recvImpl feeds values arriving on a port into the local queue and reports
// receiver state back over the port. It owns one reference of sh.q.
func recvImpl[T any](sh *shared[T], c codec.Codec, rawTx *chmux.Sender, rawRx *chmux.Receiver) {
	logger := rawRx.Logger().With(zap.String("channel", "mpsc"), zap.String("direction", "receive"))
	rx := base.NewReceiver[T](rawRx, c)

	ctx, cancel := context.WithCancel(context.Background())
	backDone := make(chan struct{})
	defer func() {
		cancel()
		<-backDone
		rawRx.Close()
		rawTx.Close()
		sh.q.release()
	}()

	go func() {
		defer close(backDone)
		closedCh, errCh := sh.closed.Ready(), sh.remoteErr.Ready()
		for closedCh != nil || errCh != nil {
			select {
			case <-closedCh:
				closedCh = nil
				if reason, _ := sh.closed.Get(); reason == rch.Closed {
					if err := rawTx.Send(ctx, []byte{rch.BackchannelClose}); err != nil {
						logger.Debug("sending close notification", zap.Error(err))
					}
				} else {
					// the local receiver is gone, stop forwarding
					cancel()
					return
				}
			case <-errCh:
				errCh = nil
				if err := rawTx.Send(ctx, []byte{rch.BackchannelError}); err != nil {
					logger.Debug("sending error notification", zap.Error(err))
				}
			case <-sh.q.gone:
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-sh.q.gone:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		v, ok, err := rx.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				profiler.ChannelForwards.WithLabelValues("mpsc", "dropped").Inc()
				return
			}
			rerr := &RecvError{Kind: RecvRemoteReceive, Err: err}
			if !sh.q.push(ctx, item[T]{err: rerr}) {
				return
			}
			if rerr.IsFinal() {
				logger.Debug("receiving from remote failed", zap.Error(err))
				profiler.ChannelForwards.WithLabelValues("mpsc", "failed").Inc()
				return
			}
			continue
		}
		if !ok {
			profiler.ChannelForwards.WithLabelValues("mpsc", "finished").Inc()
			return
		}
		if !sh.q.push(ctx, item[T]{value: v}) {
			profiler.ChannelForwards.WithLabelValues("mpsc", "dropped").Inc()
			return
		}
	}
}

// sendImpl forwards values from the local queue to a port until every local
// sender is gone or the remote receiver went away.
func sendImpl[T any](sh *shared[T], c codec.Codec, rawTx *chmux.Sender, rawRx *chmux.Receiver) {
	logger := rawTx.Logger().With(zap.String("channel", "mpsc"), zap.String("direction", "send"))
	tx := base.NewSender[T](rawTx, c)

	ctx, cancel := context.WithCancel(context.Background())
	backDone := make(chan struct{})
	defer func() {
		cancel()
		rawRx.Close()
		<-backDone
		tx.Close()
	}()

	go func() {
		defer close(backDone)
		for {
			msg, err := rawRx.Recv(ctx)
			if err != nil {
				if ctx.Err() == nil {
					sh.closed.SetOnce(rch.Dropped)
					cancel()
				}
				return
			}
			if len(msg) == 0 {
				continue
			}
			switch msg[0] {
			case rch.BackchannelClose:
				sh.closed.SetOnce(rch.Closed)
			case rch.BackchannelError:
				sh.remoteErr.Set(&rch.RemoteSendError{Kind: rch.RemoteForward})
			default:
				logger.Debug("unknown backchannel message", zap.Uint8("type", msg[0]))
			}
		}
	}()

	for {
		var it item[T]
		var open bool
		select {
		case it, open = <-sh.q.ch:
		case <-ctx.Done():
			profiler.ChannelForwards.WithLabelValues("mpsc", "dropped").Inc()
			return
		}
		if !open {
			profiler.ChannelForwards.WithLabelValues("mpsc", "finished").Inc()
			return
		}
		if it.err != nil {
			// a hop feeding this queue failed, the senders learn about it
			logger.Warn("queued receive error", zap.Error(it.err))
			sh.remoteErr.Set(&rch.RemoteSendError{Kind: rch.RemoteForward, Err: it.err})
			continue
		}
		err := tx.Send(ctx, it.value)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			profiler.ChannelForwards.WithLabelValues("mpsc", "dropped").Inc()
			return
		}
		var se *base.SendError
		if errors.As(err, &se) && se.IsClosed() {
			sh.closed.SetOnce(rch.Dropped)
			profiler.ChannelForwards.WithLabelValues("mpsc", "failed").Inc()
			return
		}
		sh.remoteErr.Set(&rch.RemoteSendError{Kind: rch.RemoteSend, Err: err})
		if errors.As(err, &se) && !se.IsFinal() {
			logger.Warn("value could not be forwarded", zap.Error(err))
			continue
		}
		profiler.ChannelForwards.WithLabelValues("mpsc", "failed").Inc()
		return
	}
}
