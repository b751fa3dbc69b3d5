// Package service is a small request/reply protocol on top of the initial
// channel of a connection. Every request carries the sender half of an mpsc
// channel on which the server streams its replies.
package service

import (
	"context"
	"strings"

	"github.com/zllovesuki/chanmux/rch/base"
	"github.com/zllovesuki/chanmux/rch/mpsc"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ReplyBuffer is the queue length of the reply channel of a Call.
const ReplyBuffer = 8

type Request struct {
	Text  string               `json:"text" cbor:"text"`
	Reply *mpsc.Sender[string] `json:"reply" cbor:"reply"`
}

// Serve answers requests until the client closes its channel. Each word of
// a request is sent back upper-cased as its own reply.
func Serve(ctx context.Context, rx *base.Receiver[Request], logger *zap.Logger) error {
	for {
		req, ok, err := rx.Recv(ctx)
		if err != nil {
			var re *base.RecvError
			if errors.As(err, &re) && !re.IsFinal() {
				logger.Warn("skipping malformed request", zap.Error(err))
				continue
			}
			return errors.Wrap(err, "receiving request")
		}
		if !ok {
			logger.Debug("client closed the request channel")
			return nil
		}
		if req.Reply == nil {
			logger.Warn("request without reply channel", zap.String("text", req.Text))
			continue
		}
		go handle(ctx, req, logger)
	}
}

func handle(ctx context.Context, req Request, logger *zap.Logger) {
	defer req.Reply.Close()
	for _, word := range strings.Fields(req.Text) {
		if err := req.Reply.Send(ctx, strings.ToUpper(word)); err != nil {
			logger.Debug("reply not delivered", zap.Error(err))
			return
		}
	}
}

// Call sends text to the server and collects the replies.
func Call(ctx context.Context, tx *base.Sender[Request], text string) ([]string, error) {
	replyTx, replyRx := mpsc.Channel[string](ReplyBuffer)
	if err := tx.Send(ctx, Request{Text: text, Reply: replyTx}); err != nil {
		replyTx.Close()
		return nil, errors.Wrap(err, "sending request")
	}
	defer replyRx.Drop()

	var out []string
	for {
		v, ok, err := replyRx.Recv(ctx)
		if err != nil {
			return out, errors.Wrap(err, "receiving reply")
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}
