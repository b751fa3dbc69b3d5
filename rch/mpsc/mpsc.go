// Package mpsc implements a multi-producer single-consumer channel whose
// halves can be sent to remote endpoints.
//
// Both halves are local when created by Channel. Sending a Sender or a
// Receiver inside a value over another remote channel moves it: the local
// handle becomes unusable and a forwarding task moves values between the
// local queue and a multiplexer port, so senders and the receiver may end
// up on different endpoints, or several hops apart.
package mpsc

// Channel creates a local channel whose queue holds buffer values.
func Channel[T any](buffer int) (*Sender[T], *Receiver[T]) {
	if buffer <= 0 {
		panic("mpsc: buffer must be positive")
	}
	sh := newShared[T](buffer)
	return newSender(sh, nil, 0), newReceiver(sh, nil, 0)
}
