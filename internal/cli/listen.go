package cli

import (
	"context"
	"net"
)

// Listen opens a TCP listener that can rebind an address still held by
// connections of a previous run.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: control}
	return lc.Listen(ctx, "tcp", addr)
}
