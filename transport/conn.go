package transport

import (
	"net"
)

type connTransport struct {
	*LengthDelimited
	conn net.Conn
}

// NewConn frames conn with length headers. Closing the transport closes conn,
// which also ends the local Stream.
func NewConn(conn net.Conn, maxRecv uint32) Transport {
	return &connTransport{
		LengthDelimited: NewLengthDelimited(conn, conn, maxRecv),
		conn:            conn,
	}
}

func (c *connTransport) Close() error {
	return c.conn.Close()
}
