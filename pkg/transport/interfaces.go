package transport

import (
	"net"
	"time"
)

// ClientConnection is the client side of a framed connection, as used by
// the interaction layer. Tests substitute in-memory pipes.
type ClientConnection interface {
	ConnID() string
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// Send writes one frame.
	Send(data []byte) error

	// Receive reads one frame. A zero timeout blocks until a frame
	// arrives or the connection closes.
	Receive(timeout time.Duration) ([]byte, error)

	Close() error
}

var _ ClientConnection = (*ClientConn)(nil)
