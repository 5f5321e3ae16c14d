package netx

import (
	"context"
	"net"
	"time"
)

// Dialer establishes plain TCP connections wrapped as *Conn. Higher layers
// (socks5, tlsx, ws) take a *Conn and return a new *Conn, so the stack
// composes: Dialer -> socks5.Dial -> tlsx.Client -> ws.Handshake.
type Dialer struct {
	// Timeout bounds both the connect attempt and every subsequent
	// Recv/Send/RecvN/SendN call made through the returned Conn.
	Timeout time.Duration
}

// Dial connects to address (host:port) over network (almost always "tcp").
func (d *Dialer) Dial(ctx context.Context, network, address string) (*Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	c, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, classify(err)
	}
	return NewConn(c, d.Timeout), nil
}
