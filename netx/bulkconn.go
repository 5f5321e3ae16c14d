package netx

import "github.com/m-lab/tcp-info/tcp"

// BulkConn is the minimal surface a measurement flow needs to push or
// pull bulk bytes, satisfied directly by *Conn (plain/SOCKS5h/TLS flows)
// and by ws.MessageConn (flows carried inside WebSocket binary frames).
// c2s and s2c dial through this interface so a subtest never needs to
// know whether its flows are plain sockets or WebSocket messages.
type BulkConn interface {
	Send([]byte) (int, error)
	Recv([]byte) (int, error)
	EnableBBR() error
	TCPInfo() (*tcp.LinuxTCPInfo, error)
	Close() error
}
