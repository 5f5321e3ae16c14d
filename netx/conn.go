package netx

import (
	"io"
	"net"
	"time"

	"github.com/m-lab/tcp-info/tcp"

	"github.com/stephen-soltesz/ndt5-client-cc/tcpinfox"
)

// Conn layers NDT's blocking-semantics-over-a-non-blocking-socket contract
// on top of a net.Conn: every Recv/Send/RecvN/SendN call is bounded by a
// single deadline covering the whole operation, and any failure is
// classified onto the closed Err taxonomy before it reaches the caller.
type Conn struct {
	net.Conn

	// Timeout bounds every Recv/Send/RecvN/SendN call. Zero means no
	// deadline is applied (the underlying net.Conn default).
	Timeout time.Duration
}

// NewConn wraps an already-established net.Conn.
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	return &Conn{Conn: c, Timeout: timeout}
}

func (c *Conn) deadline() time.Time {
	if c.Timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.Timeout)
}

// Recv reads at most len(buf) bytes, classifying any error.
func (c *Conn) Recv(buf []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(c.deadline()); err != nil {
		return 0, classify(err)
	}
	n, err := c.Conn.Read(buf)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

// Send writes buf with a single Write call on the underlying connection,
// bounded by one deadline, and returns the number of bytes written,
// classifying any error.
func (c *Conn) Send(buf []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(c.deadline()); err != nil {
		return 0, classify(err)
	}
	n, err := c.Conn.Write(buf)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

// RecvN reads exactly len(buf) bytes or returns a classified error. The
// whole operation shares a single deadline.
func (c *Conn) RecvN(buf []byte) error {
	if err := c.Conn.SetReadDeadline(c.deadline()); err != nil {
		return classify(err)
	}
	_, err := io.ReadFull(c.Conn, buf)
	if err != nil {
		return classify(err)
	}
	return nil
}

// SendN writes all of buf or returns a classified error. The whole
// operation shares a single deadline.
func (c *Conn) SendN(buf []byte) error {
	if err := c.Conn.SetWriteDeadline(c.deadline()); err != nil {
		return classify(err)
	}
	total := 0
	for total < len(buf) {
		n, err := c.Conn.Write(buf[total:])
		if err != nil {
			return classify(err)
		}
		total += n
	}
	return nil
}

// Read implements io.Reader without imposing a deadline, so that Conn can
// be handed to code (e.g. the ws package's frame reader) that sets its
// own read deadlines.
func (c *Conn) Read(buf []byte) (int, error) {
	n, err := c.Conn.Read(buf)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

// Write implements io.Writer, classifying errors.
func (c *Conn) Write(buf []byte) (int, error) {
	n, err := c.Conn.Write(buf)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

// EnableBBR attempts to enable the BBR congestion-control algorithm on the
// underlying connection, if it is a *net.TCPConn and the platform supports
// it. Failures are non-fatal: NDT measurements remain valid under the
// default congestion control algorithm.
func (c *Conn) EnableBBR() error {
	tc, ok := c.Conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return EnableBBR(tc)
}

// TCPInfo reads the kernel's TCP_INFO statistics for the underlying
// connection, if it is a *net.TCPConn and the platform supports it. It
// is the client-side analogue of the server's web100/tcp_info
// instrumentation: both ultimately read the same kernel structure, the
// server via a long-running netlink listener, this client via a direct
// getsockopt on its own socket.
func (c *Conn) TCPInfo() (*tcp.LinuxTCPInfo, error) {
	tc, ok := c.Conn.(*net.TCPConn)
	if !ok {
		return nil, tcpinfox.ErrNoSupport
	}
	file, err := tc.File()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return tcpinfox.GetTCPInfo(file)
}
