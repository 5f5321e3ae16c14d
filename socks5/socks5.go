// Package socks5 implements a minimal SOCKS5h (RFC 1928) CONNECT client:
// no authentication, hostname passed through as a domain address so the
// proxy performs DNS resolution ("the h" in SOCKS5h). It is grounded in
// original_source/libndt.hpp's netx_connect_socks5h.
package socks5

import (
	"fmt"
	"net"
	"strconv"

	"github.com/stephen-soltesz/ndt5-client-cc/netx"
)

const (
	socksVersion5     = 0x05
	methodNoAuth      = 0x00
	cmdConnect        = 0x01
	reserved          = 0x00
	addrTypeDomain    = 0x03
	addrTypeIPv4      = 0x01
	addrTypeIPv6      = 0x04
	replySucceeded    = 0x00
	maxDomainNameLen  = 255
)

// Dial performs the SOCKS5 handshake and CONNECT request for target
// (host:port) over an already-established connection to the proxy, and
// returns conn unmodified once the proxy has confirmed the tunnel is up.
// The proxy, not this client, resolves target's hostname.
func Dial(conn *netx.Conn, target string) (*netx.Conn, error) {
	if err := greet(conn); err != nil {
		return nil, err
	}
	if err := connect(conn, target); err != nil {
		return nil, err
	}
	return conn, nil
}

func greet(conn *netx.Conn) error {
	// VER=5, NMETHODS=1, METHODS=[NO_AUTH]
	req := []byte{socksVersion5, 0x01, methodNoAuth}
	if err := conn.SendN(req); err != nil {
		return fmt.Errorf("socks5: greeting failed: %w", err)
	}
	resp := make([]byte, 2)
	if err := conn.RecvN(resp); err != nil {
		return fmt.Errorf("socks5: greeting response failed: %w", err)
	}
	if resp[0] != socksVersion5 {
		return fmt.Errorf("socks5: unexpected version %d", resp[0])
	}
	if resp[1] != methodNoAuth {
		return fmt.Errorf("socks5: server rejected no-auth method")
	}
	return nil
}

func connect(conn *netx.Conn, target string) error {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return fmt.Errorf("socks5: invalid target %q: %w", target, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("socks5: invalid port %q: %w", portStr, err)
	}
	if len(host) > maxDomainNameLen {
		return fmt.Errorf("socks5: hostname too long: %q", host)
	}

	req := make([]byte, 0, 7+len(host))
	req = append(req, socksVersion5, cmdConnect, reserved, addrTypeDomain, byte(len(host)))
	req = append(req, []byte(host)...)
	req = append(req, byte(port>>8), byte(port))

	if err := conn.SendN(req); err != nil {
		return fmt.Errorf("socks5: connect request failed: %w", err)
	}

	hdr := make([]byte, 4)
	if err := conn.RecvN(hdr); err != nil {
		return fmt.Errorf("socks5: connect reply header failed: %w", err)
	}
	if hdr[0] != socksVersion5 {
		return fmt.Errorf("socks5: unexpected reply version %d", hdr[0])
	}
	if hdr[1] != replySucceeded {
		return fmt.Errorf("socks5: proxy refused CONNECT, reply code %d", hdr[1])
	}

	// Drain the bound-address field so the stream is left positioned at
	// the first byte of the tunneled protocol.
	var addrLen int
	switch hdr[3] {
	case addrTypeIPv4:
		addrLen = 4
	case addrTypeIPv6:
		addrLen = 16
	case addrTypeDomain:
		lenBuf := make([]byte, 1)
		if err := conn.RecvN(lenBuf); err != nil {
			return fmt.Errorf("socks5: reading bound domain length failed: %w", err)
		}
		addrLen = int(lenBuf[0])
	default:
		return fmt.Errorf("socks5: unknown bound address type %d", hdr[3])
	}
	rest := make([]byte, addrLen+2) // address + port
	if err := conn.RecvN(rest); err != nil {
		return fmt.Errorf("socks5: reading bound address failed: %w", err)
	}
	return nil
}
