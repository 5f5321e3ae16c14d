// Package tlsx wraps crypto/tls for NDT's TLS transport layer: SNI,
// optional CA-bundle verification, and the ability to skip verification
// for lab/self-signed deployments. Grounded in original_source/libndt.hpp's
// Tls abstraction; unlike the WebSocket and SOCKS5h layers, there is no
// idiomatic-Go alternative to the standard library's crypto/tls client
// state machine, so this layer is a thin policy wrapper rather than a
// reimplementation.
package tlsx

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/stephen-soltesz/ndt5-client-cc/netx"
)

// Settings configures the TLS handshake performed by Client.
type Settings struct {
	// ServerName is sent as the SNI extension and used for peer
	// certificate verification unless InsecureSkipVerify is set.
	ServerName string
	// CABundlePath, if non-empty, names a PEM file of trusted roots to
	// verify the peer certificate against, instead of the system pool.
	CABundlePath string
	// InsecureSkipVerify disables peer certificate verification.
	InsecureSkipVerify bool
}

// Client performs a TLS client handshake over conn and returns a new
// *netx.Conn wrapping the resulting tls.Conn. Deadlines set on the
// returned Conn continue to apply to the encrypted stream.
func Client(conn *netx.Conn, settings Settings) (*netx.Conn, error) {
	cfg := &tls.Config{
		ServerName:         settings.ServerName,
		InsecureSkipVerify: settings.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if settings.CABundlePath != "" {
		pool, err := loadCABundle(settings.CABundlePath)
		if err != nil {
			return nil, fmt.Errorf("tlsx: loading CA bundle: %w", err)
		}
		cfg.RootCAs = pool
	}

	tc := tls.Client(conn, cfg)
	if err := tc.Handshake(); err != nil {
		return nil, fmt.Errorf("tlsx: handshake failed: %w", err)
	}
	return netx.NewConn(tc, conn.Timeout), nil
}

func loadCABundle(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tlsx: no certificates found in %s", path)
	}
	return pool, nil
}
