package tunnelagent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// dialServer implements the Dialing and (optional) TlsHandshake states of
// spec.md §4.5: TCP connect, then TLS with SNI = the configured hostname
// using system-trusted roots, no client certificate.
func dialServer(cfg Config, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", cfg.ServerAddress(), timeout)
	if err != nil {
		return nil, fmt.Errorf("revtun: dial %s: %w", cfg.ServerAddress(), err)
	}

	if !cfg.UseTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName: cfg.ServerHost,
		MinVersion: tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("revtun: tls handshake with %s: %w", cfg.ServerHost, err)
	}
	return tlsConn, nil
}
