// Package transport provides the dialing seam below the IMAP and POP3
// protocol clients: it knows how to reach a host with the configured
// encryption mode, and nothing about the protocols spoken on top.
package transport

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"
)

// Mode selects how the connection to a mail server is secured.
type Mode string

const (
	// ModeSSL wraps the connection in TLS from the first byte.
	ModeSSL Mode = "ssl"
	// ModeStartTLS connects in plaintext and upgrades before
	// authentication (STARTTLS for IMAP, STLS for POP3).
	ModeStartTLS Mode = "starttls"
	// ModeNone uses a plaintext connection.
	ModeNone Mode = "none"
)

// Connector describes one endpoint and how to reach it.
type Connector struct {
	Host    string
	Port    int
	Mode    Mode
	Timeout time.Duration
}

// Address returns the host:port dial address.
func (c Connector) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TLSConfig returns a TLS configuration verifying the endpoint's hostname.
func (c Connector) TLSConfig() *tls.Config {
	return &tls.Config{ServerName: c.Host}
}

// DialTCP opens a plaintext connection, honoring the configured timeout.
func (c Connector) DialTCP() (net.Conn, error) {
	return net.DialTimeout("tcp", c.Address(), c.Timeout)
}

// DialTLS opens a TLS connection, honoring the configured timeout.
func (c Connector) DialTLS() (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.Timeout}
	return tls.DialWithDialer(dialer, "tcp", c.Address(), c.TLSConfig())
}
