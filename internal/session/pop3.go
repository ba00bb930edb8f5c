package session

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	pop3client "github.com/knadh/go-pop3"

	"github.com/techstrom/emailTransferrer/internal/config"
	"github.com/techstrom/emailTransferrer/internal/transport"
)

// POP3Source is an authenticated POP3 session on a source server.
// Identifiers are UIDL tokens; messages are addressed by their
// session-local sequence numbers.
type POP3Source struct {
	conn   *pop3client.Conn
	logger *slog.Logger
}

// OpenPOP3Source dials and authenticates with USER/PASS.
func OpenPOP3Source(src config.Source, tc transport.Connector, logger *slog.Logger) (*POP3Source, error) {
	opt := pop3client.Opt{
		Host:        tc.Host,
		Port:        tc.Port,
		DialTimeout: tc.Timeout,
	}
	switch tc.Mode {
	case transport.ModeSSL:
		opt.TLSEnabled = true
	case transport.ModeStartTLS:
		opt.Dialer = &stlsDialer{connector: tc}
	}

	conn, err := pop3client.New(opt).NewConn()
	if err != nil {
		return nil, &ConnectionError{Addr: tc.Address(), Err: err}
	}

	if err := conn.Auth(src.Username, src.Password); err != nil {
		_ = conn.Quit()
		return nil, &ConnectionError{Addr: tc.Address(), Err: fmt.Errorf("auth %s: %w", src.Username, err)}
	}

	return &POP3Source{conn: conn, logger: logger}, nil
}

// List issues UIDL and returns the (sequence number, token) pairs in
// listing order. Entries without a token are skipped.
func (s *POP3Source) List() ([]Message, error) {
	ids, err := s.conn.Uidl(0)
	if err != nil {
		return nil, &ProtocolError{Op: "uidl", Err: err}
	}

	msgs := make([]Message, 0, len(ids))
	for _, id := range ids {
		if id.UID == "" {
			s.logger.Debug("uidl entry without token, skipping", "seq", id.ID)
			continue
		}
		msgs = append(msgs, Message{ID: id.UID, Num: uint32(id.ID)})
	}
	return msgs, nil
}

// Fetch retrieves the full raw message with RETR.
func (s *POP3Source) Fetch(msg Message) ([]byte, error) {
	buf, err := s.conn.RetrRaw(int(msg.Num))
	if err != nil {
		return nil, &ProtocolError{Op: "retr", Err: err}
	}
	return buf.Bytes(), nil
}

// MarkDeleted marks the message with DELE. The server finalizes the
// deletion when the session ends with QUIT.
func (s *POP3Source) MarkDeleted(msg Message) error {
	if err := s.conn.Dele(int(msg.Num)); err != nil {
		return &ProtocolError{Op: "dele", Err: err}
	}
	return nil
}

// FinalizeDeletions is a no-op for POP3; see MarkDeleted.
func (s *POP3Source) FinalizeDeletions() error { return nil }

// Close ends the session. On an aborted cycle the pending deletions are
// rolled back with RSET first, so a failed run does not leave spurious
// deletions on the server. Both commands are best-effort.
func (s *POP3Source) Close(aborted bool) {
	if aborted {
		if err := s.conn.Rset(); err != nil {
			s.logger.Debug("pop3 rset failed", "error", err)
		}
	}
	if err := s.conn.Quit(); err != nil {
		s.logger.Debug("pop3 quit failed", "error", err)
	}
}

// stlsDialer upgrades a plaintext POP3 connection with STLS before the
// pop3 client takes over. The client expects to read the server greeting
// itself, so the greeting consumed during the upgrade is replayed on the
// returned connection.
type stlsDialer struct {
	connector transport.Connector
}

func (d *stlsDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := net.DialTimeout(network, addr, d.connector.Timeout)
	if err != nil {
		return nil, err
	}

	r := bufio.NewReader(conn)
	greeting, err := readResponseLine(r)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if _, err := conn.Write([]byte("STLS\r\n")); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := readResponseLine(r); err != nil {
		conn.Close()
		return nil, fmt.Errorf("stls: %w", err)
	}

	tlsConn := tls.Client(conn, d.connector.TLSConfig())
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("stls handshake: %w", err)
	}

	return &replayConn{
		Conn: tlsConn,
		r:    io.MultiReader(strings.NewReader(greeting+"\r\n"), tlsConn),
	}, nil
}

func readResponseLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "+OK") {
		return "", fmt.Errorf("server refused: %s", line)
	}
	return line, nil
}

// replayConn serves the pre-TLS greeting ahead of the TLS stream.
type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(p []byte) (int, error) { return c.r.Read(p) }
