package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/techstrom/emailTransferrer/internal/config"
	"github.com/techstrom/emailTransferrer/internal/transport"
)

// IMAPDestination is an authenticated IMAP session on the destination
// server, used to create the target mailbox and append messages to it.
type IMAPDestination struct {
	client *imapclient.Client
	logger *slog.Logger
}

// OpenDestination dials and authenticates against the destination server.
func OpenDestination(dst config.Destination, tc transport.Connector, logger *slog.Logger) (*IMAPDestination, error) {
	client, err := dialIMAP(tc)
	if err != nil {
		return nil, &ConnectionError{Addr: tc.Address(), Err: err}
	}

	if err := client.Login(dst.Username, dst.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, &ConnectionError{Addr: tc.Address(), Err: fmt.Errorf("login %s: %w", dst.Username, err)}
	}

	return &IMAPDestination{client: client, logger: logger}, nil
}

// EnsureMailbox selects the mailbox, creating it first when selection
// fails. A create that races with another client creating the same
// mailbox is tolerated; what matters is that the final select succeeds.
func (d *IMAPDestination) EnsureMailbox(name string) error {
	if _, err := d.client.Select(name, nil).Wait(); err == nil {
		return nil
	}

	if err := d.client.Create(name, nil).Wait(); err != nil && !alreadyExists(err) {
		return &MailboxError{Mailbox: name, Err: fmt.Errorf("create: %w", err)}
	}

	if _, err := d.client.Select(name, nil).Wait(); err != nil {
		return &MailboxError{Mailbox: name, Err: err}
	}
	return nil
}

func alreadyExists(err error) bool {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeAlreadyExists {
		return true
	}
	return strings.Contains(strings.ToUpper(err.Error()), "ALREADYEXISTS")
}

// Append delivers a raw message into the mailbox on this session's server.
func (d *IMAPDestination) Append(mailbox string, raw []byte) error {
	cmd := d.client.Append(mailbox, int64(len(raw)), nil)
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return &ProtocolError{Op: "append", Err: err}
	}
	if err := cmd.Close(); err != nil {
		return &ProtocolError{Op: "append", Err: err}
	}
	if _, err := cmd.Wait(); err != nil {
		return &ProtocolError{Op: "append", Err: err}
	}
	return nil
}

// Close logs out, best-effort.
func (d *IMAPDestination) Close() {
	if err := d.client.Logout().Wait(); err != nil {
		d.logger.Debug("imap logout failed", "error", err)
	}
	_ = d.client.Close()
}
