package session

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/techstrom/emailTransferrer/internal/config"
	"github.com/techstrom/emailTransferrer/internal/transport"
)

// IMAPSource is an authenticated IMAP session with the source folder
// selected. Identifiers are mailbox UIDs; their stability assumes the
// mailbox's UIDVALIDITY does not change between runs, which is not
// verified here.
type IMAPSource struct {
	client   *imapclient.Client
	criteria *imap.SearchCriteria
	logger   *slog.Logger
}

// OpenIMAPSource dials, authenticates and selects the source folder.
func OpenIMAPSource(src config.Source, tc transport.Connector, logger *slog.Logger) (*IMAPSource, error) {
	criteria, err := ParseSearchCriteria(src.SearchCriteria)
	if err != nil {
		return nil, err
	}

	client, err := dialIMAP(tc)
	if err != nil {
		return nil, &ConnectionError{Addr: tc.Address(), Err: err}
	}

	if err := client.Login(src.Username, src.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, &ConnectionError{Addr: tc.Address(), Err: fmt.Errorf("login %s: %w", src.Username, err)}
	}

	if _, err := client.Select(src.Folder, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &MailboxError{Mailbox: src.Folder, Err: err}
	}

	return &IMAPSource{client: client, criteria: criteria, logger: logger}, nil
}

// dialIMAP connects an IMAP client per the connector's encryption mode.
func dialIMAP(tc transport.Connector) (*imapclient.Client, error) {
	opts := &imapclient.Options{TLSConfig: tc.TLSConfig()}

	switch tc.Mode {
	case transport.ModeStartTLS:
		return imapclient.DialStartTLS(tc.Address(), opts)
	case transport.ModeNone:
		conn, err := tc.DialTCP()
		if err != nil {
			return nil, err
		}
		return imapclient.New(conn, opts), nil
	default:
		conn, err := tc.DialTLS()
		if err != nil {
			return nil, err
		}
		return imapclient.New(conn, opts), nil
	}
}

// ParseSearchCriteria translates a server-side search filter string such
// as "UNSEEN" or "FLAGGED UNDELETED" into search criteria. Supported are
// ALL and the standard flag keywords; criteria are combined with AND.
func ParseSearchCriteria(filter string) (*imap.SearchCriteria, error) {
	criteria := &imap.SearchCriteria{}
	for _, word := range strings.Fields(strings.ToUpper(filter)) {
		switch word {
		case "ALL":
		case "SEEN":
			criteria.Flag = append(criteria.Flag, imap.FlagSeen)
		case "UNSEEN":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
		case "ANSWERED":
			criteria.Flag = append(criteria.Flag, imap.FlagAnswered)
		case "UNANSWERED":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagAnswered)
		case "FLAGGED":
			criteria.Flag = append(criteria.Flag, imap.FlagFlagged)
		case "UNFLAGGED":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagFlagged)
		case "DELETED":
			criteria.Flag = append(criteria.Flag, imap.FlagDeleted)
		case "UNDELETED":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagDeleted)
		case "DRAFT":
			criteria.Flag = append(criteria.Flag, imap.FlagDraft)
		case "UNDRAFT":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagDraft)
		default:
			return nil, fmt.Errorf("unsupported search criteria: %s", word)
		}
	}
	return criteria, nil
}

// List runs a UID search with the configured filter and returns the
// matching UIDs in server order.
func (s *IMAPSource) List() ([]Message, error) {
	data, err := s.client.UIDSearch(s.criteria, nil).Wait()
	if err != nil {
		return nil, &ProtocolError{Op: "uid search", Err: err}
	}

	uids := data.AllUIDs()
	msgs := make([]Message, 0, len(uids))
	for _, uid := range uids {
		msgs = append(msgs, Message{
			ID:  strconv.FormatUint(uint64(uid), 10),
			Num: uint32(uid),
		})
	}
	return msgs, nil
}

// Fetch retrieves the full raw message for the given UID. A UID that no
// longer exists yields (nil, nil), not an error.
func (s *IMAPSource) Fetch(msg Message) ([]byte, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	options := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}

	bufs, err := s.client.Fetch(imap.UIDSetNum(imap.UID(msg.Num)), options).Collect()
	if err != nil {
		return nil, &ProtocolError{Op: "uid fetch", Err: err}
	}
	if len(bufs) == 0 {
		return nil, nil
	}

	raw := bufs[0].FindBodySection(section)
	if len(raw) == 0 {
		return nil, &ProtocolError{Op: "uid fetch", Err: fmt.Errorf("no body returned for uid %s", msg.ID)}
	}
	return raw, nil
}

// MarkDeleted flags the message with \Deleted.
func (s *IMAPSource) MarkDeleted(msg Message) error {
	flags := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}
	if err := s.client.Store(imap.UIDSetNum(imap.UID(msg.Num)), flags, nil).Close(); err != nil {
		return &ProtocolError{Op: "uid store", Err: err}
	}
	return nil
}

// FinalizeDeletions expunges messages flagged with \Deleted.
func (s *IMAPSource) FinalizeDeletions() error {
	if err := s.client.Expunge().Close(); err != nil {
		return &ProtocolError{Op: "expunge", Err: err}
	}
	return nil
}

// Close logs out, best-effort. A logout failure is never surfaced so it
// cannot mask an error from the session body.
func (s *IMAPSource) Close(aborted bool) {
	if err := s.client.Logout().Wait(); err != nil {
		s.logger.Debug("imap logout failed", "error", err)
	}
	_ = s.client.Close()
}
