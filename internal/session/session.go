// Package session implements authenticated mailbox sessions against source
// and destination mail servers. Sources come in two flavours, IMAP and
// POP3, behind one capability interface; the destination is always IMAP.
package session

// Message identifies one message on a source server.
type Message struct {
	// ID is the stable identifier tracked across runs: an IMAP UID
	// rendered as a decimal string, or a POP3 UIDL token.
	ID string
	// Num is the protocol-local number used to address the message
	// within this session: the IMAP UID value, or the POP3 sequence
	// number (which is only valid for the lifetime of the session).
	Num uint32
}

// Source is an open, authenticated session against a source mailbox.
type Source interface {
	// List enumerates candidate messages in server order.
	List() ([]Message, error)

	// Fetch retrieves the full raw message. It returns (nil, nil) when
	// the message no longer exists on the server.
	Fetch(msg Message) ([]byte, error)

	// MarkDeleted flags the message for deletion. For IMAP the deletion
	// takes effect at FinalizeDeletions; for POP3 it takes effect when
	// the session ends normally.
	MarkDeleted(msg Message) error

	// FinalizeDeletions makes marked deletions permanent.
	FinalizeDeletions() error

	// Close ends the session exactly once, best-effort. aborted reports
	// whether the cycle using this session failed, which may change the
	// teardown sequence (POP3 rolls back pending deletions).
	Close(aborted bool)
}

// Destination is an open, authenticated session against the destination
// IMAP server.
type Destination interface {
	// EnsureMailbox selects the mailbox, creating it first if it does
	// not exist yet.
	EnsureMailbox(name string) error

	// Append delivers a raw message into the mailbox.
	Append(mailbox string, raw []byte) error

	// Close ends the session, best-effort.
	Close()
}
