// Package mail is the email transport boundary: an IMAP inbox for inbound
// analysis requests and an SMTP courier for notifications and reports.
// Transport failures are returned to callers and retried on the next poll;
// they are never fatal to the process.
package mail

import "context"

// Message is one inbound request message.
type Message struct {
	UID     uint32
	From    string
	Subject string
	Body    string
}

// Attachment is one file attached to an outbound message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Outgoing is one outbound notification or report.
type Outgoing struct {
	To         string
	Subject    string
	Body       string // plain text body
	HTMLBody   []byte // optional HTML alternative
	Attachment *Attachment
}

// Inbox fetches inbound request messages. Messages stay unseen until
// MarkSeen, so a crash between fetch and enqueue redelivers them; the
// queue's content fingerprint absorbs the duplicates.
type Inbox interface {
	FetchUnseen(ctx context.Context) ([]Message, error)
	MarkSeen(ctx context.Context, uid uint32) error
	Close() error
}

// Courier delivers outbound messages.
type Courier interface {
	Send(ctx context.Context, msg Outgoing) error
}
