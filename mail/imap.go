package mail

import (
	"context"
	"io"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	gomessage "github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/stratusanalytics/relay/am"
	"github.com/stratusanalytics/relay/errors"
)

// IMAPInbox reads request messages from an IMAP mailbox over implicit TLS.
// The connection is established lazily and re-established after transport
// errors on the next call.
type IMAPInbox struct {
	cfg    am.MailConfig
	log    *zap.SugaredLogger
	client *client.Client
}

// NewIMAPInbox creates an inbox for the configured mailbox.
func NewIMAPInbox(cfg am.MailConfig, log *zap.SugaredLogger) *IMAPInbox {
	return &IMAPInbox{cfg: cfg, log: log}
}

func (in *IMAPInbox) connect() (*client.Client, error) {
	if in.client != nil {
		return in.client, nil
	}

	c, err := client.DialTLS(in.cfg.IMAPAddr, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial imap %s", in.cfg.IMAPAddr)
	}
	if err := c.Login(in.cfg.Username, in.cfg.Password); err != nil {
		c.Logout()
		return nil, errors.Wrap(err, "imap login")
	}
	if _, err := c.Select("INBOX", false); err != nil {
		c.Logout()
		return nil, errors.Wrap(err, "select INBOX")
	}

	in.log.Debugw("IMAP connected", "addr", in.cfg.IMAPAddr)
	in.client = c
	return c, nil
}

// drop discards the cached connection so the next call reconnects.
func (in *IMAPInbox) drop() {
	if in.client != nil {
		in.client.Logout()
		in.client = nil
	}
}

// FetchUnseen returns all unseen messages with their text bodies. Fetching
// peeks at bodies without setting the seen flag; only MarkSeen does that.
func (in *IMAPInbox) FetchUnseen(ctx context.Context) ([]Message, error) {
	c, err := in.connect()
	if err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		in.drop()
		return nil, errors.Wrap(err, "search unseen")
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	fetched := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, fetched)
	}()

	var messages []Message
	for msg := range fetched {
		parsed, err := in.parseMessage(msg, section)
		if err != nil {
			in.log.Warnw("Skipping unparseable message",
				"uid", msg.Uid,
				"error", err,
			)
			continue
		}
		messages = append(messages, parsed)
	}
	if err := <-done; err != nil {
		in.drop()
		return nil, errors.Wrap(err, "fetch unseen")
	}

	return messages, nil
}

func (in *IMAPInbox) parseMessage(msg *imap.Message, section *imap.BodySectionName) (Message, error) {
	out := Message{UID: msg.Uid}

	if msg.Envelope != nil {
		out.Subject = msg.Envelope.Subject
		if len(msg.Envelope.From) > 0 {
			out.From = msg.Envelope.From[0].Address()
		}
	}
	if out.From == "" {
		return out, errors.New("message has no sender address")
	}

	body := msg.GetBody(section)
	if body == nil {
		return out, errors.New("message has no body section")
	}

	reader, err := gomessage.CreateReader(body)
	if err != nil {
		return out, errors.Wrap(err, "open message body")
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, errors.Wrap(err, "read message part")
		}
		if _, ok := part.Header.(*gomessage.InlineHeader); ok {
			text, err := io.ReadAll(part.Body)
			if err != nil {
				return out, errors.Wrap(err, "read message text")
			}
			out.Body = string(text)
			break
		}
	}

	return out, nil
}

// MarkSeen flags one message as seen so the next poll skips it.
func (in *IMAPInbox) MarkSeen(ctx context.Context, uid uint32) error {
	c, err := in.connect()
	if err != nil {
		return err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	flags := []interface{}{imap.SeenFlag}
	if err := c.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		in.drop()
		return errors.Wrapf(err, "mark uid %d seen", uid)
	}
	return nil
}

// Close logs out of the mailbox.
func (in *IMAPInbox) Close() error {
	if in.client == nil {
		return nil
	}
	err := in.client.Logout()
	in.client = nil
	return err
}
