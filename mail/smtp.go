package mail

import (
	"bytes"
	"context"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/stratusanalytics/relay/am"
	"github.com/stratusanalytics/relay/errors"
)

// SMTPCourier delivers outbound mail through the configured SMTP server.
type SMTPCourier struct {
	cfg am.MailConfig
	log *zap.SugaredLogger
}

// NewSMTPCourier creates a courier for the configured SMTP server.
func NewSMTPCourier(cfg am.MailConfig, log *zap.SugaredLogger) *SMTPCourier {
	return &SMTPCourier{cfg: cfg, log: log}
}

// Send delivers one message. Each call dials a fresh SMTP session; the
// courier sends rarely enough that connection reuse buys nothing.
func (c *SMTPCourier) Send(ctx context.Context, out Outgoing) error {
	msg := gomail.NewMsg()
	if err := msg.From(c.cfg.From); err != nil {
		return errors.Wrap(err, "set mail sender")
	}
	if err := msg.To(out.To); err != nil {
		return errors.Wrapf(err, "set mail recipient %s", out.To)
	}
	msg.Subject(out.Subject)
	msg.SetBodyString(gomail.TypeTextPlain, out.Body)
	if len(out.HTMLBody) > 0 {
		msg.AddAlternativeString(gomail.TypeTextHTML, string(out.HTMLBody))
	}
	if out.Attachment != nil {
		if err := msg.AttachReader(out.Attachment.Filename, bytes.NewReader(out.Attachment.Data)); err != nil {
			return errors.Wrapf(err, "attach %s", out.Attachment.Filename)
		}
	}

	opts := []gomail.Option{
		gomail.WithPort(c.cfg.SMTPPort),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(c.cfg.Username),
		gomail.WithPassword(c.cfg.Password),
	}
	if c.cfg.SMTPPort == 465 {
		opts = append(opts, gomail.WithSSL())
	}

	client, err := gomail.NewClient(c.cfg.SMTPHost, opts...)
	if err != nil {
		return errors.Wrap(err, "create smtp client")
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return errors.Wrapf(err, "send mail to %s", out.To)
	}

	c.log.Infow("Mail sent",
		"to", out.To,
		"subject", out.Subject,
	)
	return nil
}
