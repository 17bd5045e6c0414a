// ABOUTME: SMTP delivery of notification emails through go-mail, one dial per message.
// ABOUTME: Recipients are BCC'd on a single message, so a retry re-sends to all of them.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"
)

// SmtpConfig holds SMTP connection parameters sourced from global env vars.
type SmtpConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	TLS      bool
}

// Email is one rendered notification email.
type Email struct {
	Recipients []string
	Subject    string
	Text       string
	HTML       string // optional alternative part
	// DeliveryID is sent as X-Jobrunner-Delivery so receivers can drop duplicates.
	DeliveryID string
}

type emailSender interface {
	Send(ctx context.Context, e Email) error
}

// SMTPSender delivers emails through the configured relay.
type SMTPSender struct {
	cfg SmtpConfig
}

// NewSMTPSender returns a sender for cfg. No connection is made until Send.
func NewSMTPSender(cfg SmtpConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send dials the relay, delivers e and hangs up.
func (s *SMTPSender) Send(ctx context.Context, e Email) error {
	m, err := buildMessage(s.cfg.From, e)
	if err != nil {
		return err
	}
	c, err := mail.NewClient(s.cfg.Host, clientOptions(s.cfg)...)
	if err != nil {
		return fmt.Errorf("email send: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

func buildMessage(from string, e Email) (*mail.Msg, error) {
	if len(e.Recipients) == 0 {
		return nil, errors.New("email send: no recipients")
	}
	m := mail.NewMsg()
	if err := m.FromFormat("Job Runner", from); err != nil {
		return nil, fmt.Errorf("email send: set from: %w", err)
	}
	if err := m.Bcc(e.Recipients...); err != nil {
		return nil, fmt.Errorf("email send: set bcc: %w", err)
	}
	m.Subject(sanitizeSubject(e.Subject))
	if e.DeliveryID != "" {
		m.SetGenHeader(mail.Header(headerDelivery), e.DeliveryID)
	}
	m.SetBodyString(mail.TypeTextPlain, e.Text)
	if e.HTML != "" {
		m.AddAlternativeString(mail.TypeTextHTML, e.HTML)
	}
	return m, nil
}

func clientOptions(cfg SmtpConfig) []mail.Option {
	opts := []mail.Option{mail.WithPort(cfg.Port)}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	policy := mail.TLSOpportunistic
	if cfg.TLS {
		policy = mail.TLSMandatory
	}
	return append(opts, mail.WithTLSPortPolicy(policy))
}
