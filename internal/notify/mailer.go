package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
	"vodum/internal/models"
)

const (
	defaultSMTPPort = 587
	smtpTimeout     = 30 * time.Second
)

var ErrMailNotConfigured = errors.New("smtp is not configured")

type Mailer interface {
	Send(ctx context.Context, s models.Settings, to, subject, body string) error
}

// SMTPMailer sends plain text mail with the SMTP settings of the settings row.
type SMTPMailer struct{}

func (SMTPMailer) Send(ctx context.Context, s models.Settings, to, subject, body string) error {
	host := strings.TrimSpace(s.SMTPHost.ValueOrZero())
	if host == "" {
		return ErrMailNotConfigured
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("empty recipient address")
	}

	from := strings.TrimSpace(s.MailFrom.ValueOrZero())
	if from == "" {
		from = strings.TrimSpace(s.SMTPUser.ValueOrZero())
	}

	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return fmt.Errorf("invalid sender %q: %w", from, err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	port := int(s.SMTPPort.ValueOrZero())
	if port <= 0 {
		port = defaultSMTPPort
	}
	opts := []mail.Option{mail.WithPort(port), mail.WithTimeout(smtpTimeout), mail.WithTLSPolicy(mail.NoTLS)}
	if s.SMTPTLS {
		opts[2] = mail.WithTLSPolicy(mail.TLSMandatory)
	}
	if user := strings.TrimSpace(s.SMTPUser.ValueOrZero()); user != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(user),
			mail.WithPassword(s.SMTPPass.ValueOrZero()))
	}

	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}
