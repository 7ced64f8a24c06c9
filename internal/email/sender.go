package email

import (
	"bytes"
	"fmt"
	"net/smtp"

	"go.uber.org/zap"
)

type Sender interface {
	Send(to, subject, htmlBody string) error
}

// SMTPConfig addresses the outgoing mail relay. Username may be empty for
// local relays such as MailHog.
type SMTPConfig struct {
	Host     string
	Port     string
	From     string
	Username string
	Password string
}

type SMTPSender struct {
	addr string
	from string
	auth smtp.Auth
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	s := &SMTPSender{
		addr: fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		from: cfg.From,
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return s
}

func (s *SMTPSender) Send(to, subject, htmlBody string) error {
	msg := buildRFC822(s.from, to, subject, htmlBody)
	return smtp.SendMail(s.addr, s.auth, s.from, []string{to}, msg)
}

func buildRFC822(from, to, subject, html string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&buf, "\r\n%s\r\n", html)
	return buf.Bytes()
}

// LogSender writes messages to the log instead of delivering them; used in
// development when no SMTP relay is configured.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(to, subject, htmlBody string) error {
	s.Logger.Info("email", zap.String("to", to), zap.String("subject", subject), zap.String("body", htmlBody))
	return nil
}
