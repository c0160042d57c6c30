// pantry/email/email.go
// Package email sends run reports over SMTP.
// It wraps github.com/wneessen/go-mail.
package email

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

var (
	ErrNoRecipients = errors.New("email: no recipients specified")
	ErrEmptyBody    = errors.New("email: message body is empty")
)

// Config holds SMTP server configuration.
type Config struct {
	Host     string
	Port     int // 587 STARTTLS, 465 implicit TLS, 25 plain relay
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// Sender sends mail using the configured SMTP server.
type Sender struct {
	cfg Config
}

// NewSender creates a sender; Port defaults to 25 (local relay) and Timeout to 30s.
func NewSender(cfg Config) *Sender {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Sender{cfg: cfg}
}

// Message is a plain text email.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Validate checks the message has recipients and a body.
func (m Message) Validate() error {
	if len(m.To) == 0 {
		return ErrNoRecipients
	}
	if m.Body == "" {
		return ErrEmptyBody
	}
	return nil
}

// Send sends a message.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return fmt.Errorf("email: invalid from address: %w", err)
	}
	if err := m.To(msg.To...); err != nil {
		return fmt.Errorf("email: invalid to address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTimeout(s.cfg.Timeout),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	switch s.cfg.Port {
	case 465:
		opts = append(opts, mail.WithSSL())
	case 587:
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("email: failed to create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("email: failed to send: %w", err)
	}
	return nil
}
