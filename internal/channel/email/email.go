// Package email sends notifications over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"gopkg.in/mail.v2"

	"duewatch/internal/channel"
	"duewatch/internal/domain"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// StartTLS forces STARTTLS; port 465 always uses implicit TLS.
	StartTLS bool
	Timeout  time.Duration
}

type Sender struct {
	cfg    Config
	dialer *mail.Dialer
}

func New(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("email: smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("email: from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.Timeout = cfg.Timeout
	if cfg.StartTLS {
		d.StartTLSPolicy = mail.MandatoryStartTLS
	}
	return &Sender{cfg: cfg, dialer: d}, nil
}

func (s *Sender) Channel() domain.Channel { return domain.ChannelEmail }

// Send delivers msg. The SMTP client has no context support, so a cancelled
// ctx returns early and leaves the dial to finish within the dialer timeout.
func (s *Sender) Send(ctx context.Context, msg channel.Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return channel.NoRetry(channel.ErrNoRecipient)
	}
	m := s.build(msg)

	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case err := <-done:
		return classify(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sender) build(msg channel.Message) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	return m
}

// classify marks permanent SMTP replies (5xx) as non-retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code >= 500 {
		return channel.NoRetry(fmt.Errorf("smtp %d: %w", tp.Code, err))
	}
	return fmt.Errorf("smtp: %w", err)
}
