// Package mailer sends transactional email over SMTP. It owns its own
// configuration block (SMTP_* environment variables) so the email
// transport can be swapped without touching the main config.
package mailer

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"
)

// Mailer dials the configured SMTP host and delivers plain text
// messages. Delivery is synchronous; callers that must not block on
// SMTP go through the email queue instead.
type Mailer struct {
	config *smtpConfig
	dialer *gomail.Dialer
	log    zerolog.Logger
}

// New builds a Mailer from SMTP_* environment variables. Missing
// required settings are fatal: a service that cannot send verification
// codes cannot register users.
func New(log zerolog.Logger) (*Mailer, error) {
	cfg, err := env.ParseAs[smtpConfig]()
	if err != nil {
		return nil, fmt.Errorf("parse smtp config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Mailer{
		config: &cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		log:    log,
	}, nil
}

// Send delivers a single plain text message.
func (m *Mailer) Send(to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("no recipient specified")
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.config.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	m.log.Debug().Str("to", to).Str("subject", subject).Msg("email delivered")
	return nil
}

// smtpConfig holds SMTP settings for outgoing email.
type smtpConfig struct {
	Host     string `env:"SMTP_HOST"`
	Port     int    `env:"SMTP_PORT" envDefault:"587"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"SMTP_FROM"`
}

func (c *smtpConfig) validate() error {
	if c.Host == "" {
		return fmt.Errorf("missing SMTP_HOST environment variable")
	}
	if c.From == "" {
		return fmt.Errorf("missing SMTP_FROM environment variable")
	}
	return nil
}
