// Package notify delivers operator email notifications over SMTP.
package notify

import (
	"crypto/tls"
	"fmt"
	"net/smtp"

	"github.com/rs/zerolog"
)

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	To       string
}

// Configured reports whether the required relay settings are present.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.Port != "" && c.From != "" && c.To != ""
}

// Mailer sends operator notifications. A nil Mailer is a valid no-op.
type Mailer struct {
	cfg    SMTPConfig
	logger zerolog.Logger
}

// NewMailer creates a mailer, or nil when SMTP is not configured.
func NewMailer(cfg SMTPConfig, logger zerolog.Logger) *Mailer {
	if !cfg.Configured() {
		logger.Info().Msg("SMTP not configured, operator notifications disabled")
		return nil
	}
	if cfg.FromName == "" {
		cfg.FromName = "Drop Ranking Backtest"
	}
	return &Mailer{
		cfg:    cfg,
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// Notify sends one plain-text message to the configured operator address.
func (m *Mailer) Notify(subject, body string) error {
	if m == nil {
		return nil
	}

	from := fmt.Sprintf("%s <%s>", m.cfg.FromName, m.cfg.From)
	message := []byte(
		"From: " + from + "\r\n" +
			"To: " + m.cfg.To + "\r\n" +
			"Subject: " + subject + "\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=UTF-8\r\n" +
			"\r\n" +
			body + "\r\n",
	)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	addr := m.cfg.Host + ":" + m.cfg.Port
	m.logger.Debug().Str("to", m.cfg.To).Str("subject", subject).Msg("sending notification")

	var err error
	if m.cfg.Port == "465" {
		// Implicit TLS; smtp.SendMail only speaks STARTTLS.
		err = m.sendTLS(addr, auth, message)
	} else {
		err = smtp.SendMail(addr, auth, m.cfg.From, []string{m.cfg.To}, message)
	}
	if err != nil {
		return fmt.Errorf("SMTP error: %w", err)
	}
	return nil
}

func (m *Mailer) sendTLS(addr string, auth smtp.Auth, message []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.cfg.Host})
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return err
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(m.cfg.From); err != nil {
		return err
	}
	if err := client.Rcpt(m.cfg.To); err != nil {
		return err
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(message); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
