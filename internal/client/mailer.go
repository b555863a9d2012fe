package client

import (
	"fmt"
	"log"

	"gopkg.in/gomail.v2"
)

// Mailer sends account notifications over SMTP.
// Without an SMTP host it only logs what it would have sent.
type Mailer struct {
	from   string
	dialer *gomail.Dialer
}

// NewMailer creates a mailer; host == "" disables delivery
func NewMailer(host string, port int, user, password, from string) *Mailer {
	m := &Mailer{from: from}
	if host != "" {
		m.dialer = gomail.NewDialer(host, port, user, password)
	}
	return m
}

// Enabled reports whether messages are actually delivered
func (m *Mailer) Enabled() bool {
	return m.dialer != nil
}

// Send sends a plain text message
func (m *Mailer) Send(to, subject, body string) error {
	if m.dialer == nil {
		log.Printf("[Mailer] SMTP not configured, dropping mail %q", subject)
		return nil
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}
