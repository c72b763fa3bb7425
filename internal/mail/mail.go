// Package mail sends the site's outgoing email: contact notifications to
// the owner and newsletters to subscribers.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/Zachkp/zach-consulting/internal/logging"
)

// ErrNotConfigured is returned when no SMTP credentials are set.
var ErrNotConfigured = errors.New("SMTP credentials not configured")

// Message is one email.
type Message struct {
	To      string
	ReplyTo string
	Subject string
	Body    string
	// Headers are extra headers such as List-Unsubscribe.
	Headers map[string]string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig holds server and credentials.
type SMTPConfig struct {
	Host string
	Port string
	User string
	Pass string
	// From defaults to User.
	From string
}

// SMTPMailer sends through an SMTP server with STARTTLS when offered.
type SMTPMailer struct {
	cfg SMTPConfig
}

// New returns an SMTPMailer, or a Disabled mailer when credentials are
// missing.
func New(cfg SMTPConfig) Mailer {
	if cfg.User == "" || cfg.Pass == "" {
		logging.Warn().Msg("SMTP credentials not configured, outgoing email disabled")
		return Disabled{}
	}
	if cfg.From == "" {
		cfg.From = cfg.User
	}
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(m.cfg.Host, m.cfg.Port)

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to SMTP server: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("start TLS: %w", err)
		}
	}
	if err := client.Auth(smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)); err != nil {
		return fmt.Errorf("SMTP authentication: %w", err)
	}
	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("set recipient %s: %w", msg.To, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("open data: %w", err)
	}
	if _, err := w.Write(Compose(m.cfg.From, msg)); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return client.Quit()
}

// Compose renders msg as an RFC 5322 message.
func Compose(from string, msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + sanitizeHeader(msg.Subject) + "\r\n")
	if msg.ReplyTo != "" {
		b.WriteString("Reply-To: " + sanitizeHeader(msg.ReplyTo) + "\r\n")
	}
	for k, v := range msg.Headers {
		b.WriteString(k + ": " + sanitizeHeader(v) + "\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// sanitizeHeader keeps user input from injecting extra headers.
func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

// Disabled is the mailer used without SMTP credentials. Every send fails
// with ErrNotConfigured so callers can record that nothing went out.
type Disabled struct{}

func (Disabled) Send(_ context.Context, msg Message) error {
	logging.Debug().Str("subject", msg.Subject).Msg("email not sent, SMTP disabled")
	return ErrNotConfigured
}

// ContactNotification is the owner's copy of a contact form submission.
func ContactNotification(to string, name, email, company, service, budget, timeline, message string) Message {
	var b strings.Builder
	b.WriteString("New contact form submission:\n\n")
	fmt.Fprintf(&b, "Name: %s\nEmail: %s\n", name, email)
	for _, f := range [][2]string{{"Company", company}, {"Service", service}, {"Budget", budget}, {"Timeline", timeline}} {
		if f[1] != "" {
			fmt.Fprintf(&b, "%s: %s\n", f[0], f[1])
		}
	}
	fmt.Fprintf(&b, "Message:\n%s\n\n---\nSent from the consulting site contact form\n", message)
	return Message{
		To:      to,
		ReplyTo: email,
		Subject: "Consulting inquiry: " + name,
		Body:    b.String(),
	}
}

// Newsletter is one subscriber's copy of a newsletter.
func Newsletter(to, subject, previewText, content, unsubscribeURL string) Message {
	body := content
	if previewText != "" {
		body = previewText + "\n\n" + content
	}
	msg := Message{To: to, Subject: subject, Body: body}
	if unsubscribeURL != "" {
		msg.Body += "\n\n---\nUnsubscribe: " + unsubscribeURL + "\n"
		msg.Headers = map[string]string{
			"List-Unsubscribe":      "<" + unsubscribeURL + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		}
	}
	return msg
}
