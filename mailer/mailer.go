// Package mailer renders templated transactional email and delivers it over
// SMTP. Template keys (confirmEmail, forgotPassword, ...) map to files on
// disk; in test mode delivery is skipped and sends always succeed.
package mailer

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"sync"
	texttemplate "text/template"

	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"
)

// Template describes one transactional email.
type Template struct {
	Subject  string
	Template string // path to the body template file
	Format   string // "text" (default) or "html"
}

// SMTPConfig locates the outgoing mail server.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Config is everything the mailer needs.
type Config struct {
	FromEmail string
	SMTP      SMTPConfig
	Templates map[string]Template
	// NoEmail short-circuits delivery; sends succeed without dialing.
	NoEmail bool
}

// Sender is the interface the user core consumes.
type Sender interface {
	SendEmail(templateKey, to string, data any) error
}

// Mailer renders and delivers templates through a gomail dialer.
type Mailer struct {
	cfg    Config
	dialer *gomail.Dialer
	log    zerolog.Logger

	mu    sync.Mutex
	text  map[string]*texttemplate.Template
	html  map[string]*htmltemplate.Template
	sends int
}

// New builds a Mailer. The dialer is created once here; each send opens its
// own SMTP connection through it, matching gomail's connection model.
func New(cfg Config, log zerolog.Logger) *Mailer {
	return &Mailer{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password),
		log:    log,
		text:   map[string]*texttemplate.Template{},
		html:   map[string]*htmltemplate.Template{},
	}
}

func (m *Mailer) render(tpl Template, data any) (body string, html bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buf bytes.Buffer
	if tpl.Format == "html" {
		t, ok := m.html[tpl.Template]
		if !ok {
			t, err = htmltemplate.ParseFiles(tpl.Template)
			if err != nil {
				return "", false, err
			}
			m.html[tpl.Template] = t
		}
		if err := t.Execute(&buf, data); err != nil {
			return "", false, err
		}
		return buf.String(), true, nil
	}

	t, ok := m.text[tpl.Template]
	if !ok {
		t, err = texttemplate.ParseFiles(tpl.Template)
		if err != nil {
			return "", false, err
		}
		m.text[tpl.Template] = t
	}
	if err := t.Execute(&buf, data); err != nil {
		return "", false, err
	}
	return buf.String(), false, nil
}

// SendEmail implements Sender.
func (m *Mailer) SendEmail(templateKey, to string, data any) error {
	tpl, ok := m.cfg.Templates[templateKey]
	if !ok {
		return fmt.Errorf("mailer: no template configured for %q", templateKey)
	}

	body, isHTML, err := m.render(tpl, data)
	if err != nil {
		return fmt.Errorf("mailer: render %q: %w", templateKey, err)
	}

	if m.cfg.NoEmail {
		m.mu.Lock()
		m.sends++
		m.mu.Unlock()
		m.log.Debug().Str("template", templateKey).Str("to", to).Msg("email suppressed in test mode")
		return nil
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.FromEmail)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", tpl.Subject)
	if isHTML {
		msg.SetBody("text/html", body)
	} else {
		msg.SetBody("text/plain", body)
	}

	return m.dialer.DialAndSend(msg)
}

// SuppressedSends reports how many sends were short-circuited by NoEmail.
func (m *Mailer) SuppressedSends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends
}
