package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	logx "carecue/pkg/logx"
)

// Template ids the engine sends.
const (
	TemplateReminder   = "reminder"
	TemplateEscalation = "escalation"
)

var defaultTemplates = map[string]Template{
	TemplateReminder: {
		Subject: "Reminder: {{.title}}",
		Body:    "It is time for {{.title}} (scheduled {{.nominal_time}}).\n",
	},
	TemplateEscalation: {
		Subject: "Missed: {{.title}}",
		Body:    "{{.recipient}}, {{.subject}} has not confirmed {{.title}} scheduled for {{.nominal_time}}.\n",
	},
}

// Renderer renders named subject/body templates. Parsed templates are cached.
type Renderer struct {
	mu     sync.Mutex
	raw    map[string]Template
	parsed map[string][2]*template.Template
}

// NewRenderer merges overrides on top of the built-in templates.
func NewRenderer(overrides map[string]Template) *Renderer {
	raw := make(map[string]Template, len(defaultTemplates)+len(overrides))
	for k, v := range defaultTemplates {
		raw[k] = v
	}
	for k, v := range overrides {
		raw[k] = v
	}
	return &Renderer{raw: raw, parsed: map[string][2]*template.Template{}}
}

// Render returns the subject and body of templateID.
func (r *Renderer) Render(templateID string, vars map[string]string) (string, string, error) {
	r.mu.Lock()
	pair, ok := r.parsed[templateID]
	if !ok {
		raw, found := r.raw[templateID]
		if !found {
			r.mu.Unlock()
			return "", "", fmt.Errorf("unknown template %q", templateID)
		}
		var err error
		pair[0], err = template.New(templateID + ".subject").Option("missingkey=zero").Parse(raw.Subject)
		if err == nil {
			pair[1], err = template.New(templateID + ".body").Option("missingkey=zero").Parse(raw.Body)
		}
		if err != nil {
			r.mu.Unlock()
			return "", "", fmt.Errorf("parse template %q: %w", templateID, err)
		}
		r.parsed[templateID] = pair
	}
	r.mu.Unlock()

	var subj, body bytes.Buffer
	if err := pair[0].Execute(&subj, vars); err != nil {
		return "", "", fmt.Errorf("render %q subject: %w", templateID, err)
	}
	if err := pair[1].Execute(&body, vars); err != nil {
		return "", "", fmt.Errorf("render %q body: %w", templateID, err)
	}
	return strings.TrimSpace(subj.String()), body.String(), nil
}

// ValidateTemplates parses every template and reports the first error.
func ValidateTemplates(tpls map[string]Template) error {
	r := NewRenderer(tpls)
	for id := range r.raw {
		if _, _, err := r.Render(id, nil); err != nil {
			return err
		}
	}
	return nil
}

// NewEmail builds the configured email gateway. It returns ErrDisabled when
// email is switched off.
func NewEmail(cfg EmailConfig, log logx.Logger) (EmailGateway, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := NewRenderer(cfg.Templates)
	var e EmailGateway
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "smtp":
		if strings.TrimSpace(cfg.Host) == "" || strings.TrimSpace(cfg.From) == "" {
			return nil, fmt.Errorf("smtp host and from are required")
		}
		e = &SMTPEmail{cfg: cfg, render: r}
	case "log":
		e = NewLogEmail(r, log)
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
	return LimitEmail(e, cfg.RatePerSec, cfg.Timeout), nil
}

// SMTPEmail sends plain-text mail through an SMTP relay.
type SMTPEmail struct {
	cfg    EmailConfig
	render *Renderer
}

func (s *SMTPEmail) SendTemplate(ctx context.Context, address, templateID string, vars map[string]string) Result {
	subject, body, err := s.render.Render(templateID, vars)
	if err != nil {
		return failed(KindTemplate, err)
	}
	if err := s.send(ctx, address, subject, body); err != nil {
		return failed(KindTransport, err)
	}
	return ok()
}

func (s *SMTPEmail) send(ctx context.Context, to, subject, body string) error {
	port := s.cfg.Port
	if port <= 0 {
		port = 587
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp hello: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt %s: %w", to, err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(buildMessage(s.cfg.From, to, subject, body, time.Now())); err != nil {
		_ = w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}
	return c.Quit()
}

func buildMessage(from, to, subject, body string, at time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.ReplaceAll(subject, "\n", " "))
	fmt.Fprintf(&b, "Date: %s\r\n", at.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.Bytes()
}

// LogEmail renders templates and logs the result instead of mailing it.
type LogEmail struct {
	render *Renderer
	log    logx.Logger
}

func NewLogEmail(r *Renderer, log logx.Logger) *LogEmail {
	if r == nil {
		r = NewRenderer(nil)
	}
	return &LogEmail{render: r, log: log.With(logx.String("comp", "notify.email"))}
}

func (l *LogEmail) SendTemplate(ctx context.Context, address, templateID string, vars map[string]string) Result {
	subject, body, err := l.render.Render(templateID, vars)
	if err != nil {
		return failed(KindTemplate, err)
	}
	l.log.Info("email", logx.String("to", address), logx.String("subject", subject), logx.String("body", body))
	return ok()
}
