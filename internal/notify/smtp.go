package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// SMTPConfig holds mail transport settings.
type SMTPConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	From     string `yaml:"from" mapstructure:"from"`
	FromName string `yaml:"from_name" mapstructure:"from_name"`
	// ImplicitTLS wraps the connection in TLS before the SMTP greeting
	// (port 465). Otherwise STARTTLS is used when the server offers it.
	ImplicitTLS bool `yaml:"implicit_tls" mapstructure:"implicit_tls"`
}

// SMTPNotifier sends alerts as multipart plain-text and HTML email.
type SMTPNotifier struct {
	cfg     SMTPConfig
	timeout time.Duration
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	now     func() time.Time
}

// NewSMTP creates an SMTPNotifier. From falls back to Username.
func NewSMTP(cfg SMTPConfig) *SMTPNotifier {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	d := &net.Dialer{Timeout: 15 * time.Second}
	return &SMTPNotifier{cfg: cfg, timeout: 30 * time.Second, dial: d.DialContext, now: time.Now}
}

var htmlBody = template.Must(template.New("alert").Parse(
	`<html><body><p><b>{{.Subject}}</b></p>{{range .Lines}}<p>{{.}}</p>{{end}}</body></html>`))

// Notify sends one message to recipient.
func (n *SMTPNotifier) Notify(ctx context.Context, recipient, subject, body string) error {
	if recipient == "" {
		return eris.New("notify: smtp: empty recipient")
	}
	if n.cfg.Host == "" {
		return eris.New("notify: smtp: host not configured")
	}

	msg, err := n.buildMessage(recipient, subject, body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	addr := net.JoinHostPort(n.cfg.Host, fmt.Sprint(n.cfg.Port))
	conn, err := n.dial(ctx, "tcp", addr)
	if err != nil {
		return eris.Wrapf(err, "notify: smtp: dial %s", addr)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	tlsCfg := &tls.Config{ServerName: n.cfg.Host, MinVersion: tls.VersionTLS12}
	if n.cfg.ImplicitTLS {
		conn = tls.Client(conn, tlsCfg)
	}

	c, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		conn.Close() //nolint:errcheck
		return eris.Wrap(err, "notify: smtp: greeting")
	}
	defer c.Close() //nolint:errcheck

	if !n.cfg.ImplicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsCfg); err != nil {
				return eris.Wrap(err, "notify: smtp: starttls")
			}
		}
	}

	if n.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
			if err := c.Auth(auth); err != nil {
				return eris.Wrap(err, "notify: smtp: auth")
			}
		}
	}

	if err := c.Mail(n.cfg.From); err != nil {
		return eris.Wrap(err, "notify: smtp: MAIL FROM")
	}
	for _, rcpt := range splitRecipients(recipient) {
		if err := c.Rcpt(rcpt); err != nil {
			return eris.Wrapf(err, "notify: smtp: RCPT TO %s", rcpt)
		}
	}

	w, err := c.Data()
	if err != nil {
		return eris.Wrap(err, "notify: smtp: DATA")
	}
	if _, err := w.Write(msg); err != nil {
		return eris.Wrap(err, "notify: smtp: write body")
	}
	if err := w.Close(); err != nil {
		return eris.Wrap(err, "notify: smtp: end DATA")
	}
	return eris.Wrap(c.Quit(), "notify: smtp: QUIT")
}

func (n *SMTPNotifier) buildMessage(recipient, subject, body string) ([]byte, error) {
	var parts bytes.Buffer
	mw := multipart.NewWriter(&parts)

	textPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=UTF-8"}})
	if err != nil {
		return nil, eris.Wrap(err, "notify: smtp: text part")
	}
	_, _ = textPart.Write([]byte(crlf(body)))

	htmlPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html; charset=UTF-8"}})
	if err != nil {
		return nil, eris.Wrap(err, "notify: smtp: html part")
	}
	if err := htmlBody.Execute(htmlPart, struct {
		Subject string
		Lines   []string
	}{subject, strings.Split(body, "\n")}); err != nil {
		return nil, eris.Wrap(err, "notify: smtp: render html")
	}
	if err := mw.Close(); err != nil {
		return nil, eris.Wrap(err, "notify: smtp: close multipart")
	}

	from := (&mail.Address{Name: n.cfg.FromName, Address: n.cfg.From}).String()
	header := strings.Join([]string{
		"From: " + from,
		"To: " + strings.Join(splitRecipients(recipient), ", "),
		"Subject: " + mime.QEncoding.Encode("utf-8", subject),
		"Date: " + n.now().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q", mw.Boundary()),
	}, "\r\n")

	return append([]byte(header+"\r\n\r\n"), parts.Bytes()...), nil
}

func splitRecipients(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func crlf(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}
