// Package mail delivers calendar files as e-mail attachments.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	appLog "calsync/internal/log"
)

// ErrNoRecipients is returned when a message has nobody to go to.
var ErrNoRecipients = errors.New("mail: no recipients")

// Attachment is a file sent alongside the body.
type Attachment struct {
	// Path is read at send time.
	Path string
	// Name is the filename shown to the recipient; defaults to base(Path).
	Name string
	// ContentType is a bare media type. It defaults to text/calendar for
	// .ics files and is guessed from the extension otherwise.
	ContentType string
}

// Message is one outbound e-mail.
type Message struct {
	From        string
	To          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Mailer sends messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPOptions configures an SMTP mailer.
type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	// From is used when a Message leaves From empty.
	From string
	// ImplicitTLS dials TLS directly (SMTPS, usually 465). Otherwise the
	// connection is upgraded with STARTTLS when the server offers it.
	ImplicitTLS bool
	Timeout     time.Duration
}

// SMTP sends mail through a single authenticated SMTP server.
type SMTP struct {
	opts SMTPOptions
	now  func() time.Time
}

// NewSMTP creates an SMTP mailer.
func NewSMTP(opts SMTPOptions) *SMTP {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.From == "" {
		opts.From = opts.Username
	}
	return &SMTP{opts: opts, now: time.Now}
}

// Send builds msg and delivers it.
func (s *SMTP) Send(ctx context.Context, msg Message) error {
	if msg.From == "" {
		msg.From = s.opts.From
	}
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}

	raw, err := Build(msg, s.now())
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	appLog.Info("smtp connect", "addr", addr, "implicit_tls", s.opts.ImplicitTLS)

	c, err := s.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	defer c.Close()

	if !s.opts.ImplicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.opts.Host}); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if s.opts.Username != "" {
		auth := smtp.PlainAuth("", s.opts.Username, s.opts.Password, s.opts.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth as %s: %w", s.opts.Username, err)
		}
	}

	if err := c.Mail(msg.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range msg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end body: %w", err)
	}

	if err := c.Quit(); err != nil {
		appLog.Warn("smtp quit failed", "err", err)
	}
	appLog.Info("mail sent", "subject", msg.Subject, "to", strings.Join(msg.To, ","),
		"attachments", len(msg.Attachments))
	return nil
}

func (s *SMTP) dial(ctx context.Context, addr string) (*smtp.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var conn net.Conn
	var err error
	if s.opts.ImplicitTLS {
		d := &tls.Dialer{Config: &tls.Config{ServerName: s.opts.Host}}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	// Whole conversation shares the timeout budget.
	_ = conn.SetDeadline(time.Now().Add(s.opts.Timeout))

	c, err := smtp.NewClient(conn, s.opts.Host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Build renders msg as an RFC 5322 message. Without attachments the body is
// a single text/plain part; otherwise it is multipart/mixed with each file
// base64 encoded.
func Build(msg Message, now time.Time) ([]byte, error) {
	if len(msg.To) == 0 {
		return nil, ErrNoRecipients
	}

	var buf bytes.Buffer
	header := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	header("From", msg.From)
	header("To", strings.Join(msg.To, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", "<"+uuid.NewString()+"@"+messageDomain(msg.From)+">")
	header("MIME-Version", "1.0")

	if len(msg.Attachments) == 0 {
		header("Content-Type", `text/plain; charset="utf-8"`)
		header("Content-Transfer-Encoding", "8bit")
		buf.WriteString("\r\n")
		buf.WriteString(crlf(msg.Body))
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	header("Content-Type", `multipart/mixed; boundary="`+mw.Boundary()+`"`)
	buf.WriteString("\r\n")

	text, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {`text/plain; charset="utf-8"`},
		"Content-Transfer-Encoding": {"8bit"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := text.Write([]byte(crlf(msg.Body))); err != nil {
		return nil, err
	}

	for _, a := range msg.Attachments {
		data, err := os.ReadFile(a.Path)
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", a.Path, err)
		}
		name := a.Name
		if name == "" {
			name = filepath.Base(a.Path)
		}
		ctype := a.ContentType
		if ctype == "" {
			ctype = contentTypeFor(name)
		}

		params := map[string]string{"name": name}
		if strings.HasPrefix(ctype, "text/") {
			params["charset"] = "utf-8"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType(ctype, params)},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": name})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64(part, data); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func contentTypeFor(name string) string {
	ext := filepath.Ext(name)
	if strings.EqualFold(ext, ".ics") {
		return "text/calendar"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	return "application/octet-stream"
}

func messageDomain(from string) string {
	if i := strings.LastIndexByte(from, '@'); i >= 0 && i+1 < len(from) {
		return strings.TrimRight(from[i+1:], ">")
	}
	return "localhost"
}

// writeBase64 wraps encoded output at 76 columns.
func writeBase64(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 0 {
		n := min(76, len(enc))
		if _, err := w.Write([]byte(enc[:n] + "\r\n")); err != nil {
			return err
		}
		enc = enc[n:]
	}
	return nil
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\r\n")
	if !strings.HasSuffix(s, "\r\n") {
		s += "\r\n"
	}
	return s
}
