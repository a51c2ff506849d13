package upload

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
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

	"github.com/core-tools/hsu-logtrack/pkg/errors"
	"github.com/core-tools/hsu-logtrack/pkg/report"
)

// EmailConfig describes the SMTP account reports are sent from
type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Subject  string   `yaml:"subject,omitempty"`

	// ImplicitTLS connects over TLS (port 465); otherwise STARTTLS is used when offered
	ImplicitTLS bool          `yaml:"implicit_tls"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

func (c EmailConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("email host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("email port out of range: %d", c.Port)
	}
	if c.From == "" {
		return fmt.Errorf("email sender address is required")
	}
	if len(c.To) == 0 {
		return fmt.Errorf("at least one email recipient is required")
	}
	return nil
}

// EmailSender mails the archive as an attachment
type EmailSender struct {
	config EmailConfig
}

func NewEmailSender(config EmailConfig) (*EmailSender, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.NewValidationError("invalid email config", err)
	}
	if config.Subject == "" {
		config.Subject = "Issue report"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &EmailSender{config: config}, nil
}

func (s *EmailSender) Send(ctx context.Context, r *report.IssueReport) error {
	archive, err := os.ReadFile(r.ArchiveFile)
	if err != nil {
		return errors.NewIOError("failed to read report archive", err).WithContext("path", r.ArchiveFile)
	}
	msg, err := buildMessage(s.config, r, archive)
	if err != nil {
		return errors.NewInternalError("failed to build email", err)
	}

	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := client.Auth(auth); err != nil {
			return errors.NewUploadError("smtp authentication failed", err).WithContext("host", s.config.Host)
		}
	}
	if err := client.Mail(s.config.From); err != nil {
		return errors.NewUploadError("smtp sender rejected", err).WithContext("from", s.config.From)
	}
	for _, to := range s.config.To {
		if err := client.Rcpt(to); err != nil {
			return errors.NewUploadError("smtp recipient rejected", err).WithContext("to", to)
		}
	}

	w, err := client.Data()
	if err != nil {
		return errors.NewUploadError("smtp data command failed", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return errors.NewUploadError("failed to write email body", err)
	}
	if err := w.Close(); err != nil {
		return errors.NewUploadError("smtp server rejected message", err)
	}
	return client.Quit()
}

func (s *EmailSender) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	tlsConfig := &tls.Config{ServerName: s.config.Host}
	dialer := &net.Dialer{Timeout: s.config.Timeout}

	var conn net.Conn
	var err error
	if s.config.ImplicitTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, errors.NewNetworkError("failed to connect to smtp server", err).WithContext("addr", addr)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.config.Timeout))
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return nil, errors.NewNetworkError("smtp handshake failed", err).WithContext("addr", addr)
	}
	if !s.config.ImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, errors.NewNetworkError("starttls failed", err).WithContext("addr", addr)
			}
		}
	}
	return client, nil
}

// buildMessage renders a multipart/mixed mail with the issue message as text
// and the archive as a base64 attachment
func buildMessage(config EmailConfig, r *report.IssueReport, archive []byte) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	text, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"8bit"},
	})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(text, "%s\r\n\r\nReport: %s (%s)\r\n", r.IssueMessage, r.ID, r.Kind)

	name := filepath.Base(r.ArchiveFile)
	attachment, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {mime.FormatMediaType("application/zip", map[string]string{"name": name})},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": name})},
	})
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(archive)
	for len(encoded) > 76 {
		fmt.Fprintf(attachment, "%s\r\n", encoded[:76])
		encoded = encoded[76:]
	}
	fmt.Fprintf(attachment, "%s\r\n", encoded)

	if err := mw.Close(); err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(config.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", config.Subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", r.CreatedAt.Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}
