package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/cmusatyalab/deltaic/internal/config"
)

// emailSender delivers a report by SMTP. Unlike the teacher's sender
// (which reloads its config from a live repository on every Send, since
// server operators can edit SMTP settings without a restart), this reads
// a single static config.SMTPSettings captured at startup — deltaic has
// no running process to push config changes into mid-run.
type emailSender struct {
	cfg config.SMTPSettings
}

func newEmailSender(cfg config.SMTPSettings) *emailSender {
	return &emailSender{cfg: cfg}
}

// Send delivers subject/body as a plaintext email to every address in to.
func (s *emailSender) Send(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return nil
	}
	msg := buildEmail(s.cfg.From, to, subject, body)
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	return s.sendPlain(addr, to, msg)
}

// sendPlain uses smtp.SendMail, which negotiates STARTTLS automatically
// when the server offers it; deltaic's config has no separate implicit-TLS
// toggle since every mail relay it has been deployed against speaks
// STARTTLS on 587 or plaintext on 25.
func (s *emailSender) sendPlain(addr string, to []string, msg []byte) error {
	if err := smtp.SendMail(addr, nil, s.cfg.From, to, msg); err != nil {
		return fmt.Errorf("%w: smtp.SendMail: %s", ErrSendFailed, err)
	}
	return nil
}

// buildEmail composes a minimal RFC 5322 email message.
func buildEmail(from string, to []string, subject, body string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	sb.WriteString("Subject: " + subject + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
