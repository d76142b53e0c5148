// Package notify delivers a completion summary over the channels
// configured in the `settings.notify` config block: SMTP email and/or
// an HMAC-signed webhook POST, mirroring the teacher's
// server/internal/notification email/webhook senders but reading static
// YAML settings instead of a live settings repository.
package notify

import (
	"context"
	"fmt"

	"github.com/cmusatyalab/deltaic/internal/config"
)

// ErrSendFailed wraps any delivery failure from either channel. Sending is
// always best-effort: a run's own success/failure is never altered by a
// notification delivery problem, so callers typically log this rather than
// propagate it.
var ErrSendFailed = errorString("notify: send failed")

type errorString string

func (e errorString) Error() string { return string(e) }

// Notifier sends a completion report through every channel configured in
// settings. A zero-value Notifier (both senders nil) is a no-op.
type Notifier struct {
	settings config.NotifySettings
	email    *emailSender
	webhook  *webhookSender
}

// New builds a Notifier from the `settings.notify` block. Channels left
// unconfigured (a nil *SMTPSettings / *WebhookSettings) are silently
// skipped by Send, the same "optional, skip if absent" behavior the
// teacher's senders apply to a missing settings row.
func New(settings config.NotifySettings) *Notifier {
	n := &Notifier{settings: settings}
	if settings.SMTP != nil {
		n.email = newEmailSender(*settings.SMTP)
	}
	if settings.Webhook != nil {
		n.webhook = newWebhookSender(*settings.Webhook)
	}
	return n
}

// Report is the structured summary Send renders into each channel's
// message format.
type Report struct {
	// Subject is the run's short outcome ("deltaic run ok" / "deltaic run:
	// 2 units failed").
	Subject string
	// Body is the full human-readable report (one FormatFailureBlock per
	// failed unit, joined by the caller).
	Body string
	// Failed counts failed units, surfaced to the webhook payload as
	// structured data alongside the free-text Body.
	Failed int
}

// Send delivers report through every configured channel, collecting (not
// short-circuiting on) per-channel errors.
func (n *Notifier) Send(ctx context.Context, report Report) error {
	if n == nil {
		return nil
	}
	var errs []error
	if n.email != nil {
		if err := n.email.Send(ctx, n.settings.SMTP.To, report.Subject, report.Body); err != nil {
			errs = append(errs, err)
		}
	}
	if n.webhook != nil {
		payload := map[string]any{"failed": report.Failed}
		if err := n.webhook.Send(ctx, "run-complete", report.Subject, report.Body, payload); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrSendFailed, errs)
}
