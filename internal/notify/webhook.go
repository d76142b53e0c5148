package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cmusatyalab/deltaic/internal/config"
)

// webhookPayload is the JSON body POSTed to the configured webhook URL,
// shaped the same way the teacher's sender_webhook.go shapes its
// Slack/Discord-compatible payload.
type webhookPayload struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"text"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// webhookSender POSTs a report to a single configured URL, HMAC-SHA256
// signing the body when a secret is configured.
type webhookSender struct {
	client *http.Client
	cfg    config.WebhookSettings
}

func newWebhookSender(cfg config.WebhookSettings) *webhookSender {
	return &webhookSender{client: &http.Client{Timeout: 10 * time.Second}, cfg: cfg}
}

// Send serializes the report as JSON and POSTs it to cfg.URL.
func (s *webhookSender) Send(ctx context.Context, notifType, title, body string, payload map[string]any) error {
	if s.cfg.URL == "" {
		return nil
	}

	data, err := json.Marshal(webhookPayload{
		Type:      notifType,
		Title:     title,
		Body:      body,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: marshaling webhook payload: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: building webhook request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "deltaic-webhook/1.0")

	// Signature convention shared with the teacher's webhook sender:
	// "sha256=<hex hmac>" in a custom header, same scheme GitHub/Stripe use.
	if s.cfg.Secret != "" {
		req.Header.Set("X-Deltaic-Signature", "sha256="+hmacSHA256(data, s.cfg.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook request failed: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook returned status %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
