package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"escrowflow/logging"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Escrow-Signature"

// LogSender writes deliveries to the structured log. It stands in for email, SMS and
// push providers in development.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "log_sender")}
}

func (s *LogSender) Send(ctx context.Context, d Delivery) error {
	s.logger.InfoContext(ctx, "notification delivered",
		"notification", d.NotificationID,
		"channel", string(d.Channel),
		logging.MaskField("recipient", d.Recipient),
		"title", d.Title)
	return nil
}

// WebhookSender POSTs deliveries as signed JSON to a relay endpoint.
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
	nowFn  func() time.Time
}

func NewWebhookSender(url, secret string, client *http.Client) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSender{url: url, secret: secret, client: client, nowFn: time.Now}
}

func (s *WebhookSender) Send(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(map[string]any{
		"notification_id": d.NotificationID,
		"type":            d.Type,
		"channel":         d.Channel,
		"recipient":       d.Recipient,
		"title":           d.Title,
		"body":            d.Body,
		"timestamp":       s.nowFn().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("notification: encode webhook: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("notification: build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signPayload(s.secret, payload))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification: webhook post: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("notification: webhook status %s", resp.Status)
	default:
		return backoff.Permanent(fmt.Errorf("notification: webhook status %s", resp.Status))
	}
}

// VerifySignature reports whether signature matches payload under secret.
func VerifySignature(secret string, payload []byte, signature string) bool {
	expected := signPayload(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
