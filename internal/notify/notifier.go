package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sentrystack/siemcore/internal/model"
)

// marshalAlert encodes a as the same compact payload pushed to websocket
// subscribers, for use as a webhook request body.
func marshalAlert(a model.Alert) ([]byte, error) {
	return json.Marshal(AlertMessageFrom(a))
}

// Notifier is a delivery sink for a new or escalated Alert. Push
// delivery is handled directly by Registry.Broadcast (an in-memory
// enqueue that cannot itself fail); Email and Webhook are async sinks
// driven through the retry worker pool in retry.go.
//
// Transport is explicitly out of scope here (no SMTP client, no HTTP
// POST implementation is built into this package) — EmailSender and
// WebhookSender below are the seams an operator wires a concrete
// transport into; this package owns only the channel abstraction,
// retry/backoff, and dead-letter bookkeeping around whatever transport
// is supplied.
type Notifier interface {
	// Channel is the label used for the outcome metric and dead-letter log.
	Channel() string
	// Send delivers one alert. A non-nil error is retried by the caller
	// per the bounded-retry policy in retry.go.
	Send(ctx context.Context, alert model.Alert) error
}

// EmailSender is the transport seam an operator supplies to deliver an
// email notification. Not implemented in this package.
type EmailSender interface {
	SendEmail(ctx context.Context, addrs []string, subject, body string) error
}

// WebhookSender is the transport seam an operator supplies to deliver a
// webhook notification. Not implemented in this package.
type WebhookSender interface {
	PostWebhook(ctx context.Context, url string, payload []byte) error
}

// EmailNotifier adapts an EmailSender to the Notifier interface.
type EmailNotifier struct {
	Addrs  []string
	Sender EmailSender
}

func (e *EmailNotifier) Channel() string { return "email" }

func (e *EmailNotifier) Send(ctx context.Context, alert model.Alert) error {
	subject := fmt.Sprintf("[%s] %s alert for %s", alert.Severity, alert.Kind, alert.SourceIP)
	body := fmt.Sprintf("alert_id=%s tenant=%s source_ip=%s kind=%s severity=%s risk=%.2f first_seen=%s last_seen=%s",
		alert.AlertID, alert.TenantID, alert.SourceIP, alert.Kind, alert.Severity, alert.Risk,
		alert.FirstSeen.Format("2006-01-02T15:04:05Z07:00"), alert.LastSeen.Format("2006-01-02T15:04:05Z07:00"))
	return e.Sender.SendEmail(ctx, e.Addrs, subject, body)
}

// WebhookNotifier adapts a WebhookSender to the Notifier interface.
type WebhookNotifier struct {
	URL    string
	Sender WebhookSender
}

func (w *WebhookNotifier) Channel() string { return "webhook" }

func (w *WebhookNotifier) Send(ctx context.Context, alert model.Alert) error {
	payload, err := marshalAlert(alert)
	if err != nil {
		return fmt.Errorf("notify: marshal webhook payload: %w", err)
	}
	return w.Sender.PostWebhook(ctx, w.URL, payload)
}
