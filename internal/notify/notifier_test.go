package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/sentrystack/siemcore/internal/model"
)

type fakeEmailSender struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEmailSender) SendEmail(ctx context.Context, addrs []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type fakeWebhookSender struct {
	mu      sync.Mutex
	payload []byte
	err     error
}

func (f *fakeWebhookSender) PostWebhook(ctx context.Context, url string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payload = payload
	return f.err
}

func TestEmailNotifier_Send(t *testing.T) {
	sender := &fakeEmailSender{}
	n := &EmailNotifier{Addrs: []string{"oncall@example.com"}, Sender: sender}

	alert := model.Alert{AlertID: "alert-1", TenantID: "tenant-a", Kind: model.ThreatBruteForce, Severity: model.SeverityHigh}
	if err := n.Send(context.Background(), alert); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.calls != 1 {
		t.Fatalf("expected 1 send, got %d", sender.calls)
	}
	if n.Channel() != "email" {
		t.Errorf("expected channel email, got %s", n.Channel())
	}
}

func TestEmailNotifier_Send_PropagatesError(t *testing.T) {
	sender := &fakeEmailSender{err: errors.New("smtp timeout")}
	n := &EmailNotifier{Sender: sender}

	if err := n.Send(context.Background(), model.Alert{}); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestWebhookNotifier_Send(t *testing.T) {
	sender := &fakeWebhookSender{}
	n := &WebhookNotifier{URL: "https://hooks.example.com/siem", Sender: sender}

	alert := model.Alert{AlertID: "alert-2", SourceIP: "198.51.100.7"}
	if err := n.Send(context.Background(), alert); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Channel() != "webhook" {
		t.Errorf("expected channel webhook, got %s", n.Channel())
	}

	var got AlertMessage
	if err := json.Unmarshal(sender.payload, &got); err != nil {
		t.Fatalf("payload did not unmarshal: %v", err)
	}
	if got.AlertID != "alert-2" || got.SourceIP != "198.51.100.7" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}
