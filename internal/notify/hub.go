package notify

import (
	"github.com/sentrystack/siemcore/internal/model"
)

// Hub fans a newly created or escalated Alert out to every configured
// delivery channel: immediate in-memory push to live subscribers, plus
// best-effort retry-backed email/webhook delivery for whichever
// Notifiers a tenant has configured. Re-delivery only happens on a new
// alert or a severity escalation — callers pass that decision in
// explicitly rather than Hub re-deriving it.
type Hub struct {
	Push  *Registry
	Retry *RetryPool

	// Resolve returns the Notifiers configured for tenantID (e.g. one
	// EmailNotifier, one WebhookNotifier, both, or neither). Supplied by
	// the caller since tenant notification configuration is storage's
	// concern, not this package's.
	Resolve func(tenantID string) []Notifier
}

// NewHub wires a Registry and RetryPool into a single dispatch point.
func NewHub(push *Registry, retry *RetryPool, resolve func(tenantID string) []Notifier) *Hub {
	return &Hub{Push: push, Retry: retry, Resolve: resolve}
}

// Dispatch delivers alert to tenantID's live push subscribers and queues
// it for async delivery on every configured email/webhook Notifier.
func (h *Hub) Dispatch(tenantID string, alert model.Alert) {
	h.Push.Broadcast(tenantID, alert)

	if h.Resolve == nil {
		return
	}
	for _, n := range h.Resolve(tenantID) {
		h.Retry.Submit(n, alert)
	}
}
