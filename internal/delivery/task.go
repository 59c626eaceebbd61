package delivery

import "github.com/kestrelmail/hookrelay/internal/event"

// Task is the queue message for one delivery attempt. DeliveryID is assigned
// on first enqueue and stays constant across retries of the same
// (subscription, event) pair; receivers use it to deduplicate. Attempt is a
// hint only: the worker re-derives the authoritative attempt number from the
// ledger because the queue is at-least-once.
type Task struct {
	DeliveryID     string            `json:"delivery_id"`
	SubscriptionID string            `json:"subscription_id"`
	Event          event.Event       `json:"event"`
	Attempt        int               `json:"attempt"`
	PublishedAt    string            `json:"published_at"` // RFC3339
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"`
}
