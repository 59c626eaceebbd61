package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kestrelmail/hookrelay/internal/delivery"
	"github.com/kestrelmail/hookrelay/internal/event"
	"github.com/kestrelmail/hookrelay/internal/ledger"
	"github.com/kestrelmail/hookrelay/internal/logging"
	"github.com/kestrelmail/hookrelay/internal/metrics"
	"github.com/kestrelmail/hookrelay/internal/subscription"
	"github.com/kestrelmail/hookrelay/internal/tracing"
)

// ErrInvalidInput rejects malformed dispatch calls. A tenant with zero
// matching subscriptions is NOT an error; dispatch is then a no-op.
var ErrInvalidInput = errors.New("dispatch: invalid input")

// SubscriptionFinder resolves the subscriptions an event fans out to.
type SubscriptionFinder interface {
	FindActiveForTenantAndType(ctx context.Context, tenantID, eventType string) ([]subscription.Subscription, error)
	Get(ctx context.Context, id string) (subscription.Subscription, error)
}

// EventStore persists and recalls immutable event records.
type EventStore interface {
	Insert(ctx context.Context, ev event.Event) error
	Get(ctx context.Context, id string) (event.Event, error)
}

// Ledger is the append-only delivery bookkeeping the dispatcher opens
// lineages in.
type Ledger interface {
	Append(ctx context.Context, a ledger.Attempt) error
	CurrentState(ctx context.Context, deliveryID string) (ledger.Attempt, error)
}

// Publisher pushes serialized tasks onto the delivery queue. *nsq.Producer
// satisfies it.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Dispatcher turns a domain event into zero or more delivery lineages. It is
// constructed once with its collaborators and held by the producer for its
// lifetime; it never returns delivery results synchronously.
type Dispatcher struct {
	subs   SubscriptionFinder
	events EventStore
	ledger Ledger
	pub    Publisher
	topic  string
	logger *logging.Logger
}

func New(subs SubscriptionFinder, events EventStore, led Ledger, pub Publisher, topic string) *Dispatcher {
	return &Dispatcher{
		subs:   subs,
		events: events,
		ledger: led,
		pub:    pub,
		topic:  topic,
		logger: logging.New("hookrelay-dispatch"),
	}
}

// Dispatch matches the event against the tenant's active subscriptions and
// opens one delivery lineage per match. Fire and forget: the caller observes
// only input validation and infrastructure errors, never delivery outcomes.
// Calling twice for the same fact creates two independent lineages.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, eventType string, payload map[string]any, relatedID string) error {
	ctx, span := tracing.StartSpan(ctx, "dispatch.Dispatch",
		attribute.String("tenant_id", tenantID),
		attribute.String("event_type", eventType),
	)
	defer span.End()

	if tenantID == "" || eventType == "" || payload == nil {
		err := fmt.Errorf("%w: tenant_id, event_type, and payload are required", ErrInvalidInput)
		tracing.SetSpanError(ctx, err)
		return err
	}

	tracing.AddSpanEvent(ctx, "subscriptions.match")
	subs, err := d.subs.FindActiveForTenantAndType(ctx, tenantID, eventType)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("find subscriptions: %w", err)
	}
	span.SetAttributes(attribute.Int("subscribers_count", len(subs)))
	if len(subs) == 0 {
		// No subscribers is expected steady state.
		metrics.RecordEventPublished(tenantID)
		return nil
	}

	ev := event.New(tenantID, eventType, payload, relatedID)
	tracing.AddSpanEvent(ctx, "db.insert_event", attribute.String("event_id", ev.ID))
	if err := d.events.Insert(ctx, ev); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("insert event: %w", err)
	}

	for _, sub := range subs {
		if _, err := d.enqueue(ctx, sub.ID, ev); err != nil {
			tracing.SetSpanError(ctx, err)
			return err
		}
	}

	metrics.RecordEventPublished(tenantID)
	d.logger.WithContext(ctx).WithTenant(tenantID).WithEvent(ev.ID).
		WithField("fanout", len(subs)).Info("event dispatched")
	return nil
}

// Replay opens a fresh lineage for the subscription/event pair of a previous
// delivery. The new lineage gets its own delivery id and starts at attempt 1.
func (d *Dispatcher) Replay(ctx context.Context, deliveryID, reason string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.Replay",
		attribute.String("delivery_id", deliveryID),
	)
	defer span.End()

	prev, err := d.ledger.CurrentState(ctx, deliveryID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return "", err
	}
	ev, err := d.events.Get(ctx, prev.EventID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return "", err
	}
	// The subscription must still exist; replaying into a deleted one is an error.
	if _, err := d.subs.Get(ctx, prev.SubscriptionID); err != nil {
		tracing.SetSpanError(ctx, err)
		return "", err
	}

	newID, err := d.enqueue(ctx, prev.SubscriptionID, ev)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return "", err
	}
	d.logger.WithContext(ctx).WithDelivery(newID).WithSubscription(prev.SubscriptionID).
		WithField("replay_of", deliveryID).WithField("reason", reason).Info("delivery replayed")
	return newID, nil
}

// enqueue opens one lineage: the pending ledger row is persisted before the
// task is published so a crash between the two leaves an inspectable row
// rather than an untracked queue message.
func (d *Dispatcher) enqueue(ctx context.Context, subscriptionID string, ev event.Event) (string, error) {
	deliveryID := uuid.NewString()

	tracing.AddSpanEvent(ctx, "ledger.append_pending",
		attribute.String("delivery_id", deliveryID),
		attribute.String("subscription_id", subscriptionID),
	)
	if err := d.ledger.Append(ctx, ledger.Attempt{
		DeliveryID:     deliveryID,
		SubscriptionID: subscriptionID,
		EventID:        ev.ID,
		AttemptNumber:  1,
		Status:         ledger.StatusPending,
		ScheduledAt:    time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("ledger append: %w", err)
	}

	task := delivery.Task{
		DeliveryID:     deliveryID,
		SubscriptionID: subscriptionID,
		Event:          ev,
		Attempt:        1,
		PublishedAt:    time.Now().UTC().Format(time.RFC3339),
		TraceHeaders:   tracing.PropagateTraceToTask(ctx),
	}
	body, err := json.Marshal(task)
	if err != nil {
		return "", err
	}
	if err := d.pub.Publish(d.topic, body); err != nil {
		return "", fmt.Errorf("queue publish: %w", err)
	}
	tracing.AddSpanEvent(ctx, "queue.published_task", attribute.String("topic", d.topic))
	return deliveryID, nil
}
