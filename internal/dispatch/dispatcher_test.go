package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/kestrelmail/hookrelay/internal/delivery"
	"github.com/kestrelmail/hookrelay/internal/event"
	"github.com/kestrelmail/hookrelay/internal/ledger"
	"github.com/kestrelmail/hookrelay/internal/subscription"
)

type fakeSubs struct {
	subs []subscription.Subscription
	err  error
}

func (f *fakeSubs) FindActiveForTenantAndType(_ context.Context, tenantID, eventType string) ([]subscription.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []subscription.Subscription
	for _, s := range f.subs {
		if s.TenantID == tenantID && s.Status == subscription.StatusActive && s.Matches(eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSubs) Get(_ context.Context, id string) (subscription.Subscription, error) {
	for _, s := range f.subs {
		if s.ID == id {
			return s, nil
		}
	}
	return subscription.Subscription{}, subscription.ErrNotFound
}

type fakeEvents struct {
	inserted []event.Event
}

func (f *fakeEvents) Insert(_ context.Context, ev event.Event) error {
	f.inserted = append(f.inserted, ev)
	return nil
}

func (f *fakeEvents) Get(_ context.Context, id string) (event.Event, error) {
	for _, ev := range f.inserted {
		if ev.ID == id {
			return ev, nil
		}
	}
	return event.Event{}, event.ErrNotFound
}

type fakeLedger struct {
	rows []ledger.Attempt
}

func (f *fakeLedger) Append(_ context.Context, a ledger.Attempt) error {
	f.rows = append(f.rows, a)
	return nil
}

func (f *fakeLedger) CurrentState(_ context.Context, deliveryID string) (ledger.Attempt, error) {
	for i := len(f.rows) - 1; i >= 0; i-- {
		if f.rows[i].DeliveryID == deliveryID {
			return f.rows[i], nil
		}
	}
	return ledger.Attempt{}, ledger.ErrNotFound
}

func (f *fakeLedger) hasPending(deliveryID string) bool {
	for _, r := range f.rows {
		if r.DeliveryID == deliveryID && r.Status == ledger.StatusPending {
			return true
		}
	}
	return false
}

type published struct {
	topic string
	task  delivery.Task
}

type fakePub struct {
	ledger    *fakeLedger
	published []published
	err       error

	// set when a task was published whose pending row did not exist yet
	publishedBeforeAppend bool
}

func (f *fakePub) Publish(topic string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	var t delivery.Task
	if err := json.Unmarshal(body, &t); err != nil {
		return err
	}
	if f.ledger != nil && !f.ledger.hasPending(t.DeliveryID) {
		f.publishedBeforeAppend = true
	}
	f.published = append(f.published, published{topic: topic, task: t})
	return nil
}

func activeSub(id, tenant string, filter ...string) subscription.Subscription {
	return subscription.Subscription{
		ID:          id,
		TenantID:    tenant,
		URL:         "https://example.com/hook",
		EventFilter: filter,
		Status:      subscription.StatusActive,
		BatchSize:   1,
		MaxRetries:  3,
	}
}

func TestDispatchInvalidInput(t *testing.T) {
	d := New(&fakeSubs{}, &fakeEvents{}, &fakeLedger{}, &fakePub{}, "deliveries")

	tests := []struct {
		name      string
		tenantID  string
		eventType string
		payload   map[string]any
	}{
		{"missing tenant", "", "message.delivered", map[string]any{"a": 1}},
		{"missing event type", "tn_1", "", map[string]any{"a": 1}},
		{"nil payload", "tn_1", "message.delivered", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Dispatch(context.Background(), tt.tenantID, tt.eventType, tt.payload, "")
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Dispatch() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestDispatchNoSubscribers(t *testing.T) {
	events := &fakeEvents{}
	led := &fakeLedger{}
	pub := &fakePub{ledger: led}
	d := New(&fakeSubs{}, events, led, pub, "deliveries")

	err := d.Dispatch(context.Background(), "tn_1", "message.delivered", map[string]any{"id": "msg_1"}, "")
	if err != nil {
		t.Fatalf("Dispatch() error = %v, want nil", err)
	}
	if len(events.inserted) != 0 {
		t.Errorf("inserted %d events, want 0", len(events.inserted))
	}
	if len(pub.published) != 0 {
		t.Errorf("published %d tasks, want 0", len(pub.published))
	}
}

func TestDispatchFanout(t *testing.T) {
	subs := &fakeSubs{subs: []subscription.Subscription{
		activeSub("sb_1", "tn_1", "message.*"),
		activeSub("sb_2", "tn_1", "*"),
		activeSub("sb_3", "tn_1", "domain.verified"), // filtered out
		activeSub("sb_4", "tn_2", "*"),               // other tenant
		{ID: "sb_5", TenantID: "tn_1", EventFilter: []string{"*"}, Status: subscription.StatusDisabled},
	}}
	events := &fakeEvents{}
	led := &fakeLedger{}
	pub := &fakePub{ledger: led}
	d := New(subs, events, led, pub, "deliveries")

	err := d.Dispatch(context.Background(), "tn_1", "message.delivered", map[string]any{"id": "msg_1"}, "msg_1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if len(events.inserted) != 1 {
		t.Fatalf("inserted %d events, want 1", len(events.inserted))
	}
	if len(pub.published) != 2 {
		t.Fatalf("published %d tasks, want 2", len(pub.published))
	}
	if len(led.rows) != 2 {
		t.Fatalf("appended %d ledger rows, want 2", len(led.rows))
	}

	seen := map[string]bool{}
	for _, p := range pub.published {
		if p.topic != "deliveries" {
			t.Errorf("published to topic %q, want deliveries", p.topic)
		}
		if p.task.Attempt != 1 {
			t.Errorf("task attempt = %d, want 1", p.task.Attempt)
		}
		if p.task.Event.ID != events.inserted[0].ID {
			t.Errorf("task event id = %q, want %q", p.task.Event.ID, events.inserted[0].ID)
		}
		if seen[p.task.DeliveryID] {
			t.Errorf("duplicate delivery id %q", p.task.DeliveryID)
		}
		seen[p.task.DeliveryID] = true
	}

	for _, row := range led.rows {
		if row.Status != ledger.StatusPending || row.AttemptNumber != 1 {
			t.Errorf("ledger row = %+v, want pending attempt 1", row)
		}
	}

	// Crash safety: the pending row must exist before the queue publish.
	if pub.publishedBeforeAppend {
		t.Error("task published before its pending ledger row was appended")
	}
}

func TestDispatchTwiceCreatesIndependentLineages(t *testing.T) {
	subs := &fakeSubs{subs: []subscription.Subscription{activeSub("sb_1", "tn_1", "*")}}
	led := &fakeLedger{}
	pub := &fakePub{ledger: led}
	d := New(subs, &fakeEvents{}, led, pub, "deliveries")

	for i := 0; i < 2; i++ {
		if err := d.Dispatch(context.Background(), "tn_1", "message.delivered", map[string]any{"n": i}, ""); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}
	if len(pub.published) != 2 {
		t.Fatalf("published %d tasks, want 2", len(pub.published))
	}
	if pub.published[0].task.DeliveryID == pub.published[1].task.DeliveryID {
		t.Error("second dispatch reused the first delivery id")
	}
}

func TestReplay(t *testing.T) {
	sub := activeSub("sb_1", "tn_1", "*")
	subs := &fakeSubs{subs: []subscription.Subscription{sub}}
	events := &fakeEvents{}
	led := &fakeLedger{}
	pub := &fakePub{ledger: led}
	d := New(subs, events, led, pub, "deliveries")

	ev := event.New("tn_1", "message.delivered", map[string]any{"id": "msg_1"}, "")
	_ = events.Insert(context.Background(), ev)
	_ = led.Append(context.Background(), ledger.Attempt{
		DeliveryID:     "dl_dead",
		SubscriptionID: "sb_1",
		EventID:        ev.ID,
		AttemptNumber:  3,
		Status:         ledger.StatusFailedPermanent,
	})

	newID, err := d.Replay(context.Background(), "dl_dead", "endpoint fixed")
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if newID == "" || newID == "dl_dead" {
		t.Errorf("Replay() id = %q, want a fresh delivery id", newID)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d tasks, want 1", len(pub.published))
	}
	if got := pub.published[0].task; got.DeliveryID != newID || got.Attempt != 1 || got.Event.ID != ev.ID {
		t.Errorf("published task = %+v, want fresh lineage at attempt 1 for event %s", got, ev.ID)
	}
}

func TestReplayUnknownDelivery(t *testing.T) {
	d := New(&fakeSubs{}, &fakeEvents{}, &fakeLedger{}, &fakePub{}, "deliveries")
	if _, err := d.Replay(context.Background(), "dl_missing", ""); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Replay() error = %v, want ledger.ErrNotFound", err)
	}
}
