package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kestrelmail/hookrelay/internal/auth"
	"github.com/kestrelmail/hookrelay/internal/config"
	"github.com/kestrelmail/hookrelay/internal/dispatch"
	"github.com/kestrelmail/hookrelay/internal/ledger"
	"github.com/kestrelmail/hookrelay/internal/subscription"
)

type fakeSubsSvc struct {
	subs map[string]subscription.Subscription
}

func newFakeSubsSvc(subs ...subscription.Subscription) *fakeSubsSvc {
	f := &fakeSubsSvc{subs: map[string]subscription.Subscription{}}
	for _, s := range subs {
		f.subs[s.ID] = s
	}
	return f
}

func (f *fakeSubsSvc) Create(_ context.Context, p subscription.CreateParams) (subscription.Subscription, error) {
	if p.URL == "" || !strings.HasPrefix(p.URL, "http") {
		return subscription.Subscription{}, &subscription.ValidationError{Field: "url", Reason: "missing host"}
	}
	if len(p.EventFilter) == 0 {
		return subscription.Subscription{}, &subscription.ValidationError{Field: "event_filter", Reason: "must contain at least one tag"}
	}
	sub := subscription.Subscription{
		ID:          "sb_new",
		TenantID:    p.TenantID,
		URL:         p.URL,
		Secret:      "plaintext-secret",
		EventFilter: p.EventFilter,
		Status:      subscription.StatusActive,
		BatchSize:   p.BatchSize,
		MaxRetries:  p.MaxRetries,
	}
	f.subs[sub.ID] = sub
	return sub, nil
}

func (f *fakeSubsSvc) Update(_ context.Context, id, tenantID string, p subscription.UpdateParams) (subscription.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok || sub.TenantID != tenantID {
		return subscription.Subscription{}, subscription.ErrNotFound
	}
	if p.URL != nil {
		sub.URL = *p.URL
	}
	f.subs[id] = sub
	return sub, nil
}

func (f *fakeSubsSvc) RotateSecret(_ context.Context, id, tenantID string) (subscription.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok || sub.TenantID != tenantID {
		return subscription.Subscription{}, subscription.ErrNotFound
	}
	sub.Secret = "rotated-secret"
	f.subs[id] = sub
	return sub, nil
}

func (f *fakeSubsSvc) Disable(_ context.Context, id, tenantID string) error {
	sub, ok := f.subs[id]
	if !ok || sub.TenantID != tenantID {
		return subscription.ErrNotFound
	}
	sub.Status = subscription.StatusDisabled
	f.subs[id] = sub
	return nil
}

func (f *fakeSubsSvc) GetForTenant(_ context.Context, id, tenantID string) (subscription.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok || sub.TenantID != tenantID {
		return subscription.Subscription{}, subscription.ErrNotFound
	}
	return sub, nil
}

func (f *fakeSubsSvc) ListForTenant(_ context.Context, tenantID string) ([]subscription.Subscription, error) {
	var out []subscription.Subscription
	for _, s := range f.subs {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeDispatcher struct {
	dispatched []string
	replayed   []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, tenantID, eventType string, payload map[string]any, _ string) error {
	if tenantID == "" || eventType == "" || payload == nil {
		return dispatch.ErrInvalidInput
	}
	f.dispatched = append(f.dispatched, eventType)
	return nil
}

func (f *fakeDispatcher) Replay(_ context.Context, deliveryID, _ string) (string, error) {
	f.replayed = append(f.replayed, deliveryID)
	return "dl_replayed", nil
}

type fakeLedgerReader struct {
	rows []ledger.Attempt
}

func (f *fakeLedgerReader) History(_ context.Context, deliveryID string) ([]ledger.Attempt, error) {
	var out []ledger.Attempt
	for _, r := range f.rows {
		if r.DeliveryID == deliveryID {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, ledger.ErrNotFound
	}
	return out, nil
}

func (f *fakeLedgerReader) BySubscription(_ context.Context, subscriptionID string, _ int) ([]ledger.Attempt, error) {
	var out []ledger.Attempt
	for _, r := range f.rows {
		if r.SubscriptionID == subscriptionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeLedgerReader) CurrentState(_ context.Context, deliveryID string) (ledger.Attempt, error) {
	for i := len(f.rows) - 1; i >= 0; i-- {
		if f.rows[i].DeliveryID == deliveryID {
			return f.rows[i], nil
		}
	}
	return ledger.Attempt{}, ledger.ErrNotFound
}

type fakeDLQReader struct {
	entries []ledger.DLQEntry
}

func (f *fakeDLQReader) List(_ context.Context, _ int) ([]ledger.DLQEntry, error) {
	return f.entries, nil
}

func testConfig() config.API {
	return config.API{
		HTTPPort:   ":0",
		RateLimit:  1000,
		RateWindow: time.Minute,
	}
}

func newTestServer(subs SubscriptionService, disp Dispatcher, led LedgerReader, dlq DLQReader) *Server {
	return NewServer(testConfig(), subs, disp, led, dlq, auth.DevMiddleware)
}

func doJSON(t *testing.T, srv *Server, method, path, tenant string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if tenant != "" {
		req.Header.Set("X-Tenant-Id", tenant)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestMissingTenantRejected(t *testing.T) {
	srv := newTestServer(newFakeSubsSvc(), &fakeDispatcher{}, &fakeLedgerReader{}, &fakeDLQReader{})
	rec := doJSON(t, srv, "GET", "/v1/subscriptions", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestPublishEvent(t *testing.T) {
	disp := &fakeDispatcher{}
	srv := newTestServer(newFakeSubsSvc(), disp, &fakeLedgerReader{}, &fakeDLQReader{})

	rec := doJSON(t, srv, "POST", "/v1/events", "tn_1",
		`{"event_type":"message.delivered","payload":{"id":"msg_1"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rec.Code, rec.Body.String())
	}
	if len(disp.dispatched) != 1 || disp.dispatched[0] != "message.delivered" {
		t.Errorf("dispatched = %v", disp.dispatched)
	}
}

func TestPublishEventInvalid(t *testing.T) {
	srv := newTestServer(newFakeSubsSvc(), &fakeDispatcher{}, &fakeLedgerReader{}, &fakeDLQReader{})

	tests := []struct {
		name string
		body string
	}{
		{"missing payload", `{"event_type":"message.delivered"}`},
		{"missing event type", `{"payload":{"id":"msg_1"}}`},
		{"broken JSON", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, "POST", "/v1/events", "tn_1", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestCreateSubscription(t *testing.T) {
	srv := newTestServer(newFakeSubsSvc(), &fakeDispatcher{}, &fakeLedgerReader{}, &fakeDLQReader{})

	rec := doJSON(t, srv, "POST", "/v1/subscriptions", "tn_1",
		`{"url":"https://example.com/hook","event_filter":["message.*"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body %s", rec.Code, rec.Body.String())
	}

	var sub subscription.Subscription
	if err := json.Unmarshal(rec.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if sub.Secret == "" {
		t.Error("create response must carry the plaintext secret")
	}
	if sub.TenantID != "tn_1" {
		t.Errorf("tenant = %q, want tn_1 (from auth context, not body)", sub.TenantID)
	}
	if sub.BatchSize != defaultBatchSize || sub.MaxRetries != defaultMaxRetries {
		t.Errorf("defaults not applied: batch=%d retries=%d", sub.BatchSize, sub.MaxRetries)
	}
}

func TestCreateSubscriptionValidation(t *testing.T) {
	srv := newTestServer(newFakeSubsSvc(), &fakeDispatcher{}, &fakeLedgerReader{}, &fakeDLQReader{})

	rec := doJSON(t, srv, "POST", "/v1/subscriptions", "tn_1",
		`{"url":"https://example.com/hook","event_filter":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var er errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if er.Field != "event_filter" {
		t.Errorf("error field = %q, want event_filter", er.Field)
	}
}

func TestListSubscriptionsRedacted(t *testing.T) {
	subs := newFakeSubsSvc(subscription.Subscription{
		ID: "sb_1", TenantID: "tn_1", Secret: "hidden",
	})
	srv := newTestServer(subs, &fakeDispatcher{}, &fakeLedgerReader{}, &fakeDLQReader{})

	rec := doJSON(t, srv, "GET", "/v1/subscriptions", "tn_1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hidden") {
		t.Error("list response leaked a subscription secret")
	}
}

func TestGetSubscriptionTenantScoped(t *testing.T) {
	subs := newFakeSubsSvc(subscription.Subscription{ID: "sb_1", TenantID: "tn_1"})
	srv := newTestServer(subs, &fakeDispatcher{}, &fakeLedgerReader{}, &fakeDLQReader{})

	if rec := doJSON(t, srv, "GET", "/v1/subscriptions/sb_1", "tn_1", ""); rec.Code != http.StatusOK {
		t.Errorf("owner get status = %d, want 200", rec.Code)
	}
	if rec := doJSON(t, srv, "GET", "/v1/subscriptions/sb_1", "tn_2", ""); rec.Code != http.StatusNotFound {
		t.Errorf("cross-tenant get status = %d, want 404", rec.Code)
	}
}

func TestRotateSecretReturnsPlaintext(t *testing.T) {
	subs := newFakeSubsSvc(subscription.Subscription{ID: "sb_1", TenantID: "tn_1"})
	srv := newTestServer(subs, &fakeDispatcher{}, &fakeLedgerReader{}, &fakeDLQReader{})

	rec := doJSON(t, srv, "POST", "/v1/subscriptions/sb_1/rotate-secret", "tn_1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rotated-secret") {
		t.Error("rotate response must carry the new plaintext secret")
	}
}

func TestListDeliveries(t *testing.T) {
	subs := newFakeSubsSvc(subscription.Subscription{ID: "sb_1", TenantID: "tn_1"})
	led := &fakeLedgerReader{rows: []ledger.Attempt{
		{DeliveryID: "dl_1", SubscriptionID: "sb_1", Status: ledger.StatusSent},
	}}
	srv := newTestServer(subs, &fakeDispatcher{}, led, &fakeDLQReader{})

	rec := doJSON(t, srv, "GET", "/v1/deliveries?subscription_id=sb_1", "tn_1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}

	// Required parameter.
	if rec := doJSON(t, srv, "GET", "/v1/deliveries", "tn_1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing subscription_id status = %d, want 400", rec.Code)
	}
	// Cross-tenant reads look like missing rows.
	if rec := doJSON(t, srv, "GET", "/v1/deliveries?subscription_id=sb_1", "tn_2", ""); rec.Code != http.StatusNotFound {
		t.Errorf("cross-tenant status = %d, want 404", rec.Code)
	}
}

func TestGetDeliveryHistory(t *testing.T) {
	subs := newFakeSubsSvc(subscription.Subscription{ID: "sb_1", TenantID: "tn_1"})
	led := &fakeLedgerReader{rows: []ledger.Attempt{
		{DeliveryID: "dl_1", SubscriptionID: "sb_1", AttemptNumber: 1, Status: ledger.StatusPending},
		{DeliveryID: "dl_1", SubscriptionID: "sb_1", AttemptNumber: 1, Status: ledger.StatusFailedRetryable},
		{DeliveryID: "dl_1", SubscriptionID: "sb_1", AttemptNumber: 2, Status: ledger.StatusSent},
	}}
	srv := newTestServer(subs, &fakeDispatcher{}, led, &fakeDLQReader{})

	rec := doJSON(t, srv, "GET", "/v1/deliveries/dl_1", "tn_1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var attempts []ledger.Attempt
	if err := json.Unmarshal(rec.Body.Bytes(), &attempts); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(attempts) != 3 {
		t.Errorf("history length = %d, want 3", len(attempts))
	}

	if rec := doJSON(t, srv, "GET", "/v1/deliveries/dl_1", "tn_2", ""); rec.Code != http.StatusNotFound {
		t.Errorf("cross-tenant status = %d, want 404", rec.Code)
	}
	if rec := doJSON(t, srv, "GET", "/v1/deliveries/dl_missing", "tn_1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown delivery status = %d, want 404", rec.Code)
	}
}

func TestReplayDelivery(t *testing.T) {
	subs := newFakeSubsSvc(subscription.Subscription{ID: "sb_1", TenantID: "tn_1"})
	led := &fakeLedgerReader{rows: []ledger.Attempt{
		{DeliveryID: "dl_dead", SubscriptionID: "sb_1", Status: ledger.StatusFailedPermanent},
	}}
	disp := &fakeDispatcher{}
	srv := newTestServer(subs, disp, led, &fakeDLQReader{})

	rec := doJSON(t, srv, "POST", "/v1/deliveries/dl_dead/replay", "tn_1", `{"reason":"endpoint fixed"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "dl_replayed") {
		t.Errorf("replay response = %s, want new delivery id", rec.Body.String())
	}
	if len(disp.replayed) != 1 {
		t.Errorf("replayed = %v, want one entry", disp.replayed)
	}

	if rec := doJSON(t, srv, "POST", "/v1/deliveries/dl_dead/replay", "tn_2", ""); rec.Code != http.StatusNotFound {
		t.Errorf("cross-tenant replay status = %d, want 404", rec.Code)
	}
}

func TestListDLQScopedToTenant(t *testing.T) {
	subs := newFakeSubsSvc(
		subscription.Subscription{ID: "sb_1", TenantID: "tn_1"},
		subscription.Subscription{ID: "sb_2", TenantID: "tn_2"},
	)
	led := &fakeLedgerReader{rows: []ledger.Attempt{
		{DeliveryID: "dl_1", SubscriptionID: "sb_1", Status: ledger.StatusFailedPermanent},
		{DeliveryID: "dl_2", SubscriptionID: "sb_2", Status: ledger.StatusFailedPermanent},
	}}
	dlq := &fakeDLQReader{entries: []ledger.DLQEntry{
		{DeliveryID: "dl_1", Reason: "retries exhausted"},
		{DeliveryID: "dl_2", Reason: "retries exhausted"},
	}}
	srv := newTestServer(subs, &fakeDispatcher{}, led, dlq)

	rec := doJSON(t, srv, "GET", "/v1/dlq", "tn_1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var entries []ledger.DLQEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(entries) != 1 || entries[0].DeliveryID != "dl_1" {
		t.Errorf("entries = %+v, want only tn_1's dead letter", entries)
	}
}
