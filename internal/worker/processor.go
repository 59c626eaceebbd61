package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kestrelmail/hookrelay/internal/delivery"
	"github.com/kestrelmail/hookrelay/internal/ledger"
	"github.com/kestrelmail/hookrelay/internal/logging"
	"github.com/kestrelmail/hookrelay/internal/metrics"
	"github.com/kestrelmail/hookrelay/internal/signature"
	"github.com/kestrelmail/hookrelay/internal/subscription"
	"github.com/kestrelmail/hookrelay/internal/tracing"
)

// SubscriptionSource is the worker's view of the subscription store. The
// subscription is re-read per batch so secret rotation and disablement take
// effect on the next attempt.
type SubscriptionSource interface {
	Get(ctx context.Context, id string) (subscription.Subscription, error)
	ClearFailureStreak(ctx context.Context, id string) error
	BumpFailureStreak(ctx context.Context, id string) (int, error)
	DisableByID(ctx context.Context, id string) error
}

// Ledger is the append-only attempt bookkeeping.
type Ledger interface {
	NextAttempt(ctx context.Context, deliveryID string) (attempt int, terminal bool, err error)
	Append(ctx context.Context, a ledger.Attempt) error
}

// DLQ records lineages that terminated without success.
type DLQ interface {
	Insert(ctx context.Context, deliveryID, reason string) error
}

// Publisher pushes dead-letter envelopes onto the DLQ topic.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Options tune the delivery processor.
type Options struct {
	HTTPTimeout      time.Duration
	JitterPercent    float64
	AutoDisableAfter int // 0 disables the policy
	PublishDLQ       bool
	DLQTopic         string
	SignatureHeader  string
	TimestampHeader  string
	DeliveryIDHeader string
	BreakerFailures  uint32
	BreakerCooldown  time.Duration
}

// TaskResult tells the queue handler what to do with one task after a batch
// has been processed.
type TaskResult struct {
	Task  delivery.Task
	Retry bool
	Delay time.Duration // only meaningful when Retry
}

// infraRequeueDelay is used when the processor cannot reach its own stores and
// has nothing better than handing the task back to the queue.
const infraRequeueDelay = 5 * time.Second

// liveTask pairs a queue task with its ledger-derived attempt number.
type liveTask struct {
	task    delivery.Task
	attempt int
}

// Processor drives the delivery state machine for batches of tasks belonging
// to one subscription. All collaborators are injected at construction and held
// for the processor's lifetime.
type Processor struct {
	subs   SubscriptionSource
	ledger Ledger
	dlq    DLQ
	pub    Publisher // may be nil when DLQ topic publishing is off
	client *http.Client
	opts   Options
	logger *logging.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker // keyed by endpoint host
}

func NewProcessor(subs SubscriptionSource, led Ledger, dlq DLQ, pub Publisher, client *http.Client, opts Options) *Processor {
	if client == nil {
		client = &http.Client{Timeout: opts.HTTPTimeout}
	}
	return &Processor{
		subs:     subs,
		ledger:   led,
		dlq:      dlq,
		pub:      pub,
		client:   client,
		opts:     opts,
		logger:   logging.New("hookrelay-worker"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// ProcessBatch delivers a batch of tasks for one subscription with a single
// signed HTTP POST and applies the outcome to every lineage in the batch.
func (p *Processor) ProcessBatch(ctx context.Context, tasks []delivery.Task) []TaskResult {
	if len(tasks) == 0 {
		return nil
	}
	subID := tasks[0].SubscriptionID

	ctx, span := tracing.StartSpan(ctx, "worker.delivery_batch",
		attribute.String("subscription_id", subID),
		attribute.Int("batch_size", len(tasks)),
	)
	defer span.End()

	sub, err := p.subs.Get(ctx, subID)
	if errors.Is(err, subscription.ErrNotFound) {
		return p.terminateAll(ctx, tasks, sub, 0, "subscription_missing")
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		p.logger.WithContext(ctx).WithSubscription(subID).WithError(err).Error("subscription read failed")
		return requeueAll(tasks, infraRequeueDelay)
	}
	if sub.Status == subscription.StatusDisabled {
		// Disabling stops future dispatch; queued retries drain here without
		// sending traffic to the endpoint.
		return p.terminateAll(ctx, tasks, sub, 0, "subscription_disabled")
	}

	// Derive authoritative attempt numbers from the ledger; the queue is
	// at-least-once so the task's own counter is only a hint.
	var (
		live    []liveTask
		results []TaskResult
	)
	for _, t := range tasks {
		attempt, terminal, err := p.ledger.NextAttempt(ctx, t.DeliveryID)
		if errors.Is(err, ledger.ErrNotFound) {
			attempt, terminal = t.Attempt, false
			if attempt < 1 {
				attempt = 1
			}
			err = nil
		}
		if err != nil {
			tracing.SetSpanError(ctx, err)
			results = append(results, TaskResult{Task: t, Retry: true, Delay: infraRequeueDelay})
			continue
		}
		if terminal {
			// Duplicate queue delivery of a finished lineage; drop it.
			tracing.AddSpanEvent(ctx, "delivery.duplicate_dropped",
				attribute.String("delivery_id", t.DeliveryID))
			results = append(results, TaskResult{Task: t})
			continue
		}
		live = append(live, liveTask{task: t, attempt: attempt})
	}
	if len(live) == 0 {
		return results
	}

	body, err := p.buildBody(sub, live)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		for _, lt := range live {
			results = append(results, p.failPermanent(ctx, lt.task, sub, lt.attempt, 0, "payload_marshal: "+err.Error()))
		}
		return results
	}

	status, latency, doErr := p.send(ctx, sub, body, live)
	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)
	if doErr != nil {
		span.SetAttributes(attribute.String("http.error", doErr.Error()))
	}

	metrics.RecordBatchSize(len(live))

	if doErr == nil && status >= 200 && status < 300 {
		tracing.AddSpanEvent(ctx, "delivery.success")
		now := time.Now().UTC()
		for _, lt := range live {
			if err := p.ledger.Append(ctx, ledger.Attempt{
				DeliveryID:     lt.task.DeliveryID,
				SubscriptionID: sub.ID,
				EventID:        lt.task.Event.ID,
				AttemptNumber:  lt.attempt,
				Status:         ledger.StatusSent,
				HTTPStatus:     status,
				ScheduledAt:    now,
				SentAt:         &now,
			}); err != nil {
				p.logger.WithContext(ctx).WithDelivery(lt.task.DeliveryID).WithError(err).Error("ledger append sent failed")
				tracing.SetSpanError(ctx, err)
			}
			metrics.RecordDelivery(string(ledger.StatusSent), latency)
			results = append(results, TaskResult{Task: lt.task})
		}
		if err := p.subs.ClearFailureStreak(ctx, sub.ID); err != nil {
			p.logger.WithContext(ctx).WithSubscription(sub.ID).WithError(err).Error("failure streak reset failed")
		}
		return results
	}

	reason := classifyReason(doErr, status)
	span.SetAttributes(attribute.String("failure_reason", reason))
	retryable := doErr != nil || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500

	for _, lt := range live {
		switch {
		case !retryable:
			results = append(results, p.failPermanent(ctx, lt.task, sub, lt.attempt, status, reason))
		case lt.attempt > sub.MaxRetries:
			results = append(results, p.failPermanent(ctx, lt.task, sub, lt.attempt, status,
				fmt.Sprintf("retries exhausted after attempt %d: %s", lt.attempt, reason)))
		default:
			delay := sub.Backoff.Jittered(lt.attempt, p.opts.JitterPercent)
			now := time.Now().UTC()
			sentAt := now
			if err := p.ledger.Append(ctx, ledger.Attempt{
				DeliveryID:     lt.task.DeliveryID,
				SubscriptionID: sub.ID,
				EventID:        lt.task.Event.ID,
				AttemptNumber:  lt.attempt,
				Status:         ledger.StatusFailedRetryable,
				HTTPStatus:     status,
				ScheduledAt:    now.Add(delay), // when the next attempt becomes due
				SentAt:         &sentAt,
				Error:          reason,
			}); err != nil {
				p.logger.WithContext(ctx).WithDelivery(lt.task.DeliveryID).WithError(err).Error("ledger append retryable failed")
				tracing.SetSpanError(ctx, err)
			}
			metrics.RecordRetry(reason)
			metrics.RecordDelivery(string(ledger.StatusFailedRetryable), latency)
			p.logger.WithContext(ctx).WithDelivery(lt.task.DeliveryID).WithSubscription(sub.ID).WithFields(map[string]any{
				"attempt": lt.attempt,
				"delay":   delay.String(),
				"reason":  reason,
			}).Info("requeue delivery")
			results = append(results, TaskResult{Task: lt.task, Retry: true, Delay: delay})
		}
	}
	return results
}

// buildBody serializes the outbound payload: a single event object, or an
// array when the subscription coalesces batches.
func (p *Processor) buildBody(sub subscription.Subscription, live []liveTask) ([]byte, error) {
	if sub.BatchSize <= 1 && len(live) == 1 {
		return json.Marshal(live[0].task.Event)
	}
	events := make([]any, 0, len(live))
	for _, lt := range live {
		events = append(events, lt.task.Event)
	}
	return json.Marshal(events)
}

// send issues the signed POST through the endpoint's circuit breaker.
func (p *Processor) send(ctx context.Context, sub subscription.Subscription, body []byte, live []liveTask) (status int, latency time.Duration, err error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := signature.Sign([]byte(sub.Secret), body, ts)

	ctx, cancel := context.WithTimeout(ctx, p.opts.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(p.opts.TimestampHeader, ts)
	req.Header.Set(p.opts.SignatureHeader, sig)
	if len(live) == 1 {
		req.Header.Set(p.opts.DeliveryIDHeader, live[0].task.DeliveryID)
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	cb := p.breaker(sub.URL)
	start := time.Now()
	tracing.AddSpanEvent(ctx, "http.send_webhook")
	out, err := cb.Execute(func() (any, error) {
		resp, doErr := p.client.Do(req)
		if doErr != nil {
			return 0, doErr
		}
		defer resp.Body.Close()
		return resp.StatusCode, nil
	})
	latency = time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	return out.(int), latency, nil
}

// breaker returns the circuit breaker for an endpoint host, creating it on
// first use. An open breaker short-circuits sends into retryable failures so
// a dead endpoint does not tie up worker slots for the full HTTP timeout.
func (p *Processor) breaker(rawURL string) *gobreaker.CircuitBreaker {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: p.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.opts.BreakerFailures
		},
	})
	p.breakers[host] = cb
	return cb
}

// failPermanent closes a lineage: permanent ledger row, DLQ entry, optional
// DLQ topic publish, and the auto-disable policy check.
func (p *Processor) failPermanent(ctx context.Context, t delivery.Task, sub subscription.Subscription, attempt, httpStatus int, reason string) TaskResult {
	if attempt < 1 {
		attempt = 1
	}
	now := time.Now().UTC()
	if err := p.ledger.Append(ctx, ledger.Attempt{
		DeliveryID:     t.DeliveryID,
		SubscriptionID: t.SubscriptionID,
		EventID:        t.Event.ID,
		AttemptNumber:  attempt,
		Status:         ledger.StatusFailedPermanent,
		HTTPStatus:     httpStatus,
		ScheduledAt:    now,
		Error:          reason,
	}); err != nil {
		p.logger.WithContext(ctx).WithDelivery(t.DeliveryID).WithError(err).Error("ledger append permanent failed")
		tracing.SetSpanError(ctx, err)
	}

	if err := p.dlq.Insert(ctx, t.DeliveryID, reason); err != nil {
		p.logger.WithContext(ctx).WithDelivery(t.DeliveryID).WithError(err).Error("dlq insert failed")
		tracing.SetSpanError(ctx, err)
	}
	if p.opts.PublishDLQ && p.pub != nil {
		env := delivery.NewDeadLetter(t, attempt, httpStatus, reason, reason)
		if b, err := json.Marshal(env); err == nil {
			if err := p.pub.Publish(p.opts.DLQTopic, b); err != nil {
				p.logger.WithContext(ctx).WithDelivery(t.DeliveryID).WithError(err).Error("dlq publish failed")
			}
		}
	}

	metrics.RecordDLQ()
	metrics.RecordDelivery(string(ledger.StatusFailedPermanent), 0)
	tracing.AddSpanEvent(ctx, "delivery.dead_lettered",
		attribute.String("delivery_id", t.DeliveryID),
		attribute.String("reason", reason),
	)

	p.checkAutoDisable(ctx, sub)

	return TaskResult{Task: t}
}

// checkAutoDisable bumps the subscription's consecutive-permanent counter and
// soft-disables it when the configured threshold is reached.
func (p *Processor) checkAutoDisable(ctx context.Context, sub subscription.Subscription) {
	if sub.ID == "" {
		return
	}
	streak, err := p.subs.BumpFailureStreak(ctx, sub.ID)
	if err != nil {
		p.logger.WithContext(ctx).WithSubscription(sub.ID).WithError(err).Error("failure streak bump failed")
		return
	}
	if p.opts.AutoDisableAfter > 0 && streak >= p.opts.AutoDisableAfter {
		if err := p.subs.DisableByID(ctx, sub.ID); err != nil {
			p.logger.WithContext(ctx).WithSubscription(sub.ID).WithError(err).Error("auto-disable failed")
			return
		}
		metrics.RecordAutoDisable()
		p.logger.WithContext(ctx).WithSubscription(sub.ID).
			WithField("failure_streak", streak).Warn("subscription auto-disabled")
	}
}

// terminateAll closes every task in the batch permanently with one reason.
func (p *Processor) terminateAll(ctx context.Context, tasks []delivery.Task, sub subscription.Subscription, httpStatus int, reason string) []TaskResult {
	results := make([]TaskResult, 0, len(tasks))
	for _, t := range tasks {
		attempt, terminal, err := p.ledger.NextAttempt(ctx, t.DeliveryID)
		if err != nil || terminal {
			results = append(results, TaskResult{Task: t})
			continue
		}
		results = append(results, p.failPermanent(ctx, t, sub, attempt, httpStatus, reason))
	}
	return results
}

func requeueAll(tasks []delivery.Task, delay time.Duration) []TaskResult {
	results := make([]TaskResult, 0, len(tasks))
	for _, t := range tasks {
		results = append(results, TaskResult{Task: t, Retry: true, Delay: delay})
	}
	return results
}

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		if errors.Is(doErr, gobreaker.ErrOpenState) || errors.Is(doErr, gobreaker.ErrTooManyRequests) {
			return "breaker_open"
		}
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == http.StatusTooManyRequests {
		return "http_429"
	}
	if status == http.StatusRequestTimeout {
		return "http_408"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
