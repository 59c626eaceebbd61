package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kestrelmail/hookrelay/internal/delivery"
	"github.com/kestrelmail/hookrelay/internal/logging"
	"github.com/kestrelmail/hookrelay/internal/tracing"
)

// Handler adapts the delivery processor to an NSQ consumer. Responses are
// manual: Finish for terminal lineages, Requeue with the backoff delay for
// scheduled retries.
type Handler struct {
	processor *Processor
	batcher   *Batcher
	subs      SubscriptionSource
	logger    *logging.Logger
}

func NewHandler(processor *Processor, subs SubscriptionSource, linger time.Duration) *Handler {
	return &Handler{
		processor: processor,
		batcher:   NewBatcher(linger, processor.ProcessBatch),
		subs:      subs,
		logger:    logging.New("hookrelay-worker"),
	}
}

// HandleMessage implements nsq.Handler.
func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse() // we manually requeue or finish
	defer func() {
		if !m.HasResponded() {
			h.logger.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	var t delivery.Task
	if err := json.Unmarshal(m.Body, &t); err != nil {
		h.logger.Plain().WithError(err).Error("bad task payload")
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}

	ctx := tracing.ExtractTraceFromTask(context.Background(), t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.delivery",
		attribute.String("delivery_id", t.DeliveryID),
		attribute.String("subscription_id", t.SubscriptionID),
		attribute.String("event_id", t.Event.ID),
		attribute.String("tenant_id", t.Event.TenantID),
		attribute.String("event_type", t.Event.Type),
		attribute.Int("attempt", t.Attempt),
	)
	defer span.End()

	batchSize := 1
	if sub, err := h.subs.Get(ctx, t.SubscriptionID); err == nil {
		batchSize = sub.BatchSize
	}

	res := h.batcher.Submit(ctx, t, batchSize)
	if !res.Retry {
		span.SetAttributes(attribute.String("delivery.final_status", "finished"))
		m.Finish()
		return nil
	}

	span.SetAttributes(
		attribute.String("delivery.final_status", "requeued"),
		attribute.String("delivery.requeue_delay", res.Delay.String()),
	)

	// nsqd redelivers the originally published body, so the task's attempt
	// field stays at 1 across requeues; the ledger derives the real number.
	m.Requeue(res.Delay)
	return nil
}
