package worker

import (
	"context"
	"sync"
	"time"

	"github.com/kestrelmail/hookrelay/internal/delivery"
)

// FlushFunc processes one subscription's accumulated tasks as a single
// delivery. Processor.ProcessBatch satisfies it.
type FlushFunc func(ctx context.Context, tasks []delivery.Task) []TaskResult

// Batcher coalesces ready tasks per subscription up to that subscription's
// batch size. The wait is bounded: a partial batch flushes after the linger
// interval, so a handler never stalls indefinitely waiting for company.
type Batcher struct {
	linger time.Duration
	flush  FlushFunc

	mu      sync.Mutex
	pending map[string]*pendingBatch
}

type pendingBatch struct {
	tasks   []delivery.Task
	replies []chan TaskResult
	timer   *time.Timer
}

func NewBatcher(linger time.Duration, flush FlushFunc) *Batcher {
	return &Batcher{
		linger:  linger,
		flush:   flush,
		pending: make(map[string]*pendingBatch),
	}
}

// Submit adds a task to its subscription's batch and blocks until the batch
// has been processed, returning this task's individual result. batchSize <= 1
// flushes immediately.
func (b *Batcher) Submit(ctx context.Context, task delivery.Task, batchSize int) TaskResult {
	reply := make(chan TaskResult, 1)
	subID := task.SubscriptionID

	b.mu.Lock()
	pb := b.pending[subID]
	if pb == nil {
		pb = &pendingBatch{}
		b.pending[subID] = pb
		if batchSize > 1 {
			// The timer closure holds this batch's pointer so a stale timer
			// cannot flush a successor batch for the same subscription.
			batch := pb
			pb.timer = time.AfterFunc(b.linger, func() {
				b.claimAndFlush(context.Background(), subID, batch)
			})
		}
	}
	pb.tasks = append(pb.tasks, task)
	pb.replies = append(pb.replies, reply)
	// A full batch is claimed inside the critical section; a later Submit
	// starts a fresh batch instead of appending past the bound.
	var claimed *pendingBatch
	if len(pb.tasks) >= batchSize {
		delete(b.pending, subID)
		claimed = pb
	}
	b.mu.Unlock()

	if claimed != nil {
		b.flushBatch(ctx, claimed)
	}
	return <-reply
}

// claimAndFlush is the linger path. It takes the batch out of the pending map
// unless the full-batch path already claimed it.
func (b *Batcher) claimAndFlush(ctx context.Context, subID string, pb *pendingBatch) {
	b.mu.Lock()
	if b.pending[subID] != pb {
		b.mu.Unlock()
		return
	}
	delete(b.pending, subID)
	b.mu.Unlock()

	b.flushBatch(ctx, pb)
}

func (b *Batcher) flushBatch(ctx context.Context, pb *pendingBatch) {
	if pb.timer != nil {
		pb.timer.Stop()
	}

	results := b.flush(ctx, pb.tasks)
	byID := make(map[string]TaskResult, len(results))
	for _, r := range results {
		byID[r.Task.DeliveryID] = r
	}
	for i, t := range pb.tasks {
		pb.replies[i] <- byID[t.DeliveryID]
	}
}
