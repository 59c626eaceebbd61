package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kestrelmail/hookrelay/internal/delivery"
)

func batchTask(deliveryID, subID string) delivery.Task {
	return delivery.Task{DeliveryID: deliveryID, SubscriptionID: subID}
}

// echoFlush returns a finished result per task and records every flushed batch.
type echoFlush struct {
	mu      sync.Mutex
	batches [][]delivery.Task
}

func (e *echoFlush) flush(_ context.Context, tasks []delivery.Task) []TaskResult {
	e.mu.Lock()
	e.batches = append(e.batches, tasks)
	e.mu.Unlock()

	out := make([]TaskResult, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskResult{Task: t})
	}
	return out
}

func (e *echoFlush) batchSizes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	sizes := make([]int, 0, len(e.batches))
	for _, b := range e.batches {
		sizes = append(sizes, len(b))
	}
	return sizes
}

func TestSubmitSingleFlushesImmediately(t *testing.T) {
	ef := &echoFlush{}
	b := NewBatcher(time.Hour, ef.flush) // linger must never fire

	start := time.Now()
	res := b.Submit(context.Background(), batchTask("dl_1", "sb_1"), 1)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Submit took %v for batch size 1", elapsed)
	}
	if res.Task.DeliveryID != "dl_1" {
		t.Errorf("result delivery id = %q, want dl_1", res.Task.DeliveryID)
	}
	if sizes := ef.batchSizes(); len(sizes) != 1 || sizes[0] != 1 {
		t.Errorf("flushed batches = %v, want [1]", sizes)
	}
}

func TestSubmitFullBatchFlushes(t *testing.T) {
	ef := &echoFlush{}
	b := NewBatcher(time.Hour, ef.flush)

	var wg sync.WaitGroup
	results := make([]TaskResult, 2)
	for i, id := range []string{"dl_1", "dl_2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = b.Submit(context.Background(), batchTask(id, "sb_1"), 2)
		}(i, id)
	}
	wg.Wait()

	if sizes := ef.batchSizes(); len(sizes) != 1 || sizes[0] != 2 {
		t.Fatalf("flushed batches = %v, want [2]", sizes)
	}
	// Each submitter gets its own task's result back.
	seen := map[string]bool{}
	for _, r := range results {
		seen[r.Task.DeliveryID] = true
	}
	if !seen["dl_1"] || !seen["dl_2"] {
		t.Errorf("results misrouted: %+v", results)
	}
}

func TestSubmitLingerFlushesPartialBatch(t *testing.T) {
	ef := &echoFlush{}
	b := NewBatcher(50*time.Millisecond, ef.flush)

	done := make(chan TaskResult, 1)
	go func() {
		done <- b.Submit(context.Background(), batchTask("dl_1", "sb_1"), 10)
	}()

	select {
	case res := <-done:
		if res.Task.DeliveryID != "dl_1" {
			t.Errorf("result delivery id = %q, want dl_1", res.Task.DeliveryID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("partial batch never flushed; linger timer did not fire")
	}

	if sizes := ef.batchSizes(); len(sizes) != 1 || sizes[0] != 1 {
		t.Errorf("flushed batches = %v, want [1]", sizes)
	}
}

// Concurrent submitters for one subscription must never see a flush larger
// than the batch size; a full batch is claimed under the lock, so a racing
// Submit starts a fresh batch instead of joining a full one.
func TestSubmitConcurrentRespectsBatchBound(t *testing.T) {
	for _, batchSize := range []int{1, 2} {
		ef := &echoFlush{}
		b := NewBatcher(10*time.Millisecond, ef.flush)

		const submitters = 8
		const rounds = 100
		for round := 0; round < rounds; round++ {
			var wg sync.WaitGroup
			for i := 0; i < submitters; i++ {
				wg.Add(1)
				go func(round, i int) {
					defer wg.Done()
					id := fmt.Sprintf("dl_%d_%d", round, i)
					b.Submit(context.Background(), batchTask(id, "sb_1"), batchSize)
				}(round, i)
			}
			wg.Wait()
		}

		total := 0
		for _, size := range ef.batchSizes() {
			total += size
			if size > batchSize {
				t.Fatalf("batchSize=%d: flushed a batch of %d tasks", batchSize, size)
			}
		}
		if want := submitters * rounds; total != want {
			t.Errorf("batchSize=%d: flushed %d tasks in total, want %d", batchSize, total, want)
		}
	}
}

func TestSubmitBatchesPerSubscription(t *testing.T) {
	ef := &echoFlush{}
	b := NewBatcher(50*time.Millisecond, ef.flush)

	var wg sync.WaitGroup
	for _, tt := range []struct{ id, sub string }{
		{"dl_1", "sb_a"},
		{"dl_2", "sb_b"},
	} {
		wg.Add(1)
		go func(id, sub string) {
			defer wg.Done()
			b.Submit(context.Background(), batchTask(id, sub), 5)
		}(tt.id, tt.sub)
	}
	wg.Wait()

	// Different subscriptions never share a batch.
	if sizes := ef.batchSizes(); len(sizes) != 2 || sizes[0] != 1 || sizes[1] != 1 {
		t.Errorf("flushed batches = %v, want [1 1]", sizes)
	}
}
