package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueueBoundedEnqueue(t *testing.T) {
	q := NewMemoryQueue(2)
	defer q.Close()

	if !q.TryEnqueue(NewDelivery("trigger.a", nil)) {
		t.Fatal("first enqueue should succeed")
	}
	if !q.TryEnqueue(NewDelivery("trigger.b", nil)) {
		t.Fatal("second enqueue should succeed")
	}
	if q.TryEnqueue(NewDelivery("trigger.c", nil)) {
		t.Fatal("enqueue past capacity should fail")
	}
	if q.Depth() != 2 || q.Capacity() != 2 {
		t.Fatalf("unexpected depth/capacity: %d/%d", q.Depth(), q.Capacity())
	}
}

func TestMemoryQueueRejectsEmptyTrigger(t *testing.T) {
	q := NewMemoryQueue(4)
	defer q.Close()

	if q.TryEnqueue(Delivery{}) {
		t.Fatal("delivery without trigger should be rejected")
	}
}

func TestMemoryQueueDequeueHonorsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := q.Dequeue(ctx); ok {
		t.Fatal("dequeue on empty queue should fail once context expires")
	}
}

func TestFileQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	q, err := NewFileQueue(path, 8)
	if err != nil {
		t.Fatalf("NewFileQueue: %v", err)
	}
	first := NewDelivery("tracker.issue_updated", map[string]any{"issue": map[string]any{"key": "PROJ-9"}})
	if !q.TryEnqueue(first) {
		t.Fatal("enqueue failed")
	}
	_ = q.Close()

	reopened, err := NewFileQueue(path, 8)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Depth() != 1 {
		t.Fatalf("expected 1 persisted delivery, got %d", reopened.Depth())
	}
	got, ok := reopened.Dequeue(context.Background())
	if !ok {
		t.Fatal("dequeue failed")
	}
	if got.ID != first.ID || got.Trigger != first.Trigger {
		t.Fatalf("persisted delivery mismatch: %+v", got)
	}
}

func TestFileQueueTrimsOverflowOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	wide, err := NewFileQueue(path, 16)
	if err != nil {
		t.Fatalf("NewFileQueue: %v", err)
	}
	for i := 0; i < 10; i++ {
		if !wide.TryEnqueue(NewDelivery("trigger.x", nil)) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	_ = wide.Close()

	narrow, err := NewFileQueue(path, 4)
	if err != nil {
		t.Fatalf("reopen with smaller capacity: %v", err)
	}
	defer narrow.Close()
	if narrow.Depth() != 4 {
		t.Fatalf("expected trim to capacity 4, got %d", narrow.Depth())
	}
}

func TestBuildQueueSchemes(t *testing.T) {
	q, err := BuildQueue("memory://", 4)
	if err != nil {
		t.Fatalf("memory scheme: %v", err)
	}
	q.Close()

	path := filepath.Join(t.TempDir(), "q.json")
	q, err = BuildQueue("file://"+path, 4)
	if err != nil {
		t.Fatalf("file scheme: %v", err)
	}
	q.Close()

	if _, err := BuildQueue("kafka://broker:9092/topic", 4); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for kafka, got %v", err)
	}
	if _, err := BuildQueue("bogus://x", 4); err == nil {
		t.Fatal("expected error for unknown scheme")
	}
}

func TestWorkersDrainQueue(t *testing.T) {
	q := NewMemoryQueue(16)
	defer q.Close()

	var mu sync.Mutex
	seen := map[string]bool{}
	done := make(chan struct{}, 16)
	workers := NewWorkers(q, func(_ context.Context, d Delivery) {
		mu.Lock()
		seen[d.ID] = true
		mu.Unlock()
		done <- struct{}{}
	}, 3, nil)
	workers.Start(context.Background())
	defer workers.Close()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		d := NewDelivery("trigger.y", nil)
		ids = append(ids, d.ID)
		if !q.TryEnqueue(d) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("workers did not drain the queue in time")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		if !seen[id] {
			t.Fatalf("delivery %s never processed", id)
		}
	}
}

func TestWorkersSurvivePanickingHandler(t *testing.T) {
	q := NewMemoryQueue(4)
	defer q.Close()

	done := make(chan struct{}, 2)
	workers := NewWorkers(q, func(_ context.Context, d Delivery) {
		if d.Trigger == "boom" {
			panic("handler exploded")
		}
		done <- struct{}{}
	}, 1, nil)
	workers.Start(context.Background())
	defer workers.Close()

	q.TryEnqueue(NewDelivery("boom", nil))
	q.TryEnqueue(NewDelivery("fine", nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking handler")
	}
}
