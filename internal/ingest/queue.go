// Package ingest buffers webhook deliveries between the HTTP endpoint and
// the handlers that process them. The endpoint acknowledges fast; workers
// drain the queue in the background.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Delivery is one accepted webhook payload, tagged with the trigger that
// produced it and a correlation id for log stitching.
type Delivery struct {
	ID         string         `json:"id"`
	Trigger    string         `json:"trigger"`
	Data       map[string]any `json:"data"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// NewDelivery stamps a payload with a fresh correlation id.
func NewDelivery(trigger string, data map[string]any) Delivery {
	return Delivery{
		ID:         uuid.NewString(),
		Trigger:    trigger,
		Data:       data,
		ReceivedAt: time.Now().UTC(),
	}
}

// Queue is a bounded FIFO of pending deliveries.
type Queue interface {
	// TryEnqueue returns false when the queue is full or the delivery is
	// unusable; the caller reports backpressure to the sender.
	TryEnqueue(d Delivery) bool
	// Dequeue blocks until a delivery is available or ctx is done.
	Dequeue(ctx context.Context) (Delivery, bool)
	Depth() int
	Capacity() int
	Close() error
}

type memoryQueue struct {
	ch chan Delivery
}

func NewMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &memoryQueue{ch: make(chan Delivery, capacity)}
}

func (q *memoryQueue) TryEnqueue(d Delivery) bool {
	if q == nil || d.Trigger == "" {
		return false
	}
	select {
	case q.ch <- d:
		return true
	default:
		return false
	}
}

func (q *memoryQueue) Dequeue(ctx context.Context) (Delivery, bool) {
	if q == nil {
		return Delivery{}, false
	}
	select {
	case d := <-q.ch:
		return d, true
	case <-ctx.Done():
		return Delivery{}, false
	}
}

func (q *memoryQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *memoryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *memoryQueue) Close() error {
	return nil
}

// fileQueue persists pending deliveries as a JSON document so accepted
// webhooks survive a restart. Every mutation rewrites the file through a
// temp-and-rename.
type fileQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Delivery
}

type fileQueueState struct {
	Items []Delivery `json:"items"`
}

func NewFileQueue(path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 256
	}
	q := &fileQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Delivery{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileQueue) TryEnqueue(d Delivery) bool {
	if d.Trigger == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, d)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileQueue) Dequeue(ctx context.Context) (Delivery, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]Delivery{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return Delivery{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Delivery{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileQueue) Capacity() int {
	return q.capacity
}

func (q *fileQueue) Close() error {
	return nil
}

func (q *fileQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]Delivery(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]Delivery(nil), snapshot.Items...)
	return nil
}

func (q *fileQueue) saveLocked() error {
	snapshot := fileQueueState{Items: append([]Delivery(nil), q.items...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
