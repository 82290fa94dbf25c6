package ingest

import (
	"context"
	"log/slog"
	"sync"
)

// Handler processes one dequeued delivery.
type Handler func(ctx context.Context, d Delivery)

// Workers drain a delivery queue with a fixed pool of goroutines. A panic in
// a handler is confined to that delivery; the worker keeps draining.
type Workers struct {
	queue     Queue
	handler   Handler
	count     int
	logger    *slog.Logger
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewWorkers(queue Queue, handler Handler, count int, logger *slog.Logger) *Workers {
	if count <= 0 {
		count = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workers{
		queue:   queue,
		handler: handler,
		count:   count,
		logger:  logger,
	}
}

func (w *Workers) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(w.count)
	for i := 0; i < w.count; i++ {
		go func() {
			defer w.wg.Done()
			w.run(ctx)
		}()
	}
}

func (w *Workers) run(ctx context.Context) {
	for {
		delivery, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		w.process(ctx, delivery)
	}
}

func (w *Workers) process(ctx context.Context, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("delivery handler panicked", "trigger", d.Trigger, "delivery", d.ID, "panic", r)
		}
	}()
	w.handler(ctx, d)
}

// Close stops the pool and waits for in-flight handlers to finish.
func (w *Workers) Close() {
	w.closeOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
	})
}
