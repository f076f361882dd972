package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/MagnunAVF/link-shortener/internal"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 2 * time.Second
	flushTimeout         = 10 * time.Second
)

type clickRecorder interface {
	RecordClicks(ctx context.Context, events []internal.ClickEvent) ([]string, error)
}

type statsInvalidator interface {
	DeleteStats(ctx context.Context, code string) error
}

// worker folds click deliveries into per-country counters. A batch is
// written in one transaction and acked only once that commits.
type worker struct {
	store         clickRecorder
	cache         statsInvalidator
	batchSize     int
	flushInterval time.Duration

	events     []internal.ClickEvent
	deliveries []amqp091.Delivery
}

func newWorker(store clickRecorder, cache statsInvalidator) *worker {
	return &worker{
		store:         store,
		cache:         cache,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
}

// run consumes until ctx is cancelled or msgs closes, flushing whatever is
// still buffered on the way out.
func (w *worker) run(ctx context.Context, msgs <-chan amqp091.Delivery) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case d, ok := <-msgs:
			if !ok {
				slog.Warn("RabbitMQ channel closed")
				w.flush()
				return
			}
			if w.add(d) {
				w.flush()
				ticker.Reset(w.flushInterval)
			}
		case <-ticker.C:
			if len(w.events) > 0 {
				slog.Info("Timer flush: processing queued events", "count", len(w.events))
				w.flush()
			}
		}
	}
}

// add buffers d and reports whether the batch is full.
func (w *worker) add(d amqp091.Delivery) bool {
	var ev internal.ClickEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil || ev.ShortCode == "" {
		slog.Error("Undecodable click event. Rejecting.", "err", err)
		_ = d.Reject(false)
		return false
	}
	w.events = append(w.events, ev)
	w.deliveries = append(w.deliveries, d)
	return len(w.events) >= w.batchSize
}

func (w *worker) flush() {
	if len(w.events) == 0 {
		return
	}
	events, deliveries := w.events, w.deliveries
	w.events, w.deliveries = nil, nil

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	codes, err := w.store.RecordClicks(ctx, events)
	if err == nil {
		w.invalidate(ctx, codes)
		for _, d := range deliveries {
			_ = d.Ack(false)
		}
		slog.Info("Successfully processed and acked messages", "count", len(deliveries), "links", len(codes))
		return
	}
	slog.Error("Failed to record click batch. Retrying events one by one.", "count", len(events), "err", err)
	w.flushEach(ctx, events, deliveries)
}

// flushEach records events individually so a single bad event cannot hold
// back the rest of its batch. If every event fails the store is treated as
// unavailable and the whole batch is requeued. Otherwise a failed event is
// requeued once and dropped when it fails again after redelivery.
func (w *worker) flushEach(ctx context.Context, events []internal.ClickEvent, deliveries []amqp091.Delivery) {
	failed := make([]error, len(events))
	ok := 0
	for i, ev := range events {
		codes, err := w.store.RecordClicks(ctx, []internal.ClickEvent{ev})
		if err != nil {
			failed[i] = err
			continue
		}
		ok++
		w.invalidate(ctx, codes)
		_ = deliveries[i].Ack(false)
	}

	if ok == 0 {
		slog.Error("Click store unavailable. Nacking messages.", "count", len(events))
		for _, d := range deliveries {
			_ = d.Nack(false, true)
		}
		return
	}
	for i, err := range failed {
		if err == nil {
			continue
		}
		d := deliveries[i]
		if d.Redelivered {
			slog.Error("Click event failed after redelivery. Dropping.", "short_code", events[i].ShortCode, "err", err, "alert", true)
			_ = d.Reject(false)
			continue
		}
		slog.Warn("Click event failed. Requeueing.", "short_code", events[i].ShortCode, "err", err)
		_ = d.Nack(false, true)
	}
}

func (w *worker) invalidate(ctx context.Context, codes []string) {
	for _, code := range codes {
		if err := w.cache.DeleteStats(ctx, code); err != nil {
			slog.Warn("Stats cache invalidation failed", "short_code", code, "err", err)
		}
	}
}
