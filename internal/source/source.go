// Package source drains the ingestion queue and produces the records to
// Kafka. A single Task owns the consumer side of the queue.
package source

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scottbrown/hecbridge/internal/metrics"
	"github.com/scottbrown/hecbridge/internal/queue"
	"github.com/scottbrown/hecbridge/internal/record"
)

// Producer writes records to Kafka. It returns how many were written and
// the ones that failed.
type Producer interface {
	Produce(ctx context.Context, recs []record.Record) (int, []record.Record, error)
}

// Config controls polling and produce retries.
type Config struct {
	// BatchSize caps the records drained per poll.
	BatchSize int
	// Backoff is the pause after an empty drain, and the first produce retry
	// interval.
	Backoff time.Duration
	// MaxRetryInterval caps the produce retry interval.
	MaxRetryInterval time.Duration
}

// Task moves records from the queue to Kafka.
type Task struct {
	cfg      Config
	queue    *queue.Queue[record.Record]
	producer Producer
}

// New creates a task. Zero config values take the ingestion defaults.
func New(cfg Config, q *queue.Queue[record.Record], p Producer) *Task {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10000
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 30 * time.Second
	}
	return &Task{cfg: cfg, queue: q, producer: p}
}

// Poll returns up to BatchSize records in arrival order. When the queue is
// empty it waits Backoff and tries again until records arrive or ctx is done.
func (t *Task) Poll(ctx context.Context) ([]record.Record, error) {
	timer := time.NewTimer(t.cfg.Backoff)
	defer timer.Stop()

	for {
		if items, ok := t.queue.Drain(t.cfg.BatchSize); ok {
			metrics.QueueDepth.Set(int64(t.queue.Size()))
			return items, nil
		}

		timer.Reset(t.cfg.Backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Run polls and produces until ctx is done. Records still queued at that
// point are left for Flush.
func (t *Task) Run(ctx context.Context) error {
	slog.Info("source task started", "batch_size", t.cfg.BatchSize, "backoff", t.cfg.Backoff)
	for {
		batch, err := t.Poll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("source task stopped", "queued", t.queue.Size())
				return nil
			}
			return err
		}
		if unsent, err := t.deliver(ctx, batch); err != nil {
			if ctx.Err() != nil {
				t.queue.PushAll(unsent...)
				slog.Info("source task stopped", "queued", t.queue.Size())
				return nil
			}
			return err
		}
	}
}

// Flush produces everything left in the queue, giving up when ctx is done.
func (t *Task) Flush(ctx context.Context) error {
	flushed := 0
	for {
		batch, ok := t.queue.Drain(t.cfg.BatchSize)
		if !ok {
			slog.Info("source queue flushed", "records", flushed)
			return nil
		}
		if unsent, err := t.deliver(ctx, batch); err != nil {
			slog.Error("abandoning queued records", "records", len(unsent)+t.queue.Size(), "error", err)
			return err
		}
		flushed += len(batch)
	}
}

// deliver produces batch, retrying only the records that failed. On error it
// returns the records that were never written.
func (t *Task) deliver(ctx context.Context, batch []record.Record) ([]record.Record, error) {
	pending := batch
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.Backoff
	b.MaxInterval = t.cfg.MaxRetryInterval
	b.MaxElapsedTime = 0

	op := func() error {
		written, failed, err := t.producer.Produce(ctx, pending)
		metrics.RecordsProduced.Add(int64(written))
		if err == nil {
			pending = nil
			return nil
		}
		if len(failed) > 0 {
			pending = failed
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.ProduceRetries.Add(1)
		slog.Warn("kafka produce failed, retrying", "records", len(pending), "retry_in", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return pending, err
	}
	return nil, nil
}
