// Package sink consumes structured records from Kafka and delivers them to
// the collector as newline-delimited HEC batches. Offsets are committed only
// after the collector accepts a batch.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/scottbrown/hecbridge/internal/audit"
	"github.com/scottbrown/hecbridge/internal/codec"
	"github.com/scottbrown/hecbridge/internal/config"
	"github.com/scottbrown/hecbridge/internal/hec"
	"github.com/scottbrown/hecbridge/internal/kafka"
	"github.com/scottbrown/hecbridge/internal/metrics"
)

// Consumer is the Kafka side of the task.
type Consumer interface {
	Poll(ctx context.Context, maxRecords int) ([]*kgo.Record, error)
	Commit(ctx context.Context, recs []*kgo.Record) error
	Release()
}

// Config controls batching and delivery retries.
type Config struct {
	BatchSize     int
	PlanCacheSize int
	Retry         config.RetryConfig
}

// Task moves records from Kafka to the collector.
type Task struct {
	cfg      Config
	codec    *codec.BatchCodec
	consumer Consumer
	sender   hec.Sender
	audit    *audit.Logger
}

// New creates a sink task. auditLog may be nil.
func New(cfg Config, consumer Consumer, sender hec.Sender, auditLog *audit.Logger) (*Task, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultSinkBatchSize
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = 30 * time.Second
	}
	bc, err := codec.New(cfg.PlanCacheSize)
	if err != nil {
		return nil, err
	}
	return &Task{cfg: cfg, codec: bc, consumer: consumer, sender: sender, audit: auditLog}, nil
}

// IsRetriable reports whether a failed Put may succeed if the same records
// are put again.
func IsRetriable(err error) bool {
	return hec.IsRetriable(err) && !errors.Is(err, codec.ErrMalformedRecord)
}

// Put serializes recs into one batch and sends it. Tombstones are skipped. A
// record that cannot be decoded fails the whole batch as fatal.
func (t *Task) Put(ctx context.Context, recs []*kgo.Record) error {
	decoded := make([]codec.Record, 0, len(recs))
	for _, r := range recs {
		rec, err := codec.Decode(r.Value)
		if err != nil {
			return fmt.Errorf("%s[%d]@%d: %w", r.Topic, r.Partition, r.Offset, err)
		}
		if rec.Empty() {
			continue
		}
		decoded = append(decoded, rec)
	}

	body, err := t.codec.Serialize(decoded)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return t.sender.Send(ctx, body)
}

// Run consumes until ctx is done or a batch fails fatally. A fatal batch is
// left uncommitted and its error is returned.
func (t *Task) Run(ctx context.Context) error {
	slog.Info("sink task started", "batch_size", t.cfg.BatchSize)
	for {
		recs, err := t.consumer.Poll(ctx, t.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, kafka.ErrClosed) {
				slog.Info("sink task stopped")
				return nil
			}
			return err
		}
		if len(recs) == 0 {
			continue
		}

		if err := t.deliver(ctx, recs); err != nil {
			t.consumer.Release()
			if ctx.Err() != nil {
				slog.Info("sink task stopped with batch uncommitted", "records", len(recs))
				return nil
			}
			t.auditFailure(recs, err)
			return err
		}

		metrics.RecordsConsumed.Add(int64(len(recs)))
		if err := t.consumer.Commit(ctx, recs); err != nil {
			// The batch was delivered; an uncommitted offset only means a
			// redelivery later.
			metrics.CommitFailures.Add(1)
			slog.Warn("failed to commit offsets", "records", len(recs), "error", err)
		}
		_ = t.audit.Log(audit.Event{
			EventType: audit.EventBatchDelivered,
			Success:   true,
			Actor:     "sink",
			Resource:  topicsOf(recs),
			Action:    "deliver",
			Result:    "delivered",
			Details:   map[string]any{"records": len(recs)},
		})
	}
}

// deliver puts recs, retrying transient failures with exponential backoff.
func (t *Task) deliver(ctx context.Context, recs []*kgo.Record) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.Retry.InitialInterval
	b.MaxInterval = t.cfg.Retry.MaxInterval
	b.MaxElapsedTime = t.cfg.Retry.MaxElapsedTime

	op := func() error {
		err := t.Put(ctx, recs)
		if err != nil && !IsRetriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.HecRetries.Add(1)
		slog.Warn("batch delivery failed, retrying", "records", len(recs), "retry_in", wait, "error", err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err != nil && IsRetriable(err) && ctx.Err() == nil {
		return fmt.Errorf("delivery retries exhausted: %w", err)
	}
	return err
}

func (t *Task) auditFailure(recs []*kgo.Record, err error) {
	slog.Error("batch delivery failed", "records", len(recs), "topics", topicsOf(recs), "error", err)
	_ = t.audit.Log(audit.Event{
		EventType: audit.EventBatchFailed,
		Success:   false,
		Actor:     "sink",
		Resource:  topicsOf(recs),
		Action:    "deliver",
		Result:    "failed",
		Details: map[string]any{
			"records":      len(recs),
			"first_offset": recs[0].Offset,
			"error":        err.Error(),
		},
	})
}

func topicsOf(recs []*kgo.Record) string {
	seen := make(map[string]struct{})
	out := ""
	for _, r := range recs {
		if _, ok := seen[r.Topic]; ok {
			continue
		}
		seen[r.Topic] = struct{}{}
		if out != "" {
			out += ","
		}
		out += r.Topic
	}
	return out
}
