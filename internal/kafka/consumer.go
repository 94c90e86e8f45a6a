package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/scottbrown/hecbridge/internal/config"
)

// ErrClosed is returned by Poll once the consumer has been closed.
var ErrClosed = errors.New("kafka: consumer closed")

// Consumer reads from a consumer group with manual offset commits.
// Rebalances are held while a polled batch is in flight.
type Consumer struct {
	client *kgo.Client
}

// NewConsumer joins cfg.ConsumerGroup on cfg.ConsumeTopics, falling back to
// cfg.Topic when no consume topics are set.
func NewConsumer(cfg config.KafkaConfig, opts ...kgo.Opt) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New("kafka: consumer group is required")
	}
	topics := cfg.ConsumeTopics
	if len(topics) == 0 && cfg.Topic != "" {
		topics = []string{cfg.Topic}
	}
	if len(topics) == 0 {
		return nil, errors.New("kafka: no topics to consume")
	}

	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.WithLogger(NewLogger(slog.Default())),
	}
	if cfg.ConsumeRegex {
		base = append(base, kgo.ConsumeRegex())
	}

	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("kafka: create consumer: %w", err)
	}
	return &Consumer{client: client}, nil
}

// Poll waits for up to maxRecords records. Partition fetch errors are logged
// and the records that did arrive are returned. A batch returned by Poll must
// be finished with Commit or Release before the group can rebalance.
func (c *Consumer) Poll(ctx context.Context, maxRecords int) ([]*kgo.Record, error) {
	fetches := c.client.PollRecords(ctx, maxRecords)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}

	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
			continue
		}
		slog.Warn("kafka fetch error", "topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
	}

	recs := fetches.Records()
	if len(recs) == 0 {
		c.client.AllowRebalance()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// Commit marks recs as processed and lets a pending rebalance proceed.
func (c *Consumer) Commit(ctx context.Context, recs []*kgo.Record) error {
	defer c.client.AllowRebalance()
	if len(recs) == 0 {
		return nil
	}
	if err := c.client.CommitRecords(ctx, recs...); err != nil {
		return fmt.Errorf("kafka: commit: %w", err)
	}
	return nil
}

// Release gives up a polled batch without committing it.
func (c *Consumer) Release() {
	c.client.AllowRebalance()
}

// Ping checks that a broker is reachable.
func (c *Consumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// Close leaves the group and releases the client. Uncommitted records are
// redelivered to the next group member.
func (c *Consumer) Close() {
	c.client.Close()
}
