// Package kafka wraps the franz-go client for both sides of the bridge: the
// producer behind the ingestion queue and the group consumer feeding the
// collector.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/scottbrown/hecbridge/internal/config"
	"github.com/scottbrown/hecbridge/internal/record"
)

// Producer writes structured records to Kafka.
type Producer struct {
	client *kgo.Client
}

// NewProducer creates a producer for cfg. Extra options are appended to the
// defaults.
func NewProducer(cfg config.KafkaConfig, opts ...kgo.Opt) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}

	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.AllowAutoTopicCreation(),
		kgo.WithLogger(NewLogger(slog.Default())),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}
	return &Producer{client: client}, nil
}

// Encode turns a record into a Kafka message keyed by host.
func Encode(rec record.Record) (*kgo.Record, error) {
	value, err := rec.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return &kgo.Record{Topic: rec.Topic, Key: rec.Key(), Value: value}, nil
}

// Produce writes recs and waits for every acknowledgement. It returns how
// many records were written, and the records that were not written together
// with the first failure, so callers can retry just those. Unencodable
// records are dropped and count as neither.
func (p *Producer) Produce(ctx context.Context, recs []record.Record) (int, []record.Record, error) {
	if len(recs) == 0 {
		return 0, nil, nil
	}

	msgs := make([]*kgo.Record, 0, len(recs))
	sent := make([]record.Record, 0, len(recs))
	for _, rec := range recs {
		msg, err := Encode(rec)
		if err != nil {
			// Unencodable records would fail every retry.
			slog.Error("dropping unencodable record", "topic", rec.Topic, "error", err)
			continue
		}
		msgs = append(msgs, msg)
		sent = append(sent, rec)
	}

	// Results arrive in completion order, not submission order.
	errs := make(map[*kgo.Record]error)
	for _, res := range p.client.ProduceSync(ctx, msgs...) {
		if res.Err != nil {
			errs[res.Record] = res.Err
		}
	}
	if len(errs) == 0 {
		return len(msgs), nil, nil
	}

	var failed []record.Record
	var firstErr error
	for i, msg := range msgs {
		if err, ok := errs[msg]; ok {
			if firstErr == nil {
				firstErr = err
			}
			failed = append(failed, sent[i])
		}
	}
	return len(msgs) - len(failed), failed, fmt.Errorf("kafka: produce %d of %d records: %w", len(failed), len(msgs), firstErr)
}

// Ping checks that a broker is reachable.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Flush waits for buffered records to be written.
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close releases the client.
func (p *Producer) Close() {
	p.client.Close()
}
