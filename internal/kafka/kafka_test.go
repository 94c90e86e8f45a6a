package kafka

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/scottbrown/hecbridge/internal/config"
	"github.com/scottbrown/hecbridge/internal/record"
)

const topic = "splunk-events"

func newCluster(t *testing.T, topics ...string) []string {
	t.Helper()
	c, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, topics...))
	if err != nil {
		t.Fatalf("start fake cluster: %v", err)
	}
	t.Cleanup(c.Close)
	return c.ListenAddrs()
}

func TestProducerConsumer_RoundTrip(t *testing.T) {
	brokers := newCluster(t, topic)
	cfg := config.KafkaConfig{
		Brokers:       brokers,
		ClientID:      "test",
		Topic:         topic,
		ConsumerGroup: "test-group",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	producer, err := NewProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer producer.Close()

	if err := producer.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	ts := time.Date(2016, 8, 27, 2, 50, 50, 342_000_000, time.UTC)
	recs := []record.Record{
		{Time: ts, Host: "web-1", Index: "main", Event: "one", Topic: topic},
		{Time: ts, Host: "web-2", Index: "main", Event: "two", Topic: topic},
		{Time: ts, Host: "web-1", Index: "main", Event: "three", Topic: topic},
	}
	written, failed, err := producer.Produce(ctx, recs)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("expected no failed records, got %d", len(failed))
	}
	if written != len(recs) {
		t.Fatalf("expected %d written, got %d", len(recs), written)
	}

	consumer, err := NewConsumer(cfg)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	defer consumer.Close()

	var got []*kgo.Record
	for len(got) < len(recs) {
		batch, err := consumer.Poll(ctx, 100)
		if err != nil {
			t.Fatalf("poll: %v (have %d records)", err, len(got))
		}
		got = append(got, batch...)
		if err := consumer.Commit(ctx, batch); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	var values []string
	for _, r := range got {
		values = append(values, string(r.Value))
	}
	want := []string{
		`{"host":"web-1","time":1472266250.342,"index":"main","event":"one"}`,
		`{"host":"web-2","time":1472266250.342,"index":"main","event":"two"}`,
		`{"host":"web-1","time":1472266250.342,"index":"main","event":"three"}`,
	}
	if diff := cmp.Diff(want, values); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
	if string(got[1].Key) != "web-2" {
		t.Errorf("expected host as key, got %q", got[1].Key)
	}
}

func TestProducer_EmptyBatch(t *testing.T) {
	brokers := newCluster(t, topic)
	producer, err := NewProducer(config.KafkaConfig{Brokers: brokers, Topic: topic})
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer producer.Close()

	written, failed, err := producer.Produce(context.Background(), nil)
	if err != nil || failed != nil || written != 0 {
		t.Errorf("expected no-op, got %d, %v, %v", written, failed, err)
	}
}

func TestProducer_DropsUnencodable(t *testing.T) {
	brokers := newCluster(t, topic)
	producer, err := NewProducer(config.KafkaConfig{Brokers: brokers, Topic: topic})
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	recs := []record.Record{
		{Host: "h", Event: "ok", Topic: topic},
		{Host: "h", Event: math.Inf(1), Topic: topic},
		{Host: "h", Event: "also ok", Topic: topic},
	}
	if _, err := Encode(recs[1]); err == nil {
		t.Fatal("expected infinite event to be unencodable")
	}

	written, failed, err := producer.Produce(ctx, recs)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("expected dropped record not to be returned as failed, got %d", len(failed))
	}
	if written != 2 {
		t.Errorf("expected 2 written, got %d", written)
	}
}

func TestConsumer_PollCancelled(t *testing.T) {
	brokers := newCluster(t, topic)
	consumer, err := NewConsumer(config.KafkaConfig{Brokers: brokers, ConsumerGroup: "g", ConsumeTopics: []string{topic}})
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	recs, err := consumer.Poll(ctx, 10)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no records, got %d", len(recs))
	}
}

func TestConsumer_PollAfterClose(t *testing.T) {
	brokers := newCluster(t, topic)
	consumer, err := NewConsumer(config.KafkaConfig{Brokers: brokers, ConsumerGroup: "g", Topic: topic})
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	consumer.Close()

	if _, err := consumer.Poll(context.Background(), 10); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.KafkaConfig
		produce bool
	}{
		{name: "producer without brokers", cfg: config.KafkaConfig{Topic: topic}, produce: true},
		{name: "consumer without brokers", cfg: config.KafkaConfig{ConsumerGroup: "g", Topic: topic}},
		{name: "consumer without group", cfg: config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: topic}},
		{name: "consumer without topics", cfg: config.KafkaConfig{Brokers: []string{"localhost:9092"}, ConsumerGroup: "g"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.produce {
				_, err = NewProducer(tt.cfg)
			} else {
				_, err = NewConsumer(tt.cfg)
			}
			if err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name  string
		level slog.Level
		want  kgo.LogLevel
	}{
		{name: "debug", level: slog.LevelDebug, want: kgo.LogLevelDebug},
		{name: "info", level: slog.LevelInfo, want: kgo.LogLevelInfo},
		{name: "warn", level: slog.LevelWarn, want: kgo.LogLevelWarn},
		{name: "error", level: slog.LevelError, want: kgo.LogLevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: tt.level})))
			if l.Level() != tt.want {
				t.Errorf("expected level %v, got %v", tt.want, l.Level())
			}
		})
	}

	var buf bytes.Buffer
	l := NewLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	l.Log(kgo.LogLevelWarn, "broker gone", "broker", "1")
	out := buf.String()
	for _, want := range []string{`"level":"WARN"`, `"msg":"broker gone"`, `"broker":"1"`, `"component":"kafka"`} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}
