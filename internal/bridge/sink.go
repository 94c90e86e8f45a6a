package bridge

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/scottbrown/hecbridge/internal/audit"
	"github.com/scottbrown/hecbridge/internal/config"
	"github.com/scottbrown/hecbridge/internal/hec"
	"github.com/scottbrown/hecbridge/internal/healthcheck"
	"github.com/scottbrown/hecbridge/internal/kafka"
	"github.com/scottbrown/hecbridge/internal/sink"
)

// Sink is the collector delivery pipeline.
type Sink struct {
	consumer *kafka.Consumer
	sender   *hec.Multi
	task     *sink.Task
	health   http.Handler
}

// NewSink validates cfg and builds the delivery pipeline. auditLog may be
// nil.
func NewSink(cfg *config.Config, auditLog *audit.Logger) (*Sink, error) {
	if err := cfg.ValidateSink(); err != nil {
		return nil, err
	}

	sender, err := hec.NewMulti(cfg.Sink.HECTargets, cfg.Sink.Routing)
	if err != nil {
		return nil, err
	}

	consumer, err := kafka.NewConsumer(cfg.Kafka)
	if err != nil {
		return nil, err
	}

	task, err := sink.New(sink.Config{
		BatchSize:     cfg.Sink.BatchSize,
		PlanCacheSize: cfg.Sink.PlanCacheSize,
		Retry:         cfg.Sink.Retry,
	}, consumer, sender, auditLog)
	if err != nil {
		consumer.Close()
		return nil, err
	}

	health := healthcheck.Handler(
		healthcheck.Named{Name: "kafka", Check: consumer.Ping},
		healthcheck.Named{Name: "collector", Check: sender.HealthCheck},
	)

	return &Sink{consumer: consumer, sender: sender, task: task, health: health}, nil
}

// Health reports Kafka and collector reachability.
func (s *Sink) Health() http.Handler {
	return s.health
}

// Run delivers until ctx is done or a batch fails fatally. The consumer is
// closed on return.
func (s *Sink) Run(ctx context.Context) error {
	defer s.consumer.Close()

	checkCtx, cancel := context.WithTimeout(ctx, healthcheck.Timeout)
	if err := s.sender.HealthCheck(checkCtx); err != nil {
		slog.Warn("collector health check failed at start-up", "error", err)
	}
	cancel()

	return s.task.Run(ctx)
}
