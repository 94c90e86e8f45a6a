// Package bridge assembles the two pipelines from configuration: the source
// (HEC ingestion to Kafka) and the sink (Kafka to collectors).
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/scottbrown/hecbridge/internal/acl"
	"github.com/scottbrown/hecbridge/internal/audit"
	"github.com/scottbrown/hecbridge/internal/config"
	"github.com/scottbrown/hecbridge/internal/converter"
	"github.com/scottbrown/hecbridge/internal/healthcheck"
	"github.com/scottbrown/hecbridge/internal/kafka"
	"github.com/scottbrown/hecbridge/internal/queue"
	"github.com/scottbrown/hecbridge/internal/receiver"
	"github.com/scottbrown/hecbridge/internal/record"
	"github.com/scottbrown/hecbridge/internal/server"
	"github.com/scottbrown/hecbridge/internal/source"
)

// FlushTimeout bounds producing the records still queued at shutdown.
const FlushTimeout = 10 * time.Second

// Source is the running ingestion pipeline.
type Source struct {
	audit    *audit.Logger
	queue    *queue.Queue[record.Record]
	receiver *receiver.Handler
	server   *server.Server
	producer *kafka.Producer
	task     *source.Task
	health   http.Handler

	mu  sync.Mutex
	cfg *config.Config

	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
}

// NewSource validates cfg and builds the ingestion pipeline. auditLog may be
// nil.
func NewSource(cfg *config.Config, auditLog *audit.Logger) (*Source, error) {
	if err := cfg.ValidateSource(); err != nil {
		return nil, err
	}

	aclList, err := acl.New(cfg.Source.AllowedCIDRs)
	if err != nil {
		return nil, fmt.Errorf("source.allowed_cidrs: %w", err)
	}

	router := converter.NewTopicRouter(cfg.Kafka.Topic, cfg.Kafka.TopicPerIndex)
	conv := converter.New(converter.Config{DefaultIndex: cfg.Source.DefaultIndex}, router)
	q := queue.New[record.Record]()
	recv := receiver.New(receiver.Config{
		AllowedIndexes: cfg.Source.AllowedIndexes,
		MaxBodyBytes:   cfg.Source.MaxBodyBytes,
	}, conv, q, auditLog)

	producer, err := kafka.NewProducer(cfg.Kafka)
	if err != nil {
		return nil, err
	}

	health := healthcheck.Handler(healthcheck.Named{Name: "kafka", Check: producer.Ping})

	srvCfg := server.Config{
		ListenAddr:    cfg.Source.ListenAddr,
		CollectorPath: cfg.Source.CollectorPath,
		ReadTimeout:   cfg.Source.ReadTimeout,
		WriteTimeout:  cfg.Source.WriteTimeout,
		IdleTimeout:   cfg.Source.IdleTimeout,
	}
	if cfg.Source.TLS != nil {
		srvCfg.TLSCertFile = cfg.Source.TLS.CertFile
		srvCfg.TLSKeyFile = cfg.Source.TLS.KeyFile
	}
	srv, err := server.New(srvCfg, aclList, recv, health, auditLog)
	if err != nil {
		producer.Close()
		return nil, err
	}

	task := source.New(source.Config{
		BatchSize: cfg.Source.BatchSize,
		Backoff:   cfg.Source.Backoff,
	}, q, producer)

	return &Source{
		audit:    auditLog,
		queue:    q,
		receiver: recv,
		server:   srv,
		producer: producer,
		task:     task,
		health:   health,
		cfg:      cfg,
	}, nil
}

// Health reports whether Kafka is reachable, in the collector health format.
func (s *Source) Health() http.Handler {
	return s.health
}

// Start binds the listener and starts serving and producing.
func (s *Source) Start() error {
	if err := s.server.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(); err != nil {
			slog.Error("ingestion server failed", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.task.Run(ctx); err != nil {
			slog.Error("source task failed", "error", err)
		}
	}()

	_ = s.audit.Log(audit.Event{
		EventType: audit.EventServerStart,
		Success:   true,
		Actor:     "system",
		Resource:  s.server.Addr().String(),
		Action:    "start",
		Result:    "listening",
	})
	return nil
}

// Addr returns the bound ingestion address, or nil before Start.
func (s *Source) Addr() net.Addr {
	return s.server.Addr()
}

// QueueSize returns the number of records waiting for Kafka.
func (s *Source) QueueSize() int {
	return s.queue.Size()
}

// Reload applies the reloadable settings of next: the peer allow-list and
// the index allow-list. Any other change is rejected.
func (s *Source) Reload(next *config.Config) error {
	if err := next.ValidateSource(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cfg.ReloadableChanged(next); err != nil {
		return err
	}

	aclList, err := acl.New(next.Source.AllowedCIDRs)
	if err != nil {
		return fmt.Errorf("source.allowed_cidrs: %w", err)
	}
	s.server.UpdateACL(aclList)
	s.receiver.SetAllowedIndexes(next.Source.AllowedIndexes)

	changes := map[string]any{}
	if s.cfg.Source.AllowedCIDRs != next.Source.AllowedCIDRs {
		changes["allowed_cidrs"] = next.Source.AllowedCIDRs
	}
	if fmt.Sprint(s.cfg.Source.AllowedIndexes) != fmt.Sprint(next.Source.AllowedIndexes) {
		changes["allowed_indexes"] = next.Source.AllowedIndexes
	}
	s.cfg.Source.AllowedCIDRs = next.Source.AllowedCIDRs
	s.cfg.Source.AllowedIndexes = next.Source.AllowedIndexes

	slog.Info("configuration reloaded", "changes", len(changes))
	_ = s.audit.Log(audit.Event{
		EventType: audit.EventConfigChange,
		Success:   true,
		Actor:     "system",
		Resource:  "source",
		Action:    "reload",
		Result:    "applied",
		Details:   changes,
	})
	return nil
}

// Shutdown stops accepting requests, stops the producer loop and flushes
// whatever is still queued. ctx bounds the HTTP drain. Later calls return the
// first call's result.
func (s *Source) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { s.stopErr = s.shutdown(ctx) })
	return s.stopErr
}

func (s *Source) shutdown(ctx context.Context) error {
	var errs []error
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), FlushTimeout)
	defer cancel()
	if err := s.task.Flush(flushCtx); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	s.producer.Close()

	_ = s.audit.Log(audit.Event{
		EventType: audit.EventServerStop,
		Success:   len(errs) == 0,
		Actor:     "system",
		Resource:  "source",
		Action:    "stop",
		Result:    "stopped",
	})
	return errors.Join(errs...)
}
