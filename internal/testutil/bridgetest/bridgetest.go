// Package bridgetest runs a complete bridge in-process for tests: an
// in-memory Kafka cluster, the ingestion source and the collector sink.
package bridgetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kfake"
	"gopkg.in/yaml.v3"

	"github.com/scottbrown/hecbridge/internal/audit"
	"github.com/scottbrown/hecbridge/internal/bridge"
	"github.com/scottbrown/hecbridge/internal/config"
)

// HECConfig is the collector the sink delivers to.
type HECConfig struct {
	URL     string
	Token   string
	UseGzip bool
}

// Instance is a running bridge.
type Instance struct {
	// Configuration
	Topic          string
	TopicPerIndex  bool
	ExtraTopics    []string
	AllowedCIDRs   string
	AllowedIndexes []string
	MaxBodyBytes   int64
	HECConfig      *HECConfig
	AuditFile      string

	// Runtime
	Config  *config.Config
	Source  *bridge.Source
	Sink    *bridge.Sink
	audit   *audit.Logger
	cluster *kfake.Cluster
	cancel  context.CancelFunc
	sinkErr chan error
	once    sync.Once
	t       *testing.T
}

// Option configures an Instance.
type Option func(*Instance)

// WithHEC points the sink at a collector. Without it only the source runs.
func WithHEC(url, token string, useGzip bool) Option {
	return func(i *Instance) {
		i.HECConfig = &HECConfig{URL: url, Token: token, UseGzip: useGzip}
	}
}

// WithAllowedCIDRs restricts ingestion peers.
func WithAllowedCIDRs(cidrs string) Option {
	return func(i *Instance) {
		i.AllowedCIDRs = cidrs
	}
}

// WithAllowedIndexes restricts accepted indexes.
func WithAllowedIndexes(indexes ...string) Option {
	return func(i *Instance) {
		i.AllowedIndexes = indexes
	}
}

// WithMaxBodyBytes caps ingestion request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(i *Instance) {
		i.MaxBodyBytes = n
	}
}

// WithTopicPerIndex routes each index to prefix+index. The per-index topics
// must be listed so the cluster can create them.
func WithTopicPerIndex(prefix string, indexes ...string) Option {
	return func(i *Instance) {
		i.Topic = prefix
		i.TopicPerIndex = true
		for _, idx := range indexes {
			i.ExtraTopics = append(i.ExtraTopics, prefix+strings.ToLower(idx))
		}
	}
}

// WithAudit writes the audit trail to a temp file, readable with AuditLog.
func WithAudit() Option {
	return func(i *Instance) {
		i.AuditFile = filepath.Join(i.t.TempDir(), "audit.log")
	}
}

// New creates an instance. Nothing runs until MustStart.
func New(t *testing.T, opts ...Option) *Instance {
	t.Helper()

	i := &Instance{
		Topic: config.DefaultTopic,
		t:     t,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start launches the cluster and both pipelines.
func (i *Instance) Start() error {
	topics := []string{i.Topic}
	if i.TopicPerIndex {
		topics = i.ExtraTopics
	}

	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, topics...))
	if err != nil {
		return fmt.Errorf("start kafka: %w", err)
	}
	i.cluster = cluster

	configFile, err := i.generateConfigFile(cluster.ListenAddrs(), topics)
	if err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	i.Config = cfg

	auditLog, err := audit.New(audit.Config{
		Enabled: cfg.Audit.Enabled,
		LogFile: cfg.Audit.LogFile,
		Format:  cfg.Audit.Format,
	})
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	i.audit = auditLog

	src, err := bridge.NewSource(cfg, auditLog)
	if err != nil {
		return fmt.Errorf("build source: %w", err)
	}
	if err := src.Start(); err != nil {
		return fmt.Errorf("start source: %w", err)
	}
	i.Source = src

	if i.HECConfig == nil {
		return nil
	}

	snk, err := bridge.NewSink(cfg, auditLog)
	if err != nil {
		return fmt.Errorf("build sink: %w", err)
	}
	i.Sink = snk

	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.sinkErr = make(chan error, 1)
	go func() { i.sinkErr <- snk.Run(ctx) }()
	return nil
}

// MustStart starts the instance or fails the test. It is stopped when the
// test ends.
func (i *Instance) MustStart() {
	i.t.Helper()
	if err := i.Start(); err != nil {
		i.Stop()
		i.t.Fatalf("Failed to start bridge: %v", err)
	}
	i.t.Cleanup(i.Stop)
}

// EventURL is the ingestion endpoint.
func (i *Instance) EventURL() string {
	return fmt.Sprintf("http://%s%s", i.Source.Addr(), i.Config.Source.CollectorPath)
}

// HealthURL is the ingestion side's collector health endpoint.
func (i *Instance) HealthURL() string {
	return fmt.Sprintf("http://%s/services/collector/health", i.Source.Addr())
}

// WaitSink waits for the sink to stop on its own and returns its exit error.
func (i *Instance) WaitSink(timeout time.Duration) (stopped bool, err error) {
	select {
	case err := <-i.sinkErr:
		i.sinkErr = nil
		return true, err
	case <-time.After(timeout):
		return false, nil
	}
}

// Reload edits a copy of the running configuration and applies it.
func (i *Instance) Reload(edit func(*config.Config)) error {
	next := *i.Config
	next.Source.AllowedIndexes = append([]string(nil), i.Config.Source.AllowedIndexes...)
	edit(&next)
	return i.Source.Reload(&next)
}

// AuditLog returns the audit trail written so far.
func (i *Instance) AuditLog() string {
	i.t.Helper()
	if i.AuditFile == "" {
		return ""
	}
	data, err := os.ReadFile(i.AuditFile)
	if err != nil {
		i.t.Fatalf("read audit log: %v", err)
	}
	return string(data)
}

// Stop shuts everything down. It is safe to call more than once.
func (i *Instance) Stop() {
	i.once.Do(func() {
		if i.Source != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := i.Source.Shutdown(ctx); err != nil {
				i.t.Logf("source shutdown: %v", err)
			}
			cancel()
		}
		if i.cancel != nil {
			i.cancel()
		}
		if i.sinkErr != nil {
			select {
			case <-i.sinkErr:
			case <-time.After(5 * time.Second):
				i.t.Log("timeout waiting for sink to stop")
			}
		}
		if i.audit != nil {
			_ = i.audit.Close()
		}
		if i.cluster != nil {
			i.cluster.Close()
		}
	})
}

func (i *Instance) generateConfigFile(brokers, topics []string) (string, error) {
	source := map[string]any{
		"listen_addr": "127.0.0.1:0",
		"backoff":     "5ms",
	}
	if i.AllowedCIDRs != "" {
		source["allowed_cidrs"] = i.AllowedCIDRs
	}
	if len(i.AllowedIndexes) > 0 {
		source["allowed_indexes"] = i.AllowedIndexes
	}
	if i.MaxBodyBytes > 0 {
		source["max_body_bytes"] = i.MaxBodyBytes
	}

	cfg := map[string]any{
		"log_level":    "debug",
		"metrics_addr": "",
		"kafka": map[string]any{
			"brokers":         brokers,
			"topic":           i.Topic,
			"topic_per_index": i.TopicPerIndex,
			"consumer_group":  "bridgetest",
			"consume_topics":  topics,
		},
		"source": source,
	}

	if i.HECConfig != nil {
		cfg["sink"] = map[string]any{
			"batch_size": 50,
			"retry": map[string]any{
				"initial_interval": "5ms",
				"max_interval":     "20ms",
			},
			"hec_targets": []map[string]any{{
				"name":  "test",
				"url":   i.HECConfig.URL,
				"token": i.HECConfig.Token,
				"gzip":  i.HECConfig.UseGzip,
			}},
		}
	}

	if i.AuditFile != "" {
		cfg["audit"] = map[string]any{"enabled": true, "log_file": i.AuditFile, "format": "json"}
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}

	configFile := filepath.Join(i.t.TempDir(), "hecbridge.yml")
	if err := os.WriteFile(configFile, yamlBytes, 0600); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return configFile, nil
}
