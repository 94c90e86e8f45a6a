// Package config handles loading and validation of application configuration.
// It reads a YAML file, expands ${VAR} references from the environment (and
// an optional .env file), applies defaults and validates the result.
package config

import (
	"crypto/tls"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/scottbrown/hecbridge/internal/acl"
)

const (
	// DefaultListenAddr is the default HEC ingestion address.
	DefaultListenAddr = ":8088"
	// DefaultCollectorPath is the default ingestion path.
	DefaultCollectorPath = "/services/collector/event"
	// DefaultIndex is applied to events that name no index.
	DefaultIndex = "default"
	// DefaultTopic is the default Kafka topic, or topic prefix in per-index mode.
	DefaultTopic = "splunk-events"
	// DefaultClientID identifies the bridge to the Kafka cluster.
	DefaultClientID = "hecbridge"
	// DefaultConsumerGroup is the sink's Kafka consumer group.
	DefaultConsumerGroup = "hecbridge-sink"
	// DefaultMaxBodyBytes caps a single ingestion request body (8 MiB).
	DefaultMaxBodyBytes int64 = 8 << 20
	// DefaultSourceBatchSize caps the records drained per poll.
	DefaultSourceBatchSize = 10000
	// DefaultSourceBackoff is the pause after an empty drain.
	DefaultSourceBackoff = 100 * time.Millisecond
	// DefaultSinkBatchSize caps the records serialized into one collector request.
	DefaultSinkBatchSize = 500
	// DefaultPlanCacheSize bounds the sink's serialization plan cache.
	DefaultPlanCacheSize = 1000
	// DefaultMetricsAddr serves /debug/vars and /healthz.
	DefaultMetricsAddr = ":9099"
	// DefaultConnectTimeout bounds collector connection setup.
	DefaultConnectTimeout = 20 * time.Second
	// DefaultReadTimeout bounds the wait for a collector response.
	DefaultReadTimeout = 30 * time.Second
)

//go:embed config.template.yml
var configTemplate string

// CircuitBreakerConfig holds configuration for the circuit breaker guarding a
// collector target.
type CircuitBreakerConfig struct {
	Enabled          *bool         `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

// RetryConfig controls how the sink retries a batch after a transient
// delivery failure.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	// MaxElapsedTime bounds retrying one batch. Zero retries until shutdown.
	MaxElapsedTime time.Duration `yaml:"max_elapsed_time"`
}

// HECTarget is a single collector endpoint.
type HECTarget struct {
	Name           string                `yaml:"name"`
	URL            string                `yaml:"url"`
	Token          string                `yaml:"token"`
	Gzip           *bool                 `yaml:"gzip"`
	ValidateCerts  *bool                 `yaml:"validate_certs"`
	CAFile         string                `yaml:"ca_file"`
	ConnectTimeout time.Duration         `yaml:"connect_timeout"`
	ReadTimeout    time.Duration         `yaml:"read_timeout"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RoutingMode defines how batches are distributed across collector targets.
type RoutingMode string

const (
	// RoutingModeAll sends every batch to all targets.
	RoutingModeAll RoutingMode = "all"
	// RoutingModePrimaryFailover tries targets in order until one accepts.
	RoutingModePrimaryFailover RoutingMode = "primary-failover"
	// RoutingModeRoundRobin spreads batches across targets.
	RoutingModeRoundRobin RoutingMode = "round-robin"
)

// TLSConfig holds the certificate for the ingestion listener.
// Both CertFile and KeyFile must be specified together.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// KafkaConfig is shared by both sides of the bridge.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"client_id"`
	// Topic is the destination topic, or the topic prefix when
	// TopicPerIndex is set.
	Topic         string   `yaml:"topic"`
	TopicPerIndex bool     `yaml:"topic_per_index"`
	ConsumerGroup string   `yaml:"consumer_group"`
	ConsumeTopics []string `yaml:"consume_topics"`
	// ConsumeRegex treats ConsumeTopics as regular expressions.
	ConsumeRegex bool `yaml:"consume_regex"`
}

// SourceConfig configures the HEC ingestion side.
type SourceConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	CollectorPath  string        `yaml:"collector_path"`
	TLS            *TLSConfig    `yaml:"tls"`
	AllowedCIDRs   string        `yaml:"allowed_cidrs"`
	AllowedIndexes []string      `yaml:"allowed_indexes"`
	DefaultIndex   string        `yaml:"default_index"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	BatchSize      int           `yaml:"batch_size"`
	Backoff        time.Duration `yaml:"backoff"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// SinkConfig configures the collector emission side.
type SinkConfig struct {
	HECTargets    []HECTarget `yaml:"hec_targets"`
	Routing       RoutingMode `yaml:"routing"`
	BatchSize     int         `yaml:"batch_size"`
	PlanCacheSize int         `yaml:"plan_cache_size"`
	Retry         RetryConfig `yaml:"retry"`
}

// AuditConfig configures the security audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogFile string `yaml:"log_file"`
	Format  string `yaml:"format"`
}

// Config represents the complete application configuration.
type Config struct {
	LogLevel    string       `yaml:"log_level"`
	MetricsAddr string       `yaml:"metrics_addr"`
	Kafka       KafkaConfig  `yaml:"kafka"`
	Source      SourceConfig `yaml:"source"`
	Sink        SinkConfig   `yaml:"sink"`
	Audit       AuditConfig  `yaml:"audit"`
}

// LoadConfig reads configFile, expands environment references, applies
// defaults and validates the settings shared by both sides. Call
// ValidateSource or ValidateSink for the side being started.
func LoadConfig(configFile string) (*Config, error) {
	if configFile == "" {
		return nil, errors.New("configuration file is required")
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configFile)
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	// #nosec G304 -- configFile comes from the --config flag.
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, err
	}

	slog.Info("loaded configuration", "file", configFile)
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the shared settings.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}

	if c.Kafka.ClientID == "" {
		c.Kafka.ClientID = DefaultClientID
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = DefaultTopic
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = DefaultConsumerGroup
	}

	s := &c.Source
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.CollectorPath == "" {
		s.CollectorPath = DefaultCollectorPath
	}
	if s.DefaultIndex == "" {
		s.DefaultIndex = DefaultIndex
	}
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.BatchSize == 0 {
		s.BatchSize = DefaultSourceBatchSize
	}
	if s.Backoff == 0 {
		s.Backoff = DefaultSourceBackoff
	}

	k := &c.Sink
	if k.Routing == "" {
		k.Routing = RoutingModeAll
	}
	if k.BatchSize == 0 {
		k.BatchSize = DefaultSinkBatchSize
	}
	if k.PlanCacheSize == 0 {
		k.PlanCacheSize = DefaultPlanCacheSize
	}
	if k.Retry.InitialInterval == 0 {
		k.Retry.InitialInterval = 500 * time.Millisecond
	}
	if k.Retry.MaxInterval == 0 {
		k.Retry.MaxInterval = 30 * time.Second
	}
	for i := range k.HECTargets {
		t := &k.HECTargets[i]
		if t.ConnectTimeout == 0 {
			t.ConnectTimeout = DefaultConnectTimeout
		}
		if t.ReadTimeout == 0 {
			t.ReadTimeout = DefaultReadTimeout
		}
	}

	if c.Audit.Format == "" {
		c.Audit.Format = "json"
	}
}

func (c *Config) validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers: at least one broker is required")
	}
	for i, b := range c.Kafka.Brokers {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("kafka.brokers[%d]: empty broker address", i)
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	if c.Audit.Enabled {
		if c.Audit.LogFile == "" {
			return errors.New("audit.log_file is required when audit is enabled")
		}
		if c.Audit.Format != "json" && c.Audit.Format != "cef" {
			return fmt.Errorf("audit.format: invalid value %q (must be json or cef)", c.Audit.Format)
		}
	}
	return nil
}

// ValidateSource checks the settings the ingestion side needs.
func (c *Config) ValidateSource() error {
	s := c.Source

	if !strings.HasPrefix(s.CollectorPath, "/") {
		return fmt.Errorf("source.collector_path must start with '/': %q", s.CollectorPath)
	}
	if s.MaxBodyBytes < 0 {
		return errors.New("source.max_body_bytes must not be negative")
	}
	if s.BatchSize < 0 {
		return errors.New("source.batch_size must not be negative")
	}
	if s.Backoff < 0 {
		return errors.New("source.backoff must not be negative")
	}
	if c.Kafka.TopicPerIndex && strings.ContainsAny(c.Kafka.Topic, " /") {
		return fmt.Errorf("kafka.topic: invalid topic prefix %q", c.Kafka.Topic)
	}

	if s.TLS != nil {
		if (s.TLS.CertFile == "") != (s.TLS.KeyFile == "") {
			return errors.New("source.tls: both cert_file and key_file must be specified or both omitted")
		}
		if s.TLS.CertFile != "" {
			if _, err := tls.LoadX509KeyPair(s.TLS.CertFile, s.TLS.KeyFile); err != nil {
				return fmt.Errorf("source.tls: failed to load certificate: %w", err)
			}
		}
	}

	if s.AllowedCIDRs != "" {
		if _, err := acl.New(s.AllowedCIDRs); err != nil {
			return fmt.Errorf("source.allowed_cidrs: %w", err)
		}
	}

	for i, idx := range s.AllowedIndexes {
		if idx == "" {
			return fmt.Errorf("source.allowed_indexes[%d]: empty index name", i)
		}
	}
	return nil
}

// ValidateSink checks the settings the emission side needs.
func (c *Config) ValidateSink() error {
	k := c.Sink

	if len(c.Kafka.ConsumeTopics) == 0 {
		return errors.New("kafka.consume_topics: at least one topic is required")
	}
	if len(k.HECTargets) == 0 {
		return errors.New("sink.hec_targets: at least one target is required")
	}
	if !isValidRoutingMode(k.Routing) {
		return fmt.Errorf("sink.routing: invalid routing mode %q (must be one of: all, primary-failover, round-robin)", k.Routing)
	}
	if k.BatchSize < 0 {
		return errors.New("sink.batch_size must not be negative")
	}
	if k.Retry.MaxInterval < k.Retry.InitialInterval {
		return errors.New("sink.retry.max_interval must not be less than initial_interval")
	}

	names := make(map[string]bool)
	for i, t := range k.HECTargets {
		if t.Name == "" {
			return fmt.Errorf("sink.hec_targets[%d]: name is required", i)
		}
		if names[t.Name] {
			return fmt.Errorf("sink.hec_targets: duplicate target name '%s'", t.Name)
		}
		names[t.Name] = true

		if t.URL == "" {
			return fmt.Errorf("target '%s': url is required", t.Name)
		}
		if t.Token == "" {
			return fmt.Errorf("target '%s': token is required", t.Name)
		}
		if err := validateHECURL(t.URL); err != nil {
			return fmt.Errorf("target '%s': invalid url: %w", t.Name, err)
		}
		if t.CAFile != "" {
			if _, err := os.Stat(t.CAFile); err != nil {
				return fmt.Errorf("target '%s': ca_file not accessible: %w", t.Name, err)
			}
		}
	}
	return nil
}

// ReloadableChanged reports an error when next differs from c in a setting
// that cannot change without a restart. Only source.allowed_cidrs and
// source.allowed_indexes may change on reload.
func (c *Config) ReloadableChanged(next *Config) error {
	if c.Source.ListenAddr != next.Source.ListenAddr {
		return errors.New("source.listen_addr changed (requires restart)")
	}
	if c.Source.CollectorPath != next.Source.CollectorPath {
		return errors.New("source.collector_path changed (requires restart)")
	}
	if (c.Source.TLS == nil) != (next.Source.TLS == nil) {
		return errors.New("source.tls changed (requires restart)")
	}
	if c.Source.TLS != nil && *c.Source.TLS != *next.Source.TLS {
		return errors.New("source.tls changed (requires restart)")
	}
	if c.Kafka.Topic != next.Kafka.Topic || c.Kafka.TopicPerIndex != next.Kafka.TopicPerIndex {
		return errors.New("kafka topic routing changed (requires restart)")
	}
	return nil
}

// ParseLogLevel maps a configured level name to a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level: invalid value %q", level)
	}
}

func validateHECURL(hecURL string) error {
	u, err := url.Parse(hecURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("HEC URL must use http or https scheme")
	}
	if u.Host == "" {
		return errors.New("HEC URL must include host")
	}
	return nil
}

func isValidRoutingMode(mode RoutingMode) bool {
	switch mode {
	case RoutingModeAll, RoutingModePrimaryFailover, RoutingModeRoundRobin:
		return true
	default:
		return false
	}
}

// GetTemplate returns the embedded YAML configuration template.
func GetTemplate() string {
	return configTemplate
}
