// Package hec delivers serialized batches to HEC collector endpoints.
package hec

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/scottbrown/hecbridge/internal/circuitbreaker"
	"github.com/scottbrown/hecbridge/internal/metrics"
)

// maxAckBytes caps how much of a collector response is read.
const maxAckBytes = 64 << 10

// Sender delivers batches to one or more collectors.
type Sender interface {
	// Send posts one newline-delimited batch. Use IsRetriable on the error to
	// decide between retrying and giving up.
	Send(ctx context.Context, body []byte) error
	// HealthCheck verifies the collector is reachable and the token is valid.
	HealthCheck(ctx context.Context) error
}

// Config contains configuration for a collector client.
type Config struct {
	Name               string
	URL                string
	Token              string
	UseGzip            bool
	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	InsecureSkipVerify bool
	CAFile             string
	CircuitBreaker     circuitbreaker.Config
}

// Client sends batches to a single collector.
type Client struct {
	config  Config
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// New creates a collector client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" || cfg.Token == "" {
		return nil, errors.New("collector url and token are required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		// #nosec G402 -- disabled only when validate_certs is false.
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s contains no certificates", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}

	breakerCfg := cfg.CircuitBreaker
	breakerCfg.Name = cfg.Name
	breakerCfg.IsFailure = countsAgainstCollector

	return &Client{
		config:  cfg,
		client:  &http.Client{Transport: transport},
		breaker: circuitbreaker.New(breakerCfg),
	}, nil
}

// countsAgainstCollector excludes failures the collector is not at fault for.
func countsAgainstCollector(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return IsRetriable(err)
}

// Name returns the configured target name.
func (c *Client) Name() string {
	return c.config.Name
}

// Send posts body to the collector. The whole batch succeeds or fails.
func (c *Client) Send(ctx context.Context, body []byte) error {
	if len(body) == 0 {
		return nil
	}

	err := c.breaker.Call(func() error {
		return c.send(ctx, body)
	})

	switch {
	case err == nil:
		metrics.HecBatches.Add("success", 1)
		metrics.HecBytesForwarded.Add(int64(len(body)))
	case IsRetriable(err):
		metrics.HecBatches.Add("retriable", 1)
	default:
		metrics.HecBatches.Add("fatal", 1)
	}
	return err
}

func (c *Client) send(ctx context.Context, body []byte) error {
	payload := body
	if c.config.UseGzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		payload = buf.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	correlationID := uuid.NewString()
	req.Header.Set("Authorization", "Splunk "+c.config.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", correlationID)
	if c.config.UseGzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAckBytes))
	if err != nil {
		return fmt.Errorf("read collector response: %w", err)
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if err := classify(resp.StatusCode, respBody); err != nil {
		slog.Debug("collector rejected batch",
			"target", c.config.Name,
			"correlation_id", correlationID,
			"status", resp.StatusCode,
			"error", err)
		return err
	}

	slog.Debug("collector accepted batch",
		"target", c.config.Name,
		"correlation_id", correlationID,
		"bytes", len(body))
	return nil
}

// HealthCheck queries the collector's health endpoint with the token.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(c.config.URL), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+c.config.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxAckBytes))

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusForbidden, http.StatusUnauthorized:
		return fmt.Errorf("%w (%s)", ErrUnauthorized, resp.Status)
	default:
		return errors.New("collector health check failed with status: " + resp.Status)
	}
}

// healthURL derives the health endpoint from a collector URL.
func healthURL(collectorURL string) string {
	for _, suffix := range []string{"/services/collector/raw", "/services/collector/event"} {
		if strings.Contains(collectorURL, suffix) {
			return strings.Replace(collectorURL, suffix, "/services/collector/health", 1)
		}
	}
	if strings.Contains(collectorURL, "/services/collector") && !strings.Contains(collectorURL, "/services/collector/health") {
		return strings.Replace(collectorURL, "/services/collector", "/services/collector/health", 1)
	}

	base := strings.TrimSuffix(collectorURL, "/")
	if strings.Contains(base, "/services") {
		return strings.Split(base, "/services")[0] + "/services/collector/health"
	}
	return base + "/services/collector/health"
}
