// Package hecclient is a test HEC sender that posts event bodies to an
// ingestion endpoint.
package hecclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/scottbrown/hecbridge/internal/hec"
)

// Client posts events the way a HEC logging driver would.
type Client struct {
	URL    string
	Gzip   bool
	Header http.Header

	http   *http.Client
	logger *slog.Logger

	// Sent counts events in requests that were answered with code 0.
	Sent     int
	Requests int
}

// Response is the ingestion endpoint's answer.
type Response struct {
	StatusCode int
	Ack        hec.Ack
	RequestID  string
}

// Option configures a Client.
type Option func(*Client)

// WithGzip compresses request bodies.
func WithGzip() Option {
	return func(c *Client) {
		c.Gzip = true
	}
}

// WithTLS sets the TLS configuration for https endpoints.
func WithTLS(cfg *tls.Config) Option {
	return func(c *Client) {
		c.http.Transport = &http.Transport{TLSClientConfig: cfg}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.Header.Set(key, value)
	}
}

// WithLogger logs each request through logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client posting to url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		URL:    url,
		Header: make(http.Header),
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts events as one body, newline separated.
func (c *Client) Send(ctx context.Context, events ...string) (Response, error) {
	return c.SendBody(ctx, []byte(strings.Join(events, "\n")), len(events))
}

// SendBody posts a raw body. events is the number of events it carries, used
// only for the Sent counter.
func (c *Client) SendBody(ctx context.Context, body []byte, events int) (Response, error) {
	payload := body
	if c.Gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return Response{}, err
		}
		if err := zw.Close(); err != nil {
			return Response{}, err
		}
		payload = buf.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return Response{}, err
	}
	for k, v := range c.Header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("send failed", "url", c.URL, "error", err)
		return Response{}, fmt.Errorf("send events: %w", err)
	}
	defer resp.Body.Close()
	c.Requests++

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	out := Response{StatusCode: resp.StatusCode, RequestID: resp.Header.Get("X-Request-ID")}
	out.Ack, _ = hec.ParseAck(data)
	if out.Ack.Success() {
		c.Sent += events
	}

	c.logger.Debug("events sent",
		"status", resp.StatusCode,
		"code", out.Ack.Code,
		"events", events,
		"bytes", len(body),
		"gzip", c.Gzip)
	return out, nil
}

// TruncatedJSON drops the closing brace of a JSON object.
func TruncatedJSON(validJSON string) string {
	return strings.TrimSuffix(strings.TrimSuffix(validJSON, "\n"), "}")
}

// LargeEvent returns an event whose encoded size is at least size bytes.
func LargeEvent(size int) string {
	if size < 16 {
		size = 16
	}
	return fmt.Sprintf(`{"event":"%s"}`, strings.Repeat("A", size-12))
}
