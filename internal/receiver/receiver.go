// Package receiver implements the HEC event endpoint: it reads a body of
// concatenated JSON events, converts each one and queues the batch for the
// Kafka producer.
package receiver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/scottbrown/hecbridge/internal/audit"
	"github.com/scottbrown/hecbridge/internal/converter"
	"github.com/scottbrown/hecbridge/internal/eventstream"
	"github.com/scottbrown/hecbridge/internal/metrics"
	"github.com/scottbrown/hecbridge/internal/queue"
	"github.com/scottbrown/hecbridge/internal/record"
)

const (
	ackSuccess     = `{"text":"Success","code":0}`
	ackInvalidData = `{"text":"Invalid data format","code":6}`
	ackTooLarge    = `{"text":"Content too large","code":27}`
)

// Config holds receiver settings.
type Config struct {
	// AllowedIndexes restricts which explicitly named indexes are accepted.
	// Empty accepts every index.
	AllowedIndexes []string
	// MaxBodyBytes caps the decoded request body. Zero means no cap.
	MaxBodyBytes int64
}

// Handler serves the collector endpoint.
type Handler struct {
	conv    *converter.Converter
	queue   *queue.Queue[record.Record]
	audit   *audit.Logger
	maxBody int64
	allowed atomic.Pointer[map[string]struct{}]
}

// New creates a handler that converts with conv and pushes into q. auditLog
// may be nil.
func New(cfg Config, conv *converter.Converter, q *queue.Queue[record.Record], auditLog *audit.Logger) *Handler {
	h := &Handler{
		conv:    conv,
		queue:   q,
		audit:   auditLog,
		maxBody: cfg.MaxBodyBytes,
	}
	h.SetAllowedIndexes(cfg.AllowedIndexes)
	return h
}

// SetAllowedIndexes replaces the index allow-list. Safe to call while serving.
func (h *Handler) SetAllowedIndexes(indexes []string) {
	if len(indexes) == 0 {
		h.allowed.Store(nil)
		return
	}
	set := make(map[string]struct{}, len(indexes))
	for _, idx := range indexes {
		set[idx] = struct{}{}
	}
	h.allowed.Store(&set)
}

// Result summarises one ingested body.
type Result struct {
	Queued  int
	Dropped int
}

// Ingest reads every event from body. Events are queued only if the whole
// body converts; on error nothing from the body is queued.
func (h *Handler) Ingest(body io.Reader, remoteHost string) (Result, error) {
	decoded := &countingReader{r: body}
	batch, dropped, err := h.collect(decoded, remoteHost)
	// The decoder does not always surface reader failures such as the body
	// limit, so they are checked separately.
	if err = errors.Join(err, decoded.err); err != nil {
		return Result{}, err
	}
	h.queue.PushAll(batch...)
	return Result{Queued: len(batch), Dropped: dropped}, nil
}

func (h *Handler) collect(body io.Reader, remoteHost string) ([]record.Record, int, error) {
	allowed := h.allowed.Load()

	var batch []record.Record
	dropped := 0
	it := eventstream.New(body)
	for {
		raw, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		metrics.EventsReceived.Add(1)

		if allowed != nil && !indexAllowed(raw, *allowed) {
			dropped++
			continue
		}

		rec, err := h.conv.Convert(raw, remoteHost)
		if err != nil {
			return nil, 0, fmt.Errorf("event %d: %w", it.Count(), err)
		}
		batch = append(batch, rec)
	}
	return batch, dropped, nil
}

// indexAllowed reports whether raw may pass the allow-list. Events that do not
// name an index always pass; the default index applies to them later.
func indexAllowed(raw any, allowed map[string]struct{}) bool {
	obj, ok := raw.(map[string]any)
	if !ok {
		return true
	}
	v, ok := obj[converter.KeyIndex]
	if !ok {
		return true
	}
	idx, err := converter.CoerceString(v)
	if err != nil || idx == "" {
		return true
	}
	_, ok = allowed[idx]
	return ok
}

// ServeHTTP handles a single ingestion request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "SAMEORIGIN")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)

	if r.Method != http.MethodPost {
		metrics.IngestRequests.Add("method_not_allowed", 1)
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = io.WriteString(w, `{"text":"Method not allowed","code":6}`)
		return
	}

	remote := RemoteHost(r)
	logger := slog.With("request_id", requestID, "remote_host", remote)

	var body io.Reader = r.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	counted := &countingReader{r: body}
	body = counted

	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(body)
		if err != nil {
			h.fail(w, logger, requestID, remote, fmt.Errorf("gzip: %w", err))
			return
		}
		defer zr.Close()
		body = zr
		if h.maxBody > 0 {
			body = http.MaxBytesReader(w, io.NopCloser(zr), h.maxBody)
		}
	}

	res, err := h.Ingest(body, remote)
	metrics.BytesReceived.Add(counted.n)
	if err != nil {
		h.fail(w, logger, requestID, remote, err)
		return
	}

	metrics.IngestRequests.Add("ok", 1)
	metrics.EventsQueued.Add(int64(res.Queued))
	metrics.QueueDepth.Set(int64(h.queue.Size()))

	if res.Dropped > 0 {
		metrics.EventsDropped.Add(int64(res.Dropped))
		logger.Debug("dropped events for disallowed indexes", "dropped", res.Dropped)
		_ = h.audit.Log(audit.Event{
			EventType: audit.EventEventsDropped,
			Success:   true,
			Actor:     remote,
			Action:    "filter",
			Result:    "dropped",
			Details:   map[string]any{"dropped": res.Dropped, "reason": "index not allowed"},
			RequestID: requestID,
		})
	}

	logger.Debug("request ingested", "queued", res.Queued, "bytes", counted.n)
	_ = h.audit.Log(audit.Event{
		EventType: audit.EventRequestAccepted,
		Success:   true,
		Actor:     remote,
		Resource:  r.URL.Path,
		Action:    "ingest",
		Result:    "accepted",
		Details:   map[string]any{"queued": res.Queued, "dropped": res.Dropped},
		RequestID: requestID,
	})

	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ackSuccess)
}

func (h *Handler) fail(w http.ResponseWriter, logger *slog.Logger, requestID, remote string, err error) {
	status, ack := http.StatusInternalServerError, ackInvalidData
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		status, ack = http.StatusRequestEntityTooLarge, ackTooLarge
		metrics.IngestRequests.Add("too_large", 1)
	} else {
		metrics.IngestRequests.Add("failed", 1)
	}

	logger.Warn("rejected ingestion request", "status", status, "error", err)
	_ = h.audit.Log(audit.Event{
		EventType: audit.EventRequestFailed,
		Success:   false,
		Actor:     remote,
		Action:    "ingest",
		Result:    "failed",
		Details:   map[string]any{"status": status, "error": err.Error()},
		RequestID: requestID,
	})

	w.WriteHeader(status)
	_, _ = io.WriteString(w, ack)
}

// RemoteHost identifies the submitter: the first X-Forwarded-For entry when
// present, otherwise the peer address without its port.
func RemoteHost(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// countingReader counts bytes read and keeps the first read error other
// than io.EOF.
type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && err != io.EOF && c.err == nil {
		c.err = err
	}
	return n, err
}
