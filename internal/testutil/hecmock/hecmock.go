// Package hecmock provides a mock HEC collector for tests.
package hecmock

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// EventPath is the collector path the mock accepts batches on.
const EventPath = "/services/collector/event"

// HealthPath is the collector health path.
const HealthPath = "/services/collector/health"

// ResponseMode selects what the mock answers to batch requests.
type ResponseMode int

const (
	// ResponseOK answers 200 with a success ack.
	ResponseOK ResponseMode = iota
	// ResponseBadRequest answers 400 with ack code 6.
	ResponseBadRequest
	// ResponseUnauthorised answers 401 with ack code 2.
	ResponseUnauthorised
	// ResponseForbidden answers 403 with ack code 4.
	ResponseForbidden
	// ResponseTooLarge answers 413.
	ResponseTooLarge
	// ResponseServerError answers 500 with ack code 8.
	ResponseServerError
	// ResponseServiceUnavailable answers 503 with ack code 9.
	ResponseServiceUnavailable
	// ResponseAckFailure answers 200 with a nonzero ack code.
	ResponseAckFailure
	// ResponseGarbage answers 200 with a body that is not an ack.
	ResponseGarbage
	// ResponseDrop closes the connection without answering.
	ResponseDrop
)

func (r ResponseMode) String() string {
	switch r {
	case ResponseOK:
		return "ok"
	case ResponseBadRequest:
		return "bad-request"
	case ResponseUnauthorised:
		return "unauthorised"
	case ResponseForbidden:
		return "forbidden"
	case ResponseTooLarge:
		return "too-large"
	case ResponseServerError:
		return "server-error"
	case ResponseServiceUnavailable:
		return "service-unavailable"
	case ResponseAckFailure:
		return "ack-failure"
	case ResponseGarbage:
		return "garbage"
	case ResponseDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// RecordedRequest is one accepted batch request.
type RecordedRequest struct {
	Timestamp  time.Time
	Headers    http.Header
	Body       []byte
	Lines      []string
	Compressed bool
}

// Server simulates a HEC collector.
type Server struct {
	*httptest.Server

	// Token is the expected authorisation token.
	Token string

	mu       sync.Mutex
	mode     ResponseMode
	queued   []ResponseMode
	delay    time.Duration
	requests []RecordedRequest
	logger   *slog.Logger
}

// New starts a mock collector expecting token.
func New(token string) *Server {
	m := &Server{
		Token:  token,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// NewTLS starts a mock collector over TLS.
func NewTLS(token string) *Server {
	m := &Server{
		Token:  token,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	m.Server = httptest.NewTLSServer(http.HandlerFunc(m.handle))
	return m
}

// EventURL returns the full batch endpoint URL.
func (m *Server) EventURL() string {
	return m.URL + EventPath
}

// SetLogger routes mock activity to logger.
func (m *Server) SetLogger(logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

// SetResponse sets the response mode for subsequent requests.
func (m *Server) SetResponse(mode ResponseMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	m.queued = nil
}

// QueueResponses answers the next requests with modes in order, then falls
// back to the current response mode.
func (m *Server) QueueResponses(modes ...ResponseMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, modes...)
}

// SetDelay sets a delay before responding.
func (m *Server) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Requests returns a copy of the recorded batch requests.
func (m *Server) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of recorded batch requests.
func (m *Server) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Lines returns every event line received, across requests, in order.
func (m *Server) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.requests {
		out = append(out, r.Lines...)
	}
	return out
}

// Reset clears recorded requests and restores ResponseOK.
func (m *Server) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.queued = nil
	m.mode = ResponseOK
	m.delay = 0
}

func (m *Server) next() (ResponseMode, time.Duration, *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode := m.mode
	if len(m.queued) > 0 {
		mode = m.queued[0]
		m.queued = m.queued[1:]
	}
	return mode, m.delay, m.logger
}

func (m *Server) authorised(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Splunk "+m.Token
}

func (m *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == HealthPath {
		m.handleHealth(w, r)
		return
	}

	mode, delay, logger := m.next()
	logger.Debug("request received", "method", r.Method, "path", r.URL.Path, "mode", mode.String())

	if delay > 0 {
		time.Sleep(delay)
	}

	if mode == ResponseDrop {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != EventPath {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if !m.authorised(r) {
		writeAck(w, http.StatusUnauthorized, "Token is required", 2)
		return
	}

	var body io.Reader = r.Body
	compressed := r.Header.Get("Content-Encoding") == "gzip"
	if compressed {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			writeAck(w, http.StatusBadRequest, "Invalid data format", 6)
			return
		}
		defer zr.Close()
		body = zr
	}

	data, err := io.ReadAll(body)
	if err != nil {
		writeAck(w, http.StatusBadRequest, "Invalid data format", 6)
		return
	}

	var lines []string
	if len(data) > 0 {
		lines = strings.Split(string(data), "\n")
	}

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Timestamp:  time.Now(),
		Headers:    r.Header.Clone(),
		Body:       data,
		Lines:      lines,
		Compressed: compressed,
	})
	m.mu.Unlock()

	logger.Debug("request recorded", "lines", len(lines), "bytes", len(data), "compressed", compressed)

	switch mode {
	case ResponseOK:
		writeAck(w, http.StatusOK, "Success", 0)
	case ResponseBadRequest:
		writeAck(w, http.StatusBadRequest, "Invalid data format", 6)
	case ResponseUnauthorised:
		writeAck(w, http.StatusUnauthorized, "Token is required", 2)
	case ResponseForbidden:
		writeAck(w, http.StatusForbidden, "Invalid token", 4)
	case ResponseTooLarge:
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = io.WriteString(w, "Content too large")
	case ResponseServerError:
		writeAck(w, http.StatusInternalServerError, "Internal server error", 8)
	case ResponseServiceUnavailable:
		writeAck(w, http.StatusServiceUnavailable, "Server is busy", 9)
	case ResponseAckFailure:
		writeAck(w, http.StatusOK, "Incorrect index", 7)
	case ResponseGarbage:
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "<html>ok</html>")
	}
}

func (m *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !m.authorised(r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	writeAck(w, http.StatusOK, "HEC is healthy", 17)
}

func writeAck(w http.ResponseWriter, status int, text string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"text":%q,"code":%d}`, text, code)
}
