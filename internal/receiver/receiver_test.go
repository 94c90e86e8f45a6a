package receiver

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/scottbrown/hecbridge/internal/audit"
	"github.com/scottbrown/hecbridge/internal/converter"
	"github.com/scottbrown/hecbridge/internal/queue"
	"github.com/scottbrown/hecbridge/internal/record"
)

var fixedNow = time.Date(2016, 8, 29, 0, 0, 0, 0, time.UTC)

func newHandler(cfg Config) (*Handler, *queue.Queue[record.Record]) {
	q := queue.New[record.Record]()
	conv := converter.New(converter.Config{
		DefaultIndex: "default",
		Clock:        func() time.Time { return fixedNow },
	}, converter.NewTopicRouter("splunk-events", false))
	return New(cfg, conv, q, nil), q
}

func post(h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/services/collector/event", strings.NewReader(body))
	req.RemoteAddr = "192.168.1.10:51234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngest(t *testing.T) {
	errRead := errors.New("connection reset")

	tests := []struct {
		name    string
		body    io.Reader
		allowed []string
		want    Result
		wantErr bool
	}{
		{
			name: "all queued",
			body: strings.NewReader(`{"event":"a"}{"event":"b"}`),
			want: Result{Queued: 2},
		},
		{
			name:    "disallowed index counted",
			body:    strings.NewReader(`{"index":"main","event":"a"}{"index":"scratch","event":"b"}`),
			allowed: []string{"main"},
			want:    Result{Queued: 1, Dropped: 1},
		},
		{
			name:    "bad event queues nothing",
			body:    strings.NewReader(`{"event":"a"}[1]`),
			wantErr: true,
		},
		{
			name:    "reader failure queues nothing",
			body:    io.MultiReader(strings.NewReader(`{"event":"a"}`), iotest.ErrReader(errRead)),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, q := newHandler(Config{AllowedIndexes: tt.allowed})

			res, err := h.Ingest(tt.body, "10.0.0.1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if res != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, res)
			}
			if q.Size() != tt.want.Queued {
				t.Errorf("expected %d queued, got %d", tt.want.Queued, q.Size())
			}
		})
	}
}

func TestServeHTTP_Success(t *testing.T) {
	h, q := newHandler(Config{})

	body := `{"time":1472266250.342,"host":"localhost","event":"one"}
{"event":"two"}   {"event":{"k":"v"}}`
	rec := post(h, body, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != ackSuccess {
		t.Errorf("unexpected ack: %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected nosniff header")
	}

	items, ok := q.Drain(0)
	if !ok || len(items) != 3 {
		t.Fatalf("expected 3 queued records, got %d", len(items))
	}
	if items[0].Host != "localhost" || items[0].Event != "one" {
		t.Errorf("unexpected first record: %+v", items[0])
	}
	if items[1].Host != "192.168.1.10" {
		t.Errorf("expected peer address as host, got %q", items[1].Host)
	}
	if items[2].Time != fixedNow {
		t.Errorf("expected clock time, got %v", items[2].Time)
	}
}

func TestServeHTTP_EmptyBody(t *testing.T) {
	h, q := newHandler(Config{})

	rec := post(h, "  \n", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if q.Size() != 0 {
		t.Errorf("expected empty queue, got %d", q.Size())
	}
}

func TestServeHTTP_DisallowedIndexDropped(t *testing.T) {
	h, q := newHandler(Config{AllowedIndexes: []string{"main"}})

	rec := post(h, `{"index":"other","event":"x"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if q.Size() != 0 {
		t.Errorf("disallowed event should not be queued, queue size %d", q.Size())
	}
}

func TestServeHTTP_AllowList(t *testing.T) {
	h, q := newHandler(Config{AllowedIndexes: []string{"main"}})

	body := `{"index":"main","event":1}{"index":"other","event":2}{"event":3}{"index":null,"event":4}`
	rec := post(h, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	items, _ := q.Drain(0)
	if len(items) != 3 {
		t.Fatalf("expected 3 queued records, got %d", len(items))
	}
	wantIndexes := []string{"main", "default", "default"}
	for i, want := range wantIndexes {
		if items[i].Index != want {
			t.Errorf("record %d: expected index %q, got %q", i, want, items[i].Index)
		}
	}
}

func TestServeHTTP_SetAllowedIndexes(t *testing.T) {
	h, q := newHandler(Config{AllowedIndexes: []string{"main"}})

	h.SetAllowedIndexes([]string{"other"})
	post(h, `{"index":"other"}{"index":"main"}`, nil)
	if q.Size() != 1 {
		t.Errorf("expected 1 queued after reload, got %d", q.Size())
	}

	h.SetAllowedIndexes(nil)
	post(h, `{"index":"anything"}`, nil)
	if q.Size() != 2 {
		t.Errorf("empty allow-list should accept all, queue size %d", q.Size())
	}
}

func TestServeHTTP_PartialFailureQueuesNothing(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json after valid events", body: `{"event":"a"}{"event":"b"}{"event":`},
		{name: "non-object event", body: `{"event":"a"}"bare string"`},
		{name: "array event", body: `{"event":"a"}[1,2]`},
		{name: "garbage", body: `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, q := newHandler(Config{})

			rec := post(h, tt.body, nil)
			if rec.Code != http.StatusInternalServerError {
				t.Errorf("expected 500, got %d", rec.Code)
			}
			if rec.Body.String() != ackInvalidData {
				t.Errorf("unexpected ack: %s", rec.Body.String())
			}
			if q.Size() != 0 {
				t.Errorf("failed request must not queue events, got %d", q.Size())
			}
		})
	}
}

func TestServeHTTP_MethodNotAllowed(t *testing.T) {
	h, _ := newHandler(Config{})

	req := httptest.NewRequest(http.MethodGet, "/services/collector/event", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Errorf("expected Allow: POST, got %q", rec.Header().Get("Allow"))
	}
}

func TestServeHTTP_BodyTooLarge(t *testing.T) {
	h, q := newHandler(Config{MaxBodyBytes: 32})

	rec := post(h, `{"event":"this body is longer than thirty-two bytes"}`, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
	if q.Size() != 0 {
		t.Errorf("expected nothing queued, got %d", q.Size())
	}
}

func TestServeHTTP_Gzip(t *testing.T) {
	h, q := newHandler(Config{})

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{"event":"compressed"}{"event":"too"}`))
	_ = zw.Close()

	rec := post(h, buf.String(), map[string]string{"Content-Encoding": "gzip"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if q.Size() != 2 {
		t.Errorf("expected 2 queued, got %d", q.Size())
	}

	bad := post(h, "not gzip", map[string]string{"Content-Encoding": "gzip"})
	if bad.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for corrupt gzip, got %d", bad.Code)
	}
}

func TestServeHTTP_ForwardedFor(t *testing.T) {
	h, q := newHandler(Config{})

	post(h, `{"event":"x"}`, map[string]string{"X-Forwarded-For": " 10.1.2.3 , 172.16.0.1"})

	items, _ := q.Drain(0)
	if len(items) != 1 || items[0].Host != "10.1.2.3" {
		t.Errorf("expected forwarded client as host, got %+v", items)
	}
}

func TestServeHTTP_Audit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	auditLog, err := audit.New(audit.Config{Enabled: true, LogFile: path, Format: "json"})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	defer auditLog.Close()

	q := queue.New[record.Record]()
	conv := converter.New(converter.Config{}, converter.NewTopicRouter("t", false))
	h := New(Config{AllowedIndexes: []string{"main"}}, conv, q, auditLog)

	post(h, `{"index":"other"}`, nil)
	post(h, `{`, nil)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	out := string(data)
	for _, want := range []string{`"events.dropped"`, `"request.accepted"`, `"request.failed"`} {
		if !strings.Contains(out, want) {
			t.Errorf("audit log missing %s:\n%s", want, out)
		}
	}
}

func TestRemoteHost(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		expected   string
	}{
		{name: "peer ipv4", remoteAddr: "192.168.1.10:5000", expected: "192.168.1.10"},
		{name: "peer ipv6", remoteAddr: "[::1]:5000", expected: "::1"},
		{name: "no port", remoteAddr: "pipe", expected: "pipe"},
		{name: "forwarded", remoteAddr: "10.0.0.1:1", xff: "203.0.113.5", expected: "203.0.113.5"},
		{name: "forwarded chain", remoteAddr: "10.0.0.1:1", xff: "203.0.113.5, 10.0.0.1", expected: "203.0.113.5"},
		{name: "blank forwarded", remoteAddr: "10.0.0.1:1", xff: " , ", expected: "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := RemoteHost(req); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}
