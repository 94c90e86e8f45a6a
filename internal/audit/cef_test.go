package audit

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFormatCEF(t *testing.T) {
	event := Event{
		Timestamp: time.UnixMilli(1472256858924),
		EventType: EventRequestRejected,
		Success:   false,
		Actor:     "203.0.113.5",
		Resource:  "/services/collector/event",
		Action:    "ingest",
		Result:    "denied by acl",
		RequestID: "abc",
		Details:   map[string]any{"b": 2, "a": "x=y"},
	}

	got := string(formatCEF(event))

	if !strings.HasPrefix(got, "CEF:0|hecbridge|HEC Kafka Bridge|") {
		t.Errorf("unexpected header: %s", got)
	}
	for _, want := range []string{
		"|request.rejected|ingest|7|",
		"src=203.0.113.5",
		"outcome=denied by acl",
		"request=/services/collector/event",
		"cs2=abc cs2Label=Request ID",
		`cs1=a\=x\=y b\=2 cs1Label=Details`,
		"rt=1472256858924",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in %s", want, got)
		}
	}
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		event    Event
		expected int
	}{
		{event: Event{EventType: EventBatchFailed}, expected: 8},
		{event: Event{EventType: EventRequestRejected}, expected: 7},
		{event: Event{EventType: EventRequestFailed}, expected: 5},
		{event: Event{EventType: EventEventsDropped, Success: true}, expected: 4},
		{event: Event{EventType: EventServerStart, Success: true}, expected: 3},
		{event: Event{EventType: EventRequestAccepted, Success: true}, expected: 2},
		{event: Event{EventType: EventBatchDelivered, Success: false}, expected: 6},
	}

	for _, tt := range tests {
		t.Run(string(tt.event.EventType), func(t *testing.T) {
			if got := severity(tt.event); got != tt.expected {
				t.Errorf("expected severity %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestCEFEscape(t *testing.T) {
	tests := []struct {
		in, expected string
	}{
		{in: `a\b`, expected: `a\\b`},
		{in: "k=v", expected: `k\=v`},
		{in: "line1\nline2\r", expected: `line1\nline2\r`},
		{in: "pipe|ok", expected: "pipe|ok"},
	}
	for _, tt := range tests {
		if got := cefEscape(tt.in); got != tt.expected {
			t.Errorf("cefEscape(%q): expected %q, got %q", tt.in, tt.expected, got)
		}
	}
	if got := cefHeaderEscape("a|b"); got != `a\|b` {
		t.Errorf("expected header pipe escaped, got %q", got)
	}
}

func TestLog_CEFFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.cef")
	l, err := New(Config{Enabled: true, LogFile: path, Format: "cef"})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.Log(Event{EventType: EventConfigChange, Success: true, Action: "reload", Actor: "sighup"}); err != nil {
		t.Fatal(err)
	}

	lines := readLines(t, path)
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "CEF:0|") {
		t.Errorf("expected one CEF line, got %q", lines)
	}
}
