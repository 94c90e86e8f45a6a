package bridge_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/scottbrown/hecbridge/internal/bridge"
	"github.com/scottbrown/hecbridge/internal/config"
	"github.com/scottbrown/hecbridge/internal/testutil/bridgetest"
	"github.com/scottbrown/hecbridge/internal/testutil/hecclient"
	"github.com/scottbrown/hecbridge/internal/testutil/hecmock"
)

func parse(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func TestNewSource_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "collector path",
			yaml: "kafka:\n  brokers: [\"127.0.0.1:9092\"]\nsource:\n  collector_path: services/collector\n",
			want: "collector_path",
		},
		{
			name: "empty allowed index",
			yaml: "kafka:\n  brokers: [\"127.0.0.1:9092\"]\nsource:\n  allowed_indexes: [\"main\", \"\"]\n",
			want: "allowed_indexes[1]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bridge.NewSource(parse(t, tt.yaml), nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestNewSink_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no topics",
			yaml: "kafka:\n  brokers: [\"127.0.0.1:9092\"]\nsink:\n  hec_targets:\n    - {name: a, url: \"http://127.0.0.1:8088/services/collector/event\", token: t}\n",
			want: "consume_topics",
		},
		{
			name: "no targets",
			yaml: "kafka:\n  brokers: [\"127.0.0.1:9092\"]\n  consume_topics: [events]\n",
			want: "hec_targets",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bridge.NewSink(parse(t, tt.yaml), nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSourceToSink(t *testing.T) {
	collector := hecmock.New("bridge-token")
	defer collector.Close()

	inst := bridgetest.New(t, bridgetest.WithHEC(collector.EventURL(), "bridge-token", true))
	inst.MustStart()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := hecclient.New(inst.EventURL()).Send(ctx,
		`{"host":"web-1","index":"main","event":"one"}`,
		`{"host":"web-1","index":"main","event":"two"}`,
	)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.Ack.Success() {
		t.Fatalf("expected success ack, got %+v", resp.Ack)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && len(collector.Lines()) < 2 {
		time.Sleep(20 * time.Millisecond)
	}
	lines := collector.Lines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 delivered lines, got %v", lines)
	}
	// One host means one partition, so order holds.
	if !strings.Contains(lines[0], `"event":"one"`) || !strings.Contains(lines[1], `"event":"two"`) {
		t.Errorf("unexpected delivery order: %v", lines)
	}
	for _, req := range collector.Requests() {
		if !req.Compressed {
			t.Error("expected gzip bodies")
		}
	}
}

func TestHealth(t *testing.T) {
	collector := hecmock.New("health-token")
	defer collector.Close()

	inst := bridgetest.New(t, bridgetest.WithHEC(collector.EventURL(), "health-token", false))
	inst.MustStart()

	handlers := map[string]http.Handler{
		"source": inst.Source.Health(),
		"sink":   inst.Sink.Health(),
	}
	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != http.StatusOK {
				t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSource_ShutdownFlushesQueue(t *testing.T) {
	inst := bridgetest.New(t)
	inst.MustStart()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := hecclient.New(inst.EventURL()).Send(ctx, `{"event":"last"}`); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := inst.Source.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n := inst.Source.QueueSize(); n != 0 {
		t.Errorf("expected an empty queue after shutdown, got %d", n)
	}
}
