//go:build integration

package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/scottbrown/hecbridge/internal/config"
	"github.com/scottbrown/hecbridge/internal/testutil/bridgetest"
	"github.com/scottbrown/hecbridge/internal/testutil/fixtures"
	"github.com/scottbrown/hecbridge/internal/testutil/hecclient"
	"github.com/scottbrown/hecbridge/internal/testutil/hecmock"
)

// TestIndexAllowList drops events for unlisted indexes but still acks the
// request.
func TestIndexAllowList(t *testing.T) {
	hec := hecmock.New("test-token-index")
	defer hec.Close()

	bridge := bridgetest.New(t,
		bridgetest.WithHEC(hec.EventURL(), "test-token-index", false),
		bridgetest.WithAllowedIndexes("main", "security"),
		bridgetest.WithAudit(),
	)
	bridge.MustStart()

	client := hecclient.New(bridge.EventURL())
	body := fixtures.LoadFixtureBytes(t, "mixed-indexes.json")

	resp := post(t, client, body, 4)
	if resp.StatusCode != http.StatusOK || !resp.Ack.Success() {
		t.Fatalf("Expected success ack, got %d %+v", resp.StatusCode, resp.Ack)
	}

	lines := waitForLines(t, hec, 3)
	for _, line := range lines {
		if strings.Contains(line, `"index":"scratch"`) {
			t.Errorf("Disallowed index delivered: %s", line)
		}
	}
	if !containsAll(strings.Join(lines, "\n"), `"index":"default"`, `"index":"security"`, `"index":"main"`) {
		t.Errorf("Expected main, security and default index lines, got %v", lines)
	}
	if !strings.Contains(bridge.AuditLog(), `"events.dropped"`) {
		t.Error("Expected an events.dropped audit entry")
	}

	if err := bridge.Reload(func(c *config.Config) { c.Source.AllowedIndexes = nil }); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	post(t, client, body, 4)

	lines = waitForLines(t, hec, 7)
	if !strings.Contains(strings.Join(lines, "\n"), `"index":"scratch"`) {
		t.Error("Expected scratch events after the allow-list was cleared")
	}
	if !strings.Contains(bridge.AuditLog(), `"config.changed"`) {
		t.Error("Expected a config.changed audit entry")
	}
}

// TestReload_RejectsStaticChange refuses to change settings that need a
// restart.
func TestReload_RejectsStaticChange(t *testing.T) {
	bridge := bridgetest.New(t)
	bridge.MustStart()

	err := bridge.Reload(func(c *config.Config) { c.Kafka.Topic = "elsewhere" })
	if err == nil {
		t.Fatal("Expected reload to reject a topic change")
	}
}
