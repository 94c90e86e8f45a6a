//go:build integration

package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/scottbrown/hecbridge/internal/testutil/bridgetest"
	"github.com/scottbrown/hecbridge/internal/testutil/fixtures"
	"github.com/scottbrown/hecbridge/internal/testutil/hecclient"
	"github.com/scottbrown/hecbridge/internal/testutil/hecmock"
)

// TestTopicPerIndex routes each index to its own topic and consumes them
// all back.
func TestTopicPerIndex(t *testing.T) {
	collector := hecmock.New("test-token-topics")
	defer collector.Close()

	bridge := bridgetest.New(t,
		bridgetest.WithHEC(collector.EventURL(), "test-token-topics", false),
		bridgetest.WithTopicPerIndex("hec-", "main", "security", "scratch", "default"),
	)
	bridge.MustStart()

	client := hecclient.New(bridge.EventURL())
	resp := post(t, client, fixtures.LoadFixtureBytes(t, "mixed-indexes.json"), 4)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	lines := strings.Join(waitForLines(t, collector, 4), "\n")
	for _, idx := range []string{"main", "security", "scratch", "default"} {
		if !strings.Contains(lines, `"index":"`+idx+`"`) {
			t.Errorf("Expected an event for index %s, got:\n%s", idx, lines)
		}
	}
}
