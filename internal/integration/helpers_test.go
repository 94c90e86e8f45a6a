//go:build integration

package integration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/scottbrown/hecbridge/internal/testutil/hecclient"
	"github.com/scottbrown/hecbridge/internal/testutil/hecmock"
)

const deliveryTimeout = 10 * time.Second

// waitForLines polls the collector until it has recorded at least n lines.
func waitForLines(t *testing.T, hec *hecmock.Server, n int) []string {
	t.Helper()

	deadline := time.Now().Add(deliveryTimeout)
	for time.Now().Before(deadline) {
		if lines := hec.Lines(); len(lines) >= n {
			return lines
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d lines, collector has %d", n, len(hec.Lines()))
	return nil
}

// post sends a body and fails the test on transport errors.
func post(t *testing.T, client *hecclient.Client, body []byte, events int) hecclient.Response {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.SendBody(ctx, body, events)
	if err != nil {
		t.Fatalf("Failed to send events: %v", err)
	}
	return resp
}

func containsAll(line string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(line, p) {
			return false
		}
	}
	return true
}
