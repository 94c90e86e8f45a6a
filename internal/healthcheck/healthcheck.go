// Package healthcheck answers HEC-style health checks.
package healthcheck

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Ack codes a HEC collector returns from its health endpoint.
const (
	CodeHealthy   = 17
	CodeUnhealthy = 18
)

// Check reports an error when a dependency is unavailable.
type Check func(ctx context.Context) error

// Named labels a check in logs.
type Named struct {
	Name  string
	Check Check
}

// Timeout bounds each check.
const Timeout = 5 * time.Second

// Handler runs every check on GET and answers 200 with code 17 when all pass,
// or 503 with code 18 otherwise.
func Handler(checks ...Named) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), Timeout)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				slog.Warn("health check failed", "check", c.Name, "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"text":"HEC is unhealthy","code":18}`))
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"text":"HEC is healthy","code":17}`))
	})
}
