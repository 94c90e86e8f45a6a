package metrics

import (
	"expvar"
	"log/slog"
	"net/http"
	"time"
)

// StartServer starts the metrics HTTP server on the specified address.
// It serves expvar at /debug/vars and the given health handler at /healthz.
// If addr is empty, the server is not started.
func StartServer(addr string, health http.Handler) error {
	if addr == "" {
		slog.Info("metrics server disabled")
		return nil
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           NewMux(health),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	slog.Info("starting metrics server", "addr", addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	return nil
}

// NewMux builds the metrics routes. A nil health handler answers 200 OK.
func NewMux(health http.Handler) *http.ServeMux {
	if health == nil {
		health = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.Handle("/healthz", health)
	return mux
}
