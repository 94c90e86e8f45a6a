package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scottbrown/hecbridge/internal/bridge"
	"github.com/scottbrown/hecbridge/internal/config"
)

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Accept HEC requests and produce them to Kafka",
	Long:  "Run the HEC-compatible ingestion endpoint. Accepted events are queued and produced to Kafka. SIGHUP reloads the ACL and index allow-list.",
	Args:  cobra.NoArgs,
	RunE:  runSource,
}

func runSource(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	auditLog, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	src, err := bridge.NewSource(cfg, auditLog)
	if err != nil {
		return err
	}
	if err := startMetrics(cfg, src.Health()); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	if err := src.Start(); err != nil {
		return err
	}
	slog.Info("source started", "addr", src.Addr().String(), "path", cfg.Source.CollectorPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, reloading configuration")
			if err := reloadSource(configFile, src); err != nil {
				slog.Error("failed to reload configuration", "error", err)
			}
			continue
		}

		slog.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := src.Shutdown(ctx); err != nil {
		slog.Warn("source shutdown incomplete", "error", err)
		return err
	}
	slog.Info("source stopped")
	return nil
}

// reloader applies a freshly loaded configuration.
type reloader interface {
	Reload(next *config.Config) error
}

func reloadSource(path string, r reloader) error {
	next, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return r.Reload(next)
}
