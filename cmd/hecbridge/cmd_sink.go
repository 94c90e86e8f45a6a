package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scottbrown/hecbridge/internal/bridge"
)

var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Consume Kafka topics and deliver them to HEC",
	Long:  "Consume the configured topics and deliver each batch to the HEC targets. Offsets are committed only after a batch is accepted.",
	Args:  cobra.NoArgs,
	RunE:  runSink,
}

func runSink(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	auditLog, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	snk, err := bridge.NewSink(cfg, auditLog)
	if err != nil {
		return err
	}
	if err := startMetrics(cfg, snk.Health()); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("sink started", "topics", cfg.Kafka.ConsumeTopics, "group", cfg.Kafka.ConsumerGroup, "targets", len(cfg.Sink.HECTargets))
	if err := snk.Run(ctx); err != nil {
		slog.Error("sink stopped", "error", err)
		return err
	}
	slog.Info("sink stopped")
	return nil
}
