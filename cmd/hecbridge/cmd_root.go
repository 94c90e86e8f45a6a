package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/scottbrown/hecbridge"
	"github.com/scottbrown/hecbridge/internal/audit"
	"github.com/scottbrown/hecbridge/internal/config"
	"github.com/scottbrown/hecbridge/internal/metrics"
)

// shutdownTimeout bounds the HTTP drain on SIGINT/SIGTERM.
const shutdownTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:          hecbridge.AppName,
	Short:        "Bridge Splunk HEC traffic through Kafka",
	Long:         "Accepts Splunk HTTP Event Collector requests and produces them to Kafka (source), or consumes Kafka topics and delivers them to HEC collectors (sink).",
	Version:      hecbridge.Version(),
	SilenceUsage: true,
}

// newLogger builds the process logger: JSON lines with UTC timestamps.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.TimeValue(t.UTC())
				}
			}
			return a
		},
	})
	return slog.New(handler)
}

// loadConfig reads the configuration file, applies flag overrides and
// installs the default logger at the configured level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	applyFlagOverrides(cmd, cfg)

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "invalid log level %q, using info\n", cfg.LogLevel)
		level = slog.LevelInfo
	}
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), level))
	return cfg, nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
}

func openAudit(cfg *config.Config) (*audit.Logger, error) {
	auditLog, err := audit.New(audit.Config{
		Enabled: cfg.Audit.Enabled,
		LogFile: cfg.Audit.LogFile,
		Format:  cfg.Audit.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	if auditLog.Enabled() {
		slog.Info("audit logging enabled", "file", cfg.Audit.LogFile, "format", cfg.Audit.Format)
	}
	return auditLog, nil
}

func startMetrics(cfg *config.Config, health http.Handler) error {
	metrics.Init(hecbridge.Version())
	return metrics.StartServer(cfg.MetricsAddr, health)
}
