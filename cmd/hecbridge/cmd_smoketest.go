package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/scottbrown/hecbridge/internal/config"
	"github.com/scottbrown/hecbridge/internal/hec"
	"github.com/scottbrown/hecbridge/internal/healthcheck"
	"github.com/scottbrown/hecbridge/internal/kafka"
)

var smokeTestCmd = &cobra.Command{
	Use:   "smoke-test",
	Short: "Test Kafka and Splunk HEC connectivity",
	Long:  "Ping the Kafka brokers and the health endpoint of every configured HEC target, then exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return performSmokeTest(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

// performSmokeTest checks every configured dependency and reports each on w.
func performSmokeTest(ctx context.Context, cfg *config.Config, w io.Writer) error {
	var failed bool

	fmt.Fprintf(w, "Testing Kafka connectivity...\n")
	fmt.Fprintf(w, "Brokers: %v\n", cfg.Kafka.Brokers)
	if err := pingKafka(ctx, cfg.Kafka); err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		failed = true
	} else {
		fmt.Fprintf(w, "Success: Kafka is reachable\n")
	}

	if len(cfg.Sink.HECTargets) == 0 {
		fmt.Fprintf(w, "No HEC targets configured, skipping collector check\n")
	} else {
		for _, target := range cfg.Sink.HECTargets {
			fmt.Fprintf(w, "Testing Splunk HEC connectivity...\n")
			fmt.Fprintf(w, "Target: %s URL: %s\n", target.Name, target.URL)
			if err := pingCollector(ctx, target); err != nil {
				fmt.Fprintf(w, "Error: %v\n", err)
				fmt.Fprintf(w, "Please verify your Splunk HEC URL and token are correct\n")
				failed = true
				continue
			}
			fmt.Fprintf(w, "Success: Splunk HEC is reachable and token is valid\n")
		}
	}

	if failed {
		return errors.New("smoke test failed")
	}
	return nil
}

func pingKafka(ctx context.Context, cfg config.KafkaConfig) error {
	producer, err := kafka.NewProducer(cfg)
	if err != nil {
		return err
	}
	defer producer.Close()

	ctx, cancel := context.WithTimeout(ctx, healthcheck.Timeout)
	defer cancel()
	return producer.Ping(ctx)
}

func pingCollector(ctx context.Context, target config.HECTarget) error {
	client, err := hec.New(hec.ConfigFromTarget(target))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, healthcheck.Timeout)
	defer cancel()
	return client.HealthCheck(ctx)
}
