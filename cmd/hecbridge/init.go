package main

func init() {
	// Add subcommands
	rootCmd.AddCommand(sourceCmd)
	rootCmd.AddCommand(sinkCmd)
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(smokeTestCmd)

	// Root command flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "f", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides log_level")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address; overrides metrics_addr")
}
