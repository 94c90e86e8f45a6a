package main

import (
	"log/slog"
	"os"
)

func main() {
	// Until a configuration is loaded, log JSON to stderr at info.
	slog.SetDefault(newLogger(os.Stderr, slog.LevelInfo))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
