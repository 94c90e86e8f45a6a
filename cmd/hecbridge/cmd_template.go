package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scottbrown/hecbridge/internal/config"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Output configuration template",
	Long:  "Output a YAML configuration template and exit",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), config.GetTemplate())
	},
}
