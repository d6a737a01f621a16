package main

import (
	"time"

	"github.com/spf13/cobra"
)

var (
	adminAddr string
	timeout   time.Duration

	rootCmd = &cobra.Command{
		Use:           "kvrepaird",
		Short:         "Replicated key-value node with anti-entropy repair",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin", "127.0.0.1:10000", "admin API address of the target node")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "request timeout")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(repairCmd)
	repairCmd.AddCommand(repairStatusCmd)

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configListCmd)

	rootCmd.AddCommand(injectionCmd)
	injectionCmd.AddCommand(injectionEnableCmd)
	injectionCmd.AddCommand(injectionGetCmd)
	injectionCmd.AddCommand(injectionDisableCmd)
	injectionEnableCmd.Flags().Bool("one-shot", false, "disable the point after it fires once")
	injectionEnableCmd.Flags().StringToString("param", nil, "initial parameters, key=value")

	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(compactCmd)
}
